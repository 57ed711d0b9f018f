package pages

import "testing"

func TestCanTransition_HappyPath(t *testing.T) {
	path := []Status{
		StatusPendingRender,
		StatusRendering,
		StatusReady,
		StatusPendingOCR,
		StatusRecognizing,
		StatusOCRSuccess,
		StatusPendingGen,
		StatusGeneratingMarkdown,
		StatusMarkdownSuccess,
		StatusGeneratingPDF,
		StatusPDFSuccess,
		StatusGeneratingDocx,
		StatusCompleted,
	}

	for i := 0; i < len(path)-1; i++ {
		if !CanTransition(path[i], path[i+1]) {
			t.Errorf("expected %s -> %s to be legal", path[i], path[i+1])
		}
	}
}

func TestCanTransition_ErrorReachable(t *testing.T) {
	nonTerminal := []Status{
		StatusPendingRender, StatusRendering, StatusReady,
		StatusPendingOCR, StatusRecognizing, StatusOCRSuccess,
		StatusPendingGen, StatusGeneratingMarkdown, StatusMarkdownSuccess,
		StatusGeneratingPDF, StatusPDFSuccess, StatusGeneratingDocx,
	}
	for _, s := range nonTerminal {
		if !CanTransition(s, StatusError) {
			t.Errorf("expected %s -> error to be legal", s)
		}
	}
}

func TestCanTransition_ReRecognition(t *testing.T) {
	// ocr_success is not terminal: re-recognition re-enters pending_ocr.
	if !CanTransition(StatusOCRSuccess, StatusPendingOCR) {
		t.Error("expected ocr_success -> pending_ocr to be legal")
	}
	// error allows manual retry of each stage
	for _, to := range []Status{StatusPendingRender, StatusPendingOCR, StatusPendingGen} {
		if !CanTransition(StatusError, to) {
			t.Errorf("expected error -> %s to be legal", to)
		}
	}
}

func TestCanTransition_Supersession(t *testing.T) {
	// A resubmission while a stage is pending or in flight re-enters the
	// stage's pending state; resume relies on the same edges.
	cases := []struct{ from, to Status }{
		{StatusPendingOCR, StatusPendingOCR},
		{StatusRecognizing, StatusPendingOCR},
		{StatusPendingGen, StatusPendingGen},
		{StatusGeneratingMarkdown, StatusPendingGen},
		{StatusMarkdownSuccess, StatusPendingGen},
		{StatusGeneratingPDF, StatusPendingGen},
		{StatusPDFSuccess, StatusPendingGen},
		{StatusGeneratingDocx, StatusPendingGen},
		{StatusCompleted, StatusPendingOCR},
		{StatusCompleted, StatusPendingGen},
		{StatusRendering, StatusPendingRender},
	}
	for _, c := range cases {
		if !CanTransition(c.from, c.to) {
			t.Errorf("expected %s -> %s to be legal", c.from, c.to)
		}
	}
}

func TestCanTransition_Illegal(t *testing.T) {
	cases := []struct{ from, to Status }{
		{StatusPendingRender, StatusReady},      // must pass through rendering
		{StatusReady, StatusOCRSuccess},         // must pass through recognizing
		{StatusCompleted, StatusError},          // completed never errors on its own
		{StatusRecognizing, StatusPendingGen},   // generation requires ocr_success
		{StatusGeneratingPDF, StatusPendingOCR}, // mid-generation pages do not re-enter recognition
	}
	for _, c := range cases {
		if CanTransition(c.from, c.to) {
			t.Errorf("expected %s -> %s to be illegal", c.from, c.to)
		}
	}
}

func TestIsTerminalRender(t *testing.T) {
	if IsTerminalRender(StatusPendingRender) || IsTerminalRender(StatusRendering) {
		t.Error("pending_render and rendering are not terminal for render")
	}
	for _, s := range []Status{StatusReady, StatusError, StatusCompleted, StatusRecognizing} {
		if !IsTerminalRender(s) {
			t.Errorf("expected %s to be terminal for render", s)
		}
	}
}
