package pages

// Status is the lifecycle state of a page.
//
// The happy path is linear:
//
//	pending_render → rendering → ready → pending_ocr → recognizing →
//	ocr_success → pending_gen → generating_markdown → markdown_success →
//	generating_pdf → pdf_success → generating_docx → completed
//
// "error" is reachable from every non-terminal state. It is terminal only in
// that no automatic transition occurs; a manual retry re-enters the failed
// stage's pending_* state. ocr_success is not terminal either: re-recognition
// re-enters pending_ocr.
type Status string

const (
	StatusPendingRender      Status = "pending_render"
	StatusRendering          Status = "rendering"
	StatusReady              Status = "ready"
	StatusPendingOCR         Status = "pending_ocr"
	StatusRecognizing        Status = "recognizing"
	StatusOCRSuccess         Status = "ocr_success"
	StatusPendingGen         Status = "pending_gen"
	StatusGeneratingMarkdown Status = "generating_markdown"
	StatusMarkdownSuccess    Status = "markdown_success"
	StatusGeneratingPDF      Status = "generating_pdf"
	StatusPDFSuccess         Status = "pdf_success"
	StatusGeneratingDocx     Status = "generating_docx"
	StatusCompleted          Status = "completed"
	StatusError              Status = "error"
)

// transitions maps each status to the statuses it may advance to. A pending
// or in-flight stage may re-enter its own pending_* state: that is the
// supersede-by-resubmission path, and what resume uses for pages caught
// mid-stage.
var transitions = map[Status][]Status{
	StatusPendingRender:      {StatusRendering, StatusPendingRender, StatusError},
	StatusRendering:          {StatusReady, StatusPendingRender, StatusError},
	StatusReady:              {StatusPendingOCR, StatusError},
	StatusPendingOCR:         {StatusRecognizing, StatusPendingOCR, StatusError},
	StatusRecognizing:        {StatusOCRSuccess, StatusPendingOCR, StatusError},
	StatusOCRSuccess:         {StatusPendingGen, StatusPendingOCR, StatusError},
	StatusPendingGen:         {StatusGeneratingMarkdown, StatusPendingGen, StatusError},
	StatusGeneratingMarkdown: {StatusMarkdownSuccess, StatusPendingGen, StatusError},
	StatusMarkdownSuccess:    {StatusGeneratingPDF, StatusPendingGen, StatusError},
	StatusGeneratingPDF:      {StatusPDFSuccess, StatusPendingGen, StatusError},
	StatusPDFSuccess:         {StatusGeneratingDocx, StatusPendingGen, StatusError},
	StatusGeneratingDocx:     {StatusCompleted, StatusPendingGen, StatusError},
	StatusCompleted:          {StatusPendingOCR, StatusPendingGen},
	StatusError:              {StatusPendingRender, StatusPendingOCR, StatusPendingGen},
}

// CanTransition reports whether moving from one status to another is legal.
// Transitions out of error and completed model explicit user retries.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminalRender reports whether a page is past the render stage. Used by
// source cleanup: a source is deletable once every page referencing it is
// past render.
func IsTerminalRender(s Status) bool {
	switch s {
	case StatusPendingRender, StatusRendering:
		return false
	}
	return true
}

// NonTerminalRenderStatuses are the statuses scanned during startup resume.
func NonTerminalRenderStatuses() []Status {
	return []Status{StatusPendingRender, StatusRendering}
}

// Valid reports whether s is a known status.
func Valid(s Status) bool {
	_, ok := transitions[s]
	return ok
}
