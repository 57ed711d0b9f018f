package ocr

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNativeClient_Recognize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ocr" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			t.Errorf("request is not multipart: %v", err)
		}
		if got := r.FormValue("prompt_type"); got != "document" {
			t.Errorf("prompt_type = %q, want document", got)
		}
		if _, _, err := r.FormFile("file"); err != nil {
			t.Errorf("missing file field: %v", err)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"code": 200, "success": true,
			"text": "Hello world",
			"raw_text": "<|ref|>Hello world<|/ref|><|det|>[[10, 10, 500, 50]]<|/det|>",
			"boxes": [{"label": "Hello world", "box": [8, 4, 420, 21]}],
			"image_dims": {"w": 816, "h": 1056},
			"prompt_type": "document"
		}`))
	}))
	defer srv.Close()

	c := NewNativeClient(NativeClientConfig{Endpoint: srv.URL})
	res, err := c.Recognize(context.Background(), []byte("png bytes"), 1)
	if err != nil {
		t.Fatalf("Recognize failed: %v", err)
	}
	if res.Text != "Hello world" {
		t.Errorf("text = %q", res.Text)
	}
	if len(res.Boxes) != 1 || res.Boxes[0].Label != "Hello world" {
		t.Errorf("boxes = %+v", res.Boxes)
	}
	if res.ImageDims.W != 816 || res.ImageDims.H != 1056 {
		t.Errorf("dims = %+v", res.ImageDims)
	}
}

func TestNativeClient_QueueFullClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		full   bool
	}{
		{"detail string", http.StatusInternalServerError, `{"detail": "request queue full, try again later"}`, true},
		{"429", http.StatusTooManyRequests, `rate limited`, true},
		{"503", http.StatusServiceUnavailable, `overloaded`, true},
		{"generic 500", http.StatusInternalServerError, `{"detail": "cuda out of memory"}`, false},
		{"404", http.StatusNotFound, `not found`, false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(c.status)
				w.Write([]byte(c.body))
			}))
			defer srv.Close()

			client := NewNativeClient(NativeClientConfig{Endpoint: srv.URL})
			_, err := client.Recognize(context.Background(), []byte("img"), 1)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := IsQueueFull(err); got != c.full {
				t.Errorf("IsQueueFull = %v, want %v (err: %v)", got, c.full, err)
			}
		})
	}
}

func TestNativeClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := NewNativeClient(NativeClientConfig{Endpoint: srv.URL})
	_, err := c.Recognize(context.Background(), []byte("img"), 1)
	if !IsUnreachable(err) {
		t.Errorf("expected unreachable, got %v", err)
	}
}

func TestNativeClient_RejectsMalformedPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// success is a string, not a boolean
		w.Write([]byte(`{"success": "yes", "text": "x", "raw_text": "x"}`))
	}))
	defer srv.Close()

	c := NewNativeClient(NativeClientConfig{Endpoint: srv.URL})
	if _, err := c.Recognize(context.Background(), []byte("img"), 1); err == nil {
		t.Fatal("expected validation error for malformed payload")
	}
}

func TestCleanGroundingText(t *testing.T) {
	in := "<|grounding|><|ref|>Title<|/ref|><|det|>[[10, 10, 900, 80]]<|/det|>\nBody text"
	if got := CleanGroundingText(in); got != "Title\nBody text" {
		t.Errorf("got %q", got)
	}
}

func TestParseDetections(t *testing.T) {
	in := "<|ref|>Title<|/ref|><|det|>[[0, 0, 999, 999]]<|/det|>"
	boxes := ParseDetections(in, 800, 600)
	if len(boxes) != 1 {
		t.Fatalf("expected 1 box, got %d", len(boxes))
	}
	if boxes[0].Box != [4]int{0, 0, 800, 600} {
		t.Errorf("box = %v", boxes[0].Box)
	}

	// Multiple boxes under one label
	multi := "<|ref|>para<|/ref|><|det|>[[0, 0, 499, 499], [500, 500, 999, 999]]<|/det|>"
	boxes = ParseDetections(multi, 999, 999)
	if len(boxes) != 2 {
		t.Fatalf("expected 2 boxes, got %d", len(boxes))
	}
}
