// Package ocr talks to the remote recognition service and wraps each
// submission with admission-gate checks and fixed-interval retry on
// backpressure.
//
// Two transports exist for the same service: the native /ocr form endpoint
// and the service's OpenAI-compatible /v1/chat/completions endpoint. Both
// return the same Result shape.
package ocr

import (
	"context"
	"errors"
	"time"
)

// Client recognizes a single page image.
type Client interface {
	// Name returns the transport identifier ("native" or "chat").
	Name() string

	// Recognize extracts text from one page image.
	Recognize(ctx context.Context, image []byte, pageNum int) (*Result, error)

	// HealthCheck verifies the service is reachable.
	HealthCheck(ctx context.Context) error
}

// Result is the service's recognition output for one page.
type Result struct {
	Success    bool      `json:"success"`
	Text       string    `json:"text"`     // display text, grounding markers stripped
	RawText    string    `json:"raw_text"` // model output as-is
	Boxes      []Box     `json:"boxes"`
	ImageDims  ImageDims `json:"image_dims"`
	PromptType string    `json:"prompt_type"`

	ExecutionTime time.Duration `json:"-"`
}

// Box is one grounded detection, coordinates scaled to the original image.
type Box struct {
	Label string `json:"label"`
	Box   [4]int `json:"box"` // x1, y1, x2, y2
}

// ImageDims is the original image size the box coordinates refer to.
type ImageDims struct {
	W int `json:"w"`
	H int `json:"h"`
}

// Backpressure and transport error classes. Queue-full is the only transient
// class; everything else is fatal to the submission.
var (
	// ErrQueueFull means the service's request queue is saturated. The
	// authoritative signal is a "queue full" detail in the error body,
	// closing the race where capacity changes between the gate pre-check
	// and the call.
	ErrQueueFull = errors.New("ocr service queue full")

	// ErrUnreachable means the service could not be contacted at all.
	// Not transient in this design: submissions fail fast without retry.
	ErrUnreachable = errors.New("ocr service unreachable")
)

// IsQueueFull reports whether err is the backpressure class.
func IsQueueFull(err error) bool {
	return errors.Is(err, ErrQueueFull)
}

// IsUnreachable reports whether err is the transport-failure class.
func IsUnreachable(err error) bool {
	return errors.Is(err, ErrUnreachable)
}
