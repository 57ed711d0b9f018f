// Package pages defines the page and source records shared across the
// pipeline. This package has no dependencies on other pagemill packages to
// avoid import cycles.
package pages

import (
	"time"
)

// Page represents one logical page of an imported document.
// One Page exists per rendered (or to-be-rendered) page image.
type Page struct {
	ID       string `json:"id"`
	SourceID string `json:"source_id,omitempty"` // empty for pages added without a source link
	PageNum  int    `json:"page_num"`            // 1-indexed page number within the source
	Sequence int64  `json:"sequence"`            // globally unique display order
	Status   Status `json:"status"`
	Progress int    `json:"progress"` // 0-100

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`

	ImageRef string `json:"image_ref,omitempty"` // blob ref for the rendered page image
	ThumbRef string `json:"thumb_ref,omitempty"` // blob ref for the thumbnail

	// OCR result, populated once recognition succeeds.
	Text    string `json:"text,omitempty"`
	RawText string `json:"raw_text,omitempty"`

	Logs    []LogEntry `json:"logs,omitempty"`
	Outputs []Output   `json:"outputs,omitempty"`
}

// LogEntry is an append-only diagnostic entry attached to a page.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"` // "info" or "error"
	Message string    `json:"message"`
}

// Output is one generated artifact for a page.
type Output struct {
	Format string `json:"format"` // "markdown", "html", "pdf", "docx"
	Ref    string `json:"ref"`    // blob ref
}

// Touch bumps UpdatedAt.
func (p *Page) Touch() {
	p.UpdatedAt = time.Now().UTC()
}

// AppendLog adds a diagnostic entry and bumps UpdatedAt.
func (p *Page) AppendLog(level, message string) {
	now := time.Now().UTC()
	p.Logs = append(p.Logs, LogEntry{Time: now, Level: level, Message: message})
	p.UpdatedAt = now
}

// Source represents one imported file (possibly multi-page).
// Its raw bytes are stored as a blob and shared by all page render tasks.
type Source struct {
	ID        string    `json:"id"`
	Filename  string    `json:"filename"`
	PageCount int       `json:"page_count"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// NewPage creates a page stub awaiting render.
func NewPage(id, sourceID string, pageNum int, sequence int64) *Page {
	now := time.Now().UTC()
	return &Page{
		ID:        id,
		SourceID:  sourceID,
		PageNum:   pageNum,
		Sequence:  sequence,
		Status:    StatusPendingRender,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
