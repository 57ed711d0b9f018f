// Package store provides the durable record store for pages, sources, the
// order counter, and blob data. Two implementations exist: a SQLite-backed
// store for production and an in-memory store for tests.
//
// Writers are expected to be serialized by the pipeline's lane discipline
// (concurrency 1 per lane); both implementations are nonetheless safe for
// concurrent use so that ReserveOrder keeps its atomicity guarantee across
// concurrent imports.
package store

import (
	"context"
	"errors"

	"github.com/pagemill/pagemill/internal/pages"
)

// ErrNotFound is returned when a page, source, or blob does not exist.
var ErrNotFound = errors.New("record not found")

// Store is the persistence surface consumed by the pipeline.
type Store interface {
	// Pages
	PutPage(ctx context.Context, p *pages.Page) error
	GetPage(ctx context.Context, id string) (*pages.Page, error)
	DeletePages(ctx context.Context, ids []string) error
	ListPages(ctx context.Context) ([]*pages.Page, error) // ordered by sequence
	PagesByStatus(ctx context.Context, statuses ...pages.Status) ([]*pages.Page, error)

	// UpdateSequences atomically rewrites the sequence of every page in the
	// map. Used only by explicit reorder; sequences are otherwise assigned
	// once via ReserveOrder.
	UpdateSequences(ctx context.Context, seqs map[string]int64) error

	// Sources
	PutSource(ctx context.Context, s *pages.Source) error
	GetSource(ctx context.Context, id string) (*pages.Source, error)
	DeleteSource(ctx context.Context, id string) error

	// ReserveOrder atomically reserves n consecutive sequence numbers and
	// returns the first. No two callers ever receive overlapping ranges.
	ReserveOrder(ctx context.Context, n int) (int64, error)

	// Blobs (source bytes, rendered images, thumbnails, artifacts)
	PutBlob(ctx context.Context, ref string, data []byte) error
	GetBlob(ctx context.Context, ref string) ([]byte, error)
	DeleteBlob(ctx context.Context, ref string) error

	Close() error
}
