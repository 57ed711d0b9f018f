package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pagemill/pagemill/internal/pages"
)

// MemoryStore is an in-memory Store used in tests.
type MemoryStore struct {
	mu      sync.Mutex
	pages   map[string]*pages.Page
	sources map[string]*pages.Source
	blobs   map[string][]byte
	next    int64

	// FailPuts, when set, makes page writes fail. Used to exercise the
	// persistence-failure path.
	FailPuts error
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pages:   make(map[string]*pages.Page),
		sources: make(map[string]*pages.Source),
		blobs:   make(map[string][]byte),
		next:    1,
	}
}

func (m *MemoryStore) Close() error { return nil }

func clonePage(p *pages.Page) *pages.Page {
	cp := *p
	cp.Logs = append([]pages.LogEntry(nil), p.Logs...)
	cp.Outputs = append([]pages.Output(nil), p.Outputs...)
	if p.ProcessedAt != nil {
		t := *p.ProcessedAt
		cp.ProcessedAt = &t
	}
	return &cp
}

func (m *MemoryStore) PutPage(ctx context.Context, p *pages.Page) error {
	if !pages.Valid(p.Status) {
		return fmt.Errorf("unknown page status %q", p.Status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPuts != nil {
		return m.FailPuts
	}
	m.pages[p.ID] = clonePage(p)
	return nil
}

func (m *MemoryStore) GetPage(ctx context.Context, id string) (*pages.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePage(p), nil
}

func (m *MemoryStore) DeletePages(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.pages, id)
	}
	return nil
}

func (m *MemoryStore) ListPages(ctx context.Context) ([]*pages.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*pages.Page, 0, len(m.pages))
	for _, p := range m.pages {
		out = append(out, clonePage(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (m *MemoryStore) PagesByStatus(ctx context.Context, statuses ...pages.Status) ([]*pages.Page, error) {
	want := make(map[pages.Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*pages.Page
	for _, p := range m.pages {
		if want[p.Status] {
			out = append(out, clonePage(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (m *MemoryStore) UpdateSequences(ctx context.Context, seqs map[string]int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, seq := range seqs {
		if p, ok := m.pages[id]; ok {
			p.Sequence = seq
		}
	}
	return nil
}

func (m *MemoryStore) PutSource(ctx context.Context, s *pages.Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sources[s.ID] = &cp
	return nil
}

func (m *MemoryStore) GetSource(ctx context.Context, id string) (*pages.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sources[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) DeleteSource(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sources, id)
	return nil
}

func (m *MemoryStore) ReserveOrder(ctx context.Context, n int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	first := m.next
	m.next += int64(n)
	return first, nil
}

func (m *MemoryStore) PutBlob(ctx context.Context, ref string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[ref] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryStore) GetBlob(ctx context.Context, ref string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[ref]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

func (m *MemoryStore) DeleteBlob(ctx context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, ref)
	return nil
}

// HasBlob reports whether a blob exists. Test helper.
func (m *MemoryStore) HasBlob(ref string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blobs[ref]
	return ok
}

// Verify interface compliance
var _ Store = (*MemoryStore)(nil)
