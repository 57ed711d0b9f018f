// Package health tracks the remote OCR service's capacity. The pipeline only
// consumes the three-valued capacity class and the reachability flag; how
// they are derived is this package's concern.
package health

// Capacity is the remote service's self-reported capacity class.
type Capacity string

const (
	// CapacityHealthy means the service accepts work normally.
	CapacityHealthy Capacity = "healthy"
	// CapacityBusy means work is accepted but turnaround will be slow.
	CapacityBusy Capacity = "busy"
	// CapacityFull means the service is saturated and new submissions will
	// likely be rejected.
	CapacityFull Capacity = "full"
)

// Status is a snapshot of the remote service's state.
type Status struct {
	Capacity  Capacity `json:"capacity"`
	Reachable bool     `json:"reachable"`
}

// Full reports whether the service is saturated.
func (s Status) Full() bool {
	return s.Capacity == CapacityFull
}

// Gate exposes the current capacity signal to the scheduler.
type Gate interface {
	Status() Status
}

// StaticGate is a Gate with an externally controlled status. Used in tests
// and as a fallback when polling is disabled.
type StaticGate struct {
	ch chan Status
}

// NewStaticGate creates a StaticGate with an initial status.
func NewStaticGate(s Status) *StaticGate {
	g := &StaticGate{ch: make(chan Status, 1)}
	g.ch <- s
	return g
}

// Status returns the current status.
func (g *StaticGate) Status() Status {
	s := <-g.ch
	g.ch <- s
	return s
}

// Set replaces the current status.
func (g *StaticGate) Set(s Status) {
	<-g.ch
	g.ch <- s
}
