package health

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestMonitor_DerivesCapacity(t *testing.T) {
	var pending atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, `{"status":"ok","pending":%d}`, pending.Load())
	}))
	defer srv.Close()

	m := NewMonitor(MonitorConfig{
		Endpoint:      srv.URL,
		BusyThreshold: 4,
		FullThreshold: 16,
	})

	cases := []struct {
		pending int32
		want    Capacity
	}{
		{0, CapacityHealthy},
		{3, CapacityHealthy},
		{4, CapacityBusy},
		{15, CapacityBusy},
		{16, CapacityFull},
		{100, CapacityFull},
	}

	for _, c := range cases {
		pending.Store(c.pending)
		m.poll(context.Background())
		got := m.Status()
		if !got.Reachable {
			t.Errorf("pending=%d: expected reachable", c.pending)
		}
		if got.Capacity != c.want {
			t.Errorf("pending=%d: capacity = %s, want %s", c.pending, got.Capacity, c.want)
		}
	}
}

func TestMonitor_PollIsSynchronous(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"ok","pending":0}`)
	}))
	defer srv.Close()

	m := NewMonitor(MonitorConfig{Endpoint: srv.URL})
	if m.Status().Reachable {
		t.Fatal("monitor should start unreachable")
	}

	// Poll blocks on the round trip, so the status is usable the moment it
	// returns; no race against a background first poll.
	m.Poll(context.Background())
	if got := m.Status(); !got.Reachable {
		t.Errorf("expected reachable after Poll, got %+v", got)
	}
}

func TestMonitor_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // immediately, so connections are refused

	m := NewMonitor(MonitorConfig{Endpoint: srv.URL})
	m.poll(context.Background())

	if got := m.Status(); got.Reachable {
		t.Errorf("expected unreachable, got %+v", got)
	}
}

func TestMonitor_BadStatusCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m := NewMonitor(MonitorConfig{Endpoint: srv.URL})
	m.poll(context.Background())

	if got := m.Status(); got.Reachable {
		t.Errorf("expected unreachable on 503, got %+v", got)
	}
}

func TestStaticGate(t *testing.T) {
	g := NewStaticGate(Status{Capacity: CapacityFull, Reachable: true})
	if got := g.Status(); !got.Full() {
		t.Errorf("expected full, got %+v", got)
	}

	g.Set(Status{Capacity: CapacityHealthy, Reachable: true})
	if got := g.Status(); got.Full() || !got.Reachable {
		t.Errorf("expected healthy reachable, got %+v", got)
	}
}
