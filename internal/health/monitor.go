package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Monitor polls the OCR service's health endpoint and derives a capacity
// class from its reported queue depth.
type Monitor struct {
	endpoint string
	interval time.Duration
	busyAt   int
	fullAt   int
	client   *http.Client
	logger   *slog.Logger

	mu     sync.RWMutex
	status Status
}

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	// Endpoint is the OCR service base URL (e.g. http://127.0.0.1:8000).
	Endpoint string
	// PollInterval between health checks (default 10s).
	PollInterval time.Duration
	// BusyThreshold is the pending-request count at which the service is
	// considered busy (default 4).
	BusyThreshold int
	// FullThreshold is the pending-request count at which the service is
	// considered full (default 16).
	FullThreshold int
	Timeout       time.Duration
	Logger        *slog.Logger
}

// NewMonitor creates a Monitor. The initial status is unreachable until the
// first poll succeeds.
func NewMonitor(cfg MonitorConfig) *Monitor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.BusyThreshold <= 0 {
		cfg.BusyThreshold = 4
	}
	if cfg.FullThreshold <= 0 {
		cfg.FullThreshold = 16
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	return &Monitor{
		endpoint: cfg.Endpoint,
		interval: cfg.PollInterval,
		busyAt:   cfg.BusyThreshold,
		fullAt:   cfg.FullThreshold,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   logger.With("component", "health"),
		status:   Status{Capacity: CapacityHealthy, Reachable: false},
	}
}

// Status returns the last observed status.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Poll runs one health check synchronously and records the result. Callers
// that admit work right after startup run this before Start, so the first
// admission decision rests on a real observation instead of the initial
// unreachable state.
func (m *Monitor) Poll(ctx context.Context) {
	m.poll(ctx)
}

// Start polls until ctx is cancelled. Run in a goroutine. An immediate first
// poll runs before the ticker so startup does not wait a full interval.
func (m *Monitor) Start(ctx context.Context) {
	m.poll(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

// healthResponse is the shape of the service's /health payload. Pending is
// optional; older servers report only {"status":"ok"}.
type healthResponse struct {
	Status  string `json:"status"`
	Pending int    `json:"pending"`
}

func (m *Monitor) poll(ctx context.Context) {
	status, err := m.check(ctx)
	if err != nil {
		m.logger.Debug("health check failed", "error", err)
		status = Status{Capacity: CapacityHealthy, Reachable: false}
	}

	m.mu.Lock()
	changed := m.status != status
	m.status = status
	m.mu.Unlock()

	if changed {
		m.logger.Info("capacity changed", "capacity", status.Capacity, "reachable", status.Reachable)
	}
}

func (m *Monitor) check(ctx context.Context) (Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.endpoint+"/health", nil)
	if err != nil {
		return Status{}, err
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return Status{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Status{}, fmt.Errorf("health endpoint returned %d", resp.StatusCode)
	}

	var hr healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&hr); err != nil {
		return Status{}, fmt.Errorf("failed to decode health response: %w", err)
	}

	capacity := CapacityHealthy
	switch {
	case hr.Pending >= m.fullAt:
		capacity = CapacityFull
	case hr.Pending >= m.busyAt:
		capacity = CapacityBusy
	}

	return Status{Capacity: capacity, Reachable: true}, nil
}

// Verify interface compliance
var _ Gate = (*Monitor)(nil)
var _ Gate = (*StaticGate)(nil)
