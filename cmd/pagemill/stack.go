package main

import (
	"fmt"
	"log/slog"

	"github.com/pagemill/pagemill/internal/config"
	"github.com/pagemill/pagemill/internal/events"
	"github.com/pagemill/pagemill/internal/health"
	"github.com/pagemill/pagemill/internal/home"
	"github.com/pagemill/pagemill/internal/ocr"
	"github.com/pagemill/pagemill/internal/pipeline"
	"github.com/pagemill/pagemill/internal/render"
	"github.com/pagemill/pagemill/internal/store"
)

// stack is the assembled in-process pipeline. Serve and resume both build
// one; serve additionally mounts the HTTP API on top.
type stack struct {
	home    *home.Dir
	store   *store.SQLiteStore
	bus     *events.Bus
	monitor *health.Monitor
	orch    *pipeline.Orchestrator
}

// buildStack wires the store, health monitor, OCR client, and orchestrator
// from config.
func buildStack(cfg *config.Config, logger *slog.Logger) (*stack, error) {
	h, err := home.New(cfg.Home)
	if err != nil {
		return nil, err
	}
	if err := h.EnsureExists(); err != nil {
		return nil, err
	}

	st, err := store.OpenSQLite(store.SQLiteConfig{
		Path:     h.DatabasePath(),
		BlobRoot: h.Path(),
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open record store: %w", err)
	}

	bus := events.NewBus(64, logger)

	monitor := health.NewMonitor(health.MonitorConfig{
		Endpoint:      cfg.OCR.Endpoint,
		PollInterval:  cfg.Health.PollInterval(),
		BusyThreshold: cfg.Health.BusyThreshold,
		FullThreshold: cfg.Health.FullThreshold,
		Logger:        logger,
	})

	client, err := newOCRClient(cfg.OCR)
	if err != nil {
		st.Close()
		return nil, err
	}

	controller := ocr.NewController(ocr.ControllerConfig{
		Client:        client,
		Gate:          monitor,
		RetryInterval: cfg.OCR.RetryInterval(),
		Logger:        logger,
	})

	orch, err := pipeline.New(pipeline.Config{
		Store:       st,
		Gate:        monitor,
		OCR:         controller,
		Bus:         bus,
		Logger:      logger,
		Renderer:    &render.PopplerRenderer{DPI: cfg.Render.DPI},
		QueueSize:   cfg.Pipeline.QueueSize,
		AutoAdvance: cfg.Pipeline.AutoAdvance,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	return &stack{home: h, store: st, bus: bus, monitor: monitor, orch: orch}, nil
}

// newOCRClient picks the recognition transport from config.
func newOCRClient(cfg config.OCRConfig) (ocr.Client, error) {
	switch cfg.Transport {
	case "", "native":
		return ocr.NewNativeClient(ocr.NativeClientConfig{
			Endpoint:   cfg.Endpoint,
			PromptType: cfg.PromptType,
			Grounding:  cfg.Grounding,
			MaxTokens:  cfg.MaxTokens,
			Timeout:    cfg.Timeout(),
		}), nil
	case "chat":
		return ocr.NewChatClient(ocr.ChatClientConfig{
			Endpoint:  cfg.Endpoint,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
			Timeout:   cfg.Timeout(),
		}), nil
	default:
		return nil, fmt.Errorf("unknown ocr transport %q (want native or chat)", cfg.Transport)
	}
}

func (s *stack) Close() error {
	return s.store.Close()
}
