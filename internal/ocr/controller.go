package ocr

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/pagemill/pagemill/internal/health"
)

// DefaultRetryInterval is the fixed wait between backpressure retries. The
// service's capacity states are coarse and self-reported, so exponential
// backoff buys nothing here.
const DefaultRetryInterval = 5 * time.Second

// Controller wraps each recognition with the admission-gate pre-check and
// the fixed-interval retry on backpressure.
//
// Both checks are deliberate: the pre-flight gate wait avoids wasted calls
// while the reactive retry on ErrQueueFull covers the window where capacity
// changes between check and call.
type Controller struct {
	client   Client
	gate     health.Gate
	interval time.Duration
	logger   *slog.Logger
}

// ControllerConfig configures a Controller.
type ControllerConfig struct {
	Client        Client
	Gate          health.Gate
	RetryInterval time.Duration
	Logger        *slog.Logger
}

// NewController creates a submission controller.
func NewController(cfg ControllerConfig) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.RetryInterval
	if interval <= 0 {
		interval = DefaultRetryInterval
	}

	return &Controller{
		client:   cfg.Client,
		gate:     cfg.Gate,
		interval: interval,
		logger:   logger.With("component", "ocr"),
	}
}

// Recognize runs one page through the remote service, honoring the gate and
// ctx at every suspension point. A result that arrives after ctx is
// cancelled is discarded, never returned.
func (c *Controller) Recognize(ctx context.Context, pageID string, image []byte, pageNum int) (*Result, error) {
	st := c.gate.Status()
	if !st.Reachable {
		return nil, fmt.Errorf("%w: health monitor reports transport down", ErrUnreachable)
	}

	var res *Result
	err := retry.Do(
		func() error {
			if err := c.waitWhileFull(ctx, pageID); err != nil {
				return retry.Unrecoverable(err)
			}

			// Cancellation check before issuing the call.
			if err := ctx.Err(); err != nil {
				return retry.Unrecoverable(err)
			}

			r, err := c.client.Recognize(ctx, image, pageNum)
			if err != nil {
				if IsQueueFull(err) {
					c.logger.Debug("service rejected with queue full, will retry",
						"page", pageID, "interval", c.interval)
					return err
				}
				return retry.Unrecoverable(err)
			}

			// The call may have resolved after cancellation was requested;
			// the computed result must still be discarded.
			if err := ctx.Err(); err != nil {
				return retry.Unrecoverable(err)
			}

			res = r
			return nil
		},
		retry.RetryIf(IsQueueFull),
		retry.Delay(c.interval),
		retry.DelayType(retry.FixedDelay),
		retry.Attempts(0), // retry until success or unrecoverable
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// waitWhileFull sleeps in fixed intervals while the gate reports full,
// checking ctx before the sleep and after each wake.
func (c *Controller) waitWhileFull(ctx context.Context, pageID string) error {
	for c.gate.Status().Full() {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.logger.Debug("gate reports full, waiting", "page", pageID, "interval", c.interval)

		timer := time.NewTimer(c.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return nil
}
