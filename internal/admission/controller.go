package admission

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/grantflow/intake/internal/domain"
	"github.com/grantflow/intake/internal/storage"
)

// Window is one fixed rate window: Limit points per Period.
type Window struct {
	Name   string
	Limit  int64
	Period time.Duration
}

// Config holds the admission windows and daily cost ceilings. All windows
// apply conjunctively: a request must pass every one of them.
type Config struct {
	// AddrWindow limits chat traffic per client address.
	AddrWindow Window
	// BurstWindow is the very-short per-address emergency brake.
	BurstWindow Window
	// GlobalBurstWindow is the very-short service-wide emergency brake.
	GlobalBurstWindow Window
	// UserWindow limits chat traffic per authenticated user.
	UserWindow Window
	// GenerateWindow is the much stricter limiter for final document
	// generation.
	GenerateWindow Window

	UserDailyCostCeiling   float64
	GlobalDailyCostCeiling float64
}

// DefaultConfig returns the production admission settings.
func DefaultConfig() Config {
	return Config{
		AddrWindow:        Window{Name: "addr", Limit: 15, Period: 5 * time.Minute},
		BurstWindow:       Window{Name: "burst", Limit: 8, Period: 10 * time.Second},
		GlobalBurstWindow: Window{Name: "global_burst", Limit: 150, Period: 10 * time.Second},
		UserWindow:        Window{Name: "user", Limit: 60, Period: time.Hour},
		GenerateWindow:    Window{Name: "generate", Limit: 3, Period: 24 * time.Hour},

		UserDailyCostCeiling:   5.00,
		GlobalDailyCostCeiling: 250.00,
	}
}

// Controller evaluates rate limiting and cost admission before any paid
// provider call.
type Controller struct {
	counter Counter
	ledger  storage.CostLedger
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// NewController creates an admission controller.
func NewController(counter Counter, ledger storage.CostLedger, cfg Config, logger *slog.Logger) *Controller {
	return &Controller{
		counter: counter,
		ledger:  ledger,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Reservation is a speculative ledger increment made before a provider
// call. Reconcile overwrites it with the actual cost once known.
type Reservation struct {
	ledger   storage.CostLedger
	subject  string
	day      string
	estimate float64
}

// Reconcile replaces the reserved estimate with the actual cost. Callers
// should invoke it even when the originating request was cancelled: money
// already spent with the provider must stay on the ledger.
func (r *Reservation) Reconcile(ctx context.Context, actual float64) error {
	return r.ledger.Reconcile(ctx, r.subject, r.day, r.estimate, actual)
}

// AdmitMessage runs the full admission chain for a chat message: the
// per-address windows, the emergency windows, the per-user window, then
// the atomic cost reservation.
func (c *Controller) AdmitMessage(ctx context.Context, addr, subject string, estimatedCost float64) (*Reservation, error) {
	windows := []struct {
		w   Window
		key string
	}{
		{c.cfg.BurstWindow, "burst:addr:" + addr},
		{c.cfg.GlobalBurstWindow, "burst:global"},
		{c.cfg.AddrWindow, "addr:" + addr},
		{c.cfg.UserWindow, "user:" + subject},
	}

	for _, check := range windows {
		if err := c.consume(ctx, check.w, check.key); err != nil {
			return nil, err
		}
	}

	return c.reserveCost(ctx, subject, estimatedCost)
}

// AdmitGenerate runs the stricter generation limiter plus the cost
// reservation for a final document call.
func (c *Controller) AdmitGenerate(ctx context.Context, addr, subject string, estimatedCost float64) (*Reservation, error) {
	if err := c.consume(ctx, c.cfg.BurstWindow, "burst:addr:"+addr); err != nil {
		return nil, err
	}
	if err := c.consume(ctx, c.cfg.GenerateWindow, "generate:"+subject); err != nil {
		return nil, err
	}

	return c.reserveCost(ctx, subject, estimatedCost)
}

func (c *Controller) consume(ctx context.Context, w Window, key string) error {
	count, resetIn, err := c.counter.Incr(ctx, key, w.Period)
	if err != nil {
		// A broken counter backend must not take the service down;
		// admission degrades to the cost ceilings alone.
		c.logger.Warn("rate counter unavailable, admitting",
			slog.String("window", w.Name), slog.String("error", err.Error()))
		return nil
	}

	if count > w.Limit {
		c.logger.Warn("rate window exhausted",
			slog.String("window", w.Name),
			slog.String("key", key),
			slog.Int64("count", count),
			slog.Duration("reset_in", resetIn))
		return domain.ErrRateLimit(
			fmt.Sprintf("Too many requests. Please wait %d seconds and try again.", int(resetIn.Seconds())+1)).
			WithRetryAfter(resetIn)
	}

	return nil
}

func (c *Controller) reserveCost(ctx context.Context, subject string, estimate float64) (*Reservation, error) {
	day := c.now().UTC().Format("2006-01-02")

	err := c.ledger.Reserve(ctx, subject, day, estimate, c.cfg.UserDailyCostCeiling, c.cfg.GlobalDailyCostCeiling)
	if err != nil {
		return nil, err
	}

	return &Reservation{
		ledger:   c.ledger,
		subject:  subject,
		day:      day,
		estimate: estimate,
	}, nil
}
