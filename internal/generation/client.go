// Package generation performs single image generation calls against the
// upstream provider with a credential leased from the pool.
package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nadmax/pixq/internal/clock"
	"github.com/nadmax/pixq/internal/metrics"
	"github.com/nadmax/pixq/internal/pool"
)

var (
	ErrUpstreamRequestFailed = errors.New("upstream request failed")
	ErrMalformedResponse     = errors.New("no image data received from upstream")
)

// CredentialPool is the part of pool.Pool the client depends on.
type CredentialPool interface {
	Acquire(ctx context.Context) (pool.Lease, error)
	ReportSuccess(ctx context.Context, slot int) error
	ReportFailure(ctx context.Context, slot int) error
}

type Config struct {
	Model   string
	Width   int
	Height  int
	Steps   int
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Model:   DefaultModel,
		Width:   DefaultWidth,
		Height:  DefaultHeight,
		Steps:   DefaultSteps,
		Timeout: DefaultTimeout,
	}
}

// Result is the outcome of one Generate call. Slot is -1 when no credential
// was handed out.
type Result struct {
	Success   bool
	ImageURL  string
	ImageURLs []string
	Slot      int
	KeyLabel  string
	Err       error
}

func (r Result) Error() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

type Client struct {
	pool     CredentialPool
	provider Provider
	clock    clock.Clock
	cfg      Config
}

func NewClient(p CredentialPool, provider Provider, clk clock.Clock, cfg Config) *Client {
	def := DefaultConfig()
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.Width <= 0 {
		cfg.Width = def.Width
	}
	if cfg.Height <= 0 {
		cfg.Height = def.Height
	}
	if cfg.Steps <= 0 {
		cfg.Steps = def.Steps
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if clk == nil {
		clk = clock.Real{}
	}

	return &Client{pool: p, provider: provider, clock: clk, cfg: cfg}
}

func (c *Client) Config() Config {
	return c.cfg
}

// Generate makes exactly one upstream call and reports its outcome to the
// pool. Cancelling ctx does not abort a call already in flight; the call is
// bounded by the configured timeout instead.
func (c *Client) Generate(ctx context.Context, prompt string, count int) Result {
	if count < 1 {
		count = 1
	}

	lease, err := c.pool.Acquire(ctx)
	if err != nil {
		if errors.Is(err, pool.ErrNoCredentialAvailable) {
			metrics.RecordNoCredential()
		}
		slog.Warn("no credential for generation", "error", err)
		return Result{Slot: -1, Err: err}
	}

	detached := context.WithoutCancel(ctx)
	callCtx, cancel := context.WithTimeout(detached, c.cfg.Timeout)
	defer cancel()

	req := Request{
		Model:  c.cfg.Model,
		Prompt: prompt,
		Width:  c.cfg.Width,
		Height: c.cfg.Height,
		Steps:  c.cfg.Steps,
		N:      count,
	}

	start := c.clock.Now()
	urls, err := c.provider.CreateImages(callCtx, req, lease.Key)
	elapsed := c.clock.Now().Sub(start)

	if err == nil && len(urls) == 0 {
		err = ErrMalformedResponse
	}

	if err != nil {
		reason := "upstream"
		if errors.Is(err, ErrMalformedResponse) {
			reason = "malformed"
		} else if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			reason = "timeout"
		}
		if !errors.Is(err, ErrMalformedResponse) {
			err = fmt.Errorf("%w: %w", ErrUpstreamRequestFailed, err)
		}

		if reportErr := c.pool.ReportFailure(detached, lease.Slot); reportErr != nil {
			slog.Error("failed to record credential failure", "slot", lease.Slot, "error", reportErr)
		}
		metrics.RecordGenerationFailure(lease.Label(), reason, elapsed)
		slog.Warn("generation failed", "key", lease.Label(), "reason", reason, "error", err)

		return Result{Slot: lease.Slot, KeyLabel: lease.Label(), Err: err}
	}

	if reportErr := c.pool.ReportSuccess(detached, lease.Slot); reportErr != nil {
		slog.Error("failed to record credential use", "slot", lease.Slot, "error", reportErr)
	}
	metrics.RecordImageGenerated(lease.Label(), elapsed)

	return Result{
		Success:   true,
		ImageURL:  urls[0],
		ImageURLs: urls,
		Slot:      lease.Slot,
		KeyLabel:  lease.Label(),
	}
}
