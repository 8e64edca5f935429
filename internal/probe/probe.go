// Package probe checks portal reachability with a lightweight HTTP fetch. It
// runs at startup and behind the readiness endpoint, so a dead portal is
// visible before browser sessions are spent on it.
package probe

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
)

// Config controls probe behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Probe performs reachability checks against the portal.
type Probe struct {
	cfg    Config
	logger *zap.Logger
}

// New builds a Probe.
func New(cfg Config, logger *zap.Logger) *Probe {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Probe{cfg: cfg, logger: logger}
}

// Check fetches the URL and returns an error when the portal is unreachable
// or answers with a server error. The fetch respects both the configured
// timeout and the caller's context.
func (p *Probe) Check(ctx context.Context, rawURL string) error {
	collector := colly.NewCollector(colly.Async(false))
	collector.IgnoreRobotsTxt = true
	collector.SetRequestTimeout(p.cfg.Timeout)
	if p.cfg.UserAgent != "" {
		collector.UserAgent = p.cfg.UserAgent
	}

	var (
		status   int
		fetchErr error
	)
	collector.OnResponse(func(resp *colly.Response) {
		status = resp.StatusCode
	})
	collector.OnError(func(resp *colly.Response, err error) {
		if resp != nil {
			status = resp.StatusCode
		}
		fetchErr = err
	})

	done := make(chan struct{})
	start := time.Now()
	go func() {
		defer close(done)
		if err := collector.Visit(rawURL); err != nil && fetchErr == nil {
			fetchErr = err
		}
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("portal probe: %w", ctx.Err())
	case <-done:
	}

	if fetchErr != nil && status == 0 {
		return fmt.Errorf("portal unreachable: %w", fetchErr)
	}
	if status >= http.StatusInternalServerError {
		return fmt.Errorf("portal answered %d", status)
	}
	p.logger.Debug("portal probe ok",
		zap.String("url", rawURL),
		zap.Int("status", status),
		zap.Duration("took", time.Since(start)),
	)
	return nil
}
