// Package browser provides chromedp-backed sessions for the resource pool.
package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/insightops/fleetharvest/internal/fleet"
	"github.com/insightops/fleetharvest/internal/pool"
)

// Config controls browser allocation and per-session behavior.
type Config struct {
	UserAgent         string
	NavigationTimeout time.Duration
	// WarmupURL is loaded once per session at creation so the first job does
	// not pay cold-start cost. Empty skips warmup.
	WarmupURL string
}

// Allocator owns the shared Chrome exec allocator from which every pooled
// session spawns its own tab.
type Allocator struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
}

// NewAllocator builds the exec allocator with the flag set used for scraping.
func NewAllocator(cfg Config, logger *zap.Logger) *Allocator {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	ctx, cancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &Allocator{cfg: cfg, ctx: ctx, cancel: cancel, logger: logger}
}

// Close cancels the allocator context; every session spawned from it dies too.
func (a *Allocator) Close() {
	a.cancel()
}

// Factory adapts the allocator to the pool's session factory contract.
func (a *Allocator) Factory() pool.Factory {
	return func(ctx context.Context) (fleet.Session, error) {
		return a.NewSession(ctx)
	}
}

// NewSession spawns a fresh browser tab, applies the user agent, and warms it
// up so it is ready the moment a worker leases it.
func (a *Allocator) NewSession(ctx context.Context) (*Session, error) {
	tabCtx, tabCancel := chromedp.NewContext(a.ctx)
	s := &Session{
		id:         uuid.NewString(),
		ctx:        tabCtx,
		cancel:     tabCancel,
		navTimeout: a.cfg.NavigationTimeout,
	}

	actions := []chromedp.Action{network.Enable()}
	if a.cfg.UserAgent != "" {
		actions = append(actions, emulation.SetUserAgentOverride(a.cfg.UserAgent))
	}
	if a.cfg.WarmupURL != "" {
		actions = append(actions,
			chromedp.Navigate(a.cfg.WarmupURL),
			chromedp.WaitReady("body", chromedp.ByQuery),
		)
	}
	if err := s.Run(ctx, actions...); err != nil {
		tabCancel()
		return nil, fmt.Errorf("warm session: %w", err)
	}
	a.logger.Debug("browser session ready", zap.String("session_id", s.id))
	return s, nil
}

// Session is one pooled browser tab. It satisfies fleet.Session; collaborators
// that drive the page assert for Run.
type Session struct {
	id         string
	ctx        context.Context
	cancel     context.CancelFunc
	navTimeout time.Duration
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Run executes chromedp actions in this session's tab, bounded by the
// navigation timeout and the caller's context.
func (s *Session) Run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(s.ctx, s.navTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		// Surface the caller's cancellation rather than the derived ctx's.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("chromedp run: %w", ctxErr)
		}
		return fmt.Errorf("chromedp run: %w", err)
	}
	return nil
}

// Healthy checks the tab still evaluates JavaScript. A dead renderer comes
// back as an error, which the worker reports to the pool on release.
func (s *Session) Healthy(ctx context.Context) error {
	var one int
	if err := s.Run(ctx, chromedp.Evaluate("1", &one)); err != nil {
		return fmt.Errorf("%w: %v", fleet.ErrSessionBroken, err)
	}
	return nil
}

// Close tears down the tab.
func (s *Session) Close(context.Context) error {
	s.cancel()
	return nil
}
