// Package pool manages the fixed fleet of pre-warmed browser sessions.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/insightops/fleetharvest/internal/fleet"
)

// ErrClosed is returned by Acquire once shutdown has begun.
var ErrClosed = errors.New("session pool closed")

// ErrBadRelease is returned when a lease is released twice or was never
// issued by this pool.
var ErrBadRelease = errors.New("lease already released or unknown")

// Factory creates one ready-to-use browser session. Creation is expensive;
// the pool calls it capacity times up front and again only to replace broken
// sessions.
type Factory func(ctx context.Context) (fleet.Session, error)

// Lease is exclusive temporary ownership of one pooled session.
type Lease struct {
	slot     int
	sess     fleet.Session
	released bool
}

// Session returns the leased browser session.
func (l *Lease) Session() fleet.Session { return l.sess }

// Slot identifies the pool slot backing this lease.
func (l *Lease) Slot() int { return l.slot }

type slotState struct {
	id   int
	sess fleet.Session // nil while a replacement is pending
}

type waiter struct {
	grant chan *Lease
}

// Pool owns capacity browser sessions and hands them out as leases. Waiters
// are served strictly FIFO so no caller starves while capacity exists.
type Pool struct {
	mu       sync.Mutex
	factory  Factory
	logger   *zap.Logger
	capacity int
	free     []slotState
	waiters  []*waiter
	leases   map[*Lease]struct{}
	closed   bool
	idle     chan struct{} // closed when the last lease comes home after close
	idleOnce sync.Once
}

// New pre-warms capacity sessions. On partial failure every session created
// so far is torn down and the error returned.
func New(ctx context.Context, capacity int, factory Factory, logger *zap.Logger) (*Pool, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("pool capacity must be > 0, got %d", capacity)
	}
	if factory == nil {
		return nil, errors.New("session factory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		factory:  factory,
		logger:   logger,
		capacity: capacity,
		leases:   make(map[*Lease]struct{}),
		idle:     make(chan struct{}),
	}
	for i := 0; i < capacity; i++ {
		sess, err := factory(ctx)
		if err != nil {
			p.teardownFree(ctx)
			return nil, fmt.Errorf("warm session %d/%d: %w", i+1, capacity, err)
		}
		p.free = append(p.free, slotState{id: i, sess: sess})
		logger.Debug("session warmed", zap.Int("slot", i), zap.String("session_id", sess.ID()))
	}
	return p, nil
}

// Capacity returns the configured session count.
func (p *Pool) Capacity() int { return p.capacity }

// InUse returns the number of outstanding leases.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.leases)
}

// Acquire blocks until a session is free, then returns a lease. Waiters are
// served in arrival order. It fails fast once the pool is closed or ctx ends.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if len(p.waiters) == 0 && len(p.free) > 0 {
		slot := p.free[0]
		p.free = p.free[1:]
		lease := &Lease{slot: slot.id, sess: slot.sess}
		p.leases[lease] = struct{}{}
		p.mu.Unlock()
		return p.ensureSession(ctx, lease)
	}
	w := &waiter{grant: make(chan *Lease, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	select {
	case lease, ok := <-w.grant:
		if !ok {
			return nil, ErrClosed
		}
		return p.ensureSession(ctx, lease)
	case <-ctx.Done():
		p.abandonWaiter(w)
		return nil, fmt.Errorf("session wait canceled: %w", ctx.Err())
	}
}

// ensureSession lazily replaces a session that broke and could not be rebuilt
// at release time.
func (p *Pool) ensureSession(ctx context.Context, lease *Lease) (*Lease, error) {
	if lease.sess != nil {
		return lease, nil
	}
	sess, err := p.factory(ctx)
	if err != nil {
		// Hand the empty slot back so capacity is not lost.
		p.mu.Lock()
		delete(p.leases, lease)
		p.free = append(p.free, slotState{id: lease.slot})
		p.signalNextLocked()
		p.mu.Unlock()
		return nil, fmt.Errorf("replace broken session: %w", err)
	}
	lease.sess = sess
	return lease, nil
}

func (p *Pool) abandonWaiter(w *waiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, cand := range p.waiters {
		if cand == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
	// Already granted; return the lease to the free set.
	select {
	case lease := <-w.grant:
		if lease != nil {
			delete(p.leases, lease)
			p.free = append(p.free, slotState{id: lease.slot, sess: lease.sess})
			p.signalNextLocked()
		}
	default:
	}
}

// Release returns a leased session. A broken session is closed and replaced
// before its slot is re-offered. Double releases and foreign leases are
// rejected.
func (p *Pool) Release(ctx context.Context, lease *Lease, broken bool) error {
	if lease == nil {
		return ErrBadRelease
	}
	p.mu.Lock()
	if _, ok := p.leases[lease]; !ok || lease.released {
		p.mu.Unlock()
		return ErrBadRelease
	}
	lease.released = true
	delete(p.leases, lease)
	sess := lease.sess
	p.mu.Unlock()

	if broken && sess != nil {
		if err := sess.Close(ctx); err != nil {
			p.logger.Warn("closing broken session", zap.String("session_id", sess.ID()), zap.Error(err))
		}
		replacement, err := p.factory(ctx)
		if err != nil {
			p.logger.Warn("session replacement failed, will retry on next acquire", zap.Error(err))
			sess = nil
		} else {
			p.logger.Info("broken session replaced", zap.String("session_id", replacement.ID()))
			sess = replacement
		}
	}

	p.mu.Lock()
	p.free = append(p.free, slotState{id: lease.slot, sess: sess})
	p.signalNextLocked()
	if p.closed && len(p.leases) == 0 {
		p.idleOnce.Do(func() { close(p.idle) })
	}
	p.mu.Unlock()
	return nil
}

// signalNextLocked hands the oldest free slot to the oldest waiter.
func (p *Pool) signalNextLocked() {
	if p.closed || len(p.waiters) == 0 || len(p.free) == 0 {
		return
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	slot := p.free[0]
	p.free = p.free[1:]
	lease := &Lease{slot: slot.id, sess: slot.sess}
	p.leases[lease] = struct{}{}
	w.grant <- lease
}

// Shutdown refuses new acquires, waits for outstanding leases until ctx ends,
// then tears down every session. Teardown errors are aggregated, never
// swallowed. Idempotent.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	alreadyClosed := p.closed
	p.closed = true
	waiters := p.waiters
	p.waiters = nil
	outstanding := len(p.leases)
	p.mu.Unlock()

	if !alreadyClosed {
		for _, w := range waiters {
			close(w.grant)
		}
	}

	if outstanding > 0 {
		select {
		case <-p.idle:
		case <-ctx.Done():
			p.logger.Warn("forcing session reclamation after grace period",
				zap.Int("outstanding", p.InUse()))
		}
	}

	var errs []error
	p.mu.Lock()
	free := p.free
	p.free = nil
	leaked := make([]*Lease, 0, len(p.leases))
	for lease := range p.leases {
		leaked = append(leaked, lease)
	}
	p.leases = make(map[*Lease]struct{})
	p.mu.Unlock()

	for _, slot := range free {
		if slot.sess == nil {
			continue
		}
		if err := slot.sess.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close session %s: %w", slot.sess.ID(), err))
		}
	}
	for _, lease := range leaked {
		if lease.sess == nil {
			continue
		}
		if err := lease.sess.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close leaked session %s: %w", lease.sess.ID(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("pool teardown: %w", errors.Join(errs...))
	}
	return nil
}

func (p *Pool) teardownFree(ctx context.Context) {
	for _, slot := range p.free {
		if slot.sess == nil {
			continue
		}
		if err := slot.sess.Close(ctx); err != nil {
			p.logger.Warn("closing session during failed warmup", zap.Error(err))
		}
	}
	p.free = nil
}
