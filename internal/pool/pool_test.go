package pool

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/insightops/fleetharvest/internal/fleet"
)

type fakeSession struct {
	id      string
	healthy bool
	closed  atomic.Bool
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) Healthy(context.Context) error {
	if !s.healthy {
		return fleet.ErrSessionBroken
	}
	return nil
}

func (s *fakeSession) Close(context.Context) error {
	s.closed.Store(true)
	return nil
}

func countingFactory() (Factory, *atomic.Int32) {
	var n atomic.Int32
	return func(context.Context) (fleet.Session, error) {
		id := n.Add(1)
		return &fakeSession{id: fmt.Sprintf("sess-%d", id), healthy: true}, nil
	}, &n
}

func TestWarmupCreatesCapacitySessions(t *testing.T) {
	t.Parallel()

	factory, created := countingFactory()
	p, err := New(context.Background(), 3, factory, nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	if got := created.Load(); got != 3 {
		t.Fatalf("sessions created = %d, want 3", got)
	}
	if p.Capacity() != 3 || p.InUse() != 0 {
		t.Fatalf("capacity=%d inuse=%d", p.Capacity(), p.InUse())
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestWarmupFailureTearsDownPartialFleet(t *testing.T) {
	t.Parallel()

	var made []*fakeSession
	factory := func(context.Context) (fleet.Session, error) {
		if len(made) == 2 {
			return nil, errors.New("chrome refused to start")
		}
		s := &fakeSession{id: fmt.Sprintf("s%d", len(made)), healthy: true}
		made = append(made, s)
		return s, nil
	}
	if _, err := New(context.Background(), 3, factory, nil); err == nil {
		t.Fatal("expected warmup failure")
	}
	for _, s := range made {
		if !s.closed.Load() {
			t.Fatalf("session %s leaked at warmup failure", s.id)
		}
	}
}

func TestDoubleReleaseRejected(t *testing.T) {
	t.Parallel()

	factory, _ := countingFactory()
	p, err := New(context.Background(), 1, factory, nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	lease, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := p.Release(context.Background(), lease, false); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := p.Release(context.Background(), lease, false); !errors.Is(err, ErrBadRelease) {
		t.Fatalf("double release = %v, want ErrBadRelease", err)
	}
	if err := p.Release(context.Background(), &Lease{}, false); !errors.Is(err, ErrBadRelease) {
		t.Fatalf("foreign lease release = %v, want ErrBadRelease", err)
	}
}

func TestBrokenSessionReplacedBeforeReuse(t *testing.T) {
	t.Parallel()

	factory, created := countingFactory()
	p, err := New(context.Background(), 1, factory, nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	ctx := context.Background()

	lease, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	broken := lease.Session().(*fakeSession)
	if err := p.Release(ctx, lease, true); err != nil {
		t.Fatalf("release broken: %v", err)
	}
	if !broken.closed.Load() {
		t.Fatal("broken session was not closed")
	}
	if created.Load() != 2 {
		t.Fatalf("factory calls = %d, want 2 (warmup + replacement)", created.Load())
	}

	next, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	if next.Session().ID() == broken.id {
		t.Fatal("broken session re-offered")
	}
	if err := p.Release(ctx, next, false); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestAcquireBlocksAtCapacityAndIsFIFO(t *testing.T) {
	t.Parallel()

	factory, _ := countingFactory()
	p, err := New(context.Background(), 1, factory, nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	ctx := context.Background()

	first, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	order := make(chan int, 2)
	var wg sync.WaitGroup
	for i := 1; i <= 2; i++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			lease, err := p.Acquire(ctx)
			if err != nil {
				t.Errorf("waiter %d: %v", rank, err)
				return
			}
			order <- rank
			time.Sleep(10 * time.Millisecond)
			if err := p.Release(ctx, lease, false); err != nil {
				t.Errorf("waiter %d release: %v", rank, err)
			}
		}(i)
		// Establish arrival order before starting the next waiter.
		time.Sleep(20 * time.Millisecond)
	}

	if err := p.Release(ctx, first, false); err != nil {
		t.Fatalf("release: %v", err)
	}
	wg.Wait()
	close(order)
	var ranks []int
	for r := range order {
		ranks = append(ranks, r)
	}
	if len(ranks) != 2 || ranks[0] != 1 || ranks[1] != 2 {
		t.Fatalf("waiter service order = %v, want [1 2]", ranks)
	}
}

func TestAcquireContextCancel(t *testing.T) {
	t.Parallel()

	factory, _ := countingFactory()
	p, err := New(context.Background(), 1, factory, nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	lease, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("blocked acquire = %v, want deadline exceeded", err)
	}
	if err := p.Release(context.Background(), lease, false); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestShutdownWaitsForLeases(t *testing.T) {
	t.Parallel()

	factory, _ := countingFactory()
	p, err := New(context.Background(), 2, factory, nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	ctx := context.Background()
	lease, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		done <- p.Shutdown(shutdownCtx)
	}()

	time.Sleep(30 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("shutdown returned while a lease was outstanding")
	default:
	}

	if _, err := p.Acquire(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("acquire during shutdown = %v, want ErrClosed", err)
	}
	if err := p.Release(ctx, lease, false); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

// TestLeaseInvariantUnderChurn hammers the pool with random concurrent
// acquire/release cycles and asserts outstanding leases never exceed capacity.
func TestLeaseInvariantUnderChurn(t *testing.T) {
	t.Parallel()

	const capacity = 3
	factory, _ := countingFactory()
	p, err := New(context.Background(), capacity, factory, nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	var current, peak atomic.Int32
	ctx := context.Background()
	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 50; i++ {
				lease, err := p.Acquire(ctx)
				if err != nil {
					t.Errorf("acquire: %v", err)
					return
				}
				now := current.Add(1)
				for {
					prev := peak.Load()
					if now <= prev || peak.CompareAndSwap(prev, now) {
						break
					}
				}
				time.Sleep(time.Duration(rng.Intn(3)) * time.Millisecond)
				current.Add(-1)
				broken := rng.Intn(10) == 0
				if err := p.Release(ctx, lease, broken); err != nil {
					t.Errorf("release: %v", err)
					return
				}
			}
		}(int64(g))
	}
	wg.Wait()

	if got := peak.Load(); got > capacity {
		t.Fatalf("observed %d concurrent leases, capacity %d", got, capacity)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
