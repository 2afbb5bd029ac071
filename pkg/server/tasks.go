package server

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/nicktill/histqueue/pkg/config"
	"github.com/nicktill/histqueue/pkg/ebd"
	"github.com/nicktill/histqueue/pkg/historian"
	"github.com/nicktill/histqueue/pkg/queue"
	"github.com/nicktill/histqueue/pkg/server/monitor"
	"github.com/nicktill/histqueue/pkg/tracker"
)

// maxCatchUpCycles bounds how many windows one tick pulls while behind.
const maxCatchUpCycles = 100

// Puller runs extraction cycles on a schedule.
type Puller struct {
	Manager  *queue.Manager
	Monitor  *monitor.CycleMonitor
	Interval time.Duration

	// AutoReset starts a new epoch at the current time when the tracker is
	// unrecoverable, accepting the gap, instead of waiting for an operator.
	AutoReset bool

	// newBackOff is swapped in tests.
	newBackOff func() backoff.BackOff
}

// Run pulls every interval until ctx is cancelled.
func (p *Puller) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	log.Printf("Puller started (every %v)", p.Interval)
	p.Tick(ctx)

	for {
		select {
		case <-ticker.C:
			p.Tick(ctx)
		case <-ctx.Done():
			log.Println("Stopping puller")
			return
		}
	}
}

// Tick pulls windows until the checkpoint has caught up with the clock.
func (p *Puller) Tick(ctx context.Context) {
	for i := 0; i < maxCatchUpCycles; i++ {
		cycle, err := p.pullWithRetry(ctx)
		if err != nil || cycle == nil {
			return
		}
		// A window shorter than the span ended at "now".
		if cycle.Window.Duration() < time.Duration(p.Manager.Settings().SpanMillis())*time.Millisecond {
			return
		}
	}
	log.Printf("Puller still behind after %d windows, continuing next tick", maxCatchUpCycles)
}

// pullWithRetry runs one cycle, retrying transient failures with
// exponential backoff. It returns a nil cycle when nothing was pulled.
func (p *Puller) pullWithRetry(ctx context.Context) (*queue.Cycle, error) {
	var cycle *queue.Cycle
	attempt := 0

	operation := func() error {
		attempt++
		c, err := p.Manager.PullNext(ctx)
		if err == nil {
			cycle = c
			return nil
		}
		if errors.Is(err, queue.ErrWindowNotReady) || errors.Is(err, ebd.ErrNoTagGroups) ||
			errors.Is(err, tracker.ErrUnrecoverable) || errors.Is(err, context.Canceled) {
			return backoff.Permanent(err)
		}

		p.Monitor.RecordFailure(err)
		log.Printf("Pull failed (attempt %d): %v", attempt, err)
		if status := p.Monitor.Status(); status.ConsecutiveErrors > 3 {
			log.Printf("ALERT: Pull has been failing! Consecutive errors: %d", status.ConsecutiveErrors)
		}
		return err
	}

	err := backoff.Retry(operation, backoff.WithContext(p.backOff(), ctx))
	switch {
	case err == nil:
		p.Monitor.RecordSuccess(cycle)
		log.Printf("Pulled window %s: %d standard, %d string points", cycle.Window, cycle.StandardCount, cycle.StringCount)
		return cycle, nil

	case errors.Is(err, queue.ErrWindowNotReady):
		p.Monitor.RecordSkip()
		log.Printf("Skipping pull: %v", err)
		return nil, nil

	case errors.Is(err, tracker.ErrUnrecoverable):
		p.Monitor.RecordFailure(err)
		log.Printf("ALERT: %v", err)
		if !p.AutoReset {
			log.Println("ALERT: Pulls are stopped until the time tracker is reset (POST /v1/tracker/reset)")
			return nil, err
		}
		now := p.Manager.Now()
		if resetErr := p.Manager.ResetTracker(ctx, now); resetErr != nil {
			log.Printf("Failed to auto-reset time tracker: %v", resetErr)
			return nil, resetErr
		}
		log.Printf("Time tracker auto-reset to %d; data before that is skipped", now)
		return nil, err

	case errors.Is(err, ebd.ErrNoTagGroups):
		p.Monitor.RecordFailure(err)
		log.Printf("Pull not possible: %v", err)
		return nil, err

	default:
		if ctx.Err() == nil {
			log.Printf("Pull failed after %d attempts, will retry on next schedule: %v", attempt, err)
		}
		return nil, err
	}
}

func (p *Puller) backOff() backoff.BackOff {
	if p.newBackOff != nil {
		return p.newBackOff()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = config.PullInitialBackoff
	b.MaxInterval = config.PullMaxBackoff
	b.MaxElapsedTime = config.PullMaxElapsed
	return b
}

// RunStoreGC runs BadgerDB garbage collection periodically to reclaim disk space.
func RunStoreGC(ctx context.Context, name string, store gcRunner, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(config.StoreGCInterval)
	defer ticker.Stop()

	log.Printf("BadgerDB GC scheduler started for %s (runs every %v)", name, config.StoreGCInterval)

	for {
		select {
		case <-ticker.C:
			start := time.Now()
			err := store.RunGC(0.5)
			switch {
			case err == nil:
				log.Printf("%s GC completed in %v (disk space reclaimed)", name, time.Since(start).Round(time.Millisecond))
			case errors.Is(err, badgerdb.ErrNoRewrite):
				// Nothing to reclaim.
			default:
				log.Printf("%s GC failed: %v", name, err)
			}
		case <-ctx.Done():
			log.Printf("Stopping %s GC scheduler", name)
			return
		}
	}
}

// RunRetention prunes the historian log to the retention window.
func RunRetention(ctx context.Context, h *historian.Historian, retention time.Duration, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(config.RetentionInterval)
	defer ticker.Stop()

	prune := func() {
		before := time.Now().Add(-retention).UnixMilli()
		n, err := h.Prune(ctx, before)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("Historian retention failed: %v", err)
			}
			return
		}
		if n > 0 {
			log.Printf("Historian retention removed %d samples older than %v", n, retention)
		}
	}

	for {
		select {
		case <-ticker.C:
			prune()
		case <-ctx.Done():
			log.Println("Stopping historian retention")
			return
		}
	}
}
