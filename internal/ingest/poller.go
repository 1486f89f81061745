package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/dgpt/internal/gateway"
)

// StatusFetcher reads the state of a backend task.
type StatusFetcher interface {
	TaskStatus(ctx context.Context, taskID string) (gateway.TaskStatus, error)
}

// StatusHandler receives every PROGRESS or SUCCESS response. Returning true
// ends polling.
type StatusHandler func(ctx context.Context, st gateway.TaskStatus) (done bool)

// Poller polls one task's status strictly sequentially: the next request is
// scheduled only after the previous one resolved.
type Poller struct {
	fetch     StatusFetcher
	interval  time.Duration
	grace     time.Duration
	maxFaults int
	logger    *slog.Logger
}

// NewPoller creates a Poller. If interval is <= 0, it defaults to 5s. A
// negative grace is treated as zero. maxFaults <= 0 polls through any number
// of transient faults.
func NewPoller(fetch StatusFetcher, interval, grace time.Duration, maxFaults int) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Poller{
		fetch:     fetch,
		interval:  interval,
		grace:     max(grace, 0),
		maxFaults: maxFaults,
		logger:    slog.Default().With("component", "ingest.poller"),
	}
}

// Run waits the grace interval and then polls taskID until handle reports
// done, ctx is cancelled, or the fault ceiling is hit.
func (p *Poller) Run(ctx context.Context, taskID string, handle StatusHandler) error {
	if !sleep(ctx, p.grace) {
		return ctx.Err()
	}

	faults := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		done, err := p.RunOnce(ctx, taskID, handle)
		switch {
		case done:
			return nil
		case err != nil && ctx.Err() == nil:
			faults++
			p.logger.Debug("transient task status fault", "task_id", taskID, "faults", faults, "error", err)
			if p.maxFaults > 0 && faults >= p.maxFaults {
				return fmt.Errorf("%w: %v", ErrTooManyFaults, err)
			}
		default:
			faults = 0
		}

		if !sleep(ctx, p.interval) {
			return ctx.Err()
		}
	}
}

// RunOnce performs a single poll. A fetch error or a status other than
// PROGRESS or SUCCESS is returned as a transient fault and handle is not called.
func (p *Poller) RunOnce(ctx context.Context, taskID string, handle StatusHandler) (bool, error) {
	st, err := p.fetch.TaskStatus(ctx, taskID)
	if err != nil {
		return false, fmt.Errorf("fetching task status: %w", err)
	}
	switch st.Status {
	case gateway.TaskProgress, gateway.TaskSuccess:
		return handle(ctx, st), nil
	default:
		return false, fmt.Errorf("unexpected task status %q", st.Status)
	}
}

// Start runs the poller in its own goroutine and returns the owning handle.
func (p *Poller) Start(ctx context.Context, taskID string, handle StatusHandler) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		err := p.Run(ctx, taskID, handle)
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
	}()
	return h
}

// Handle owns a running poll loop.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Stop cancels the loop and waits for it to exit. No status request is made
// after Stop returns. Safe to call more than once.
func (h *Handle) Stop() {
	h.cancel()
	<-h.done
}

// Done is closed when the loop exits.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns why the loop exited: nil when the handler finished it, the
// context error when stopped, or ErrTooManyFaults.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
