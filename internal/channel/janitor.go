package channel

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrJanitorAlreadyRunning = errors.New("channel janitor is already running")
	ErrJanitorNotRunning     = errors.New("channel janitor is not running")
)

// Janitor periodically deletes idle non-default channels
// FUNCTIONAL DISCOVERY: A channel is idle when it has no persisted members, or when it is
// older than the idle window and nothing was posted inside it. Defaults never qualify
type Janitor struct {
	manager   *Manager
	interval  time.Duration
	threshold time.Duration
	now       func() time.Time
	logger    *slog.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewJanitor creates a janitor sweeping every interval for channels idle longer than threshold
func NewJanitor(manager *Manager, interval, threshold time.Duration, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		manager:   manager,
		interval:  interval,
		threshold: threshold,
		now:       time.Now,
		logger:    logger.With("component", "channel_janitor"),
	}
}

// Start begins periodic sweeping until Stop or ctx cancellation
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.running {
		return ErrJanitorAlreadyRunning
	}
	j.running = true
	j.stop = make(chan struct{})
	j.done = make(chan struct{})

	go j.run(ctx, j.stop, j.done)
	return nil
}

// Stop halts sweeping and waits for an in-flight sweep to finish
func (j *Janitor) Stop() error {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return ErrJanitorNotRunning
	}
	j.running = false
	close(j.stop)
	done := j.done
	j.mu.Unlock()

	<-done
	return nil
}

func (j *Janitor) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := j.Sweep(ctx); err != nil {
				j.logger.Error("idle channel sweep failed", "error", err)
			}
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Sweep deletes every channel idle as of now and returns the deleted IDs
// ARCHITECTURAL DISCOVERY: Candidates are re-checked inside the deleting transaction, so activity
// that commits between listing and deleting keeps the channel. Running sweeps concurrently is safe
func (j *Janitor) Sweep(ctx context.Context) ([]string, error) {
	cutoff := j.now().Add(-j.threshold)

	candidates, err := j.manager.store.ListIdleChannelCandidates(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	var deleted []string
	var errs []error
	for _, channelID := range candidates {
		ok, err := j.manager.store.DeleteChannelIfIdle(ctx, channelID, cutoff)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			continue
		}
		delivered := j.manager.evict(channelID, ReasonIdle)
		j.logger.Info("deleted idle channel", "channel_id", channelID, "evicted", delivered)
		deleted = append(deleted, channelID)
	}

	return deleted, errors.Join(errs...)
}
