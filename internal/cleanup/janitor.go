package cleanup

import (
	"log/slog"
	"sync"
	"time"
)

const (
	defaultDelay      = 100 * time.Millisecond
	defaultRetries    = 2
	defaultRetryDelay = 250 * time.Millisecond
)

// Config tunes the janitor. Zero values pick the defaults.
type Config struct {
	// Delay before the first attempt. Keeps a freshly replaced file
	// from being unlinked while a handle on it may still be open.
	Delay time.Duration
	// Retries after a failed attempt.
	Retries int
	// RetryDelay between attempts.
	RetryDelay time.Duration
	// Synchronous runs tasks inline instead of in the background.
	// Used by tests.
	Synchronous bool
}

// Janitor executes best-effort removal tasks off the request path.
// A task that keeps failing is logged and dropped; failures never
// reach the caller.
type Janitor struct {
	cfg Config
	wg  sync.WaitGroup
}

// New builds a janitor with defaults filled in.
func New(cfg Config) *Janitor {
	if cfg.Delay <= 0 {
		cfg.Delay = defaultDelay
	}
	if cfg.Retries <= 0 {
		cfg.Retries = defaultRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	return &Janitor{cfg: cfg}
}

// Schedule queues a named removal task. In synchronous mode the task
// runs before Schedule returns.
func (j *Janitor) Schedule(name string, run func() error) {
	if j.cfg.Synchronous {
		j.execute(name, run)
		return
	}
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		time.Sleep(j.cfg.Delay)
		j.execute(name, run)
	}()
}

// Drain waits for all scheduled tasks to finish. Called on shutdown.
func (j *Janitor) Drain() {
	j.wg.Wait()
}

func (j *Janitor) execute(name string, run func() error) {
	var err error
	for attempt := 0; attempt <= j.cfg.Retries; attempt++ {
		if attempt > 0 {
			time.Sleep(j.cfg.RetryDelay)
		}
		if err = run(); err == nil {
			slog.Debug("cleanup task done", "task", name, "attempts", attempt+1)
			return
		}
	}
	slog.Warn("cleanup task failed", "task", name, "err", err)
}
