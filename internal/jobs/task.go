package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrTaskBusy is returned by RunNow when a run is already in progress.
var ErrTaskBusy = errors.New("task run already in progress")

// DefaultTaskTimeout is the default timeout for a single run.
const DefaultTaskTimeout = 30 * time.Second

// RunFunc is one execution of a periodic task.
type RunFunc func(ctx context.Context) error

// JobMetrics provides centralized background job metrics tracking.
type JobMetrics interface {
	IncJobsTotal(jobType, status string)
	ObserveJobDuration(jobType string, seconds float64)
	IncJobErrors(jobType, errorType string)
	IncJobsSkipped(jobType string)
}

// TaskConfig configures a periodic task.
type TaskConfig struct {
	// Name is the job type used for logs and metric labels.
	Name string
	// Interval is the duration between runs.
	Interval time.Duration
	// Timeout bounds a single run.
	Timeout time.Duration
	// RunOnStart triggers one run immediately after Start.
	RunOnStart bool
	// Logger for task activity.
	Logger *slog.Logger
	// Metrics for centralized background job tracking. Optional.
	Metrics JobMetrics
}

// Task runs a function on a fixed interval until stopped.
// Runs never overlap: a tick that arrives while a run is in progress is skipped, not queued.
type Task struct {
	config TaskConfig
	fn     RunFunc

	// newTicker is replaced in tests to drive ticks by hand.
	newTicker func(time.Duration) (<-chan time.Time, func())

	inFlight atomic.Bool

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewTask creates a periodic task. Interval must be positive.
func NewTask(config TaskConfig, fn RunFunc) *Task {
	if config.Timeout == 0 {
		config.Timeout = DefaultTaskTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Task{
		config: config,
		fn:     fn,
		newTicker: func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		},
	}
}

// Name returns the task's job type.
func (t *Task) Name() string {
	return t.config.Name
}

// Start begins the periodic loop.
// Returns immediately; the task runs in a background goroutine.
func (t *Task) Start(ctx context.Context) error {
	if t.config.Interval <= 0 {
		return errors.New("task interval must be positive")
	}
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = true
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	t.stopCh = stopCh
	t.doneCh = doneCh
	t.mu.Unlock()

	go t.loop(ctx, stopCh, doneCh)
	return nil
}

// Stop signals the task to stop and waits for the current run to finish.
// It is safe to call concurrently and after the loop ended on its own.
func (t *Task) Stop() {
	t.mu.Lock()
	stopCh, doneCh := t.stopCh, t.doneCh
	t.stopCh = nil
	t.running = false
	t.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}
	if doneCh != nil {
		<-doneCh
	}
}

// IsRunning returns whether the loop is active.
func (t *Task) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// RunNow executes one run synchronously.
// Returns ErrTaskBusy without running if another run is in progress.
func (t *Task) RunNow(ctx context.Context) error {
	if !t.inFlight.CompareAndSwap(false, true) {
		t.skipped()
		return ErrTaskBusy
	}
	defer t.inFlight.Store(false)
	return t.execute(ctx)
}

func (t *Task) loop(ctx context.Context, stopCh <-chan struct{}, doneCh chan struct{}) {
	defer func() {
		t.mu.Lock()
		if t.doneCh == doneCh {
			t.running = false
			t.stopCh = nil
		}
		t.mu.Unlock()
		close(doneCh)
	}()

	ticks, stop := t.newTicker(t.config.Interval)
	defer stop()

	if t.config.RunOnStart {
		_ = t.RunNow(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			t.config.Logger.Info("task stopping due to context cancellation", "task", t.config.Name)
			return
		case <-stopCh:
			t.config.Logger.Info("task stopping due to stop signal", "task", t.config.Name)
			return
		case <-ticks:
			_ = t.RunNow(ctx)
			// A tick buffered while the run was in progress belongs to an overrun.
			select {
			case <-ticks:
				t.skipped()
				t.config.Logger.Warn("task run overran its interval, skipping tick",
					"task", t.config.Name,
					"interval", t.config.Interval)
			default:
			}
		}
	}
}

func (t *Task) execute(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, t.config.Timeout)
	defer cancel()

	start := time.Now()
	err := t.fn(ctx)
	duration := time.Since(start).Seconds()

	if m := t.config.Metrics; m != nil {
		m.ObserveJobDuration(t.config.Name, duration)
		if err != nil {
			m.IncJobsTotal(t.config.Name, StatusFailure)
			m.IncJobErrors(t.config.Name, errorType(err))
		} else {
			m.IncJobsTotal(t.config.Name, StatusSuccess)
		}
	}
	if err != nil {
		t.config.Logger.Error("task run failed",
			"task", t.config.Name,
			"error", err,
			"duration_seconds", duration)
	}
	return err
}

func (t *Task) skipped() {
	if t.config.Metrics != nil {
		t.config.Metrics.IncJobsSkipped(t.config.Name)
	}
}

func errorType(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "run_error"
	}
}
