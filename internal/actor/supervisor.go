package actor

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ChildSpec is a runnable descriptor the supervisor materializes. Run should
// block until the child exits or its context is canceled.
type ChildSpec struct {
	Name string
	Run  func(ctx context.Context) error
}

// Intensity is the restart budget: more than MaxRestarts child exits within
// Window escalates the whole subtree.
type Intensity struct {
	MaxRestarts int
	Window      time.Duration
}

// DefaultIntensity matches the instance-domain default.
func DefaultIntensity() Intensity {
	return Intensity{MaxRestarts: 6, Window: 30 * time.Second}
}

// SubtreeIntensity matches the per-instance subtree default.
func SubtreeIntensity() Intensity {
	return Intensity{MaxRestarts: 5, Window: 30 * time.Second}
}

// Supervisor owns a set of child goroutines, restarting failed children
// until the intensity budget is exhausted, then tearing the subtree down.
type Supervisor struct {
	intensity   Intensity
	logger      *slog.Logger
	onEscalate  func()
	restartWait time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	restarts []time.Time
	wg       sync.WaitGroup
	stopped  bool
}

// SupervisorOption customizes a Supervisor.
type SupervisorOption func(*Supervisor)

// WithIntensity sets the restart budget.
func WithIntensity(i Intensity) SupervisorOption {
	return func(s *Supervisor) { s.intensity = i }
}

// WithLogger attaches a logger.
func WithLogger(l *slog.Logger) SupervisorOption {
	return func(s *Supervisor) { s.logger = l }
}

// WithOnEscalate registers a callback fired once when the restart budget is
// exhausted, before the subtree context is canceled.
func WithOnEscalate(fn func()) SupervisorOption {
	return func(s *Supervisor) { s.onEscalate = fn }
}

// WithRestartWait sets the pause before a child restart (default 100ms).
func WithRestartWait(d time.Duration) SupervisorOption {
	return func(s *Supervisor) { s.restartWait = d }
}

// NewSupervisor creates a supervisor rooted at parent.
func NewSupervisor(parent context.Context, opts ...SupervisorOption) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		intensity:   DefaultIntensity(),
		logger:      slog.Default(),
		restartWait: 100 * time.Millisecond,
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Context returns the subtree context; it is canceled on Stop or
// escalation.
func (s *Supervisor) Context() context.Context { return s.ctx }

// StartChild launches the child under supervision. A child that returns nil
// is considered done and not restarted; errors consume restart budget.
func (s *Supervisor) StartChild(spec ChildSpec) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		for {
			if s.ctx.Err() != nil {
				return
			}
			err := s.runGuarded(spec)
			if err == nil || s.ctx.Err() != nil {
				return
			}
			s.logger.Warn("supervised child exited", "child", spec.Name, "error", err)
			if !s.recordRestart() {
				s.escalate(spec.Name)
				return
			}
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(s.restartWait):
			}
		}
	}()
}

// runGuarded converts child panics into errors so one crashing child cannot
// kill the process.
func (s *Supervisor) runGuarded(spec ChildSpec) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &childPanicError{child: spec.Name, value: r}
		}
	}()
	return spec.Run(s.ctx)
}

type childPanicError struct {
	child string
	value any
}

func (e *childPanicError) Error() string {
	return "child " + e.child + " panicked"
}

// recordRestart consumes budget; false means the intensity is exceeded.
func (s *Supervisor) recordRestart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-s.intensity.Window)
	kept := s.restarts[:0]
	for _, t := range s.restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.restarts = append(kept, now)
	return len(s.restarts) <= s.intensity.MaxRestarts
}

func (s *Supervisor) escalate(child string) {
	s.logger.Error("restart intensity exceeded, tearing down subtree", "child", child)
	if s.onEscalate != nil {
		s.onEscalate()
	}
	s.cancel()
}

// Stop cancels the subtree and waits for children to exit.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}
