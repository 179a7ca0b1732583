// Package supervisor decides when the process stops: on the first watched
// batch completing (in exit_on_batch_complete mode) or on a termination
// signal, whichever comes first.
package supervisor

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/harbor_post/internal/config"
	"github.com/austindbirch/harbor_post/internal/logging"
	"github.com/austindbirch/harbor_post/internal/metrics"
)

type State int32

const (
	StateRunning State = iota
	StateTerminating
)

func (s State) String() string {
	if s == StateTerminating {
		return "terminating"
	}
	return "running"
}

type StopReason string

const (
	ReasonBatchComplete StopReason = "batch_complete"
	ReasonSignal        StopReason = "signal"
	ReasonContextDone   StopReason = "context_done"
)

// Hook is a named shutdown step.
type Hook struct {
	Name string
	Fn   func(ctx context.Context) error
}

type Options struct {
	Mode        string
	Logger      *logging.Logger
	Health      *grpchealth.Server
	Signals     []os.Signal
	HookTimeout time.Duration
	// Notify reports state to the service manager; defaults to sd_notify.
	Notify func(state string) (bool, error)
}

type Supervisor struct {
	exitOnBatch bool
	log         *logging.Logger
	health      *grpchealth.Server
	sigCh       chan os.Signal
	hookTimeout time.Duration
	notify      func(state string) (bool, error)

	state     atomic.Int32
	completed chan string
	stopped   chan struct{}
	ready     chan struct{}
	readyOnce sync.Once
	stopOnce  sync.Once

	mu    sync.Mutex
	hooks []Hook
}

// New registers for the termination signals immediately, so a signal that
// arrives during startup is held until Run.
func New(opts Options) *Supervisor {
	if opts.Mode == "" {
		opts.Mode = config.ModeExitOnBatchComplete
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if len(opts.Signals) == 0 {
		opts.Signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	if opts.HookTimeout <= 0 {
		opts.HookTimeout = 10 * time.Second
	}
	if opts.Notify == nil {
		opts.Notify = func(state string) (bool, error) { return daemon.SdNotify(false, state) }
	}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, opts.Signals...)
	return &Supervisor{
		exitOnBatch: config.Scheduler{ShutdownMode: opts.Mode}.ExitOnBatchComplete(),
		log:         opts.Logger,
		health:      opts.Health,
		sigCh:       sigCh,
		hookTimeout: opts.HookTimeout,
		notify:      opts.Notify,
		completed:   make(chan string, 1),
		stopped:     make(chan struct{}),
		ready:       make(chan struct{}),
	}
}

func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Accepting is false once termination has begun.
func (s *Supervisor) Accepting() bool {
	return s.State() == StateRunning
}

// Ready is closed once Run has reported readiness.
func (s *Supervisor) Ready() <-chan struct{} {
	return s.ready
}

// OnShutdown registers a hook. Hooks run in reverse registration order.
func (s *Supervisor) OnShutdown(name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, Hook{Name: name, Fn: fn})
}

// WatchBatch forwards the batch's completion to Run. In continuous mode the
// completion is not a stop condition.
func (s *Supervisor) WatchBatch(batchID string, done <-chan struct{}) {
	if !s.exitOnBatch {
		return
	}
	go func() {
		select {
		case <-done:
		case <-s.stopped:
			return
		}
		select {
		case s.completed <- batchID:
		case <-s.stopped:
		default:
		}
	}()
}

// Run blocks until a stop condition, moves to Terminating, runs the
// shutdown hooks and returns the reason. It does not exit the process.
func (s *Supervisor) Run(ctx context.Context) StopReason {
	if s.health != nil {
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	}
	if _, err := s.notify(daemon.SdNotifyReady); err != nil {
		s.log.Plain().WithError(err).Warn("sd_notify READY failed")
	}
	s.readyOnce.Do(func() { close(s.ready) })
	s.log.Plain().WithField("exit_on_batch_complete", s.exitOnBatch).Info("supervisor running")

	var reason StopReason
	select {
	case id := <-s.completed:
		reason = ReasonBatchComplete
		s.log.Plain().WithBatch(id).Info("batch complete, shutting down")
	case sig := <-s.sigCh:
		reason = ReasonSignal
		s.log.Plain().WithField("signal", sig.String()).Info("termination signal received")
	case <-ctx.Done():
		reason = ReasonContextDone
		s.log.Plain().Info("context done, shutting down")
	}

	s.terminate(reason)
	return reason
}

func (s *Supervisor) terminate(reason StopReason) {
	s.stopOnce.Do(func() {
		s.state.Store(int32(StateTerminating))
		close(s.stopped)
		signal.Stop(s.sigCh)
		metrics.RecordShutdown(string(reason))

		if s.health != nil {
			s.health.Shutdown()
		}
		if _, err := s.notify(daemon.SdNotifyStopping); err != nil {
			s.log.Plain().WithError(err).Warn("sd_notify STOPPING failed")
		}

		s.mu.Lock()
		hooks := append([]Hook(nil), s.hooks...)
		s.mu.Unlock()

		for i := len(hooks) - 1; i >= 0; i-- {
			h := hooks[i]
			ctx, cancel := context.WithTimeout(context.Background(), s.hookTimeout)
			if err := h.Fn(ctx); err != nil {
				s.log.Plain().WithField("hook", h.Name).WithError(err).Error("shutdown hook failed")
			} else {
				s.log.Plain().WithField("hook", h.Name).Debug("shutdown hook done")
			}
			cancel()
		}
		s.log.Plain().WithField("reason", string(reason)).Info("supervisor terminated")
	})
}
