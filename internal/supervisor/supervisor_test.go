package supervisor

import (
	"context"
	"errors"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/harbor_post/internal/clock"
	"github.com/austindbirch/harbor_post/internal/config"
	"github.com/austindbirch/harbor_post/internal/provider"
	"github.com/austindbirch/harbor_post/internal/schedule"
)

type notifyLog struct {
	mu     sync.Mutex
	states []string
}

func (n *notifyLog) notify(state string) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.states = append(n.states, state)
	return false, nil
}

func (n *notifyLog) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.states...)
}

func runAsync(ctx context.Context, s *Supervisor) <-chan StopReason {
	out := make(chan StopReason, 1)
	go func() { out <- s.Run(ctx) }()
	<-s.Ready()
	return out
}

func waitReason(t *testing.T, ch <-chan StopReason) StopReason {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return")
		return ""
	}
}

func TestRun_BatchCompletion(t *testing.T) {
	n := &notifyLog{}
	hs := grpchealth.NewServer()
	s := New(Options{Mode: config.ModeExitOnBatchComplete, Health: hs, Notify: n.notify, Signals: []os.Signal{syscall.SIGUSR2}})

	done := make(chan struct{})
	s.WatchBatch("batch-1", done)
	reason := runAsync(context.Background(), s)

	resp, err := hs.Check(context.Background(), &healthpb.HealthCheckRequest{})
	if err != nil || resp.Status != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("health before stop = %v, %v", resp, err)
	}
	if !s.Accepting() {
		t.Fatal("Accepting() = false while running")
	}

	close(done)
	if got := waitReason(t, reason); got != ReasonBatchComplete {
		t.Errorf("Run() = %q, want %q", got, ReasonBatchComplete)
	}
	if s.Accepting() || s.State() != StateTerminating {
		t.Errorf("state = %v, want terminating", s.State())
	}
	resp, _ = hs.Check(context.Background(), &healthpb.HealthCheckRequest{})
	if resp.Status != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("health after stop = %v, want NOT_SERVING", resp.Status)
	}
	states := n.all()
	if len(states) != 2 || states[0] != "READY=1" || states[1] != "STOPPING=1" {
		t.Errorf("sd_notify states = %v", states)
	}
}

func TestNew_ShutdownMode(t *testing.T) {
	tests := []struct {
		mode string
		want bool
	}{
		{mode: config.ModeExitOnBatchComplete, want: true},
		{mode: config.ModeContinuous, want: false},
		{mode: "", want: true},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			s := New(Options{Mode: tt.mode, Notify: (&notifyLog{}).notify, Signals: []os.Signal{syscall.SIGUSR2}})
			defer s.terminate(ReasonContextDone)
			if s.exitOnBatch != tt.want {
				t.Errorf("exitOnBatch = %v, want %v", s.exitOnBatch, tt.want)
			}
		})
	}
}

func TestRun_ContinuousIgnoresCompletion(t *testing.T) {
	s := New(Options{Mode: config.ModeContinuous, Notify: (&notifyLog{}).notify, Signals: []os.Signal{syscall.SIGUSR2}})
	done := make(chan struct{})
	close(done)
	s.WatchBatch("batch-1", done)

	ctx, cancel := context.WithCancel(context.Background())
	reason := runAsync(ctx, s)

	select {
	case r := <-reason:
		t.Fatalf("Run() returned %q on batch completion in continuous mode", r)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	if got := waitReason(t, reason); got != ReasonContextDone {
		t.Errorf("Run() = %q, want %q", got, ReasonContextDone)
	}
}

func TestRun_Signal(t *testing.T) {
	s := New(Options{Notify: (&notifyLog{}).notify, Signals: []os.Signal{syscall.SIGUSR2}})
	reason := runAsync(context.Background(), s)

	if err := syscall.Kill(os.Getpid(), syscall.SIGUSR2); err != nil {
		t.Fatalf("kill: %v", err)
	}
	if got := waitReason(t, reason); got != ReasonSignal {
		t.Errorf("Run() = %q, want %q", got, ReasonSignal)
	}
}

func TestRun_SignalDuringStartup(t *testing.T) {
	s := New(Options{Notify: (&notifyLog{}).notify, Signals: []os.Signal{syscall.SIGUSR2}, HookTimeout: time.Second})
	var hookRan bool
	s.OnShutdown("http", func(context.Context) error {
		hookRan = true
		return nil
	})

	// Delivered after New and before Run, while listeners are still starting.
	if err := syscall.Kill(os.Getpid(), syscall.SIGUSR2); err != nil {
		t.Fatalf("kill: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	out := make(chan StopReason, 1)
	go func() { out <- s.Run(context.Background()) }()
	if got := waitReason(t, out); got != ReasonSignal {
		t.Errorf("Run() = %q, want %q", got, ReasonSignal)
	}
	if !hookRan {
		t.Error("shutdown hook did not run")
	}
}

func TestRun_SignalBeforeAnyDelayElapses(t *testing.T) {
	fake := clock.NewFake(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	var sent int
	var mu sync.Mutex
	sender := provider.SenderFunc(func(context.Context, string) (provider.Response, error) {
		mu.Lock()
		sent++
		mu.Unlock()
		return provider.Response{}, nil
	})

	s := New(Options{Notify: (&notifyLog{}).notify, Signals: []os.Signal{syscall.SIGUSR2}})
	coord := schedule.NewCoordinator(sender, schedule.Options{Clock: fake, Watcher: s, Gate: s})

	items := []schedule.Item{
		{Content: "a", FireAt: fake.Now().Add(time.Hour)},
		{Content: "b", FireAt: fake.Now().Add(2 * time.Hour)},
	}
	if _, err := coord.Submit(context.Background(), schedule.SubmitRequest{Items: items}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	fake.BlockUntil(2)

	reason := runAsync(context.Background(), s)
	if err := syscall.Kill(os.Getpid(), syscall.SIGUSR2); err != nil {
		t.Fatalf("kill: %v", err)
	}
	if got := waitReason(t, reason); got != ReasonSignal {
		t.Fatalf("Run() = %q, want %q", got, ReasonSignal)
	}

	mu.Lock()
	defer mu.Unlock()
	if sent != 0 {
		t.Errorf("sent = %d before any fire time, want 0", sent)
	}

	_, err := coord.Submit(context.Background(), schedule.SubmitRequest{Items: items})
	if !errors.Is(err, schedule.ErrNotAccepting) {
		t.Errorf("Submit() after termination error = %v, want ErrNotAccepting", err)
	}
}

func TestRun_HooksRunInReverseOrder(t *testing.T) {
	s := New(Options{Notify: (&notifyLog{}).notify, Signals: []os.Signal{syscall.SIGUSR2}, HookTimeout: time.Second})

	var order []string
	s.OnShutdown("http", func(context.Context) error { order = append(order, "http"); return nil })
	s.OnShutdown("nsq", func(context.Context) error { order = append(order, "nsq"); return errors.New("already stopped") })
	s.OnShutdown("grpc", func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("hook context has no deadline")
		}
		order = append(order, "grpc")
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if got := s.Run(ctx); got != ReasonContextDone {
		t.Fatalf("Run() = %q", got)
	}

	want := []string{"grpc", "nsq", "http"}
	if len(order) != len(want) {
		t.Fatalf("hook order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("hook order = %v, want %v", order, want)
			break
		}
	}
}

func TestRun_FirstCompletionWins(t *testing.T) {
	s := New(Options{Notify: (&notifyLog{}).notify, Signals: []os.Signal{syscall.SIGUSR2}})
	a, b := make(chan struct{}), make(chan struct{})
	s.WatchBatch("a", a)
	s.WatchBatch("b", b)
	reason := runAsync(context.Background(), s)

	close(b)
	close(a)
	if got := waitReason(t, reason); got != ReasonBatchComplete {
		t.Errorf("Run() = %q", got)
	}
}

func TestState_String(t *testing.T) {
	if StateRunning.String() != "running" || StateTerminating.String() != "terminating" {
		t.Errorf("State strings = %q, %q", StateRunning, StateTerminating)
	}
}
