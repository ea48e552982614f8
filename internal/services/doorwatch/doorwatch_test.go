package doorwatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/n1ghtBl00d/801DoorBot/pkg/logx"
)

type scriptedSource struct {
	mu    sync.Mutex
	state bool
	err   error
}

func (s *scriptedSource) AnyUnlocked(context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.err
}

func (s *scriptedSource) set(state bool, err error) {
	s.mu.Lock()
	s.state = state
	s.err = err
	s.mu.Unlock()
}

type changeRecorder struct {
	mu      sync.Mutex
	changes []bool
}

func (r *changeRecorder) record(_ context.Context, unlocked bool) {
	r.mu.Lock()
	r.changes = append(r.changes, unlocked)
	r.mu.Unlock()
}

func (r *changeRecorder) snapshot() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.changes...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestReportsInitialAndChanges(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{state: false}
	rec := &changeRecorder{}
	s := New(Config{Interval: 10 * time.Millisecond}, src, rec.record, logx.Logger{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { _ = s.Run(ctx); close(done) }()

	waitFor(t, func() bool { return len(rec.snapshot()) == 1 })
	if got := rec.snapshot(); got[0] != false {
		t.Fatalf("initial observation = %v, want locked", got[0])
	}

	src.set(true, nil)
	waitFor(t, func() bool { return len(rec.snapshot()) == 2 })
	if got := rec.snapshot(); got[1] != true {
		t.Fatalf("change = %v, want unlocked", got[1])
	}

	unlocked, since, ok := s.Unlocked()
	if !ok || !unlocked || since.IsZero() {
		t.Fatalf("Unlocked = %v, %v, %v", unlocked, since, ok)
	}

	// Steady state: no further callbacks.
	time.Sleep(50 * time.Millisecond)
	if got := rec.snapshot(); len(got) != 2 {
		t.Fatalf("callbacks = %d, want 2 (no callback without a change)", len(got))
	}

	cancel()
	<-done
}

func TestPollErrorKeepsState(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{state: true}
	rec := &changeRecorder{}
	s := New(Config{Interval: 10 * time.Millisecond}, src, rec.record, logx.Logger{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	waitFor(t, func() bool { return len(rec.snapshot()) == 1 })

	// Controller goes unreachable; the reported state must not flap.
	src.set(false, errors.New("connection refused"))
	time.Sleep(50 * time.Millisecond)
	if got := rec.snapshot(); len(got) != 1 {
		t.Fatalf("callbacks during outage = %d, want 1", len(got))
	}
	if unlocked, _, ok := s.Unlocked(); !ok || !unlocked {
		t.Fatalf("state flapped during outage: %v, %v", unlocked, ok)
	}

	// Recovery with a real state change.
	src.set(false, nil)
	waitFor(t, func() bool { return len(rec.snapshot()) == 2 })
}

func TestLongOpenFiresOnce(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{state: true}
	s := New(Config{Interval: 10 * time.Millisecond, LongOpenAfter: 30 * time.Millisecond}, src, nil, logx.Logger{})

	var mu sync.Mutex
	n := 0
	s.SetLongOpenHandler(func(context.Context, time.Time) {
		mu.Lock()
		n++
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return n == 1
	})

	// The alert is once per open episode.
	time.Sleep(80 * time.Millisecond)
	mu.Lock()
	got := n
	mu.Unlock()
	if got != 1 {
		t.Fatalf("long-open alerts = %d, want 1", got)
	}

	// Relock and reopen starts a fresh episode.
	src.set(false, nil)
	time.Sleep(30 * time.Millisecond)
	src.set(true, nil)
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return n == 2
	})
}
