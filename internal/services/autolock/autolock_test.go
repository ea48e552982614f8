package autolock

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/n1ghtBl00d/801DoorBot/pkg/logx"
)

func countingAction(fires *atomic.Int32) Action {
	return func(context.Context) error {
		fires.Add(1)
		return nil
	}
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

func TestScheduleFires(t *testing.T) {
	t.Parallel()

	var fires atomic.Int32
	s := New(countingAction(&fires), logx.Logger{})
	defer s.Close()

	target := time.Now().Add(30 * time.Millisecond)
	s.Schedule(target)

	if at, ok := s.NextAt(); !ok || !at.Equal(target) {
		t.Fatalf("NextAt = %v, %v; want %v armed", at, ok, target)
	}

	waitFor(t, func() bool { return fires.Load() == 1 })
	if _, ok := s.NextAt(); ok {
		t.Fatal("NextAt still armed after fire")
	}
}

func TestRescheduleSupersedes(t *testing.T) {
	t.Parallel()

	var fires atomic.Int32
	var firedAt atomic.Value
	s := New(func(context.Context) error {
		fires.Add(1)
		firedAt.Store(time.Now())
		return nil
	}, logx.Logger{})
	defer s.Close()

	t1 := time.Now().Add(40 * time.Millisecond)
	t2 := time.Now().Add(150 * time.Millisecond)
	s.Schedule(t1)
	s.Schedule(t2)

	// Well past t1: the superseded schedule must not have acted.
	time.Sleep(90 * time.Millisecond)
	if n := fires.Load(); n != 0 {
		t.Fatalf("fires before t2 = %d, want 0", n)
	}

	waitFor(t, func() bool { return fires.Load() == 1 })
	got := firedAt.Load().(time.Time)
	if got.Before(t2) {
		t.Fatalf("fired at %v, before t2 %v", got, t2)
	}
	time.Sleep(50 * time.Millisecond)
	if n := fires.Load(); n != 1 {
		t.Fatalf("total fires = %d, want exactly 1", n)
	}
}

func TestCancelWithNothingArmed(t *testing.T) {
	t.Parallel()

	var fires atomic.Int32
	s := New(countingAction(&fires), logx.Logger{})
	defer s.Close()

	s.Cancel()
	s.Cancel()
	if _, ok := s.NextAt(); ok {
		t.Fatal("NextAt armed after no-op cancel")
	}
}

func TestCancelDisarms(t *testing.T) {
	t.Parallel()

	var fires atomic.Int32
	s := New(countingAction(&fires), logx.Logger{})
	defer s.Close()

	s.Schedule(time.Now().Add(40 * time.Millisecond))
	s.Cancel()

	if _, ok := s.NextAt(); ok {
		t.Fatal("NextAt armed after cancel")
	}
	time.Sleep(90 * time.Millisecond)
	if n := fires.Load(); n != 0 {
		t.Fatalf("fires after cancel = %d, want 0", n)
	}
}

func TestObserversRunAfterAction(t *testing.T) {
	t.Parallel()

	var fires, observed atomic.Int32
	s := New(countingAction(&fires), logx.Logger{})
	defer s.Close()

	s.AddObserver(func(context.Context) { panic("observer blew up") })
	s.AddObserver(func(context.Context) { observed.Add(1) })

	s.Schedule(time.Now().Add(20 * time.Millisecond))
	waitFor(t, func() bool { return observed.Load() == 1 })
	if n := fires.Load(); n != 1 {
		t.Fatalf("fires = %d, want 1", n)
	}
}

func TestObserversSkippedOnActionFailure(t *testing.T) {
	t.Parallel()

	var observed atomic.Int32
	s := New(func(context.Context) error { return context.DeadlineExceeded }, logx.Logger{})
	defer s.Close()

	s.AddObserver(func(context.Context) { observed.Add(1) })
	s.Schedule(time.Now().Add(20 * time.Millisecond))

	time.Sleep(80 * time.Millisecond)
	if n := observed.Load(); n != 0 {
		t.Fatalf("observed = %d, want 0 when the action fails", n)
	}
	if _, ok := s.NextAt(); ok {
		t.Fatal("NextAt still armed after failed fire")
	}
}
