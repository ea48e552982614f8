package labeler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	kit "github.com/n1ghtBl00d/801DoorBot/internal/transport"
	"github.com/n1ghtBl00d/801DoorBot/pkg/logx"
)

type fakeTarget struct {
	mu        sync.Mutex
	labels    map[int64]string
	writes    []string
	reads     int
	writeErrs []error // consumed per write, in order
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{labels: make(map[int64]string)}
}

func (f *fakeTarget) ReadLabel(_ context.Context, key int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	return f.labels[key], nil
}

func (f *fakeTarget) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

func (f *fakeTarget) WriteLabel(_ context.Context, key int64, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.writeErrs) > 0 {
		err := f.writeErrs[0]
		f.writeErrs = f.writeErrs[1:]
		if err != nil {
			return err
		}
	}
	f.labels[key] = label
	f.writes = append(f.writes, label)
	return nil
}

func (f *fakeTarget) writeLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

func staticResolve(label string) ResolveFunc {
	return func(context.Context, int64) (string, error) { return label, nil }
}

const key = int64(42)

func TestApplyAlreadyCorrect(t *testing.T) {
	t.Parallel()

	target := newFakeTarget()
	target.labels[key] = "Door 🔒"
	s := New(Config{Quota: 2, Window: time.Minute}, target, staticResolve("Door 🔒"), logx.Logger{})
	defer s.Close()

	out, err := s.Apply(context.Background(), key, "Door 🔒")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out != OutcomeAlreadyCorrect {
		t.Fatalf("outcome = %v, want already-correct", out)
	}
	if n := len(target.writeLog()); n != 0 {
		t.Fatalf("writes = %d, want 0", n)
	}
}

func TestApplyQuotaDefersThirdWrite(t *testing.T) {
	t.Parallel()

	target := newFakeTarget()

	// The resolver reports the state current at retry time, not the state
	// that was requested when the retry was armed.
	var resolveMu sync.Mutex
	resolved := "Door 🔓 OPEN"
	resolve := func(context.Context, int64) (string, error) {
		resolveMu.Lock()
		defer resolveMu.Unlock()
		return resolved, nil
	}

	s := New(Config{Quota: 2, Window: 150 * time.Millisecond, Buffer: 20 * time.Millisecond}, target, resolve, logx.Logger{})
	defer s.Close()

	ctx := context.Background()
	labels := []string{"Door 🔓 OPEN", "Door 🔒", "Door 🔓 OPEN"}
	for i, want := range []Outcome{OutcomeApplied, OutcomeApplied, OutcomeDeferred} {
		out, err := s.Apply(ctx, key, labels[i])
		if err != nil {
			t.Fatalf("Apply #%d: %v", i+1, err)
		}
		if out != want {
			t.Fatalf("Apply #%d outcome = %v, want %v", i+1, out, want)
		}
	}
	if got := len(target.writeLog()); got != 2 {
		t.Fatalf("immediate writes = %d, want 2", got)
	}
	if got := s.PendingRetries(); got != 1 {
		t.Fatalf("pending retries = %d, want 1", got)
	}

	// The state flipped again while the retry was waiting; the deferred
	// request for "Door 🔓 OPEN" must not be replayed verbatim.
	resolveMu.Lock()
	resolved = "Door 🔒 (after hours)"
	resolveMu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for s.PendingRetries() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	writes := target.writeLog()
	if len(writes) != 3 {
		t.Fatalf("total writes = %d, want 3 (%v)", len(writes), writes)
	}
	if writes[2] != "Door 🔒 (after hours)" {
		t.Fatalf("retry wrote %q, want the state current at fire time", writes[2])
	}
	if got := s.PendingRetries(); got != 0 {
		t.Fatalf("pending retries after fire = %d, want 0", got)
	}
}

func TestApplySingleFlightRetry(t *testing.T) {
	t.Parallel()

	target := newFakeTarget()
	s := New(Config{Quota: 1, Window: time.Hour, Buffer: time.Second}, target, staticResolve("x"), logx.Logger{})
	defer s.Close()

	ctx := context.Background()
	if out, err := s.Apply(ctx, key, "a"); err != nil || out != OutcomeApplied {
		t.Fatalf("Apply #1 = %v, %v", out, err)
	}
	for i := 0; i < 3; i++ {
		out, err := s.Apply(ctx, key, "b")
		if err != nil {
			t.Fatalf("Apply: %v", err)
		}
		if out != OutcomeDeferred {
			t.Fatalf("outcome = %v, want deferred", out)
		}
	}
	if got := s.PendingRetries(); got != 1 {
		t.Fatalf("pending retries = %d, want exactly 1", got)
	}
}

func TestApplyExternalQuotaErrorDefers(t *testing.T) {
	t.Parallel()

	target := newFakeTarget()
	target.writeErrs = []error{kit.ErrQuotaExceeded}
	s := New(Config{Quota: 5, Window: 100 * time.Millisecond, Buffer: 10 * time.Millisecond}, target, staticResolve("Door 🔒"), logx.Logger{})
	defer s.Close()

	out, err := s.Apply(context.Background(), key, "Door 🔒")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out != OutcomeDeferred {
		t.Fatalf("outcome = %v, want deferred", out)
	}
	if got := s.PendingRetries(); got != 1 {
		t.Fatalf("pending retries = %d, want 1", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.PendingRetries() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	writes := target.writeLog()
	if len(writes) != 1 || writes[0] != "Door 🔒" {
		t.Fatalf("writes after retry = %v, want the deferred label applied once", writes)
	}
}

func TestRetryRearmsWhenQuotaStillExhausted(t *testing.T) {
	t.Parallel()

	// The external side rejects the first two writes. The deferred retry's
	// own write then hits the quota again, and the recursion must arm a
	// successor rather than drop the change.
	target := newFakeTarget()
	target.writeErrs = []error{kit.ErrQuotaExceeded, kit.ErrQuotaExceeded}
	s := New(Config{Quota: 5, Window: 60 * time.Millisecond, Buffer: 10 * time.Millisecond}, target, staticResolve("Door 🔒"), logx.Logger{})
	defer s.Close()

	out, err := s.Apply(context.Background(), key, "Door 🔒")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out != OutcomeDeferred {
		t.Fatalf("outcome = %v, want deferred", out)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(target.writeLog()) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	writes := target.writeLog()
	if len(writes) != 1 || writes[0] != "Door 🔒" {
		t.Fatalf("writes = %v, want the change applied after re-deferral", writes)
	}
	if got := s.PendingRetries(); got != 0 {
		t.Fatalf("pending retries after convergence = %d, want 0", got)
	}
}

func TestApplyObservesPendingWithoutReading(t *testing.T) {
	t.Parallel()

	target := newFakeTarget()
	s := New(Config{Quota: 1, Window: time.Hour, Buffer: time.Second}, target, staticResolve("x"), logx.Logger{})
	defer s.Close()

	ctx := context.Background()
	if out, err := s.Apply(ctx, key, "a"); err != nil || out != OutcomeApplied {
		t.Fatalf("Apply #1 = %v, %v", out, err)
	}
	if out, _ := s.Apply(ctx, key, "b"); out != OutcomeDeferred {
		t.Fatal("expected the second apply to defer")
	}

	// Duplicate requests observe the armed retry without touching the
	// target at all.
	before := target.readCount()
	if out, err := s.Apply(ctx, key, "c"); err != nil || out != OutcomeDeferred {
		t.Fatalf("duplicate Apply = %v, %v, want deferred", out, err)
	}
	if got := target.readCount(); got != before {
		t.Fatalf("duplicate Apply read the label (%d -> %d reads)", before, got)
	}
}

func TestApplyPermissionDeniedIsTerminal(t *testing.T) {
	t.Parallel()

	target := newFakeTarget()
	target.writeErrs = []error{kit.ErrPermissionDenied}
	s := New(Config{Quota: 2, Window: time.Minute}, target, staticResolve("x"), logx.Logger{})
	defer s.Close()

	_, err := s.Apply(context.Background(), key, "x")
	if !errors.Is(err, kit.ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
	if got := s.PendingRetries(); got != 0 {
		t.Fatalf("pending retries = %d, want 0 (no retry for permission errors)", got)
	}

	// History untouched: the next change still writes immediately.
	out, err := s.Apply(context.Background(), key, "y")
	if err != nil || out != OutcomeApplied {
		t.Fatalf("follow-up Apply = %v, %v; want applied", out, err)
	}
}

func TestCloseCancelsArmedRetry(t *testing.T) {
	t.Parallel()

	target := newFakeTarget()
	s := New(Config{Quota: 1, Window: time.Hour, Buffer: time.Second}, target, staticResolve("x"), logx.Logger{})

	ctx := context.Background()
	if _, err := s.Apply(ctx, key, "a"); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out, _ := s.Apply(ctx, key, "b"); out != OutcomeDeferred {
		t.Fatalf("outcome = %v, want deferred", out)
	}

	s.Close()
	if got := s.PendingRetries(); got != 0 {
		t.Fatalf("pending retries after Close = %d, want 0", got)
	}
	if got := len(target.writeLog()); got != 1 {
		t.Fatalf("writes = %d, want 1 (cancelled retry must not write)", got)
	}
}
