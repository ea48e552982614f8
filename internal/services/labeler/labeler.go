// Package labeler keeps an external label (the status chat title) in sync
// with a desired state under a rename quota. When the quota is exhausted it
// defers the change and retries once the rolling window frees up, re-reading
// the desired state at retry time so the label converges to truth rather
// than replaying a stale request.
package labeler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	kit "github.com/n1ghtBl00d/801DoorBot/internal/transport"
	"github.com/n1ghtBl00d/801DoorBot/pkg/logx"
)

// Outcome reports what Apply did.
type Outcome int

const (
	// OutcomeApplied means the label was written.
	OutcomeApplied Outcome = iota
	// OutcomeAlreadyCorrect means the label already matched; nothing written.
	OutcomeAlreadyCorrect
	// OutcomeDeferred means the quota was exhausted and a retry is pending.
	OutcomeDeferred
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeAlreadyCorrect:
		return "already-correct"
	case OutcomeDeferred:
		return "deferred"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// ResolveFunc returns the label that should be current for key right now.
// It is consulted when a deferred retry wakes, instead of replaying the
// label that was requested when the retry was enqueued.
type ResolveFunc func(ctx context.Context, key int64) (string, error)

type Config struct {
	// Quota is the number of label writes allowed per Window.
	Quota int
	// Window is the rolling quota window.
	Window time.Duration
	// Buffer is added to every computed retry wait so the retry lands
	// safely past the window edge.
	Buffer time.Duration
}

// retryTask is one armed deferred retry. At most one exists per key.
type retryTask struct {
	key    int64
	wakeAt time.Time
	cancel context.CancelFunc
}

type Service struct {
	cfg     Config
	target  kit.LabelTarget
	resolve ResolveFunc
	log     logx.Logger

	ctx       context.Context
	ctxCancel context.CancelFunc

	mu      sync.Mutex
	history map[int64][]time.Time
	pending map[int64]*retryTask
	wg      sync.WaitGroup

	now func() time.Time
}

func New(cfg Config, target kit.LabelTarget, resolve ResolveFunc, log logx.Logger) *Service {
	if cfg.Quota <= 0 {
		cfg.Quota = 2
	}
	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Minute
	}
	if cfg.Buffer < 0 {
		cfg.Buffer = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:       cfg,
		target:    target,
		resolve:   resolve,
		log:       log,
		ctx:       ctx,
		ctxCancel: cancel,
		history:   make(map[int64][]time.Time),
		pending:   make(map[int64]*retryTask),
		now:       time.Now,
	}
}

// Close cancels any armed retries and waits for their tasks to exit.
func (s *Service) Close() {
	s.ctxCancel()
	s.wg.Wait()
}

// Apply drives the label for key toward desired. It reads the current label
// first and writes only when they differ and the quota allows it; otherwise
// it arms (at most) one deferred retry for the key.
//
// Read and write failures other than quota exhaustion are terminal for this
// attempt: a permission failure is never retried, and transport errors are
// propagated for the caller to handle.
func (s *Service) Apply(ctx context.Context, key int64, desired string) (Outcome, error) {
	// An armed retry re-resolves the desired state when it wakes, so a
	// duplicate request only observes it; no read needed.
	s.mu.Lock()
	_, active := s.pending[key]
	s.mu.Unlock()
	if active {
		return OutcomeDeferred, nil
	}

	current, err := s.target.ReadLabel(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("read label for %d: %w", key, err)
	}
	if current == desired {
		return OutcomeAlreadyCorrect, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.pruneLocked(key, now)

	if len(s.history[key]) >= s.cfg.Quota {
		s.armRetryLocked(key, now)
		return OutcomeDeferred, nil
	}

	err = s.target.WriteLabel(ctx, key, desired)
	switch {
	case err == nil:
		s.history[key] = append(s.history[key], now)
		s.log.Debug("label applied",
			logx.Int64("key", key),
			logx.String("label", desired),
			logx.Int("recent_writes", len(s.history[key])),
		)
		return OutcomeApplied, nil

	case errors.Is(err, kit.ErrQuotaExceeded):
		// The external side enforces the same limit and our bookkeeping
		// under-counted (e.g. after a restart). Record the attempt so local
		// state matches the external window, then defer.
		s.history[key] = append(s.history[key], now)
		s.log.Warn("label write hit external quota; deferring",
			logx.Int64("key", key),
			logx.Err(err),
		)
		s.armRetryLocked(key, now)
		return OutcomeDeferred, nil

	case errors.Is(err, kit.ErrPermissionDenied):
		return 0, fmt.Errorf("write label for %d: %w", key, err)

	default:
		return 0, fmt.Errorf("write label for %d: %w", key, err)
	}
}

// pruneLocked drops history entries older than the rolling window. What
// remains is the true recent-usage count.
func (s *Service) pruneLocked(key int64, now time.Time) {
	entries := s.history[key]
	cutoff := now.Add(-s.cfg.Window)
	i := 0
	for i < len(entries) && !entries[i].After(cutoff) {
		i++
	}
	if i > 0 {
		entries = append(entries[:0:0], entries[i:]...)
		if len(entries) == 0 {
			delete(s.history, key)
		} else {
			s.history[key] = entries
		}
	}
}

// armRetryLocked creates the key's deferred retry unless one is already
// armed (single-flight). The retry wakes once the oldest in-window write
// ages out, plus the configured buffer, then re-resolves the desired state
// and runs Apply again.
func (s *Service) armRetryLocked(key int64, now time.Time) {
	if _, active := s.pending[key]; active {
		return
	}

	wait := s.cfg.Window + s.cfg.Buffer
	if entries := s.history[key]; len(entries) > 0 {
		wait = s.cfg.Window - now.Sub(entries[0]) + s.cfg.Buffer
	}
	if wait < 0 {
		wait = s.cfg.Buffer
	}

	taskCtx, cancel := context.WithCancel(s.ctx)
	task := &retryTask{key: key, wakeAt: now.Add(wait), cancel: cancel}
	s.pending[key] = task

	s.log.Info("label change deferred",
		logx.Int64("key", key),
		logx.Duration("wait", wait),
	)

	s.wg.Add(1)
	go s.runRetry(taskCtx, task, wait)
}

func (s *Service) runRetry(ctx context.Context, task *retryTask, wait time.Duration) {
	defer s.wg.Done()
	// The pending entry is removed on every exit path so a later state
	// change can arm a fresh retry.
	defer func() {
		s.mu.Lock()
		if s.pending[task.key] == task {
			delete(s.pending, task.key)
		}
		s.mu.Unlock()
		task.cancel()
	}()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		s.log.Debug("deferred label retry cancelled", logx.Int64("key", task.key))
		return
	case <-timer.C:
	}

	// Release the single-flight slot before re-applying. If the quota is
	// still exhausted (or the write hits the external limit again), the
	// recursive Apply must be able to arm a successor; holding the slot
	// here would drop the deferred change instead.
	s.mu.Lock()
	if s.pending[task.key] == task {
		delete(s.pending, task.key)
	}
	s.mu.Unlock()

	desired, err := s.resolve(ctx, task.key)
	if err != nil {
		s.log.Warn("deferred label retry: resolve failed",
			logx.Int64("key", task.key),
			logx.Err(err),
		)
		return
	}

	outcome, err := s.Apply(ctx, task.key, desired)
	if err != nil {
		s.log.Warn("deferred label retry failed",
			logx.Int64("key", task.key),
			logx.Err(err),
		)
		return
	}
	s.log.Debug("deferred label retry finished",
		logx.Int64("key", task.key),
		logx.String("outcome", outcome.String()),
	)
}

// PendingRetries reports how many deferred retries are currently armed.
func (s *Service) PendingRetries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
