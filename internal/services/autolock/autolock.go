// Package autolock owns the single pending re-lock timer. Arming a new
// schedule supersedes the previous one; correctness does not depend on
// cancellation being instantaneous, because a timer that wakes after being
// superseded detects the stale identity token and does nothing.
package autolock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/n1ghtBl00d/801DoorBot/pkg/logx"
)

// Action performs the scheduled operation (re-locking the doors).
type Action func(ctx context.Context) error

// Observer runs after the action succeeds. Observers are best-effort: a
// failing observer is that observer's problem and never undoes the action.
type Observer func(ctx context.Context)

// actionTimeout bounds the fired action and its observers.
const actionTimeout = 30 * time.Second

type Service struct {
	action    Action
	observers []Observer
	log       logx.Logger

	ctx       context.Context
	ctxCancel context.CancelFunc

	mu     sync.Mutex
	token  uuid.UUID // uuid.Nil means nothing armed
	at     time.Time
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() time.Time
}

func New(action Action, log logx.Logger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		action:    action,
		log:       log,
		ctx:       ctx,
		ctxCancel: cancel,
		now:       time.Now,
	}
}

// AddObserver registers a post-action callback. Not safe to call after the
// scheduler is in use.
func (s *Service) AddObserver(fn Observer) {
	s.observers = append(s.observers, fn)
}

// Close cancels any armed schedule and waits for the timer task to exit.
func (s *Service) Close() {
	s.Cancel()
	s.ctxCancel()
	s.wg.Wait()
}

// Schedule arms the action to fire at target, replacing any schedule that
// is already armed (last-write-wins).
func (s *Service) Schedule(target time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}

	token := uuid.New()
	taskCtx, cancel := context.WithCancel(s.ctx)
	s.token = token
	s.at = target
	s.cancel = cancel

	s.log.Info("auto-lock scheduled",
		logx.Time("at", target),
		logx.String("schedule_id", token.String()),
	)

	s.wg.Add(1)
	go s.run(taskCtx, token, target)
}

// Cancel disarms the pending schedule. Calling it with nothing armed is a
// no-op, not an error.
func (s *Service) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return
	}
	s.log.Info("auto-lock cancelled", logx.Time("was_at", s.at))
	s.cancel()
	s.clearLocked()
}

// NextAt reports the armed fire time, if any.
func (s *Service) NextAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.at, s.token != uuid.Nil
}

func (s *Service) clearLocked() {
	s.token = uuid.Nil
	s.at = time.Time{}
	s.cancel = nil
}

func (s *Service) run(ctx context.Context, token uuid.UUID, target time.Time) {
	defer s.wg.Done()

	wait := target.Sub(s.now())
	if wait < 0 {
		wait = 0
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	// The sleep may have outlived a supersede or cancel. Only the schedule
	// that still owns the token acts.
	s.mu.Lock()
	if s.token != token {
		s.mu.Unlock()
		s.log.Debug("auto-lock timer woke stale; ignoring",
			logx.String("schedule_id", token.String()),
		)
		return
	}
	s.clearLocked()
	s.mu.Unlock()

	actCtx, cancel := context.WithTimeout(s.ctx, actionTimeout)
	defer cancel()

	if err := s.action(actCtx); err != nil {
		s.log.Error("auto-lock action failed",
			logx.String("schedule_id", token.String()),
			logx.Err(err),
		)
		return
	}
	s.log.Info("auto-lock fired", logx.Time("at", target))

	for _, fn := range s.observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Warn("auto-lock observer panicked", logx.Any("panic", r))
				}
			}()
			fn(actCtx)
		}()
	}
}
