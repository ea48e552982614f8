// Package doorwatch polls the door controller and reports lock-state
// transitions to the rest of the bot.
package doorwatch

import (
	"context"
	"sync"
	"time"

	"github.com/n1ghtBl00d/801DoorBot/pkg/logx"
)

// Source reports whether any door is currently unlocked.
type Source interface {
	AnyUnlocked(ctx context.Context) (bool, error)
}

type Config struct {
	// Interval between polls. Default 30s.
	Interval time.Duration
	// LongOpenAfter fires OnLongOpen once per open episode after the doors
	// have been continuously unlocked this long. Zero disables it.
	LongOpenAfter time.Duration
}

// OnChange is called whenever the observed state differs from the previous
// poll, and once for the initial observation.
type OnChange func(ctx context.Context, unlocked bool)

// OnLongOpen is called when the doors have stayed unlocked past the
// configured threshold. since is the start of the open episode.
type OnLongOpen func(ctx context.Context, since time.Time)

type Service struct {
	cfg        Config
	source     Source
	onChange   OnChange
	onLongOpen OnLongOpen
	log        logx.Logger

	mu        sync.Mutex
	known     bool
	unlocked  bool
	openSince time.Time
	alerted   bool
}

func New(cfg Config, source Source, onChange OnChange, log logx.Logger) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Service{cfg: cfg, source: source, onChange: onChange, log: log}
}

// SetLongOpenHandler installs the long-open callback. Call before Run.
func (s *Service) SetLongOpenHandler(fn OnLongOpen) { s.onLongOpen = fn }

// Unlocked returns the last observed state and, when unlocked, the start of
// the current open episode. ok is false until the first successful poll.
func (s *Service) Unlocked() (unlocked bool, since time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unlocked, s.openSince, s.known
}

// Run polls until ctx is cancelled. Poll errors are logged and the previous
// observation is kept; the controller being briefly unreachable must not
// flap the reported state.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *Service) poll(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, s.cfg.Interval)
	defer cancel()

	unlocked, err := s.source.AnyUnlocked(pctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("door poll failed", logx.Err(err))
		}
		return
	}

	now := time.Now()
	s.mu.Lock()
	changed := !s.known || s.unlocked != unlocked
	if changed {
		s.unlocked = unlocked
		s.known = true
		s.alerted = false
		if unlocked {
			s.openSince = now
		} else {
			s.openSince = time.Time{}
		}
	}
	longOpen := s.unlocked && !s.alerted &&
		s.cfg.LongOpenAfter > 0 && now.Sub(s.openSince) >= s.cfg.LongOpenAfter
	if longOpen {
		s.alerted = true
	}
	since := s.openSince
	s.mu.Unlock()

	if changed {
		s.log.Info("door state changed", logx.Bool("unlocked", unlocked))
		if s.onChange != nil {
			s.onChange(ctx, unlocked)
		}
	}
	if longOpen && s.onLongOpen != nil {
		s.onLongOpen(ctx, since)
	}
}
