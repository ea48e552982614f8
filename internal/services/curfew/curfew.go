// Package curfew locks the doors at a fixed local time every night, as a
// backstop for an unlock left running without a timer.
package curfew

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/n1ghtBl00d/801DoorBot/pkg/logx"
)

type Config struct {
	Enabled bool
	// At is the nightly lock time as "HH:MM" (24-hour) in Location.
	At       string
	Location *time.Location
}

// Action performs the curfew lock. It is only invoked when enabled.
type Action func(ctx context.Context)

type Service struct {
	cfg    Config
	action Action
	log    logx.Logger

	mu sync.Mutex
	c  *cron.Cron
}

func New(cfg Config, action Action, log logx.Logger) *Service {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Service{cfg: cfg, action: action, log: log}
}

// Start arms the nightly job. Disabled or unconfigured curfew is a clean
// no-op.
func (s *Service) Start(ctx context.Context) error {
	if !s.cfg.Enabled || strings.TrimSpace(s.cfg.At) == "" {
		return nil
	}
	hour, minute, err := parseHHMM(s.cfg.At)
	if err != nil {
		return fmt.Errorf("curfew: %w", err)
	}

	spec := fmt.Sprintf("%d %d * * *", minute, hour)
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.c = cron.New(cron.WithParser(parser), cron.WithLocation(s.cfg.Location))
	_, err = s.c.AddFunc(spec, func() {
		s.log.Info("curfew lock firing", logx.String("at", s.cfg.At))
		cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		s.action(cctx)
	})
	if err != nil {
		s.c = nil
		return fmt.Errorf("curfew: schedule %q: %w", spec, err)
	}
	s.c.Start()
	s.log.Info("curfew armed",
		logx.String("at", s.cfg.At),
		logx.String("timezone", s.cfg.Location.String()),
	)
	return nil
}

// Stop disarms the job and waits for a running fire to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
}

// NextFire reports when the curfew will next trigger, if armed.
func (s *Service) NextFire() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return time.Time{}, false
	}
	entries := s.c.Entries()
	if len(entries) == 0 {
		return time.Time{}, false
	}
	return entries[0].Next, true
}

func parseHHMM(v string) (hour, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(v), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", v)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", v)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", v)
	}
	return hour, minute, nil
}
