// Package alerts pushes out-of-band notifications through an ntfy server.
// Alerts are best-effort: a failed push is logged and dropped, never
// surfaced to the flow that triggered it.
package alerts

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/n1ghtBl00d/801DoorBot/pkg/logx"
)

type Config struct {
	Enabled bool
	// Server is the ntfy base URL, e.g. https://ntfy.sh.
	Server string
	Topic  string
	// Token is an optional access token for protected topics.
	Token string
}

type Service struct {
	cfg  Config
	log  logx.Logger
	http *http.Client
}

func New(cfg Config, log logx.Logger) *Service {
	if cfg.Server == "" {
		cfg.Server = "https://ntfy.sh"
	}
	return &Service{
		cfg:  cfg,
		log:  log,
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// Notify publishes one message. Priority follows the ntfy scale (1 lowest,
// 5 highest); zero means server default. Returns the push error for callers
// that want to log it themselves, but callers must treat it as best-effort.
func (s *Service) Notify(ctx context.Context, title, body string, priority int, tags ...string) error {
	if !s.cfg.Enabled || s.cfg.Topic == "" {
		return nil
	}

	url := strings.TrimRight(s.cfg.Server, "/") + "/" + s.cfg.Topic
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		return err
	}
	if title != "" {
		req.Header.Set("X-Title", title)
	}
	if priority > 0 {
		req.Header.Set("X-Priority", strconv.Itoa(priority))
	}
	if len(tags) > 0 {
		req.Header.Set("X-Tags", strings.Join(tags, ","))
	}
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		s.log.Warn("alert push failed", logx.String("title", title), logx.Err(err))
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := fmt.Errorf("alerts: push %q: status %d", title, resp.StatusCode)
		s.log.Warn("alert push rejected", logx.String("title", title), logx.Int("status", resp.StatusCode))
		return err
	}
	s.log.Debug("alert pushed", logx.String("title", title), logx.Int("priority", priority))
	return nil
}
