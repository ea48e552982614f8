// Package unifi is a minimal client for the UniFi Access developer API.
//
// It covers the two calls the bot needs: reading per-door lock state and
// flipping the site-wide evacuation mode (which unlocks or relocks every
// door at once).
package unifi

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Config struct {
	// Host is the controller address. A bare host gets https:// prepended;
	// a full URL is used as given.
	Host  string
	Token string
	// InsecureTLS skips certificate verification. Access controllers
	// commonly run with self-signed certs.
	InsecureTLS bool
	Timeout     time.Duration
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// Door is one door as reported by the controller.
type Door struct {
	ID     string
	Name   string
	Locked bool
}

// StatusError is a non-2xx response from the controller.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unifi: %s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

func New(cfg Config) (*Client, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("unifi: host not configured")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("unifi: token not configured")
	}

	base, err := normalizeBaseURL(cfg.Host)
	if err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Client{
		baseURL: base,
		token:   cfg.Token,
		http: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}, nil
}

// normalizeBaseURL accepts "access.example.com", "access.example.com:12445"
// or a full "https://access.example.com" and returns the API root.
func normalizeBaseURL(host string) (string, error) {
	h := strings.TrimRight(strings.TrimSpace(host), "/")
	if !strings.Contains(h, "://") {
		h = "https://" + h
	}
	u, err := url.Parse(h)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("unifi: invalid host %q", host)
	}
	return h + "/api/v1", nil
}

// SetEvacuation enables or disables evacuation mode. Enabled unlocks all
// doors; disabled returns them to their normal (locked) schedule. Lockdown
// is always kept off.
func (c *Client) SetEvacuation(ctx context.Context, enabled bool) error {
	payload := map[string]bool{
		"lockdown":   false,
		"evacuation": enabled,
	}
	_, err := c.call(ctx, http.MethodPut, "/developer/doors/settings/emergency", payload)
	return err
}

// Doors returns the current state of every door the controller knows about.
func (c *Client) Doors(ctx context.Context) ([]Door, error) {
	raw, err := c.call(ctx, http.MethodGet, "/developer/doors", nil)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Data []struct {
			ID                  string `json:"id"`
			Name                string `json:"name"`
			FullName            string `json:"full_name"`
			DoorLockRelayStatus string `json:"door_lock_relay_status"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("unifi: decode doors: %w", err)
	}

	doors := make([]Door, 0, len(envelope.Data))
	for _, d := range envelope.Data {
		name := d.Name
		if name == "" {
			name = d.FullName
		}
		if name == "" {
			name = "Unknown"
		}
		doors = append(doors, Door{
			ID:     d.ID,
			Name:   name,
			Locked: d.DoorLockRelayStatus != "unlock",
		})
	}
	return doors, nil
}

// AnyUnlocked reports whether at least one door is currently unlocked.
func (c *Client) AnyUnlocked(ctx context.Context) (bool, error) {
	doors, err := c.Doors(ctx)
	if err != nil {
		return false, err
	}
	for _, d := range doors {
		if !d.Locked {
			return true, nil
		}
	}
	return false, nil
}

func (c *Client) call(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("unifi: encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("unifi: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("unifi: read %s %s: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{
			Method: method,
			Path:   path,
			Code:   resp.StatusCode,
			Body:   truncateBody(raw),
		}
	}
	return raw, nil
}

func truncateBody(b []byte) string {
	const max = 256
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		return s[:max] + "…"
	}
	return s
}
