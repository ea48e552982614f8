package unifi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNormalizeBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		host    string
		want    string
		wantErr bool
	}{
		{name: "bare host", host: "access.example.com", want: "https://access.example.com/api/v1"},
		{name: "host with port", host: "10.0.0.5:12445", want: "https://10.0.0.5:12445/api/v1"},
		{name: "full https url", host: "https://access.example.com", want: "https://access.example.com/api/v1"},
		{name: "trailing slash stripped", host: "https://access.example.com/", want: "https://access.example.com/api/v1"},
		{name: "explicit http", host: "http://127.0.0.1:8080", want: "http://127.0.0.1:8080/api/v1"},
		{name: "empty", host: "   ", wantErr: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := normalizeBaseURL(tc.host)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("normalizeBaseURL(%q) = %q, want error", tc.host, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("normalizeBaseURL(%q): %v", tc.host, err)
			}
			if got != tc.want {
				t.Fatalf("normalizeBaseURL(%q) = %q, want %q", tc.host, got, tc.want)
			}
		})
	}
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(Config{Host: srv.URL, Token: "test-token", Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, srv
}

func TestDoors(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/api/v1/developer/doors" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":"SUCCESS","data":[
			{"id":"d1","name":"Front Door","door_lock_relay_status":"unlock"},
			{"id":"d2","full_name":"Hall - Back Door","door_lock_relay_status":"lock"},
			{"id":"d3"}
		]}`))
	}))

	doors, err := c.Doors(context.Background())
	if err != nil {
		t.Fatalf("Doors: %v", err)
	}
	if len(doors) != 3 {
		t.Fatalf("len(doors) = %d, want 3", len(doors))
	}
	if doors[0].Name != "Front Door" || doors[0].Locked {
		t.Errorf("doors[0] = %+v, want unlocked Front Door", doors[0])
	}
	if doors[1].Name != "Hall - Back Door" || !doors[1].Locked {
		t.Errorf("doors[1] = %+v, want locked with full_name fallback", doors[1])
	}
	if doors[2].Name != "Unknown" || !doors[2].Locked {
		t.Errorf("doors[2] = %+v, want locked Unknown", doors[2])
	}
}

func TestSetEvacuation(t *testing.T) {
	t.Parallel()

	var got map[string]bool
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/api/v1/developer/doors/settings/emergency" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		_, _ = w.Write([]byte(`{"code":"SUCCESS"}`))
	}))

	if err := c.SetEvacuation(context.Background(), true); err != nil {
		t.Fatalf("SetEvacuation: %v", err)
	}
	if !got["evacuation"] {
		t.Errorf("payload evacuation = false, want true")
	}
	if got["lockdown"] {
		t.Errorf("payload lockdown = true, want false (always kept off)")
	}
}

func TestAnyUnlocked(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
		want bool
	}{
		{name: "one unlocked", body: `{"data":[{"name":"a","door_lock_relay_status":"lock"},{"name":"b","door_lock_relay_status":"unlock"}]}`, want: true},
		{name: "all locked", body: `{"data":[{"name":"a","door_lock_relay_status":"lock"}]}`, want: false},
		{name: "no doors", body: `{"data":[]}`, want: false},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tc.body))
			}))
			got, err := c.AnyUnlocked(context.Background())
			if err != nil {
				t.Fatalf("AnyUnlocked: %v", err)
			}
			if got != tc.want {
				t.Fatalf("AnyUnlocked = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestStatusError(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"code":"ACCESS_DENIED"}`))
	}))

	_, err := c.Doors(context.Background())
	if err == nil {
		t.Fatal("Doors: want error on 403")
	}
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("error type = %T, want *StatusError", err)
	}
	if se.Code != http.StatusForbidden {
		t.Errorf("Code = %d, want 403", se.Code)
	}
}
