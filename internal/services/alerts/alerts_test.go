package alerts

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/n1ghtBl00d/801DoorBot/pkg/logx"
)

func TestNotify(t *testing.T) {
	t.Parallel()

	type push struct {
		path     string
		body     string
		title    string
		priority string
		tags     string
		auth     string
	}
	var got push
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got = push{
			path:     r.URL.Path,
			body:     string(b),
			title:    r.Header.Get("X-Title"),
			priority: r.Header.Get("X-Priority"),
			tags:     r.Header.Get("X-Tags"),
			auth:     r.Header.Get("Authorization"),
		}
	}))
	defer srv.Close()

	s := New(Config{Enabled: true, Server: srv.URL, Topic: "doorbot", Token: "tk"}, logx.Logger{})
	err := s.Notify(context.Background(), "Door left open", "Front Door has been unlocked for 2h", 4, "door", "warning")
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}

	if got.path != "/doorbot" {
		t.Errorf("path = %q", got.path)
	}
	if got.body != "Front Door has been unlocked for 2h" {
		t.Errorf("body = %q", got.body)
	}
	if got.title != "Door left open" || got.priority != "4" || got.tags != "door,warning" {
		t.Errorf("headers = %+v", got)
	}
	if got.auth != "Bearer tk" {
		t.Errorf("auth = %q", got.auth)
	}
}

func TestNotifyDisabled(t *testing.T) {
	t.Parallel()

	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	s := New(Config{Enabled: false, Server: srv.URL, Topic: "doorbot"}, logx.Logger{})
	if err := s.Notify(context.Background(), "t", "b", 1); err != nil {
		t.Fatalf("Notify disabled: %v", err)
	}
	if called {
		t.Fatal("disabled service pushed anyway")
	}
}

func TestNotifyServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	s := New(Config{Enabled: true, Server: srv.URL, Topic: "doorbot"}, logx.Logger{})
	if err := s.Notify(context.Background(), "t", "b", 1); err == nil {
		t.Fatal("Notify: want error on 403")
	}
}
