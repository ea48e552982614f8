// Package debughttp serves the operator debug endpoints: net/http/pprof
// profiles and a liveness probe. Off by default; meant for localhost.
package debughttp

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/n1ghtBl00d/801DoorBot/pkg/logx"
)

type Config struct {
	Enabled bool
	Addr    string // defaults to 127.0.0.1:6060
	Token   string // required for non-loopback binds
}

type Server struct {
	cfg Config
	log logx.Logger

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

func New(cfg Config, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, log: log}
}

func (s *Server) Enabled() bool { return s.cfg.Enabled }

// Serve listens and blocks until ctx is canceled or the listener fails.
// Returns nil on a ctx-driven shutdown so a restart loop treats it as clean.
func (s *Server) Serve(ctx context.Context) error {
	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		addr = "127.0.0.1:6060"
	}

	// A tokenless bind on a public interface would expose heap and goroutine
	// dumps to the network.
	if s.cfg.Token == "" && !isLoopback(addr) {
		return errors.New("debug server: non-loopback addr requires a token")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.auth(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	mux.HandleFunc("/debug/pprof/", s.auth(hpprof.Index))
	mux.HandleFunc("/debug/pprof/cmdline", s.auth(hpprof.Cmdline))
	mux.HandleFunc("/debug/pprof/profile", s.auth(hpprof.Profile))
	mux.HandleFunc("/debug/pprof/symbol", s.auth(hpprof.Symbol))
	mux.HandleFunc("/debug/pprof/trace", s.auth(hpprof.Trace))

	srv := &http.Server{
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: time.Minute,
	}
	s.mu.Lock()
	s.srv = srv
	s.ln = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(sctx)
		cancel()
	}()

	s.log.Info("debug server listening", logx.String("addr", ln.Addr().String()))
	err = srv.Serve(ln)
	if ctx.Err() != nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr reports the bound listen address, or "" before Serve accepts.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) auth(h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(s.cfg.Token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, "Bearer ") && strings.TrimPrefix(ah, "Bearer ") == tok {
			h(w, r)
			return
		}
		if r.URL.Query().Get("token") == tok {
			h(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
