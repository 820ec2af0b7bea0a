// Package httpapi is the HTTP control surface of the bot.
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loorksy/whatsapp-bot-backend/internal/actionqueue"
	"github.com/loorksy/whatsapp-bot-backend/internal/activity"
	"github.com/loorksy/whatsapp-bot-backend/internal/backfill"
	"github.com/loorksy/whatsapp-bot-backend/internal/control"
	"github.com/loorksy/whatsapp-bot-backend/internal/ratelimit"
	"github.com/loorksy/whatsapp-bot-backend/internal/storage"
	"github.com/loorksy/whatsapp-bot-backend/internal/transport"
	logx "github.com/loorksy/whatsapp-bot-backend/pkg/logx"
)

type Config struct {
	Addr            string
	APIKey          string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":3000"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	// Scans answer when they finish; leave room for them.
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Minute
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	return c
}

// Scanner runs a history scan.
type Scanner interface {
	Scan(ctx context.Context, req backfill.Request) (backfill.Report, error)
}

// Session exposes the pending pairing code, empty when none.
type Session interface {
	PairingCode() string
}

// ActionHistory reads executed actions back from storage.
type ActionHistory interface {
	RecentActions(ctx context.Context, limit int) ([]storage.ActionRecord, error)
}

// Deps are the components the handlers act on.
type Deps struct {
	Control   *control.Controller
	Queue     *actionqueue.Queue
	// Limiter, when set, is reported under "rate" by /health.
	Limiter   *ratelimit.Limiter
	Transport transport.Transport
	Scanner   Scanner
	Activity  *activity.Log
	Session   Session
	// Actions is nil when storage is disabled.
	Actions ActionHistory
	// Runtime, when set, is reported under "runtime" by /health.
	Runtime func() any
}

type Server struct {
	cfg  Config
	deps Deps
	log  logx.Logger

	apiKey atomic.Value // string
	qr     qrCache

	// base outlives single requests; scans started over HTTP run on it.
	base context.Context

	mu   sync.Mutex
	addr string
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		cfg:  cfg.withDefaults(),
		deps: deps,
		log:  log.With(logx.String("comp", "http")),
		base: context.Background(),
	}
	s.apiKey.Store(cfg.APIKey)
	return s
}

// SetAPIKey swaps the bearer secret. Requests in flight keep the old one.
func (s *Server) SetAPIKey(key string) { s.apiKey.Store(key) }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)

	auth := s.requireAuth
	mux.Handle("GET /session/qr", auth(s.handleQR))
	mux.Handle("GET /chats", auth(s.handleChats))
	mux.Handle("POST /groups/select", auth(s.handleSelect))
	mux.Handle("POST /bot/start", auth(s.handleStart))
	mux.Handle("POST /bot/stop", auth(s.handleStop))
	mux.Handle("POST /history/scan", auth(s.handleScan))
	mux.Handle("POST /queue/flush", auth(s.handleFlush))
	mux.Handle("GET /queue", auth(s.handleQueue))
	mux.Handle("GET /logs", auth(s.handleLogs))
	mux.Handle("GET /actions", auth(s.handleActions))
	return withCORS(mux)
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.base = ctx
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	s.log.Info("http server listening", logx.String("addr", ln.Addr().String()))

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("http shutdown error", logx.Err(err))
	}
	s.mu.Lock()
	s.addr = ""
	s.mu.Unlock()
	return nil
}

// Addr reports the listen address while running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) requireAuth(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want, _ := s.apiKey.Load().(string)
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || want == "" || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(want)) != 1 {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		h(w, r)
	})
}

// withCORS allows any origin; the bearer key is the access control.
func withCORS(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hdr := w.Header()
		hdr.Set("Access-Control-Allow-Origin", "*")
		hdr.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		hdr.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h.ServeHTTP(w, r)
	})
}
