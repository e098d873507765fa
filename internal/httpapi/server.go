// Package httpapi serves the read-only fleet status API.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"fleetbot/internal/fleet"
	rtsup "fleetbot/internal/runtime/supervisor"
	"fleetbot/internal/storage"
	logx "fleetbot/pkg/logx"
)

// Fleet is the status side of fleet.Supervisor.
type Fleet interface {
	StatusOf(id string) (fleet.Status, error)
	StatusOfAll() ([]fleet.Status, error)
	Errors(id string) ([]fleet.ErrorEntry, error)
	Summary() (fleet.Summary, error)
}

// ActivityLog is the read side of the activity store.
type ActivityLog interface {
	RecentActivity(ctx context.Context, tenant string, limit int) ([]storage.Activity, error)
}

// Runtime exposes background goroutine stats.
type Runtime interface {
	Counters() rtsup.Counters
	Snapshot() []rtsup.Stats
}

// Activity page sizes for /v1/tenants/{id}/activity.
const (
	DefaultActivityLimit = 50
	MaxActivityLimit     = 500
)

// Config controls the listener.
//
// A non-loopback Addr requires Token or AllowInsecure.
type Config struct {
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool
	CORSOrigins   []string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

var ErrInsecureBind = errors.New("httpapi refused to start: non-loopback addr requires token or allow_insecure")

type Server struct {
	cfg      Config
	fleet    Fleet
	metrics  http.Handler
	activity ActivityLog
	runtime  Runtime
	log      logx.Logger
}

type Option func(*Server)

// WithActivity serves recent activity rows from a.
func WithActivity(a ActivityLog) Option { return func(s *Server) { s.activity = a } }

// WithRuntime serves goroutine stats from rt.
func WithRuntime(rt Runtime) Option { return func(s *Server) { s.runtime = rt } }

// New builds the server. metrics may be nil.
func New(cfg Config, fl Fleet, metrics http.Handler, log logx.Logger, opts ...Option) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:8089"
	}
	if metrics == nil {
		metrics = http.NotFoundHandler()
	}
	s := &Server{cfg: cfg, fleet: fl, metrics: metrics, log: log.With(logx.String("comp", "httpapi"))}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the full router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Options{
			AllowedOrigins: s.cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Authorization"},
			MaxAge:         300,
		}).Handler)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(s.auth)
		r.Handle("/metrics", s.metrics)
		r.Route("/v1", func(r chi.Router) {
			r.Get("/summary", s.handleSummary)
			r.Get("/tenants", s.handleTenants)
			r.Get("/tenants/{id}", s.handleTenant)
			r.Get("/tenants/{id}/errors", s.handleErrors)
			r.Get("/tenants/{id}/activity", s.handleActivity)
			r.Get("/runtime", s.handleRuntime)
		})
		if s.cfg.Pprof {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

func (s *Server) handleSummary(w http.ResponseWriter, _ *http.Request) {
	sum, err := s.fleet.Summary()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleTenants(w http.ResponseWriter, _ *http.Request) {
	all, err := s.fleet.StatusOfAll()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *Server) handleTenant(w http.ResponseWriter, r *http.Request) {
	st, err := s.fleet.StatusOf(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	errs, err := s.fleet.Errors(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if errs == nil {
		errs = []fleet.ErrorEntry{}
	}
	writeJSON(w, http.StatusOK, errs)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.fleet.StatusOf(id); err != nil {
		writeError(w, err)
		return
	}
	limit := DefaultActivityLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, MaxActivityLimit)
	}
	if s.activity == nil {
		writeJSON(w, http.StatusOK, []storage.Activity{})
		return
	}
	rows, err := s.activity.RecentActivity(r.Context(), id, limit)
	if errors.Is(err, storage.ErrDisabled) {
		rows, err = nil, nil
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if rows == nil {
		rows = []storage.Activity{}
	}
	writeJSON(w, http.StatusOK, rows)
}

type runtimeView struct {
	Counters   rtsup.Counters `json:"counters"`
	Goroutines []rtsup.Stats  `json:"goroutines"`
}

func (s *Server) handleRuntime(w http.ResponseWriter, _ *http.Request) {
	v := runtimeView{Goroutines: []rtsup.Stats{}}
	if s.runtime != nil {
		v.Counters = s.runtime.Counters()
		if snap := s.runtime.Snapshot(); snap != nil {
			v.Goroutines = snap
		}
	}
	writeJSON(w, http.StatusOK, v)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	if errors.Is(err, fleet.ErrUnknownTenant) {
		code = http.StatusNotFound
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			s.log.Debug("http request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Duration("took", time.Since(start)),
				logx.String("request_id", middleware.GetReqID(r.Context())),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

// auth accepts "Authorization: Bearer <token>" or ?token=<token>.
func (s *Server) auth(next http.Handler) http.Handler {
	tok := strings.TrimSpace(s.cfg.Token)
	if tok == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			got = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		}
		if got != tok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Serve listens until ctx is cancelled. A clean shutdown returns nil so a
// restart loop around it ends.
func (s *Server) Serve(ctx context.Context) error {
	addr := strings.TrimSpace(s.cfg.Addr)
	if s.cfg.Token == "" && !isLoopbackAddr(addr) {
		if !s.cfg.AllowInsecure {
			return ErrInsecureBind
		}
		s.log.Warn("http api running without token on non-loopback addr", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	defer func() { _ = srv.Close() }()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("http api started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", s.cfg.Token != ""))
	err := srv.Serve(ln)
	if ctx.Err() != nil {
		return nil
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("http api exited unexpectedly")
	}
	return err
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
