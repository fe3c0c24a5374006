// Package api is the HTTP surface: the Bot API routes under /bot{token}/, file
// downloads, and the management API used by operators and the dashboard.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/patrickmn/go-cache"

	"wxhelper/internal/backend"
	"wxhelper/internal/bot"
	"wxhelper/internal/bus"
	"wxhelper/internal/command"
	"wxhelper/internal/delivery"
	"wxhelper/internal/domain"
	"wxhelper/internal/metrics"
	"wxhelper/internal/scheduler"
	"wxhelper/internal/session"
	"wxhelper/internal/store"
	"wxhelper/internal/updates"
)

const (
	maxFormSize    = 1 << 20
	defaultMaxBody = 50 << 20
)

// History is the part of the message store the management API reads.
type History interface {
	QueryMessages(ctx context.Context, f domain.MessageFilter) ([]domain.Update, error)
	Stats(ctx context.Context) (domain.StoreStats, error)
	ListFiles(ctx context.Context, limit int) ([]store.FileRecord, error)
	ForgetFile(ctx context.Context, uniqueID string) error
}

// Config wires the server to the rest of the process. Optional members
// (Loopback, Catalog, Scheduler, Chat, History) disable the routes that need them.
type Config struct {
	Addr       string
	BotToken   string
	AdminToken string

	Bot       *bot.Service
	Delivery  *delivery.Service
	Session   *session.Manager
	Loopback  *backend.Loopback
	Log       *updates.Log
	Files     domain.FileStore
	History   History
	Registry  *command.Registry
	Catalog   *command.Catalog
	Scheduler *scheduler.Scheduler
	Chat      *command.Chat
	Events    *bus.EventBus

	// MetricsPath serves Prometheus metrics when set.
	MetricsPath string
	// FileRetention is the age cutoff for /api/files/cleanup.
	FileRetention time.Duration
	// MaxUpload caps request bodies and downloaded file inputs.
	MaxUpload int64
	HTTP      *resty.Client
	Version   string
	StartedAt time.Time
	Logger    *slog.Logger
}

// Server serves the HTTP API.
type Server struct {
	cfg    Config
	logger *slog.Logger
	router *mux.Router
	cache  *cache.Cache
	hub    *eventHub
	server *http.Server
}

// New builds the router.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxUpload <= 0 {
		cfg.MaxUpload = defaultMaxBody
	}
	if cfg.HTTP == nil {
		cfg.HTTP = resty.New().SetTimeout(30 * time.Second)
	}
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = time.Now()
	}
	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger,
		cache:  cache.New(time.Minute, 5*time.Minute),
		hub:    newEventHub(cfg.Events, cfg.Logger),
	}
	s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	r := mux.NewRouter()
	base := alice.New(s.recoverer, s.accessLog, s.instrument)
	admin := base.Append(s.requireAdmin)

	r.Handle("/health", base.ThenFunc(s.Health())).Methods(http.MethodGet)
	if s.cfg.MetricsPath != "" {
		r.Handle(s.cfg.MetricsPath, base.Then(metrics.Handler())).Methods(http.MethodGet)
	}

	r.Handle("/bot{token}/{method}", base.ThenFunc(s.BotMethod()))
	r.Handle("/file/bot{token}/{path:.+}", base.ThenFunc(s.FileDownload())).Methods(http.MethodGet)

	r.Handle("/wechat/qr", admin.ThenFunc(s.QRCode())).Methods(http.MethodGet, http.MethodPost)
	r.Handle("/wechat/login/status", admin.ThenFunc(s.LoginStatus())).Methods(http.MethodGet)
	r.Handle("/wechat/logout", admin.ThenFunc(s.Logout())).Methods(http.MethodPost)
	r.Handle("/wechat/session/save", admin.ThenFunc(s.SaveSession())).Methods(http.MethodPost)
	r.Handle("/wechat/loopback/scan", admin.ThenFunc(s.LoopbackScan())).Methods(http.MethodPost)
	r.Handle("/wechat/loopback/inject", admin.ThenFunc(s.LoopbackInject())).Methods(http.MethodPost)

	r.Handle("/api/files", admin.ThenFunc(s.ListFiles())).Methods(http.MethodGet)
	r.Handle("/api/files/cleanup", admin.ThenFunc(s.CleanupFiles())).Methods(http.MethodPost)
	r.Handle("/api/files/{id}", admin.ThenFunc(s.DeleteFile())).Methods(http.MethodDelete)
	r.Handle("/api/store/stats", admin.ThenFunc(s.StoreStats())).Methods(http.MethodGet)
	r.Handle("/api/store/messages", admin.ThenFunc(s.StoreMessages())).Methods(http.MethodGet)

	r.Handle("/api/framework/state", admin.ThenFunc(s.FrameworkState())).Methods(http.MethodGet)
	r.Handle("/api/framework/execute", admin.ThenFunc(s.FrameworkExecute())).Methods(http.MethodPost)
	r.Handle("/api/framework/chat_mode", admin.ThenFunc(s.SetChatMode())).Methods(http.MethodPost)
	r.Handle("/api/plugins", admin.ThenFunc(s.ListPlugins())).Methods(http.MethodGet)
	r.Handle("/api/plugins/reload", admin.ThenFunc(s.ReloadPlugins())).Methods(http.MethodPost)

	r.Handle("/api/tasks", admin.ThenFunc(s.ListTasks())).Methods(http.MethodGet)
	r.Handle("/api/tasks", admin.ThenFunc(s.CreateTask())).Methods(http.MethodPost)
	r.Handle("/api/tasks/{id}", admin.ThenFunc(s.UpdateTask())).Methods(http.MethodPut)
	r.Handle("/api/tasks/{id}", admin.ThenFunc(s.DeleteTask())).Methods(http.MethodDelete)
	r.Handle("/api/tasks/{id}/run", admin.ThenFunc(s.RunTask())).Methods(http.MethodPost)

	r.Handle("/api/stability", admin.ThenFunc(s.Stability())).Methods(http.MethodGet)
	// Websocket upgrades skip the instrumenting wrappers, which hide http.Hijacker.
	r.Handle("/api/events", alice.New(s.recoverer, s.requireAdmin).ThenFunc(s.hub.serve)).Methods(http.MethodGet)

	r.NotFoundHandler = base.ThenFunc(func(w http.ResponseWriter, r *http.Request) {
		s.Respond(w, r, http.StatusNotFound, "not found")
	})
	s.router = r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	s.logger.Info("http api started", "addr", s.cfg.Addr, "admin", s.cfg.AdminToken != "")

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.hub.closeAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// --- middleware ---

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic in http handler", "path", r.URL.Path, "panic", rec, "stack", string(debug.Stack()))
				s.Respond(w, r, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", redactToken(r.URL.Path),
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

// instrument records metrics under the route template, so tokens and ids do not
// become label values.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		if m := mux.Vars(r)["method"]; m != "" {
			route = "/bot/" + m
		}
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPLatency.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// requireAdmin checks the Bearer token. With no admin token configured the
// management API is closed.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken == "" {
			s.Respond(w, r, http.StatusForbidden, "management api disabled: set server.adminToken")
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
			s.Respond(w, r, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func redactToken(path string) string {
	for _, prefix := range []string{"/bot", "/file/bot"} {
		if rest, ok := strings.CutPrefix(path, prefix); ok {
			if i := strings.IndexByte(rest, '/'); i > 0 {
				return prefix + "<token>" + rest[i:]
			}
		}
	}
	return path
}

// --- responses ---

// Respond writes a management API response: data as JSON on success, or
// {"error": msg} for status >= 400.
func (s *Server) Respond(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	var body any = data
	if status >= 400 {
		msg := fmt.Sprint(data)
		if err, ok := data.(error); ok {
			msg = err.Error()
		}
		body = map[string]string{"error": msg}
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("write response failed", "path", r.URL.Path, "err", err)
	}
}

// fail maps a domain error onto a management API response.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	s.Respond(w, r, StatusFor(err), err)
}

// StatusFor maps the error taxonomy to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrReconnectExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrSessionNotConnected):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidParameter):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrFileNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrLoginRequired):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrChallengeExpired):
		return http.StatusGone
	case errors.Is(err, domain.ErrUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
