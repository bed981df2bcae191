package api

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"sofia/internal/chat"
	"sofia/internal/metrics"
	"sofia/internal/providers"
	"sofia/internal/queue"
	"sofia/internal/storage"
)

const SessionCookie = "sofia_session"

type Config struct {
	Store    *storage.Store
	Usage    *queue.UsageLedger
	Sessions *queue.SessionStore
	Verify   *queue.VerificationTokens
	Dedupe   *queue.Deduplicator
	// Jobs may be nil when no worker consumes the stream.
	Jobs     *queue.StreamQueue
	Provider providers.Provider

	Model        string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64

	Limits         chat.UsageLimits
	AdminEmails    []string
	CookieSecure   bool
	PublicURL      string
	MaxUploadBytes int64
	LoginPerMinute int
	// LimiterCacheSize bounds how many client addresses keep a login limiter.
	LimiterCacheSize int
	BcryptCost       int

	HealthPath  string
	MetricsPath string
	StaticDir   string

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type Server struct {
	cfg     Config
	store   *storage.Store
	usage   *queue.UsageLedger
	logger  zerolog.Logger
	metrics *metrics.Metrics
	admins  map[string]struct{}
	now     func() time.Time

	limMu    sync.Mutex
	limiters *lru.Cache[string, *rate.Limiter]
}

func New(cfg Config) *Server {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 10 << 20
	}
	if cfg.LoginPerMinute <= 0 {
		cfg.LoginPerMinute = 10
	}
	if cfg.LimiterCacheSize <= 0 {
		cfg.LimiterCacheSize = 4096
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/healthz"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	admins := make(map[string]struct{}, len(cfg.AdminEmails))
	for _, e := range cfg.AdminEmails {
		admins[storage.NormalizeEmail(e)] = struct{}{}
	}
	// only fails for a non-positive size
	limiters, _ := lru.New[string, *rate.Limiter](cfg.LimiterCacheSize)
	return &Server{
		cfg:      cfg,
		store:    cfg.Store,
		usage:    cfg.Usage,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		admins:   admins,
		now:      cfg.Now,
		limiters: limiters,
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Get(s.cfg.HealthPath, s.handleHealthz)
	r.Handle(s.cfg.MetricsPath, promhttp.Handler())

	r.With(s.throttle).Post("/signup", s.handleSignup)
	r.With(s.throttle).Post("/login", s.handleLogin)
	r.Post("/logout", s.handleLogout)
	r.Get("/verify_email", s.handleVerifyEmail)

	r.Group(func(r chi.Router) {
		r.Use(s.requireUser)

		r.Post("/logout-all", s.handleLogoutAll)
		r.Delete("/delete_account", s.handleDeleteAccount)
		r.Post("/send_verification_email", s.handleSendVerification)
		r.Get("/get_user_info", s.handleUserInfo)
		r.Post("/update_usage", s.handleUpdateUsage)
		r.Post("/chat", s.handleChat)

		r.Route("/api/chats", func(r chi.Router) {
			r.Get("/", s.handleListChats)
			r.Post("/", s.handleSaveChat)
			r.Get("/{chatID}", s.handleGetChat)
			r.Put("/{chatID}", s.handleRenameChat)
			r.Delete("/{chatID}", s.handleDeleteChat)
		})
		r.Route("/library", func(r chi.Router) {
			r.Post("/upload", s.handleUpload)
			r.Get("/files", s.handleListFiles)
			r.Delete("/files/{fileID}", s.handleDeleteFile)
		})
	})

	if s.cfg.StaticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(s.cfg.StaticDir)))
	}
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		writeErrorString(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(status/100)+"xx").Inc()
		s.logger.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", status).
			Dur("took", time.Since(start)).
			Msg("http request")
	})
}

// throttle limits unauthenticated account endpoints per client address.
func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiterFor(clientIP(r)).Allow() {
			writeErrorString(w, http.StatusTooManyRequests, "Too many attempts. Please try again later.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limiterFor(ip string) *rate.Limiter {
	s.limMu.Lock()
	defer s.limMu.Unlock()
	lim, ok := s.limiters.Get(ip)
	if !ok {
		per := s.cfg.LoginPerMinute
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(per)), per)
		s.limiters.Add(ip, lim)
	}
	return lim
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func (s *Server) planFor(u storage.User) chat.PlanTier {
	if s.isAdmin(u) {
		return chat.PlanAdmin
	}
	if u.IsPremium {
		return chat.PlanPremium
	}
	return chat.PlanFree
}

func (s *Server) isAdmin(u storage.User) bool {
	_, ok := s.admins[storage.NormalizeEmail(u.Email)]
	return ok
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	_ = enc.Encode(payload)
}

func writeErrorString(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(body io.ReadCloser, dest any) error {
	defer body.Close()
	return json.NewDecoder(io.LimitReader(body, 32<<20)).Decode(dest)
}
