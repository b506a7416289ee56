// Package api serves the viewguard HTTP surface: access code redemption,
// the viewer telemetry sinks, identity and presence capture, document
// lock control for owners and the live event stream.
package api

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"viewguard/internal/eventbus"
	"viewguard/internal/health"
	"viewguard/internal/logging"
	"viewguard/internal/metrics"
	"viewguard/internal/notify"
	"viewguard/internal/presence"
	"viewguard/internal/schemavalidation"
	"viewguard/internal/security"
	"viewguard/internal/store"
)

// Config tunes the HTTP surface.
type Config struct {
	// TamperSecret keys the per-session tamper hash.
	TamperSecret []byte
	// OwnerToken, when set, guards owner routes behind a bearer token.
	OwnerToken string
	// SecureCookie marks the viewer cookie Secure.
	SecureCookie bool
	// CookieMaxAge bounds the viewer cookie lifetime.
	CookieMaxAge time.Duration
	// TrustProxy takes the client address from X-Forwarded-For.
	TrustProxy bool

	OTPRate        float64
	OTPBurst       int
	OTPMaxFailures int
	OTPLockout     time.Duration

	MaxStreamClients int
	MaxStreamPerIP   int
	Stream           eventbus.StreamConfig

	MaxBodyBytes int64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		CookieMaxAge:     time.Hour,
		OTPRate:          1,
		OTPBurst:         5,
		OTPMaxFailures:   10,
		OTPLockout:       15 * time.Minute,
		MaxStreamClients: 64,
		MaxStreamPerIP:   4,
		Stream:           eventbus.DefaultStreamConfig(),
		MaxBodyBytes:     8 << 20,
	}
}

// Deps are the collaborators of a Server.
type Deps struct {
	Store   *store.Store
	Bus     *eventbus.Bus
	Schemas *schemavalidation.Validator
	Metrics *metrics.EngineMetrics
	Health  *health.Checker
	Logger  *slog.Logger
}

// Server is the HTTP handler tree.
type Server struct {
	cfg      Config
	store    *store.Store
	bus      *eventbus.Bus
	schemas  *schemavalidation.Validator
	metrics  *metrics.EngineMetrics
	health   *health.Checker
	recorder *presence.Recorder
	logger   *slog.Logger

	otpLimiter  *security.IPRateLimiter
	otpFailures *security.FailureLimiter
	streams     *security.ConnectionLimiter
	stream      *eventbus.StreamHandler

	router *mux.Router
	now    func() time.Time
}

var errMissingDeps = errors.New("api: store, bus and schemas are required")

// New builds the router.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Store == nil || deps.Bus == nil || deps.Schemas == nil {
		return nil, errMissingDeps
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	def := DefaultConfig()
	if cfg.CookieMaxAge <= 0 {
		cfg.CookieMaxAge = def.CookieMaxAge
	}
	if cfg.OTPRate <= 0 {
		cfg.OTPRate = def.OTPRate
	}
	if cfg.OTPBurst <= 0 {
		cfg.OTPBurst = def.OTPBurst
	}
	if cfg.OTPLockout <= 0 {
		cfg.OTPLockout = def.OTPLockout
	}
	if cfg.MaxStreamClients <= 0 {
		cfg.MaxStreamClients = def.MaxStreamClients
	}
	if cfg.MaxStreamPerIP <= 0 {
		cfg.MaxStreamPerIP = def.MaxStreamPerIP
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.NewEngineMetrics(metrics.NewRegistry("viewguard", ""))
	}
	checker := deps.Health
	if checker == nil {
		checker = health.NewChecker()
	}

	s := &Server{
		cfg:         cfg,
		store:       deps.Store,
		bus:         deps.Bus,
		schemas:     deps.Schemas,
		metrics:     m,
		health:      checker,
		recorder:    presence.NewRecorder(deps.Store, deps.Bus, logger),
		logger:      logger.With("component", "api"),
		otpLimiter:  security.NewIPRateLimiter(cfg.OTPRate, cfg.OTPBurst, 10*time.Minute),
		otpFailures: security.NewFailureLimiter(cfg.OTPLockout, cfg.OTPMaxFailures, cfg.OTPLockout),
		streams:     security.NewConnectionLimiter(cfg.MaxStreamClients, cfg.MaxStreamPerIP),
		now:         time.Now,
	}
	s.stream = eventbus.NewStreamHandler(deps.Bus, cfg.Stream, logger)
	s.stream.Clients = m.StreamClients
	s.stream.Dropped = m.StreamDroppedTotal
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	r := mux.NewRouter()
	r.Use(s.requestID, s.instrument)

	r.Handle("/healthz", s.health.Handler()).Methods(http.MethodGet)
	r.Handle("/livez", s.health.LivenessHandler()).Methods(http.MethodGet)
	r.Handle("/readyz", s.health.ReadinessHandler()).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Registry().HTTPHandler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()

	// Viewer routes, authenticated by the viewer-session cookie where needed.
	api.HandleFunc("/otp/verify", s.handleVerifyOTP).Methods(http.MethodPost)
	api.HandleFunc("/violations", s.handleViolation).Methods(http.MethodPost)
	api.HandleFunc("/logs", s.handleLog).Methods(http.MethodPost)
	api.HandleFunc("/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	api.HandleFunc("/presence", s.handlePresence).Methods(http.MethodPost)
	api.HandleFunc("/session/revoke", s.handleRevoke).Methods(http.MethodPost)
	api.HandleFunc("/viewer/identity", s.handleIdentity).Methods(http.MethodPost)
	api.HandleFunc("/documents/{id}/lock", s.handleLock).Methods(http.MethodPost)

	// Owner routes.
	api.Handle("/documents/{id}/unlock", s.owner(s.handleUnlock)).Methods(http.MethodPost)
	api.Handle("/documents", s.owner(s.handleListDocuments)).Methods(http.MethodGet)
	api.Handle("/documents", s.owner(s.handleCreateDocument)).Methods(http.MethodPost)
	api.Handle("/documents/{id}", s.owner(s.handleGetDocument)).Methods(http.MethodGet)
	api.Handle("/documents/{id}", s.owner(s.handleDeleteDocument)).Methods(http.MethodDelete)
	api.Handle("/readers", s.owner(s.handleReaders)).Methods(http.MethodGet)
	api.Handle("/events", s.owner(s.handleEvents)).Methods(http.MethodGet)

	s.router = r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the rate limiter sweeper.
func (s *Server) Close() {
	s.otpLimiter.Close()
}

// RefreshLockedGauge recounts locked documents.
func (s *Server) RefreshLockedGauge() {
	docs, err := s.store.ListDocuments()
	if err != nil {
		s.logger.Warn("count locked documents failed", "error", err)
		return
	}
	var n int64
	for _, d := range docs {
		if d.Locked {
			n++
		}
	}
	s.metrics.LockedDocuments.Set(n)
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" || len(id) > 128 {
			id = logging.NewRequestID()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(logging.ContextWithRequestID(r.Context(), id)))
	})
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		if r.URL.Path != "/api/events" {
			s.metrics.RequestDuration.ObserveDuration(elapsed)
		}
		logging.FromContext(r.Context(), s.logger).Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", elapsed,
		)
	})
}

// owner guards h behind the owner bearer token when one is configured.
func (s *Server) owner(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.OwnerToken != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.OwnerToken)) != 1 {
				writeError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
		}
		h(w, r)
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ip := s.clientIP(r)
	if !s.streams.Acquire(ip) {
		writeError(w, http.StatusTooManyRequests, "Too many stream connections.")
		return
	}
	defer s.streams.Release(ip)
	s.stream.ServeHTTP(w, r)
}

func (s *Server) clientIP(r *http.Request) string {
	if s.cfg.TrustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) viewerToken(r *http.Request) string {
	c, err := r.Cookie(notify.CookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps the event stream working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
