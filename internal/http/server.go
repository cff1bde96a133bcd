package http

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"ludilearn/auth-identity/internal/config"
	"ludilearn/auth-identity/internal/mail"
	"ludilearn/auth-identity/internal/profile"
	"ludilearn/auth-identity/internal/repository"
)

type Server struct {
	cfg      config.Config
	store    *repository.Store
	profiles *profile.Resolver
	mailer   *mail.Mailer
	redis    *redis.Client
	limiter  *ipRateLimiter
}

// NewServer wires the handlers. redisClient may be nil, in which case the
// child login throttle degrades to allow.
func NewServer(cfg config.Config, store *repository.Store, mailer *mail.Mailer, redisClient *redis.Client) *Server {
	return &Server{
		cfg:      cfg,
		store:    store,
		profiles: profile.NewResolver(store),
		mailer:   mailer,
		redis:    redisClient,
		limiter:  newIPRateLimiter(cfg.LoginRatePerSecond, cfg.LoginRateBurst),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/auth", func(r chi.Router) {
		r.Use(s.rateLimitMiddleware)

		r.Post("/signup", s.handleSignup)
		r.Post("/login", s.handleLogin)
		r.Post("/login-child", s.handleLoginChild)
		r.Post("/add-role", s.handleAddRole)
		r.Post("/refresh", s.handleRefresh)
		r.Post("/reset-request", s.handleResetRequest)
		r.Post("/reset-confirm", s.handleResetConfirm)
		r.Post("/verify-email", s.handleVerifyEmail)
		r.Get("/verify-email", s.handleVerifyEmail)

		r.Get("/validate", s.handleValidate)
		r.Post("/validate", s.handleValidate)

		r.With(s.authMiddleware).Post("/logout", s.handleLogout)
		r.With(s.authMiddleware).Get("/profile", s.handleGetProfile)
		r.With(s.authMiddleware).Post("/profile", s.handleCreateProfile)
		r.With(s.authMiddleware).Post("/migrate-user", s.handleMigrateUser)
	})

	return r
}

type errorBody struct {
	Error   string      `json:"error"`
	Code    string      `json:"code,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, errorBody{Error: message, Code: code})
}

func logTokenFailure(r *http.Request, err error) {
	log.Printf("token verification failed for %s %s from %s: %v", r.Method, r.URL.Path, clientIP(r), err)
}

// Child login throttle: fixed window counter in redis keyed by
// (firstname, client IP). Without redis the throttle allows everything,
// matching the optional redis wiring elsewhere.

func childFailureKey(firstname, ip string) string {
	return fmt.Sprintf("child_login_fail:%s:%s", firstname, ip)
}

func (s *Server) childLoginThrottled(r *http.Request, firstname string) bool {
	if s.redis == nil {
		return false
	}
	count, err := s.redis.Get(r.Context(), childFailureKey(firstname, clientIP(r))).Int()
	if err != nil && err != redis.Nil {
		log.Printf("child throttle read error: %v", err)
		return false
	}
	return count >= s.cfg.ChildLoginMaxFailures
}

func (s *Server) recordChildLoginFailure(r *http.Request, firstname string) {
	if s.redis == nil {
		return
	}
	key := childFailureKey(firstname, clientIP(r))
	pipe := s.redis.TxPipeline()
	pipe.Incr(r.Context(), key)
	pipe.Expire(r.Context(), key, s.cfg.ChildLoginWindow)
	if _, err := pipe.Exec(r.Context()); err != nil {
		log.Printf("child throttle write error: %v", err)
	}
}

func (s *Server) clearChildLoginFailures(r *http.Request, firstname string) {
	if s.redis == nil {
		return
	}
	if err := s.redis.Del(r.Context(), childFailureKey(firstname, clientIP(r))).Err(); err != nil {
		log.Printf("child throttle clear error: %v", err)
	}
}

func nowUnix(t time.Time) int64 { return t.UTC().Unix() }
