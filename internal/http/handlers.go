package http

import (
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"ludilearn/auth-identity/internal/auth"
	"ludilearn/auth-identity/internal/crypto"
	"ludilearn/auth-identity/internal/mail"
	"ludilearn/auth-identity/internal/model"
	"ludilearn/auth-identity/internal/obs"
	"ludilearn/auth-identity/internal/profile"
	"ludilearn/auth-identity/internal/repository"
	"ludilearn/auth-identity/internal/validate"
)

type userSummary struct {
	ID            string   `json:"id"`
	Email         string   `json:"email"`
	EmailVerified bool     `json:"email_verified"`
	DisplayName   string   `json:"display_name,omitempty"`
	Roles         []string `json:"roles"`
}

type childSummary struct {
	ID           string  `json:"id"`
	FirstName    string  `json:"firstname"`
	SchoolLevel  string  `json:"school_level"`
	ParentID     string  `json:"parent_id"`
	SchoolID     *string `json:"school_id"`
	AvatarColor  string  `json:"avatar_color"`
	AvatarSymbol string  `json:"avatar_symbol"`
}

type sessionResponse struct {
	AccessToken  string      `json:"access_token"`
	TokenType    string      `json:"token_type"`
	ExpiresIn    int64       `json:"expires_in"`
	RefreshToken string      `json:"refresh_token"`
	ExpiresAt    int64       `json:"expires_at"`
	User         userSummary `json:"user"`
}

// Child sessions are non-refreshable: the response carries no refresh_token
// field at all.
type childSessionResponse struct {
	AccessToken string       `json:"access_token"`
	TokenType   string       `json:"token_type"`
	ExpiresIn   int64        `json:"expires_in"`
	User        childSummary `json:"user"`
}

type profileResponse struct {
	UserID      string   `json:"user_id"`
	DisplayName string   `json:"display_name"`
	Roles       []string `json:"roles"`
	AvatarURL   *string  `json:"avatar_url,omitempty"`
}

func mapProfile(p model.Profile) profileResponse {
	roles := p.Roles
	if roles == nil {
		roles = []string{}
	}
	return profileResponse{UserID: p.UserID, DisplayName: p.DisplayName, Roles: roles, AvatarURL: p.AvatarURL}
}

type signupRequest struct {
	Email    string   `json:"email"`
	Password string   `json:"password"`
	Roles    []string `json:"roles"`
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Requête invalide", "invalid_request")
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))

	if !validate.Email(req.Email) {
		writeError(w, http.StatusBadRequest, "Adresse email invalide", "invalid_email")
		return
	}
	if ok, msg := validate.Password(req.Password); !ok {
		writeError(w, http.StatusBadRequest, msg, "weak_password")
		return
	}
	for _, role := range req.Roles {
		if !profile.IsValidRole(role) {
			writeError(w, http.StatusBadRequest, "Rôle invalide", "invalid_role")
			return
		}
	}

	hash, err := crypto.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Erreur interne", "server_error")
		return
	}

	now := time.Now().UTC()
	user := model.User{
		ID:           uuid.NewString(),
		Email:        req.Email,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateUser(r.Context(), user); err != nil {
		if errors.Is(err, repository.ErrEmailExists) {
			writeError(w, http.StatusConflict, "Un compte existe déjà avec cette adresse email", "already_registered")
			return
		}
		log.Printf("signup create error: %v", err)
		writeError(w, http.StatusInternalServerError, "Erreur interne", "server_error")
		return
	}

	// Verification email failure must not fail the signup; the token stays
	// valid for a resend.
	if err := s.sendVerification(r, user); err != nil {
		obs.MailSendFailures.Inc()
		log.Printf("verification email error for %s: %v", user.ID, err)
	}

	roles := req.Roles
	if roles == nil {
		roles = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user": userSummary{
			ID:            user.ID,
			Email:         user.Email,
			EmailVerified: false,
			Roles:         roles,
		},
		"session": nil,
	})
}

func (s *Server) sendVerification(r *http.Request, user model.User) error {
	raw, err := crypto.NewOpaqueToken()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if err := s.store.CreateOneTimeToken(r.Context(), model.ResetToken{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		TokenHash: crypto.HashToken(raw),
		Purpose:   model.TokenPurposeVerify,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.VerifyTokenTTL),
	}); err != nil {
		return err
	}
	return s.mailer.SendEmailVerification(r.Context(), user.Email, s.cfg.FrontendBaseURL, raw)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Requête invalide", "invalid_request")
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Email et mot de passe requis", "missing_credentials")
		return
	}

	user, err := s.store.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			obs.LoginAttempts.WithLabelValues("adult", "invalid").Inc()
			writeError(w, http.StatusUnauthorized, "Email ou mot de passe incorrect", "invalid_credentials")
			return
		}
		obs.LoginAttempts.WithLabelValues("adult", "error").Inc()
		writeError(w, http.StatusInternalServerError, "Erreur interne", "server_error")
		return
	}

	if err := crypto.CheckPassword(user.PasswordHash, req.Password); err != nil {
		obs.LoginAttempts.WithLabelValues("adult", "invalid").Inc()
		writeError(w, http.StatusUnauthorized, "Email ou mot de passe incorrect", "invalid_credentials")
		return
	}

	if !user.EmailVerified {
		obs.LoginAttempts.WithLabelValues("adult", "invalid").Inc()
		writeError(w, http.StatusUnauthorized, "Veuillez confirmer votre adresse email", "email_not_verified")
		return
	}

	// The profile row may not exist yet if the confirmation trigger lost
	// the race; resolve lazily.
	prof, err := s.profiles.GetOrCreate(r.Context(), user.ID, displayNameFromEmail(user.Email), nil)
	if err != nil {
		obs.LoginAttempts.WithLabelValues("adult", "error").Inc()
		log.Printf("profile resolution failed for %s: %v", user.ID, err)
		writeError(w, http.StatusInternalServerError, "Erreur interne", "server_error")
		return
	}

	resp, err := s.issueSession(r, user, prof)
	if err != nil {
		obs.LoginAttempts.WithLabelValues("adult", "error").Inc()
		log.Printf("token issuance failed for %s: %v", user.ID, err)
		writeError(w, http.StatusInternalServerError, "Erreur interne", "token_error")
		return
	}

	obs.LoginAttempts.WithLabelValues("adult", "success").Inc()
	obs.TokensIssued.WithLabelValues("adult").Inc()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) issueSession(r *http.Request, user model.User, prof model.Profile) (sessionResponse, error) {
	accessToken, jti, err := auth.NewAccessToken(s.cfg.JWTSecret, s.cfg.JWTIssuer, s.cfg.AccessTokenTTL, auth.Claims{
		UserID: user.ID,
		Email:  user.Email,
	})
	if err != nil {
		return sessionResponse{}, err
	}

	refreshToken, err := crypto.NewOpaqueToken()
	if err != nil {
		return sessionResponse{}, err
	}

	now := time.Now().UTC()
	session := model.RefreshSession{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		TokenHash: crypto.HashToken(refreshToken),
		AccessJTI: jti,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.RefreshTokenTTL),
	}
	if ua := r.UserAgent(); ua != "" {
		session.UserAgent = &ua
	}
	if ip := clientIP(r); ip != "" {
		session.IPAddress = &ip
	}
	if err := s.store.CreateRefreshSession(r.Context(), session); err != nil {
		return sessionResponse{}, err
	}

	expiresAt := now.Add(s.cfg.AccessTokenTTL)
	return sessionResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.cfg.AccessTokenTTL.Seconds()),
		RefreshToken: refreshToken,
		ExpiresAt:    nowUnix(expiresAt),
		User: userSummary{
			ID:            user.ID,
			Email:         user.Email,
			EmailVerified: user.EmailVerified,
			DisplayName:   prof.DisplayName,
			Roles:         rolesOrEmpty(prof.Roles),
		},
	}, nil
}

type loginChildRequest struct {
	FirstName string `json:"firstname"`
	PIN       string `json:"pin"`
}

func (s *Server) handleLoginChild(w http.ResponseWriter, r *http.Request) {
	var req loginChildRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Requête invalide", "invalid_request")
		return
	}
	req.FirstName = strings.TrimSpace(req.FirstName)
	if req.FirstName == "" || req.PIN == "" {
		writeError(w, http.StatusBadRequest, "Prénom et code PIN requis", "missing_fields")
		return
	}

	firstname := strings.ToLower(req.FirstName)
	if s.childLoginThrottled(r, firstname) {
		obs.LoginAttempts.WithLabelValues("child", "throttled").Inc()
		writeError(w, http.StatusTooManyRequests, "Trop de tentatives, réessayez plus tard", "too_many_attempts")
		return
	}

	if !validate.PIN(req.PIN) {
		s.recordChildLoginFailure(r, firstname)
		obs.LoginAttempts.WithLabelValues("child", "invalid").Inc()
		writeError(w, http.StatusUnauthorized, "Prénom ou code PIN incorrect", "invalid_credentials")
		return
	}

	child, err := s.store.GetActiveChild(r.Context(), req.FirstName, req.PIN)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.recordChildLoginFailure(r, firstname)
			obs.LoginAttempts.WithLabelValues("child", "invalid").Inc()
			writeError(w, http.StatusUnauthorized, "Prénom ou code PIN incorrect", "invalid_credentials")
			return
		}
		obs.LoginAttempts.WithLabelValues("child", "error").Inc()
		writeError(w, http.StatusInternalServerError, "Erreur interne", "server_error")
		return
	}

	token, err := auth.NewChildToken(s.cfg.JWTSecret, s.cfg.JWTIssuer, child.ID)
	if err != nil {
		obs.LoginAttempts.WithLabelValues("child", "error").Inc()
		log.Printf("child token issuance failed for %s: %v", child.ID, err)
		writeError(w, http.StatusInternalServerError, "Erreur interne", "token_error")
		return
	}

	s.clearChildLoginFailures(r, firstname)
	obs.LoginAttempts.WithLabelValues("child", "success").Inc()
	obs.TokensIssued.WithLabelValues("child").Inc()

	writeJSON(w, http.StatusOK, childSessionResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(auth.ChildSessionTTL.Seconds()),
		User: childSummary{
			ID:           child.ID,
			FirstName:    child.FirstName,
			SchoolLevel:  child.SchoolLevel,
			ParentID:     child.ParentID,
			SchoolID:     child.SchoolID,
			AvatarColor:  child.AvatarColor,
			AvatarSymbol: child.AvatarSymbol,
		},
	})
}

// handleValidate verifies a bearer token and returns its claims. Adult
// tokens are additionally checked against server-side jti revocation;
// child tokens carry no jti and skip that check.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" {
		writeError(w, http.StatusUnauthorized, "Jeton manquant", "missing_token")
		return
	}

	claims, err := auth.ParseToken(s.cfg.JWTSecret, token)
	if err != nil {
		logTokenFailure(r, err)
		writeError(w, http.StatusUnauthorized, "Jeton invalide ou expiré", "invalid_token")
		return
	}

	if claims.ID != "" {
		revoked, err := s.store.IsJTIRevoked(r.Context(), claims.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Erreur interne", "server_error")
			return
		}
		if revoked {
			writeError(w, http.StatusUnauthorized, "Jeton invalide ou expiré", "invalid_token")
			return
		}
	}

	writeJSON(w, http.StatusOK, claims)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Requête invalide", "invalid_request")
		return
	}
	if req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "Jeton de rafraîchissement requis", "missing_refresh_token")
		return
	}

	session, err := s.store.GetRefreshSession(r.Context(), crypto.HashToken(req.RefreshToken))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusUnauthorized, "Session invalide", "invalid_refresh_token")
			return
		}
		writeError(w, http.StatusInternalServerError, "Erreur interne", "server_error")
		return
	}
	if session.RevokedAt != nil || session.ExpiresAt.Before(time.Now().UTC()) {
		writeError(w, http.StatusUnauthorized, "Session expirée", "refresh_token_expired")
		return
	}

	user, err := s.store.GetUserByID(r.Context(), session.UserID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Session invalide", "user_not_found")
		return
	}
	prof, err := s.profiles.GetOrCreate(r.Context(), user.ID, displayNameFromEmail(user.Email), nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Erreur interne", "server_error")
		return
	}

	// Rotation: the old session (and its access jti) dies with the refresh.
	if err := s.store.RevokeRefreshSession(r.Context(), session.ID, time.Now().UTC()); err != nil {
		writeError(w, http.StatusInternalServerError, "Erreur interne", "server_error")
		return
	}

	resp, err := s.issueSession(r, user, prof)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Erreur interne", "token_error")
		return
	}
	obs.TokensIssued.WithLabelValues("adult").Inc()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "Jeton manquant", "missing_token")
		return
	}
	// Child sessions have nothing to revoke server-side.
	if claims.UserType == auth.UserTypeAdult {
		if err := s.store.RevokeSessionsByUser(r.Context(), claims.UserID, time.Now().UTC()); err != nil {
			log.Printf("logout revoke error for %s: %v", claims.UserID, err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type addRoleRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

// handleAddRole backs the "already registered, add another role" signup
// branch. It re-checks credentials so a bare email is never enough to
// mutate someone else's profile.
func (s *Server) handleAddRole(w http.ResponseWriter, r *http.Request) {
	var req addRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Requête invalide", "invalid_request")
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || req.Password == "" || req.Role == "" {
		writeError(w, http.StatusBadRequest, "Champs manquants", "missing_fields")
		return
	}
	if !profile.IsValidRole(req.Role) {
		writeError(w, http.StatusBadRequest, "Rôle invalide", "invalid_role")
		return
	}

	user, err := s.store.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Email ou mot de passe incorrect", "invalid_credentials")
		return
	}
	if err := crypto.CheckPassword(user.PasswordHash, req.Password); err != nil {
		writeError(w, http.StatusUnauthorized, "Email ou mot de passe incorrect", "invalid_credentials")
		return
	}

	prof, err := s.profiles.AddRole(r.Context(), user.ID, req.Role)
	switch {
	case errors.Is(err, profile.ErrRoleExists):
		writeError(w, http.StatusConflict, "Ce compte possède déjà ce rôle", "role_already_exists")
		return
	case errors.Is(err, profile.ErrProfileNotFound):
		prof, err = s.profiles.GetOrCreate(r.Context(), user.ID, displayNameFromEmail(user.Email), []string{req.Role})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Erreur interne", "server_error")
			return
		}
	case err != nil:
		writeError(w, http.StatusInternalServerError, "Erreur interne", "server_error")
		return
	}

	writeJSON(w, http.StatusOK, mapProfile(prof))
}

type resetRequestBody struct {
	Email string `json:"email"`
}

// handleResetRequest acknowledges identically whether or not the address is
// on file, so the endpoint leaks no account existence signal.
func (s *Server) handleResetRequest(w http.ResponseWriter, r *http.Request) {
	var req resetRequestBody
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Requête invalide", "invalid_request")
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	obs.ResetRequests.Inc()

	ack := map[string]string{"status": "ok"}

	user, err := s.store.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			log.Printf("reset lookup error: %v", err)
		}
		writeJSON(w, http.StatusOK, ack)
		return
	}

	raw, err := crypto.NewOpaqueToken()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Erreur interne", "server_error")
		return
	}
	now := time.Now().UTC()
	if err := s.store.CreateOneTimeToken(r.Context(), model.ResetToken{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		TokenHash: crypto.HashToken(raw),
		Purpose:   model.TokenPurposeReset,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.ResetTokenTTL),
	}); err != nil {
		log.Printf("reset token create error: %v", err)
		writeError(w, http.StatusInternalServerError, "Erreur interne", "server_error")
		return
	}

	if err := s.mailer.SendPasswordReset(r.Context(), user.Email, s.cfg.FrontendBaseURL, raw, s.cfg.ResetTokenTTL); err != nil {
		// The persisted token stays valid for a resend.
		obs.MailSendFailures.Inc()
		log.Printf("reset email error for %s: %v", user.ID, err)
		if errors.Is(err, mail.ErrSendFailed) {
			writeError(w, http.StatusInternalServerError, "L'envoi de l'email a échoué", "email_send_failed")
			return
		}
	}

	writeJSON(w, http.StatusOK, ack)
}

type resetConfirmRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

func (s *Server) handleResetConfirm(w http.ResponseWriter, r *http.Request) {
	var req resetConfirmRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Requête invalide", "invalid_request")
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, "Jeton requis", "missing_token")
		return
	}
	if ok, msg := validate.Password(req.NewPassword); !ok {
		writeError(w, http.StatusBadRequest, msg, "weak_password")
		return
	}

	now := time.Now().UTC()
	token, err := s.store.ConsumeOneTimeToken(r.Context(), crypto.HashToken(req.Token), model.TokenPurposeReset, now)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusUnauthorized, "Lien invalide ou expiré", "invalid_or_expired_token")
			return
		}
		writeError(w, http.StatusInternalServerError, "Erreur interne", "server_error")
		return
	}

	hash, err := crypto.HashPassword(req.NewPassword)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Erreur interne", "server_error")
		return
	}
	if err := s.store.UpdatePassword(r.Context(), token.UserID, hash, now); err != nil {
		writeError(w, http.StatusInternalServerError, "Erreur interne", "server_error")
		return
	}
	// A reset invalidates every live session for the account.
	if err := s.store.RevokeSessionsByUser(r.Context(), token.UserID, now); err != nil {
		log.Printf("session revoke after reset failed for %s: %v", token.UserID, err)
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type verifyEmailRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	var raw string
	if r.Method == http.MethodGet {
		raw = r.URL.Query().Get("token")
	} else {
		var req verifyEmailRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "Requête invalide", "invalid_request")
			return
		}
		raw = req.Token
	}
	if raw == "" {
		writeError(w, http.StatusBadRequest, "Jeton requis", "missing_token")
		return
	}

	now := time.Now().UTC()
	token, err := s.store.ConsumeOneTimeToken(r.Context(), crypto.HashToken(raw), model.TokenPurposeVerify, now)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusUnauthorized, "Lien invalide ou expiré", "invalid_or_expired_token")
			return
		}
		writeError(w, http.StatusInternalServerError, "Erreur interne", "server_error")
		return
	}

	if err := s.store.SetEmailVerified(r.Context(), token.UserID, now); err != nil {
		writeError(w, http.StatusInternalServerError, "Erreur interne", "server_error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil || claims.UserType != auth.UserTypeAdult {
		writeError(w, http.StatusForbidden, "Accès refusé", "forbidden")
		return
	}

	prof, err := s.profiles.Get(r.Context(), claims.UserID)
	if err != nil {
		if errors.Is(err, profile.ErrProfileNotFound) {
			writeError(w, http.StatusNotFound, "Profil introuvable", "profile_not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Erreur interne", "server_error")
		return
	}
	writeJSON(w, http.StatusOK, mapProfile(prof))
}

type createProfileRequest struct {
	DisplayName string   `json:"display_name"`
	Roles       []string `json:"roles"`
}

// handleCreateProfile is the explicit creation call clients make when the
// post-confirmation trigger has not materialized the row yet. Calling it for
// an existing profile is a no-op returning the existing row.
func (s *Server) handleCreateProfile(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil || claims.UserType != auth.UserTypeAdult {
		writeError(w, http.StatusForbidden, "Accès refusé", "forbidden")
		return
	}

	var req createProfileRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Requête invalide", "invalid_request")
		return
	}
	for _, role := range req.Roles {
		if !profile.IsValidRole(role) {
			writeError(w, http.StatusBadRequest, "Rôle invalide", "invalid_role")
			return
		}
	}
	displayName := strings.TrimSpace(req.DisplayName)
	if displayName == "" {
		displayName = displayNameFromEmail(claims.Email)
	}

	prof, err := s.profiles.GetOrCreate(r.Context(), claims.UserID, displayName, req.Roles)
	if err != nil {
		if errors.Is(err, profile.ErrProfileNotFound) {
			writeError(w, http.StatusInternalServerError, "Erreur interne", "profile_creation_failed")
			return
		}
		writeError(w, http.StatusInternalServerError, "Erreur interne", "server_error")
		return
	}
	writeJSON(w, http.StatusOK, mapProfile(prof))
}

type migrateUserRequest struct {
	Email string `json:"email"`
}

func (s *Server) handleMigrateUser(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil || claims.UserType != auth.UserTypeAdult {
		writeError(w, http.StatusForbidden, "Accès refusé", "forbidden")
		return
	}
	callerProfile, err := s.profiles.Get(r.Context(), claims.UserID)
	if err != nil || !callerProfile.HasRole("admin") {
		writeError(w, http.StatusForbidden, "Accès réservé aux administrateurs", "admin_only")
		return
	}

	var req migrateUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Requête invalide", "invalid_request")
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" {
		writeError(w, http.StatusBadRequest, "Email requis", "missing_fields")
		return
	}

	legacy, err := s.store.GetLegacyUserByEmail(r.Context(), req.Email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "Utilisateur introuvable", "legacy_user_not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Erreur interne", "server_error")
		return
	}
	if legacy.MigratedAt != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "already_migrated", "email": legacy.Email})
		return
	}

	now := time.Now().UTC()
	user := model.User{
		ID:            uuid.NewString(),
		Email:         legacy.Email,
		PasswordHash:  legacy.PasswordHash,
		EmailVerified: true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	prof := model.Profile{
		UserID:      user.ID,
		DisplayName: legacy.DisplayName,
		Roles:       rolesOrEmpty(legacy.Roles),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.MigrateLegacyUser(r.Context(), legacy, user, prof, now); err != nil {
		log.Printf("legacy migration failed for %s: %v", legacy.Email, err)
		writeError(w, http.StatusInternalServerError, "Erreur interne", "migration_failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "migrated",
		"user": userSummary{
			ID:            user.ID,
			Email:         user.Email,
			EmailVerified: true,
			DisplayName:   prof.DisplayName,
			Roles:         prof.Roles,
		},
	})
}

func displayNameFromEmail(email string) string {
	if idx := strings.Index(email, "@"); idx > 0 {
		return email[:idx]
	}
	return email
}

func rolesOrEmpty(roles []string) []string {
	if roles == nil {
		return []string{}
	}
	return roles
}
