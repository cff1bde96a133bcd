package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"ludilearn/auth-identity/internal/config"
	"ludilearn/auth-identity/internal/crypto"
	"ludilearn/auth-identity/internal/db"
	"ludilearn/auth-identity/internal/mail"
	"ludilearn/auth-identity/internal/model"
	"ludilearn/auth-identity/internal/repository"
)

func openTestDB(t *testing.T) *pgxpool.Pool {
	url := os.Getenv("AUTH_IDENTITY_TEST_DB")
	if url == "" {
		url = os.Getenv("DATABASE_URL")
	}
	if url == "" {
		t.Skip("AUTH_IDENTITY_TEST_DB or DATABASE_URL not set")
		return nil
	}
	pool, err := db.NewPool(context.Background(), url)
	if err != nil {
		t.Skipf("db unavailable: %v", err)
		return nil
	}
	return pool
}

func testConfig() config.Config {
	return config.Config{
		HTTPAddr:              ":0",
		JWTSecret:             "test-secret",
		JWTIssuer:             "test-issuer",
		AccessTokenTTL:        15 * time.Minute,
		RefreshTokenTTL:       24 * time.Hour,
		ResetTokenTTL:         time.Hour,
		VerifyTokenTTL:        time.Hour,
		FrontendBaseURL:       "http://localhost:3000",
		LoginRatePerSecond:    1000,
		LoginRateBurst:        1000,
		ChildLoginMaxFailures: 5,
		ChildLoginWindow:      15 * time.Minute,
	}
}

func newIntegrationApp(t *testing.T, pool *pgxpool.Pool) (*httptest.Server, *repository.Store) {
	cfg := testConfig()
	store := repository.NewStore(pool)
	mailer := mail.NewMailer("http://localhost:0", "", "noreply@test.local", time.Second)
	server := NewServer(cfg, store, mailer, nil)
	app := httptest.NewServer(server.Router())
	t.Cleanup(app.Close)
	return app, store
}

func TestAdultSignupLoginRefreshLogout(t *testing.T) {
	pool := openTestDB(t)
	if pool == nil {
		return
	}
	defer pool.Close()
	app, store := newIntegrationApp(t, pool)

	email := fmt.Sprintf("parent.%d@example.local", time.Now().UnixNano())
	password := "Motdepasse1!"

	// Signup returns the user but no session: the email is unverified.
	var signupResp struct {
		User    userSummary      `json:"user"`
		Session *sessionResponse `json:"session"`
	}
	resp := doReq(t, http.MethodPost, app.URL+"/auth/signup", "", map[string]interface{}{
		"email": email, "password": password, "roles": []string{"parent"},
	})
	decodeBody(t, resp, http.StatusOK, &signupResp)
	if signupResp.Session != nil {
		t.Fatalf("expected no session before verification")
	}
	if signupResp.User.EmailVerified {
		t.Fatalf("expected unverified user")
	}

	// Duplicate signup conflicts.
	resp = doReq(t, http.MethodPost, app.URL+"/auth/signup", "", map[string]interface{}{
		"email": email, "password": password,
	})
	expectError(t, resp, http.StatusConflict, "already_registered")

	// Login is refused until the address is confirmed.
	resp = doReq(t, http.MethodPost, app.URL+"/auth/login", "", map[string]interface{}{
		"email": email, "password": password,
	})
	expectError(t, resp, http.StatusUnauthorized, "email_not_verified")

	if err := store.SetEmailVerified(context.Background(), signupResp.User.ID, time.Now().UTC()); err != nil {
		t.Fatalf("verify error: %v", err)
	}

	// Wrong password stays a generic 401.
	resp = doReq(t, http.MethodPost, app.URL+"/auth/login", "", map[string]interface{}{
		"email": email, "password": "Mauvais1!mdp",
	})
	expectError(t, resp, http.StatusUnauthorized, "invalid_credentials")

	var session sessionResponse
	resp = doReq(t, http.MethodPost, app.URL+"/auth/login", "", map[string]interface{}{
		"email": email, "password": password,
	})
	decodeBody(t, resp, http.StatusOK, &session)
	if session.AccessToken == "" || session.RefreshToken == "" {
		t.Fatalf("expected full session, got %+v", session)
	}
	if session.TokenType != "Bearer" {
		t.Fatalf("expected Bearer, got %s", session.TokenType)
	}

	// Login materialized the profile lazily.
	var prof profileResponse
	resp = doReq(t, http.MethodGet, app.URL+"/auth/profile", session.AccessToken, nil)
	decodeBody(t, resp, http.StatusOK, &prof)
	if prof.UserID != signupResp.User.ID {
		t.Fatalf("unexpected profile owner %s", prof.UserID)
	}

	resp = doReq(t, http.MethodGet, app.URL+"/auth/validate", session.AccessToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected valid session, got %d", resp.StatusCode)
	}

	// Refresh rotates: the old refresh token dies with the exchange.
	var rotated sessionResponse
	resp = doReq(t, http.MethodPost, app.URL+"/auth/refresh", "", map[string]interface{}{
		"refresh_token": session.RefreshToken,
	})
	decodeBody(t, resp, http.StatusOK, &rotated)
	if rotated.RefreshToken == session.RefreshToken {
		t.Fatalf("expected a fresh refresh token")
	}
	resp = doReq(t, http.MethodPost, app.URL+"/auth/refresh", "", map[string]interface{}{
		"refresh_token": session.RefreshToken,
	})
	expectError(t, resp, http.StatusUnauthorized, "refresh_token_expired")

	// Logout revokes the session; the access token's jti is dead with it.
	resp = doReq(t, http.MethodPost, app.URL+"/auth/logout", rotated.AccessToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected logout 200, got %d", resp.StatusCode)
	}
	resp = doReq(t, http.MethodGet, app.URL+"/auth/validate", rotated.AccessToken, nil)
	expectError(t, resp, http.StatusUnauthorized, "invalid_token")
}

func TestAddRole(t *testing.T) {
	pool := openTestDB(t)
	if pool == nil {
		return
	}
	defer pool.Close()
	app, store := newIntegrationApp(t, pool)

	email := fmt.Sprintf("prof.%d@example.local", time.Now().UnixNano())
	password := "Motdepasse1!"
	userID := seedVerifiedUser(t, store, email, password)

	resp := doReq(t, http.MethodPost, app.URL+"/auth/add-role", "", map[string]interface{}{
		"email": email, "password": "Mauvais1!mdp", "role": "prof",
	})
	expectError(t, resp, http.StatusUnauthorized, "invalid_credentials")

	resp = doReq(t, http.MethodPost, app.URL+"/auth/add-role", "", map[string]interface{}{
		"email": email, "password": password, "role": "inconnu",
	})
	expectError(t, resp, http.StatusBadRequest, "invalid_role")

	var prof profileResponse
	resp = doReq(t, http.MethodPost, app.URL+"/auth/add-role", "", map[string]interface{}{
		"email": email, "password": password, "role": "prof",
	})
	decodeBody(t, resp, http.StatusOK, &prof)
	if prof.UserID != userID || len(prof.Roles) != 1 || prof.Roles[0] != "prof" {
		t.Fatalf("unexpected profile %+v", prof)
	}

	resp = doReq(t, http.MethodPost, app.URL+"/auth/add-role", "", map[string]interface{}{
		"email": email, "password": password, "role": "prof",
	})
	expectError(t, resp, http.StatusConflict, "role_already_exists")
}

func TestChildLogin(t *testing.T) {
	pool := openTestDB(t)
	if pool == nil {
		return
	}
	defer pool.Close()
	app, store := newIntegrationApp(t, pool)

	parentID := seedVerifiedUser(t, store,
		fmt.Sprintf("parent.enfant.%d@example.local", time.Now().UnixNano()), "Motdepasse1!")
	firstname := fmt.Sprintf("zoe%d", time.Now().UnixNano())
	child := model.Child{
		ID:           uuid.NewString(),
		ParentID:     parentID,
		FirstName:    firstname,
		PIN:          "1234",
		SchoolLevel:  "CE2",
		AvatarColor:  "bleu",
		AvatarSymbol: "etoile",
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	}
	if err := store.CreateChild(context.Background(), child); err != nil {
		t.Fatalf("create child error: %v", err)
	}

	resp := doReq(t, http.MethodPost, app.URL+"/auth/login-child", "", map[string]interface{}{
		"firstname": firstname, "pin": "9999",
	})
	expectError(t, resp, http.StatusUnauthorized, "invalid_credentials")

	// Malformed PINs are refused before any lookup, with the same message.
	resp = doReq(t, http.MethodPost, app.URL+"/auth/login-child", "", map[string]interface{}{
		"firstname": firstname, "pin": "12ab",
	})
	expectError(t, resp, http.StatusUnauthorized, "invalid_credentials")

	resp = doReq(t, http.MethodPost, app.URL+"/auth/login-child", "", map[string]interface{}{
		"firstname": firstname, "pin": "1234",
	})
	raw := map[string]json.RawMessage{}
	decodeBody(t, resp, http.StatusOK, &raw)
	if _, ok := raw["refresh_token"]; ok {
		t.Fatalf("child session must not carry a refresh token")
	}

	var childSession childSessionResponse
	if err := json.Unmarshal(mustMarshal(t, raw), &childSession); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if childSession.ExpiresIn != 8*60*60 {
		t.Fatalf("expected 8h expiry, got %d", childSession.ExpiresIn)
	}
	if childSession.User.ID != child.ID || childSession.User.ParentID != parentID {
		t.Fatalf("unexpected child user %+v", childSession.User)
	}

	resp = doReq(t, http.MethodGet, app.URL+"/auth/validate", childSession.AccessToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected child token to validate, got %d", resp.StatusCode)
	}
}

func TestPasswordResetFlow(t *testing.T) {
	pool := openTestDB(t)
	if pool == nil {
		return
	}
	defer pool.Close()
	app, store := newIntegrationApp(t, pool)

	email := fmt.Sprintf("reset.%d@example.local", time.Now().UnixNano())
	userID := seedVerifiedUser(t, store, email, "Ancien1!mdp")

	// Unknown addresses get the same acknowledgement.
	resp := doReq(t, http.MethodPost, app.URL+"/auth/reset-request", "", map[string]interface{}{
		"email": "personne@example.local",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for unknown email, got %d", resp.StatusCode)
	}

	// Seed the token directly, standing in for the emailed link.
	rawToken, err := crypto.NewOpaqueToken()
	if err != nil {
		t.Fatalf("token error: %v", err)
	}
	now := time.Now().UTC()
	if err := store.CreateOneTimeToken(context.Background(), model.ResetToken{
		ID:        uuid.NewString(),
		UserID:    userID,
		TokenHash: crypto.HashToken(rawToken),
		Purpose:   model.TokenPurposeReset,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("seed token error: %v", err)
	}

	resp = doReq(t, http.MethodPost, app.URL+"/auth/reset-confirm", "", map[string]interface{}{
		"token": rawToken, "new_password": "faible",
	})
	expectError(t, resp, http.StatusBadRequest, "weak_password")

	resp = doReq(t, http.MethodPost, app.URL+"/auth/reset-confirm", "", map[string]interface{}{
		"token": rawToken, "new_password": "Nouveau1!mdp",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected reset to succeed, got %d", resp.StatusCode)
	}

	// Single use: the same link cannot be replayed.
	resp = doReq(t, http.MethodPost, app.URL+"/auth/reset-confirm", "", map[string]interface{}{
		"token": rawToken, "new_password": "Encore1!mdp",
	})
	expectError(t, resp, http.StatusUnauthorized, "invalid_or_expired_token")

	resp = doReq(t, http.MethodPost, app.URL+"/auth/login", "", map[string]interface{}{
		"email": email, "password": "Ancien1!mdp",
	})
	expectError(t, resp, http.StatusUnauthorized, "invalid_credentials")

	resp = doReq(t, http.MethodPost, app.URL+"/auth/login", "", map[string]interface{}{
		"email": email, "password": "Nouveau1!mdp",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected login with new password, got %d", resp.StatusCode)
	}
}

func TestExplicitProfileCreation(t *testing.T) {
	pool := openTestDB(t)
	if pool == nil {
		return
	}
	defer pool.Close()
	app, store := newIntegrationApp(t, pool)

	email := fmt.Sprintf("profil.%d@example.local", time.Now().UnixNano())
	seedVerifiedUser(t, store, email, "Motdepasse1!")

	var session sessionResponse
	resp := doReq(t, http.MethodPost, app.URL+"/auth/login", "", map[string]interface{}{
		"email": email, "password": "Motdepasse1!",
	})
	decodeBody(t, resp, http.StatusOK, &session)

	// Explicit creation is idempotent against the lazily created row.
	var prof profileResponse
	resp = doReq(t, http.MethodPost, app.URL+"/auth/profile", session.AccessToken, map[string]interface{}{
		"display_name": "Famille Test", "roles": []string{"parent"},
	})
	decodeBody(t, resp, http.StatusOK, &prof)

	var again profileResponse
	resp = doReq(t, http.MethodPost, app.URL+"/auth/profile", session.AccessToken, map[string]interface{}{
		"display_name": "Autre Nom", "roles": []string{"prof"},
	})
	decodeBody(t, resp, http.StatusOK, &again)
	if again.DisplayName != prof.DisplayName {
		t.Fatalf("expected existing profile to win, got %+v", again)
	}
}

func seedVerifiedUser(t *testing.T, store *repository.Store, email, password string) string {
	t.Helper()
	hash, err := crypto.HashPassword(password)
	if err != nil {
		t.Fatalf("hash error: %v", err)
	}
	now := time.Now().UTC()
	user := model.User{
		ID:            uuid.NewString(),
		Email:         email,
		PasswordHash:  hash,
		EmailVerified: true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := store.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("seed user error: %v", err)
	}
	if err := store.SetEmailVerified(context.Background(), user.ID, now); err != nil {
		t.Fatalf("seed verify error: %v", err)
	}
	return user.ID
}

func doReq(t *testing.T, method, url, token string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode error: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("http error: %v", err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, wantStatus int, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("expected %d, got %d", wantStatus, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode error: %v", err)
	}
}

func expectError(t *testing.T, resp *http.Response, wantStatus int, wantCode string) {
	t.Helper()
	var body errorBody
	decodeBody(t, resp, wantStatus, &body)
	if body.Code != wantCode {
		t.Fatalf("expected code %q, got %q (%s)", wantCode, body.Code, body.Error)
	}
}

func mustMarshal(t *testing.T, v interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}
	return raw
}
