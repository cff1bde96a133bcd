package guard

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPVerifier verifies sessions against the auth service over HTTP.
type HTTPVerifier struct {
	BaseURL string
	// TokenSource returns the bearer token currently held by the client,
	// or "" when none is stored.
	TokenSource func() string
	Client      *http.Client
}

func NewHTTPVerifier(baseURL string, tokenSource func() string) *HTTPVerifier {
	return &HTTPVerifier{
		BaseURL:     baseURL,
		TokenSource: tokenSource,
		Client:      &http.Client{Timeout: 10 * time.Second},
	}
}

type validateResponse struct {
	UserID   string `json:"user_id"`
	UserType string `json:"user_type"`
}

type profileResponse struct {
	Roles []string `json:"roles"`
}

func (v *HTTPVerifier) VerifySession(ctx context.Context) (Identity, error) {
	token := v.TokenSource()
	if token == "" {
		return Identity{}, ErrUnauthenticated
	}

	var validated validateResponse
	if err := v.get(ctx, "/auth/validate", token, &validated); err != nil {
		return Identity{}, err
	}

	identity := Identity{UserID: validated.UserID}
	if validated.UserType == "child" {
		// Children have no profile row and no role choice to make.
		identity.Roles = []string{"child"}
		return identity, nil
	}

	var prof profileResponse
	if err := v.get(ctx, "/auth/profile", token, &prof); err != nil {
		// A missing profile is the known confirmation race, not an auth
		// failure: report an authenticated identity with no roles yet.
		if err == errNotFound {
			return identity, nil
		}
		return Identity{}, err
	}
	identity.Roles = prof.Roles
	return identity, nil
}

var errNotFound = fmt.Errorf("not found")

func (v *HTTPVerifier) get(ctx context.Context, path, token string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.BaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := v.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		_, _ = io.Copy(io.Discard, resp.Body)
		return ErrUnauthenticated
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return errNotFound
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("auth service returned %d for %s", resp.StatusCode, path)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
