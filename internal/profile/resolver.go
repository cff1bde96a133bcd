// Package profile resolves application-level profiles for authenticated
// adults. Profile rows appear asynchronously after email confirmation, so
// resolution tolerates the creation race with bounded retries.
package profile

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"ludilearn/auth-identity/internal/model"
)

var (
	// ErrProfileNotFound is transient from the caller's point of view: the
	// creation trigger may simply not have run yet.
	ErrProfileNotFound = errors.New("profile not found")
	// ErrRoleExists is terminal and user-actionable.
	ErrRoleExists = errors.New("role already present on profile")
)

func IsValidRole(role string) bool {
	switch role {
	case "parent", "prof", "admin":
		return true
	default:
		return false
	}
}

type store interface {
	GetProfile(ctx context.Context, userID string) (model.Profile, error)
	CreateProfile(ctx context.Context, profile model.Profile) error
	AppendRole(ctx context.Context, userID, role string, at time.Time) (int64, error)
}

type Resolver struct {
	store       store
	baseBackoff time.Duration
	maxAttempts int
}

func NewResolver(s store) *Resolver {
	return &Resolver{store: s, baseBackoff: 50 * time.Millisecond, maxAttempts: 5}
}

// Get returns the profile or ErrProfileNotFound, without creating anything.
func (r *Resolver) Get(ctx context.Context, userID string) (model.Profile, error) {
	prof, err := r.store.GetProfile(ctx, userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Profile{}, ErrProfileNotFound
	}
	return prof, err
}

// GetOrCreate fetches the profile, lazily creating it when absent. The create
// is idempotent, so two racing callers converge on the same row; the re-fetch
// retries with exponential backoff and gives up with ErrProfileNotFound.
func (r *Resolver) GetOrCreate(ctx context.Context, userID, displayName string, roles []string) (model.Profile, error) {
	prof, err := r.store.GetProfile(ctx, userID)
	if err == nil {
		return prof, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Profile{}, err
	}

	now := time.Now().UTC()
	if roles == nil {
		roles = []string{}
	}
	if err := r.store.CreateProfile(ctx, model.Profile{
		UserID:      userID,
		DisplayName: displayName,
		Roles:       roles,
		CreatedAt:   now,
		UpdatedAt:   now,
	}); err != nil {
		return model.Profile{}, err
	}

	backoff := r.baseBackoff
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		prof, err := r.store.GetProfile(ctx, userID)
		if err == nil {
			return prof, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return model.Profile{}, err
		}
		select {
		case <-ctx.Done():
			return model.Profile{}, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return model.Profile{}, ErrProfileNotFound
}

// AddRole appends a role to an existing profile. Adding a role the profile
// already has signals ErrRoleExists and leaves the set unchanged.
func (r *Resolver) AddRole(ctx context.Context, userID, role string) (model.Profile, error) {
	updated, err := r.store.AppendRole(ctx, userID, role, time.Now().UTC())
	if err != nil {
		return model.Profile{}, err
	}
	if updated == 0 {
		prof, err := r.store.GetProfile(ctx, userID)
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Profile{}, ErrProfileNotFound
		}
		if err != nil {
			return model.Profile{}, err
		}
		if prof.HasRole(role) {
			return prof, ErrRoleExists
		}
		return model.Profile{}, ErrProfileNotFound
	}
	prof, err := r.store.GetProfile(ctx, userID)
	if err != nil {
		return model.Profile{}, err
	}
	return prof, nil
}
