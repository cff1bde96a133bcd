package profile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"ludilearn/auth-identity/internal/model"
)

type fakeStore struct {
	profiles map[string]model.Profile
	// getFailures makes the first N fetches after creation miss, simulating
	// the confirmation-trigger lag.
	getFailures int
	creates     int
}

func newFakeStore() *fakeStore {
	return &fakeStore{profiles: map[string]model.Profile{}}
}

func (f *fakeStore) GetProfile(_ context.Context, userID string) (model.Profile, error) {
	if f.getFailures > 0 {
		f.getFailures--
		return model.Profile{}, pgx.ErrNoRows
	}
	prof, ok := f.profiles[userID]
	if !ok {
		return model.Profile{}, pgx.ErrNoRows
	}
	return prof, nil
}

func (f *fakeStore) CreateProfile(_ context.Context, prof model.Profile) error {
	f.creates++
	if _, ok := f.profiles[prof.UserID]; ok {
		return nil // ON CONFLICT DO NOTHING
	}
	f.profiles[prof.UserID] = prof
	return nil
}

func (f *fakeStore) AppendRole(_ context.Context, userID, role string, _ time.Time) (int64, error) {
	prof, ok := f.profiles[userID]
	if !ok || prof.HasRole(role) {
		return 0, nil
	}
	prof.Roles = append(prof.Roles, role)
	f.profiles[userID] = prof
	return 1, nil
}

func TestGetOrCreateIdempotent(t *testing.T) {
	store := newFakeStore()
	resolver := NewResolver(store)
	resolver.baseBackoff = time.Millisecond

	first, err := resolver.GetOrCreate(context.Background(), "user-1", "Parent", []string{"parent"})
	if err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	second, err := resolver.GetOrCreate(context.Background(), "user-1", "Other Name", []string{"admin"})
	if err != nil {
		t.Fatalf("second create failed: %v", err)
	}
	if second.DisplayName != first.DisplayName || len(second.Roles) != 1 || second.Roles[0] != "parent" {
		t.Fatalf("second call must return the first call's row, got %+v", second)
	}
}

func TestGetOrCreateRetriesAfterTriggerLag(t *testing.T) {
	store := newFakeStore()
	resolver := NewResolver(store)
	resolver.baseBackoff = time.Millisecond

	// First fetch misses, create happens, next two fetches still miss
	// before the row becomes visible.
	store.getFailures = 3

	prof, err := resolver.GetOrCreate(context.Background(), "user-1", "Parent", []string{"parent"})
	if err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if prof.UserID != "user-1" {
		t.Fatalf("unexpected profile %+v", prof)
	}
}

func TestGetOrCreateExhaustsRetries(t *testing.T) {
	store := newFakeStore()
	resolver := NewResolver(store)
	resolver.baseBackoff = time.Millisecond
	resolver.maxAttempts = 2
	store.getFailures = 100

	_, err := resolver.GetOrCreate(context.Background(), "user-1", "Parent", nil)
	if !errors.Is(err, ErrProfileNotFound) {
		t.Fatalf("expected ErrProfileNotFound, got %v", err)
	}
}

func TestAddRoleIdempotent(t *testing.T) {
	store := newFakeStore()
	resolver := NewResolver(store)
	resolver.baseBackoff = time.Millisecond

	if _, err := resolver.GetOrCreate(context.Background(), "user-1", "Parent", []string{"parent"}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	prof, err := resolver.AddRole(context.Background(), "user-1", "prof")
	if err != nil {
		t.Fatalf("add role failed: %v", err)
	}
	if !prof.HasRole("prof") || !prof.HasRole("parent") {
		t.Fatalf("expected both roles, got %v", prof.Roles)
	}

	again, err := resolver.AddRole(context.Background(), "user-1", "prof")
	if !errors.Is(err, ErrRoleExists) {
		t.Fatalf("expected ErrRoleExists, got %v", err)
	}
	if len(again.Roles) != 2 {
		t.Fatalf("roles set must be unchanged, got %v", again.Roles)
	}
}

func TestAddRoleMissingProfile(t *testing.T) {
	resolver := NewResolver(newFakeStore())
	if _, err := resolver.AddRole(context.Background(), "ghost", "parent"); !errors.Is(err, ErrProfileNotFound) {
		t.Fatalf("expected ErrProfileNotFound, got %v", err)
	}
}

func TestIsValidRole(t *testing.T) {
	for _, role := range []string{"parent", "prof", "admin"} {
		if !IsValidRole(role) {
			t.Fatalf("expected %s to be valid", role)
		}
	}
	for _, role := range []string{"", "root", "teacher", "Parent"} {
		if IsValidRole(role) {
			t.Fatalf("expected %s to be invalid", role)
		}
	}
}
