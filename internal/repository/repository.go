package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"ludilearn/auth-identity/internal/model"
)

// ErrEmailExists is returned on a unique violation for users.email so the
// signup handler can answer 409 without a pre-check race.
var ErrEmailExists = errors.New("email already registered")

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) CreateUser(ctx context.Context, user model.User) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, email, password_hash, email_verified, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, user.ID, user.Email, user.PasswordHash, user.EmailVerified, user.CreatedAt, user.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrEmailExists
	}
	return err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (model.User, error) {
	var user model.User
	row := s.pool.QueryRow(ctx, `
		SELECT id, email, password_hash, email_verified, created_at, updated_at
		FROM users
		WHERE email = $1
	`, email)
	err := row.Scan(&user.ID, &user.Email, &user.PasswordHash, &user.EmailVerified, &user.CreatedAt, &user.UpdatedAt)
	return user, err
}

func (s *Store) GetUserByID(ctx context.Context, userID string) (model.User, error) {
	var user model.User
	row := s.pool.QueryRow(ctx, `
		SELECT id, email, password_hash, email_verified, created_at, updated_at
		FROM users
		WHERE id = $1
	`, userID)
	err := row.Scan(&user.ID, &user.Email, &user.PasswordHash, &user.EmailVerified, &user.CreatedAt, &user.UpdatedAt)
	return user, err
}

func (s *Store) SetEmailVerified(ctx context.Context, userID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE users SET email_verified = true, updated_at = $1 WHERE id = $2
	`, at, userID)
	return err
}

func (s *Store) UpdatePassword(ctx context.Context, userID, passwordHash string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE users SET password_hash = $1, updated_at = $2 WHERE id = $3
	`, passwordHash, at, userID)
	return err
}

func (s *Store) GetProfile(ctx context.Context, userID string) (model.Profile, error) {
	var profile model.Profile
	row := s.pool.QueryRow(ctx, `
		SELECT user_id, display_name, roles, avatar_url, created_at, updated_at
		FROM profiles
		WHERE user_id = $1
	`, userID)
	err := row.Scan(&profile.UserID, &profile.DisplayName, &profile.Roles, &profile.AvatarURL, &profile.CreatedAt, &profile.UpdatedAt)
	return profile, err
}

// CreateProfile is a no-op when the row already exists, so the
// confirmation-trigger race and handler retries are at-least-once safe.
func (s *Store) CreateProfile(ctx context.Context, profile model.Profile) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO profiles (user_id, display_name, roles, avatar_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO NOTHING
	`, profile.UserID, profile.DisplayName, profile.Roles, profile.AvatarURL, profile.CreatedAt, profile.UpdatedAt)
	return err
}

// AppendRole adds role to the profile's role set unless already present.
// Returns the number of rows updated (0 means the role was already there or
// the profile does not exist).
func (s *Store) AppendRole(ctx context.Context, userID, role string, at time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE profiles
		SET roles = array_append(roles, $2), updated_at = $3
		WHERE user_id = $1 AND NOT ($2 = ANY(roles))
	`, userID, role, at)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// GetActiveChild scopes the lookup to (firstname, pin) pairs; there is no
// global PIN space.
func (s *Store) GetActiveChild(ctx context.Context, firstname, pin string) (model.Child, error) {
	var child model.Child
	row := s.pool.QueryRow(ctx, `
		SELECT id, parent_id, school_id, firstname, pin, school_level, avatar_color, avatar_symbol, is_active, created_at
		FROM children
		WHERE lower(firstname) = lower($1) AND pin = $2 AND is_active = true
	`, firstname, pin)
	err := row.Scan(&child.ID, &child.ParentID, &child.SchoolID, &child.FirstName, &child.PIN,
		&child.SchoolLevel, &child.AvatarColor, &child.AvatarSymbol, &child.Active, &child.CreatedAt)
	return child, err
}

func (s *Store) CreateChild(ctx context.Context, child model.Child) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO children (id, parent_id, school_id, firstname, pin, school_level, avatar_color, avatar_symbol, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, child.ID, child.ParentID, child.SchoolID, child.FirstName, child.PIN,
		child.SchoolLevel, child.AvatarColor, child.AvatarSymbol, child.Active, child.CreatedAt)
	return err
}

func (s *Store) CreateRefreshSession(ctx context.Context, session model.RefreshSession) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO refresh_token_sessions (id, user_id, token_hash, access_jti, created_at, expires_at, revoked_at, user_agent, ip_address)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, session.ID, session.UserID, session.TokenHash, session.AccessJTI, session.CreatedAt,
		session.ExpiresAt, session.RevokedAt, session.UserAgent, session.IPAddress)
	return err
}

func (s *Store) GetRefreshSession(ctx context.Context, tokenHash string) (model.RefreshSession, error) {
	var session model.RefreshSession
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, token_hash, access_jti, created_at, expires_at, revoked_at, user_agent, ip_address
		FROM refresh_token_sessions
		WHERE token_hash = $1
	`, tokenHash)
	err := row.Scan(&session.ID, &session.UserID, &session.TokenHash, &session.AccessJTI,
		&session.CreatedAt, &session.ExpiresAt, &session.RevokedAt, &session.UserAgent, &session.IPAddress)
	return session, err
}

func (s *Store) RevokeRefreshSession(ctx context.Context, sessionID string, revokedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE refresh_token_sessions SET revoked_at = $1 WHERE id = $2 AND revoked_at IS NULL
	`, revokedAt, sessionID)
	return err
}

func (s *Store) RevokeSessionsByUser(ctx context.Context, userID string, revokedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE refresh_token_sessions SET revoked_at = $1 WHERE user_id = $2 AND revoked_at IS NULL
	`, revokedAt, userID)
	return err
}

// IsJTIRevoked reports whether the adult session carrying this jti was
// revoked. Child tokens have no jti and never hit this path.
func (s *Store) IsJTIRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM refresh_token_sessions WHERE access_jti = $1 AND revoked_at IS NOT NULL
		)
	`, jti).Scan(&revoked)
	return revoked, err
}

func (s *Store) CreateOneTimeToken(ctx context.Context, token model.ResetToken) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO one_time_tokens (id, user_id, token_hash, purpose, created_at, expires_at, used_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, token.ID, token.UserID, token.TokenHash, token.Purpose, token.CreatedAt, token.ExpiresAt, token.UsedAt)
	return err
}

// ConsumeOneTimeToken marks the token used and returns it in one statement;
// a second consume attempt sees pgx.ErrNoRows, which makes verification
// single-use.
func (s *Store) ConsumeOneTimeToken(ctx context.Context, tokenHash, purpose string, now time.Time) (model.ResetToken, error) {
	var token model.ResetToken
	row := s.pool.QueryRow(ctx, `
		UPDATE one_time_tokens
		SET used_at = $3
		WHERE token_hash = $1 AND purpose = $2 AND used_at IS NULL AND expires_at > $3
		RETURNING id, user_id, token_hash, purpose, created_at, expires_at, used_at
	`, tokenHash, purpose, now)
	err := row.Scan(&token.ID, &token.UserID, &token.TokenHash, &token.Purpose, &token.CreatedAt, &token.ExpiresAt, &token.UsedAt)
	return token, err
}

func (s *Store) DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM one_time_tokens WHERE expires_at < $1 OR used_at IS NOT NULL
	`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) DeleteDeadSessions(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM refresh_token_sessions WHERE expires_at < $1 OR revoked_at IS NOT NULL
	`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) GetLegacyUserByEmail(ctx context.Context, email string) (model.LegacyUser, error) {
	var legacy model.LegacyUser
	row := s.pool.QueryRow(ctx, `
		SELECT id, email, password_hash, display_name, roles, migrated_at
		FROM legacy_users
		WHERE email = $1
	`, email)
	err := row.Scan(&legacy.ID, &legacy.Email, &legacy.PasswordHash, &legacy.DisplayName, &legacy.Roles, &legacy.MigratedAt)
	return legacy, err
}

// MigrateLegacyUser creates the user and profile rows from a legacy record
// and stamps the legacy row, all in one transaction.
func (s *Store) MigrateLegacyUser(ctx context.Context, legacy model.LegacyUser, user model.User, profile model.Profile, at time.Time) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		INSERT INTO users (id, email, password_hash, email_verified, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (email) DO NOTHING
	`, user.ID, user.Email, user.PasswordHash, user.EmailVerified, user.CreatedAt, user.UpdatedAt); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO profiles (user_id, display_name, roles, avatar_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO NOTHING
	`, profile.UserID, profile.DisplayName, profile.Roles, profile.AvatarURL, profile.CreatedAt, profile.UpdatedAt); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE legacy_users SET migrated_at = $1 WHERE id = $2 AND migrated_at IS NULL
	`, at, legacy.ID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
