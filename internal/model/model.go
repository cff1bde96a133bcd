package model

import "time"

type User struct {
	ID            string
	Email         string
	PasswordHash  string
	EmailVerified bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Child authenticates with (firstname, pin) only. It never carries an email
// or password and has no separate profile row.
type Child struct {
	ID           string
	ParentID     string
	SchoolID     *string
	FirstName    string
	PIN          string
	SchoolLevel  string
	AvatarColor  string
	AvatarSymbol string
	Active       bool
	CreatedAt    time.Time
}

type Profile struct {
	UserID      string
	DisplayName string
	Roles       []string
	AvatarURL   *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (p Profile) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type RefreshSession struct {
	ID        string
	UserID    string
	TokenHash string
	AccessJTI string
	CreatedAt time.Time
	ExpiresAt time.Time
	RevokedAt *time.Time
	UserAgent *string
	IPAddress *string
}

// ResetToken covers both password-reset and email-verification tokens;
// only the SHA-256 hash of the opaque value is stored. UsedAt marks
// single-use consumption.
type ResetToken struct {
	ID        string
	UserID    string
	TokenHash string
	Purpose   string
	CreatedAt time.Time
	ExpiresAt time.Time
	UsedAt    *time.Time
}

const (
	TokenPurposeReset  = "password_reset"
	TokenPurposeVerify = "email_verification"
)

// LegacyUser is a row from the pre-platform custom-auth table, migrated
// on demand by the migrate-user endpoint.
type LegacyUser struct {
	ID           string
	Email        string
	PasswordHash string
	DisplayName  string
	Roles        []string
	MigratedAt   *time.Time
}
