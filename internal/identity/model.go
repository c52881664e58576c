package identity

import "time"

type AccountStatus string

const (
	StatusActive    AccountStatus = "ACTIVE"
	StatusSuspended AccountStatus = "SUSPENDED"
	StatusBanned    AccountStatus = "BANNED"
)

const (
	RoleUser  = "USER"
	RoleAdmin = "ADMIN"
)

// Account is a durable identity. Username and email are unique among
// non-deleted accounts; status and the deletion flag gate authentication.
type Account struct {
	ID            string
	Username      string
	Email         string
	PasswordHash  string
	Status        AccountStatus
	EmailVerified bool
	Deleted       bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// PendingIdentity is a registration candidate that has not yet been promoted
// to a durable account. At most one live record exists per email.
type PendingIdentity struct {
	ID          string
	Name        string
	Email       string
	Code        int
	Verified    bool
	Consumed    bool
	ExpiresAt   time.Time
	DateOfBirth time.Time
	CreatedAt   time.Time
}

func (p PendingIdentity) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// AccountSecurity is the 1:1 security record of an account. Incrementing
// TokenVersion logically invalidates every refresh token minted before it.
type AccountSecurity struct {
	AccountID           string
	FailedLoginAttempts int
	LockedUntil         *time.Time
	PasswordResetToken  *string
	PasswordResetExpiry *time.Time
	TokenVersion        int
	LastLoginAt         *time.Time
	LastLoginIP         string
}

func (s AccountSecurity) Locked(now time.Time) bool {
	return s.LockedUntil != nil && now.Before(*s.LockedUntil)
}

// RefreshToken is a ledger row. The opaque value itself is never stored;
// only its hash is, so a leaked ledger cannot replay sessions.
type RefreshToken struct {
	ID           string
	AccountID    string
	ExpiresAt    time.Time
	CreatedAt    time.Time
	Revoked      bool
	UserAgent    string
	IPAddress    string
	TokenVersion int
}

func (t RefreshToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// DeviceInfo is metadata captured from the request that mints a session.
type DeviceInfo struct {
	UserAgent string
	IPAddress string
}

type Role struct {
	ID   string
	Name string
}

func roleNames(roles []Role) []string {
	names := make([]string, 0, len(roles))
	for _, role := range roles {
		names = append(names, role.Name)
	}
	return names
}
