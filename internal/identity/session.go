package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"identity-server/internal/observability"
	"identity-server/internal/token"
)

const (
	maxFailedLogins = 5
	lockoutWindow   = 15 * time.Minute
)

// AccountStore is the durable side of the session manager.
type AccountStore interface {
	// AccountByIdentifier resolves by username or email, including soft-deleted
	// and banned accounts so the caller can report the precise gate.
	AccountByIdentifier(ctx context.Context, identifier string) (Account, error)
	AccountByID(ctx context.Context, id string) (Account, error)
	RolesForAccount(ctx context.Context, accountID string) ([]Role, error)
	SecurityForAccount(ctx context.Context, accountID string) (AccountSecurity, error)
	// RecordLoginFailure increments the failure counter and returns the lockout
	// deadline it set, if the attempt crossed the threshold.
	RecordLoginFailure(ctx context.Context, accountID string, lockedUntil *time.Time) error
	RecordLoginSuccess(ctx context.Context, accountID string, at time.Time, ip string) error
	// UpdatePassword stores the new hash and bumps token_version in one write.
	UpdatePassword(ctx context.Context, accountID string, passwordHash string) error
}

// AuthResult is what a successful login or promotion hands back. RefreshValue
// is for the cookie only and must never appear in a response body.
type AuthResult struct {
	AccessToken  string
	Account      Account
	Roles        []string
	RefreshValue string
	ExpiresIn    int
}

// Sessions orchestrates login, refresh, and logout over the token codec and
// the refresh token ledger.
type Sessions struct {
	accounts AccountStore
	ledger   *Ledger
	codec    *token.Codec
	hasher   PasswordHasher
	logger   *observability.Logger
	now      func() time.Time
}

func NewSessions(
	accounts AccountStore,
	ledger *Ledger,
	codec *token.Codec,
	hasher PasswordHasher,
	logger *observability.Logger,
) *Sessions {
	return &Sessions{
		accounts: accounts,
		ledger:   ledger,
		codec:    codec,
		hasher:   hasher,
		logger:   logger,
		now:      time.Now,
	}
}

// Login authenticates by username or email. An unknown identifier and a wrong
// password both surface as InvalidCredentials; the account-state gates run
// before the password check so a banned account never burns a bcrypt round.
func (s *Sessions) Login(ctx context.Context, identifier, password string, device DeviceInfo) (AuthResult, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || password == "" {
		return AuthResult{}, ErrInvalidCredentials
	}

	account, err := s.accounts.AccountByIdentifier(ctx, identifier)
	if err != nil {
		if isNotFound(err) {
			return AuthResult{}, ErrInvalidCredentials
		}
		return AuthResult{}, fmt.Errorf("resolve account: %w", err)
	}

	now := s.now().UTC()
	security, err := s.accounts.SecurityForAccount(ctx, account.ID)
	if err != nil {
		return AuthResult{}, fmt.Errorf("load security record: %w", err)
	}
	if security.Locked(now) {
		s.logger.Warn("login_rejected_locked", map[string]any{"account_id": account.ID})
		return AuthResult{}, ErrAccountLocked
	}
	if !account.EmailVerified {
		return AuthResult{}, ErrEmailNotVerified
	}
	if account.Deleted {
		return AuthResult{}, ErrAccountDeleted
	}
	if account.Status == StatusBanned {
		return AuthResult{}, ErrAccountBanned
	}

	if !s.hasher.Verify(password, account.PasswordHash) {
		var lockedUntil *time.Time
		if security.FailedLoginAttempts+1 >= maxFailedLogins {
			deadline := now.Add(lockoutWindow)
			lockedUntil = &deadline
		}
		if err := s.accounts.RecordLoginFailure(ctx, account.ID, lockedUntil); err != nil {
			s.logger.Error("record_login_failure", map[string]any{
				"account_id": account.ID,
				"error":      err.Error(),
			})
		}
		if lockedUntil != nil {
			s.logger.Warn("account_locked", map[string]any{
				"account_id":   account.ID,
				"locked_until": lockedUntil.Format(time.RFC3339),
			})
		}
		return AuthResult{}, ErrInvalidCredentials
	}

	if err := s.accounts.RecordLoginSuccess(ctx, account.ID, now, device.IPAddress); err != nil {
		return AuthResult{}, fmt.Errorf("record login success: %w", err)
	}

	return s.mint(ctx, account, device)
}

// Refresh exchanges a valid refresh token for a new access token. The refresh
// value itself is not rotated; the same cookie keeps working until expiry,
// eviction, or revocation.
func (s *Sessions) Refresh(ctx context.Context, refreshValue string) (AuthResult, error) {
	row, err := s.ledger.Verify(ctx, refreshValue)
	if err != nil {
		if isNotFound(err) {
			return AuthResult{}, ErrTokenInvalid
		}
		return AuthResult{}, err
	}

	account, err := s.accounts.AccountByID(ctx, row.AccountID)
	if err != nil {
		if isNotFound(err) {
			return AuthResult{}, ErrTokenInvalid
		}
		return AuthResult{}, fmt.Errorf("reload account: %w", err)
	}
	if account.Deleted {
		return AuthResult{}, ErrAccountDeleted
	}
	if account.Status == StatusBanned {
		return AuthResult{}, ErrAccountBanned
	}

	roles, err := s.accounts.RolesForAccount(ctx, account.ID)
	if err != nil {
		return AuthResult{}, fmt.Errorf("load roles: %w", err)
	}
	names := roleNames(roles)
	access, err := s.codec.MintAccessToken(account.ID, account.Username, account.Email, names)
	if err != nil {
		return AuthResult{}, fmt.Errorf("mint access token: %w", err)
	}

	return AuthResult{
		AccessToken: access,
		Account:     account,
		Roles:       names,
		ExpiresIn:   int(s.codec.AccessTTL().Seconds()),
	}, nil
}

// Logout revokes the presented refresh token. Idempotent: an unknown or
// absent value succeeds, the client ends up logged out either way.
func (s *Sessions) Logout(ctx context.Context, refreshValue string) error {
	return s.ledger.Revoke(ctx, refreshValue)
}

// LogoutAllDevices revokes then hard-deletes every ledger row of the account.
func (s *Sessions) LogoutAllDevices(ctx context.Context, accountID string) error {
	if err := s.ledger.RevokeAll(ctx, accountID); err != nil {
		return fmt.Errorf("revoke all tokens: %w", err)
	}
	if err := s.ledger.DeleteAll(ctx, accountID); err != nil {
		return fmt.Errorf("delete all tokens: %w", err)
	}
	s.logger.Info("logout_all_devices", map[string]any{"account_id": accountID})
	return nil
}

// ChangePassword verifies the current password, stores the new hash, and bumps
// token_version so every outstanding refresh token stops verifying.
func (s *Sessions) ChangePassword(ctx context.Context, accountID, currentPassword, newPassword string) error {
	if len(newPassword) < 8 {
		return ErrValidation.WithMessage("Password must be at least 8 characters")
	}

	account, err := s.accounts.AccountByID(ctx, accountID)
	if err != nil {
		return err
	}
	if !s.hasher.Verify(currentPassword, account.PasswordHash) {
		return ErrInvalidCredentials.WithMessage("Current password is incorrect")
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.accounts.UpdatePassword(ctx, accountID, hash); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if err := s.ledger.RevokeAll(ctx, accountID); err != nil {
		return fmt.Errorf("revoke sessions: %w", err)
	}
	if err := s.ledger.DeleteAll(ctx, accountID); err != nil {
		return fmt.Errorf("delete sessions: %w", err)
	}
	s.logger.Info("password_changed", map[string]any{"account_id": accountID})
	return nil
}

func (s *Sessions) mint(ctx context.Context, account Account, device DeviceInfo) (AuthResult, error) {
	roles, err := s.accounts.RolesForAccount(ctx, account.ID)
	if err != nil {
		return AuthResult{}, fmt.Errorf("load roles: %w", err)
	}
	names := roleNames(roles)

	access, err := s.codec.MintAccessToken(account.ID, account.Username, account.Email, names)
	if err != nil {
		return AuthResult{}, fmt.Errorf("mint access token: %w", err)
	}
	refreshValue, _, err := s.ledger.Issue(ctx, account.ID, device)
	if err != nil {
		return AuthResult{}, err
	}

	s.logger.Info("login_succeeded", map[string]any{
		"account_id": account.ID,
		"username":   account.Username,
	})

	return AuthResult{
		AccessToken:  access,
		Account:      account,
		Roles:        names,
		RefreshValue: refreshValue,
		ExpiresIn:    int(s.codec.AccessTTL().Seconds()),
	}, nil
}

// translateTokenError maps codec failures onto the caller-visible taxonomy.
func translateTokenError(err error) error {
	switch {
	case errors.Is(err, token.ErrTokenExpired):
		return ErrTokenExpired
	case errors.Is(err, token.ErrTokenInvalid):
		return ErrTokenInvalid
	default:
		return err
	}
}
