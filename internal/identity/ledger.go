package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"identity-server/internal/observability"
)

const (
	defaultRefreshTTL  = 7 * 24 * time.Hour
	defaultMaxSessions = 3
)

// RefreshTokenStore is the durable side of the ledger. The Postgres
// implementation lives in repository.go; tests substitute an in-memory one.
type RefreshTokenStore interface {
	InsertToken(ctx context.Context, token RefreshToken, hash string) error
	TokenByHash(ctx context.Context, hash string) (RefreshToken, error)
	// ValidTokens returns the non-revoked, non-expired tokens of an account
	// minted under the given version, oldest first.
	ValidTokens(ctx context.Context, accountID string, now time.Time, version int) ([]RefreshToken, error)
	MarkTokenRevoked(ctx context.Context, id string) error
	DeleteToken(ctx context.Context, id string) error
	RevokeAllTokens(ctx context.Context, accountID string) error
	DeleteAllTokens(ctx context.Context, accountID string) error
	TokenVersion(ctx context.Context, accountID string) (int, error)
}

// Ledger owns issuance, verification, and revocation of refresh tokens.
//
// The opaque value is handed to the client exactly once; only its SHA-256
// hash is persisted. Verification is read-only: the value is not rotated on
// use. Replacement happens only through cap eviction, explicit logout, or a
// token-version bump.
type Ledger struct {
	store       RefreshTokenStore
	logger      *observability.Logger
	ttl         time.Duration
	maxSessions int
	now         func() time.Time
}

func NewLedger(store RefreshTokenStore, logger *observability.Logger) *Ledger {
	return &Ledger{
		store:       store,
		logger:      logger,
		ttl:         defaultRefreshTTL,
		maxSessions: defaultMaxSessions,
		now:         time.Now,
	}
}

// WithConfig overrides the refresh-token lifetime and the session cap.
// Call before the ledger is in use.
func (l *Ledger) WithConfig(ttl time.Duration, maxSessions int) *Ledger {
	if ttl > 0 {
		l.ttl = ttl
	}
	if maxSessions > 0 {
		l.maxSessions = maxSessions
	}
	return l
}

// TTL reports the refresh-token lifetime, which is also the cookie max-age.
func (l *Ledger) TTL() time.Duration {
	return l.ttl
}

// Issue mints a refresh token for the account. When the account already holds
// the maximum number of valid tokens, the oldest one by creation time is
// revoked first. The count is taken from a single consistent read; two
// concurrent logins can transiently overshoot the cap, which is accepted.
func (l *Ledger) Issue(ctx context.Context, accountID string, device DeviceInfo) (string, RefreshToken, error) {
	now := l.now().UTC()

	version, err := l.store.TokenVersion(ctx, accountID)
	if err != nil {
		return "", RefreshToken{}, fmt.Errorf("load token version: %w", err)
	}

	valid, err := l.store.ValidTokens(ctx, accountID, now, version)
	if err != nil {
		return "", RefreshToken{}, fmt.Errorf("count valid tokens: %w", err)
	}
	if len(valid) >= l.maxSessions {
		oldest := valid[0]
		for _, t := range valid[1:] {
			if t.CreatedAt.Before(oldest.CreatedAt) {
				oldest = t
			}
		}
		if err := l.store.MarkTokenRevoked(ctx, oldest.ID); err != nil {
			return "", RefreshToken{}, fmt.Errorf("evict oldest token: %w", err)
		}
		l.logger.Info("refresh_token_evicted", map[string]any{
			"account_id": accountID,
			"token_id":   oldest.ID,
		})
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", RefreshToken{}, fmt.Errorf("generate token id: %w", err)
	}
	value := uuid.NewString()

	token := RefreshToken{
		ID:           id.String(),
		AccountID:    accountID,
		ExpiresAt:    now.Add(l.ttl),
		CreatedAt:    now,
		UserAgent:    clampDeviceField(device.UserAgent),
		IPAddress:    clampDeviceField(device.IPAddress),
		TokenVersion: version,
	}
	if err := l.store.InsertToken(ctx, token, hashTokenValue(value)); err != nil {
		return "", RefreshToken{}, fmt.Errorf("insert refresh token: %w", err)
	}

	return value, token, nil
}

// Verify resolves an opaque value to a valid ledger row. An expired row is
// deleted as a side effect to bound ledger growth; a revoked row is kept for
// audit. A row minted under an older token version is treated as revoked even
// though its flag is still false.
func (l *Ledger) Verify(ctx context.Context, value string) (RefreshToken, error) {
	if strings.TrimSpace(value) == "" {
		return RefreshToken{}, ErrTokenMissing
	}

	token, err := l.store.TokenByHash(ctx, hashTokenValue(value))
	if err != nil {
		return RefreshToken{}, err
	}

	if token.Revoked {
		l.logger.Warn("revoked_refresh_token_presented", map[string]any{
			"account_id": token.AccountID,
			"token_id":   token.ID,
		})
		return RefreshToken{}, ErrTokenRevoked
	}

	if token.Expired(l.now().UTC()) {
		l.logger.Warn("expired_refresh_token_presented", map[string]any{
			"account_id": token.AccountID,
			"token_id":   token.ID,
		})
		if err := l.store.DeleteToken(ctx, token.ID); err != nil {
			return RefreshToken{}, fmt.Errorf("delete expired token: %w", err)
		}
		return RefreshToken{}, ErrTokenExpired
	}

	version, err := l.store.TokenVersion(ctx, token.AccountID)
	if err != nil {
		return RefreshToken{}, fmt.Errorf("load token version: %w", err)
	}
	if token.TokenVersion != version {
		return RefreshToken{}, ErrTokenRevoked
	}

	return token, nil
}

// Revoke marks the token behind the value revoked. A value the ledger does
// not know is not an error: the client is already logged out.
func (l *Ledger) Revoke(ctx context.Context, value string) error {
	if strings.TrimSpace(value) == "" {
		return nil
	}

	token, err := l.store.TokenByHash(ctx, hashTokenValue(value))
	if err != nil {
		if isNotFound(err) {
			l.logger.Info("logout_unknown_refresh_token", nil)
			return nil
		}
		return err
	}
	if err := l.store.MarkTokenRevoked(ctx, token.ID); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

func (l *Ledger) RevokeAll(ctx context.Context, accountID string) error {
	return l.store.RevokeAllTokens(ctx, accountID)
}

func (l *Ledger) DeleteAll(ctx context.Context, accountID string) error {
	return l.store.DeleteAllTokens(ctx, accountID)
}

func hashTokenValue(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func clampDeviceField(value string) string {
	if len(value) > 255 {
		return value[:255]
	}
	return value
}
