package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"identity-server/internal/observability"
)

const pgUniqueViolation = "23505"

// Repository is the Postgres implementation of CredentialStore, AccountStore,
// and RefreshTokenStore.
type Repository struct {
	db     *sql.DB
	logger *observability.Logger
}

func NewRepository(db *sql.DB, logger *observability.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

// translateConstraint turns a unique-constraint violation into the
// caller-visible duplicate error. Races past the advisory pre-checks land
// here; the constraint is the final arbiter.
func translateConstraint(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		switch {
		case strings.Contains(pgErr.ConstraintName, "username"):
			return ErrAlreadyExists.WithMessage("Username is already taken")
		case strings.Contains(pgErr.ConstraintName, "email"):
			return ErrAlreadyExists.WithMessage("Email is already registered")
		default:
			return ErrAlreadyExists
		}
	}
	return err
}

// --- CredentialStore ---

func (r *Repository) AccountEmailExists(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM users WHERE email = $1 AND NOT deleted)
	`, email).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query email exists: %w", err)
	}
	return exists, nil
}

func (r *Repository) AccountUsernameExists(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM users WHERE lower(username) = lower($1) AND NOT deleted)
	`, username).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query username exists: %w", err)
	}
	return exists, nil
}

func (r *Repository) PendingByEmail(ctx context.Context, email string) (PendingIdentity, error) {
	var pending PendingIdentity
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, email, code, verified, consumed, expires_at, date_of_birth, created_at
		FROM pending_identities
		WHERE email = $1
	`, email).Scan(
		&pending.ID, &pending.Name, &pending.Email, &pending.Code,
		&pending.Verified, &pending.Consumed, &pending.ExpiresAt,
		&pending.DateOfBirth, &pending.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PendingIdentity{}, ErrNotFound
		}
		return PendingIdentity{}, fmt.Errorf("query pending identity: %w", err)
	}
	return pending, nil
}

func (r *Repository) DeletePendingByEmail(ctx context.Context, email string) error {
	if _, err := r.db.ExecContext(ctx, `
		DELETE FROM pending_identities WHERE email = $1
	`, email); err != nil {
		return fmt.Errorf("delete pending identity: %w", err)
	}
	return nil
}

func (r *Repository) CreatePending(ctx context.Context, pending PendingIdentity) error {
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO pending_identities (id, name, email, code, verified, consumed, expires_at, date_of_birth, created_at)
		VALUES ($1, $2, $3, $4, FALSE, FALSE, $5, $6, $7)
	`, pending.ID, pending.Name, pending.Email, pending.Code,
		pending.ExpiresAt, pending.DateOfBirth, pending.CreatedAt,
	); err != nil {
		return translateConstraint(fmt.Errorf("insert pending identity: %w", err))
	}
	return nil
}

func (r *Repository) UpdatePendingChallenge(ctx context.Context, id string, code int, expiresAt time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE pending_identities
		SET code = $2, expires_at = $3, verified = FALSE
		WHERE id = $1
	`, id, code, expiresAt)
	if err != nil {
		return fmt.Errorf("update pending challenge: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) MarkPendingVerified(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE pending_identities
		SET verified = TRUE, consumed = TRUE
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("mark pending verified: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) PromoteAccount(ctx context.Context, params PromoteParams, postCommit func(accountID string)) (Account, error) {
	accountID, err := uuid.NewV7()
	if err != nil {
		return Account{}, fmt.Errorf("generate account id: %w", err)
	}
	now := time.Now().UTC()

	account := Account{
		ID:            accountID.String(),
		Username:      params.Username,
		Email:         params.Email,
		PasswordHash:  params.PasswordHash,
		Status:        StatusActive,
		EmailVerified: true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err = InTx(ctx, r.db, r.logger, func(uow *UnitOfWork) error {
		if _, err := uow.Tx.ExecContext(ctx, `
			INSERT INTO users (id, username, email, password_hash, status, email_verified, deleted, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, TRUE, FALSE, $6, $6)
		`, account.ID, account.Username, account.Email, account.PasswordHash, account.Status, now); err != nil {
			return translateConstraint(fmt.Errorf("insert user: %w", err))
		}

		if _, err := uow.Tx.ExecContext(ctx, `
			INSERT INTO user_security (user_id, failed_login_attempts, token_version)
			VALUES ($1, 0, 0)
		`, account.ID); err != nil {
			return fmt.Errorf("insert security record: %w", err)
		}

		if _, err := uow.Tx.ExecContext(ctx, `
			INSERT INTO user_profiles (user_id, display_name, date_of_birth, updated_at)
			VALUES ($1, $2, $3, $4)
		`, account.ID, params.DisplayName, params.DateOfBirth, now); err != nil {
			return fmt.Errorf("insert profile: %w", err)
		}

		if _, err := uow.Tx.ExecContext(ctx, `
			INSERT INTO user_roles (user_id, role_id)
			SELECT $1, id FROM roles WHERE name = $2
		`, account.ID, RoleUser); err != nil {
			return fmt.Errorf("assign default role: %w", err)
		}

		if _, err := uow.Tx.ExecContext(ctx, `
			DELETE FROM pending_identities WHERE id = $1
		`, params.PendingID); err != nil {
			return fmt.Errorf("consume pending identity: %w", err)
		}

		if postCommit != nil {
			uow.AfterCommit(func() { postCommit(account.ID) })
		}
		return nil
	})
	if err != nil {
		return Account{}, err
	}
	return account, nil
}

// --- AccountStore ---

const accountColumns = `id, username, email, password_hash, status, email_verified, deleted, created_at, updated_at`

func scanAccount(row *sql.Row) (Account, error) {
	var account Account
	err := row.Scan(
		&account.ID, &account.Username, &account.Email, &account.PasswordHash,
		&account.Status, &account.EmailVerified, &account.Deleted,
		&account.CreatedAt, &account.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("scan account: %w", err)
	}
	return account, nil
}

// AccountByIdentifier prefers the active row: a soft-deleted account frees
// its username and email for re-registration, so a deleted and an active row
// can share an identifier. The deleted row is still returned when it is the
// only match, so the login gate can report the deletion.
func (r *Repository) AccountByIdentifier(ctx context.Context, identifier string) (Account, error) {
	return scanAccount(r.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM users
		WHERE lower(username) = lower($1) OR email = lower($1)
		ORDER BY deleted ASC
		LIMIT 1
	`, identifier))
}

func (r *Repository) AccountByID(ctx context.Context, id string) (Account, error) {
	return scanAccount(r.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM users
		WHERE id = $1
	`, id))
}

func (r *Repository) RolesForAccount(ctx context.Context, accountID string) ([]Role, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT r.id, r.name
		FROM roles r
		JOIN user_roles ur ON ur.role_id = r.id
		WHERE ur.user_id = $1
		ORDER BY r.name
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("query roles: %w", err)
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name); err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate roles: %w", err)
	}
	return roles, nil
}

func (r *Repository) SecurityForAccount(ctx context.Context, accountID string) (AccountSecurity, error) {
	security := AccountSecurity{AccountID: accountID}

	var lockedUntil, resetExpiry, lastLoginAt sql.NullTime
	var resetToken, lastLoginIP sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT failed_login_attempts, locked_until, password_reset_token,
		       password_reset_expiry, token_version, last_login_at, last_login_ip
		FROM user_security
		WHERE user_id = $1
	`, accountID).Scan(
		&security.FailedLoginAttempts, &lockedUntil, &resetToken,
		&resetExpiry, &security.TokenVersion, &lastLoginAt, &lastLoginIP,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AccountSecurity{}, ErrNotFound
		}
		return AccountSecurity{}, fmt.Errorf("query security record: %w", err)
	}
	if lockedUntil.Valid {
		value := lockedUntil.Time.UTC()
		security.LockedUntil = &value
	}
	if resetToken.Valid {
		security.PasswordResetToken = &resetToken.String
	}
	if resetExpiry.Valid {
		value := resetExpiry.Time.UTC()
		security.PasswordResetExpiry = &value
	}
	if lastLoginAt.Valid {
		value := lastLoginAt.Time.UTC()
		security.LastLoginAt = &value
	}
	if lastLoginIP.Valid {
		security.LastLoginIP = lastLoginIP.String
	}
	return security, nil
}

func (r *Repository) RecordLoginFailure(ctx context.Context, accountID string, lockedUntil *time.Time) error {
	if _, err := r.db.ExecContext(ctx, `
		UPDATE user_security
		SET failed_login_attempts = failed_login_attempts + 1,
		    locked_until = COALESCE($2, locked_until)
		WHERE user_id = $1
	`, accountID, lockedUntil); err != nil {
		return fmt.Errorf("record login failure: %w", err)
	}
	return nil
}

func (r *Repository) RecordLoginSuccess(ctx context.Context, accountID string, at time.Time, ip string) error {
	if _, err := r.db.ExecContext(ctx, `
		UPDATE user_security
		SET failed_login_attempts = 0,
		    locked_until = NULL,
		    last_login_at = $2,
		    last_login_ip = $3
		WHERE user_id = $1
	`, accountID, at, ip); err != nil {
		return fmt.Errorf("record login success: %w", err)
	}
	return nil
}

// UpdatePassword stores the hash and bumps token_version in the same
// transaction so no refresh token minted under the old password survives.
func (r *Repository) UpdatePassword(ctx context.Context, accountID string, passwordHash string) error {
	return InTx(ctx, r.db, r.logger, func(uow *UnitOfWork) error {
		if _, err := uow.Tx.ExecContext(ctx, `
			UPDATE users SET password_hash = $2, updated_at = $3 WHERE id = $1
		`, accountID, passwordHash, time.Now().UTC()); err != nil {
			return fmt.Errorf("update password hash: %w", err)
		}
		if _, err := uow.Tx.ExecContext(ctx, `
			UPDATE user_security SET token_version = token_version + 1 WHERE user_id = $1
		`, accountID); err != nil {
			return fmt.Errorf("bump token version: %w", err)
		}
		return nil
	})
}

// --- RefreshTokenStore ---

func (r *Repository) InsertToken(ctx context.Context, token RefreshToken, hash string) error {
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (id, user_id, token_hash, expires_at, created_at, revoked, user_agent, ip_address, token_version)
		VALUES ($1, $2, $3, $4, $5, FALSE, $6, $7, $8)
	`, token.ID, token.AccountID, hash, token.ExpiresAt, token.CreatedAt,
		token.UserAgent, token.IPAddress, token.TokenVersion,
	); err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}
	return nil
}

func (r *Repository) TokenByHash(ctx context.Context, hash string) (RefreshToken, error) {
	var token RefreshToken
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, expires_at, created_at, revoked, user_agent, ip_address, token_version
		FROM refresh_tokens
		WHERE token_hash = $1
	`, hash).Scan(
		&token.ID, &token.AccountID, &token.ExpiresAt, &token.CreatedAt,
		&token.Revoked, &token.UserAgent, &token.IPAddress, &token.TokenVersion,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RefreshToken{}, ErrNotFound
		}
		return RefreshToken{}, fmt.Errorf("query refresh token: %w", err)
	}
	return token, nil
}

func (r *Repository) ValidTokens(ctx context.Context, accountID string, now time.Time, version int) ([]RefreshToken, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, expires_at, created_at, revoked, user_agent, ip_address, token_version
		FROM refresh_tokens
		WHERE user_id = $1 AND NOT revoked AND expires_at > $2 AND token_version = $3
		ORDER BY created_at ASC
	`, accountID, now, version)
	if err != nil {
		return nil, fmt.Errorf("query valid tokens: %w", err)
	}
	defer rows.Close()

	var tokens []RefreshToken
	for rows.Next() {
		var token RefreshToken
		if err := rows.Scan(
			&token.ID, &token.AccountID, &token.ExpiresAt, &token.CreatedAt,
			&token.Revoked, &token.UserAgent, &token.IPAddress, &token.TokenVersion,
		); err != nil {
			return nil, fmt.Errorf("scan refresh token: %w", err)
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate refresh tokens: %w", err)
	}
	return tokens, nil
}

func (r *Repository) MarkTokenRevoked(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `
		UPDATE refresh_tokens SET revoked = TRUE WHERE id = $1
	`, id); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

func (r *Repository) DeleteToken(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `
		DELETE FROM refresh_tokens WHERE id = $1
	`, id); err != nil {
		return fmt.Errorf("delete refresh token: %w", err)
	}
	return nil
}

func (r *Repository) RevokeAllTokens(ctx context.Context, accountID string) error {
	if _, err := r.db.ExecContext(ctx, `
		UPDATE refresh_tokens SET revoked = TRUE WHERE user_id = $1
	`, accountID); err != nil {
		return fmt.Errorf("revoke all refresh tokens: %w", err)
	}
	return nil
}

func (r *Repository) DeleteAllTokens(ctx context.Context, accountID string) error {
	if _, err := r.db.ExecContext(ctx, `
		DELETE FROM refresh_tokens WHERE user_id = $1
	`, accountID); err != nil {
		return fmt.Errorf("delete all refresh tokens: %w", err)
	}
	return nil
}

func (r *Repository) TokenVersion(ctx context.Context, accountID string) (int, error) {
	var version int
	err := r.db.QueryRowContext(ctx, `
		SELECT token_version FROM user_security WHERE user_id = $1
	`, accountID).Scan(&version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("query token version: %w", err)
	}
	return version, nil
}

// --- maintenance ---

// PurgeExpired removes expired pending identities and expired refresh token
// rows. Revoked-but-unexpired rows are kept for audit.
func (r *Repository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	var total int64

	result, err := r.db.ExecContext(ctx, `
		DELETE FROM pending_identities WHERE expires_at < $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("purge pending identities: %w", err)
	}
	deleted, _ := result.RowsAffected()
	total += deleted

	result, err = r.db.ExecContext(ctx, `
		DELETE FROM refresh_tokens WHERE expires_at < $1
	`, now)
	if err != nil {
		return total, fmt.Errorf("purge refresh tokens: %w", err)
	}
	deleted, _ = result.RowsAffected()
	total += deleted

	return total, nil
}
