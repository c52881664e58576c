package identity

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"identity-server/internal/events"
	"identity-server/internal/observability"
	"identity-server/internal/token"
)

const pendingTTL = 15 * time.Minute

var (
	emailPattern    = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]{3,30}$`)
)

// CredentialStore is the durable side of registration. The Postgres
// implementation lives in repository.go.
type CredentialStore interface {
	AccountEmailExists(ctx context.Context, email string) (bool, error)
	AccountUsernameExists(ctx context.Context, username string) (bool, error)
	PendingByEmail(ctx context.Context, email string) (PendingIdentity, error)
	DeletePendingByEmail(ctx context.Context, email string) error
	CreatePending(ctx context.Context, pending PendingIdentity) error
	UpdatePendingChallenge(ctx context.Context, id string, code int, expiresAt time.Time) error
	MarkPendingVerified(ctx context.Context, id string) error
	// PromoteAccount atomically creates the account with its security record,
	// default profile, and USER role, and deletes the pending identity.
	// postCommit runs only after the transaction commits.
	PromoteAccount(ctx context.Context, params PromoteParams, postCommit func(accountID string)) (Account, error)
}

// PromoteParams is everything the promotion transaction needs.
type PromoteParams struct {
	PendingID    string
	Username     string
	Email        string
	DisplayName  string
	PasswordHash string
	DateOfBirth  time.Time
}

// Mailer dispatches a verification code without blocking the caller.
type Mailer interface {
	Dispatch(recipient, code string)
}

type InitiateInput struct {
	Name        string
	Email       string
	DateOfBirth time.Time
}

type PromoteInput struct {
	Username string
	Password string
	Device   DeviceInfo
}

// Registration drives the pending identity through verification to a durable
// account. All state lives in the store; the struct itself is stateless and
// safe for concurrent use.
type Registration struct {
	store  CredentialStore
	codec  *token.Codec
	ledger *Ledger
	hasher PasswordHasher
	mailer Mailer
	hub    *events.Hub
	logger *observability.Logger
	now    func() time.Time
}

func NewRegistration(
	store CredentialStore,
	codec *token.Codec,
	ledger *Ledger,
	hasher PasswordHasher,
	mailer Mailer,
	hub *events.Hub,
	logger *observability.Logger,
) *Registration {
	return &Registration{
		store:  store,
		codec:  codec,
		ledger: ledger,
		hasher: hasher,
		mailer: mailer,
		hub:    hub,
		logger: logger,
		now:    time.Now,
	}
}

// CheckUsername reports whether the username is free for registration.
func (r *Registration) CheckUsername(ctx context.Context, username string) (bool, error) {
	username = strings.TrimSpace(username)
	if !usernamePattern.MatchString(username) {
		return false, ErrValidation.WithMessage("Username must be 3-30 characters: letters, digits, underscore")
	}
	taken, err := r.store.AccountUsernameExists(ctx, username)
	if err != nil {
		return false, fmt.Errorf("check username: %w", err)
	}
	return !taken, nil
}

// CheckEmail reports whether the email is free for registration.
func (r *Registration) CheckEmail(ctx context.Context, email string) (bool, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return false, err
	}
	taken, err := r.store.AccountEmailExists(ctx, email)
	if err != nil {
		return false, fmt.Errorf("check email: %w", err)
	}
	return !taken, nil
}

// Initiate starts a registration. A prior live pending record for the email
// is replaced, not updated, so a restarted registration always gets a fresh
// code and window.
func (r *Registration) Initiate(ctx context.Context, input InitiateInput) (string, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return "", ErrValidation.WithMessage("Name is required")
	}
	email, err := normalizeEmail(input.Email)
	if err != nil {
		return "", err
	}
	now := r.now().UTC()
	if input.DateOfBirth.IsZero() {
		return "", ErrValidation.WithMessage("Date of birth is required")
	}
	// AddDate keeps the rule exact on the birthday itself: turning 13 on the
	// registration date is accepted.
	if input.DateOfBirth.AddDate(13, 0, 0).After(now) {
		return "", ErrValidation.WithMessage("You must be at least 13 years old to register")
	}

	taken, err := r.store.AccountEmailExists(ctx, email)
	if err != nil {
		return "", fmt.Errorf("check email: %w", err)
	}
	if taken {
		return "", ErrAlreadyExists.WithMessage("Email is already registered")
	}

	if err := r.store.DeletePendingByEmail(ctx, email); err != nil {
		return "", fmt.Errorf("clear prior pending identity: %w", err)
	}

	code, err := generateCode()
	if err != nil {
		return "", fmt.Errorf("generate verification code: %w", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate pending id: %w", err)
	}
	pending := PendingIdentity{
		ID:          id.String(),
		Name:        name,
		Email:       email,
		Code:        code,
		ExpiresAt:   now.Add(pendingTTL),
		DateOfBirth: input.DateOfBirth,
		CreatedAt:   now,
	}
	if err := r.store.CreatePending(ctx, pending); err != nil {
		return "", fmt.Errorf("create pending identity: %w", err)
	}

	r.mailer.Dispatch(email, fmt.Sprintf("%06d", code))
	r.logger.Info("registration_initiated", map[string]any{"email": email})

	return r.codec.MintPendingToken(email)
}

// Resend regenerates the code and resets the 15-minute window. Previously
// minted pending tokens stay valid until their own expiry; only the stored
// code changes.
func (r *Registration) Resend(ctx context.Context, pendingToken string) (string, error) {
	pending, err := r.resolvePending(ctx, pendingToken)
	if err != nil {
		return "", err
	}
	if pending.Consumed {
		return "", ErrBusiness.WithMessage("Verification code has already been used")
	}

	code, err := generateCode()
	if err != nil {
		return "", fmt.Errorf("generate verification code: %w", err)
	}
	expiresAt := r.now().UTC().Add(pendingTTL)
	if err := r.store.UpdatePendingChallenge(ctx, pending.ID, code, expiresAt); err != nil {
		return "", fmt.Errorf("refresh pending challenge: %w", err)
	}

	r.mailer.Dispatch(pending.Email, fmt.Sprintf("%06d", code))
	r.logger.Info("verification_code_resent", map[string]any{"email": pending.Email})

	return r.codec.MintPendingToken(pending.Email)
}

// VerifyCode checks the one-time code. The code is single-use: a correct code
// marks the record verified and consumed in the same write, so a second
// attempt fails even with the right code.
func (r *Registration) VerifyCode(ctx context.Context, pendingToken string, code int) error {
	pending, err := r.resolvePending(ctx, pendingToken)
	if err != nil {
		return err
	}
	if pending.Expired(r.now().UTC()) {
		return ErrTokenExpired.WithMessage("Verification code has expired")
	}
	if pending.Consumed {
		return ErrBusiness.WithMessage("Verification code has already been used")
	}
	if pending.Code != code {
		r.logger.Warn("verification_code_mismatch", map[string]any{"email": pending.Email})
		return ErrInvalidCode
	}
	if err := r.store.MarkPendingVerified(ctx, pending.ID); err != nil {
		return fmt.Errorf("mark pending verified: %w", err)
	}
	r.logger.Info("email_verified", map[string]any{"email": pending.Email})
	return nil
}

// Promote turns a verified pending identity into a durable account and signs
// the new account in. The uniqueness pre-checks are advisory; the storage
// constraints are the final arbiter under concurrent promotions.
func (r *Registration) Promote(ctx context.Context, pendingToken string, input PromoteInput) (AuthResult, error) {
	pending, err := r.resolvePending(ctx, pendingToken)
	if err != nil {
		return AuthResult{}, err
	}
	if !pending.Verified {
		return AuthResult{}, ErrEmailNotVerified.WithMessage("Verify your email before completing registration")
	}

	username := strings.TrimSpace(input.Username)
	if !usernamePattern.MatchString(username) {
		return AuthResult{}, ErrValidation.WithMessage("Username must be 3-30 characters: letters, digits, underscore")
	}
	if len(input.Password) < 8 {
		return AuthResult{}, ErrValidation.WithMessage("Password must be at least 8 characters")
	}

	if taken, err := r.store.AccountUsernameExists(ctx, username); err != nil {
		return AuthResult{}, fmt.Errorf("check username: %w", err)
	} else if taken {
		return AuthResult{}, ErrAlreadyExists.WithMessage("Username is already taken")
	}
	if taken, err := r.store.AccountEmailExists(ctx, pending.Email); err != nil {
		return AuthResult{}, fmt.Errorf("check email: %w", err)
	} else if taken {
		return AuthResult{}, ErrAlreadyExists.WithMessage("Email is already registered")
	}

	hash, err := r.hasher.Hash(input.Password)
	if err != nil {
		return AuthResult{}, fmt.Errorf("hash password: %w", err)
	}

	account, err := r.store.PromoteAccount(ctx, PromoteParams{
		PendingID:    pending.ID,
		Username:     username,
		Email:        pending.Email,
		DisplayName:  pending.Name,
		PasswordHash: hash,
		DateOfBirth:  pending.DateOfBirth,
	}, func(accountID string) {
		r.hub.Publish(events.AccountCreated{AccountID: accountID})
	})
	if err != nil {
		return AuthResult{}, err
	}

	roles := []string{RoleUser}
	access, err := r.codec.MintAccessToken(account.ID, account.Username, account.Email, roles)
	if err != nil {
		return AuthResult{}, fmt.Errorf("mint access token: %w", err)
	}
	refreshValue, _, err := r.ledger.Issue(ctx, account.ID, input.Device)
	if err != nil {
		return AuthResult{}, err
	}

	r.logger.Info("account_promoted", map[string]any{
		"account_id": account.ID,
		"username":   account.Username,
	})

	return AuthResult{
		AccessToken:  access,
		Account:      account,
		Roles:        roles,
		RefreshValue: refreshValue,
		ExpiresIn:    int(r.codec.AccessTTL().Seconds()),
	}, nil
}

func (r *Registration) resolvePending(ctx context.Context, pendingToken string) (PendingIdentity, error) {
	claims, err := r.codec.VerifyPending(pendingToken)
	if err != nil {
		return PendingIdentity{}, translateTokenError(err)
	}
	pending, err := r.store.PendingByEmail(ctx, claims.Email)
	if err != nil {
		if isNotFound(err) {
			return PendingIdentity{}, ErrNotFound.WithMessage("No registration in progress for this email")
		}
		return PendingIdentity{}, fmt.Errorf("load pending identity: %w", err)
	}
	return pending, nil
}

func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if !emailPattern.MatchString(email) {
		return "", ErrValidation.WithMessage("A valid email address is required")
	}
	return email, nil
}

// generateCode draws a uniform 6-digit code from crypto/rand.
func generateCode() (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return 0, err
	}
	return int(n.Int64()) + 100000, nil
}
