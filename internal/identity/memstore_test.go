package identity

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"identity-server/internal/events"
	"identity-server/internal/observability"
	"identity-server/internal/token"
)

// memStore is an in-memory implementation of CredentialStore, AccountStore,
// and RefreshTokenStore for exercising the rules without Postgres.
type memStore struct {
	mu sync.Mutex

	accounts map[string]Account // by id
	security map[string]*AccountSecurity
	roles    map[string][]Role
	pendings map[string]PendingIdentity // by email
	tokens   map[string]RefreshToken    // by id
	byHash   map[string]string          // hash -> token id
}

func newMemStore() *memStore {
	return &memStore{
		accounts: make(map[string]Account),
		security: make(map[string]*AccountSecurity),
		roles:    make(map[string][]Role),
		pendings: make(map[string]PendingIdentity),
		tokens:   make(map[string]RefreshToken),
		byHash:   make(map[string]string),
	}
}

func (m *memStore) addAccount(account Account, password string, hasher PasswordHasher) Account {
	m.mu.Lock()
	defer m.mu.Unlock()

	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	if password != "" {
		hash, err := hasher.Hash(password)
		if err != nil {
			panic(err)
		}
		account.PasswordHash = hash
	}
	m.accounts[account.ID] = account
	m.security[account.ID] = &AccountSecurity{AccountID: account.ID}
	m.roles[account.ID] = []Role{{ID: uuid.NewString(), Name: RoleUser}}
	return account
}

func (m *memStore) AccountEmailExists(_ context.Context, email string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, account := range m.accounts {
		if account.Email == email && !account.Deleted {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) AccountUsernameExists(_ context.Context, username string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, account := range m.accounts {
		if account.Username == username && !account.Deleted {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) PendingByEmail(_ context.Context, email string) (PendingIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pending, ok := m.pendings[email]
	if !ok {
		return PendingIdentity{}, ErrNotFound
	}
	return pending, nil
}

func (m *memStore) DeletePendingByEmail(_ context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pendings, email)
	return nil
}

func (m *memStore) CreatePending(_ context.Context, pending PendingIdentity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pendings[pending.Email]; ok {
		return ErrAlreadyExists
	}
	m.pendings[pending.Email] = pending
	return nil
}

func (m *memStore) UpdatePendingChallenge(_ context.Context, id string, code int, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for email, pending := range m.pendings {
		if pending.ID == id {
			pending.Code = code
			pending.ExpiresAt = expiresAt
			pending.Verified = false
			m.pendings[email] = pending
			return nil
		}
	}
	return ErrNotFound
}

func (m *memStore) MarkPendingVerified(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for email, pending := range m.pendings {
		if pending.ID == id {
			pending.Verified = true
			pending.Consumed = true
			m.pendings[email] = pending
			return nil
		}
	}
	return ErrNotFound
}

func (m *memStore) PromoteAccount(_ context.Context, params PromoteParams, postCommit func(accountID string)) (Account, error) {
	m.mu.Lock()
	for _, account := range m.accounts {
		if !account.Deleted && (account.Email == params.Email || account.Username == params.Username) {
			m.mu.Unlock()
			return Account{}, ErrAlreadyExists
		}
	}

	now := time.Now().UTC()
	account := Account{
		ID:            uuid.NewString(),
		Username:      params.Username,
		Email:         params.Email,
		PasswordHash:  params.PasswordHash,
		Status:        StatusActive,
		EmailVerified: true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.accounts[account.ID] = account
	m.security[account.ID] = &AccountSecurity{AccountID: account.ID}
	m.roles[account.ID] = []Role{{ID: uuid.NewString(), Name: RoleUser}}
	for email, pending := range m.pendings {
		if pending.ID == params.PendingID {
			delete(m.pendings, email)
		}
	}
	m.mu.Unlock()

	if postCommit != nil {
		postCommit(account.ID)
	}
	return account, nil
}

func (m *memStore) AccountByIdentifier(_ context.Context, identifier string) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted *Account
	for _, account := range m.accounts {
		if account.Username != identifier && account.Email != identifier {
			continue
		}
		if !account.Deleted {
			return account, nil
		}
		match := account
		deleted = &match
	}
	if deleted != nil {
		return *deleted, nil
	}
	return Account{}, ErrNotFound
}

func (m *memStore) AccountByID(_ context.Context, id string) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return account, nil
}

func (m *memStore) RolesForAccount(_ context.Context, accountID string) ([]Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roles[accountID], nil
}

func (m *memStore) SecurityForAccount(_ context.Context, accountID string) (AccountSecurity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	security, ok := m.security[accountID]
	if !ok {
		return AccountSecurity{}, ErrNotFound
	}
	return *security, nil
}

func (m *memStore) RecordLoginFailure(_ context.Context, accountID string, lockedUntil *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	security := m.security[accountID]
	security.FailedLoginAttempts++
	if lockedUntil != nil {
		security.LockedUntil = lockedUntil
	}
	return nil
}

func (m *memStore) RecordLoginSuccess(_ context.Context, accountID string, at time.Time, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	security := m.security[accountID]
	security.FailedLoginAttempts = 0
	security.LockedUntil = nil
	security.LastLoginAt = &at
	security.LastLoginIP = ip
	return nil
}

func (m *memStore) UpdatePassword(_ context.Context, accountID string, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	account := m.accounts[accountID]
	account.PasswordHash = passwordHash
	m.accounts[accountID] = account
	m.security[accountID].TokenVersion++
	return nil
}

func (m *memStore) InsertToken(_ context.Context, token RefreshToken, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[token.ID] = token
	m.byHash[hash] = token.ID
	return nil
}

func (m *memStore) TokenByHash(_ context.Context, hash string) (RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byHash[hash]
	if !ok {
		return RefreshToken{}, ErrNotFound
	}
	return m.tokens[id], nil
}

func (m *memStore) ValidTokens(_ context.Context, accountID string, now time.Time, version int) ([]RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var valid []RefreshToken
	for _, token := range m.tokens {
		if token.AccountID == accountID && !token.Revoked && token.ExpiresAt.After(now) && token.TokenVersion == version {
			valid = append(valid, token)
		}
	}
	return valid, nil
}

func (m *memStore) MarkTokenRevoked(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.tokens[id]
	if !ok {
		return ErrNotFound
	}
	token.Revoked = true
	m.tokens[id] = token
	return nil
}

func (m *memStore) DeleteToken(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, id)
	for hash, tokenID := range m.byHash {
		if tokenID == id {
			delete(m.byHash, hash)
		}
	}
	return nil
}

func (m *memStore) RevokeAllTokens(_ context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, token := range m.tokens {
		if token.AccountID == accountID {
			token.Revoked = true
			m.tokens[id] = token
		}
	}
	return nil
}

func (m *memStore) DeleteAllTokens(_ context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, token := range m.tokens {
		if token.AccountID == accountID {
			delete(m.tokens, id)
		}
	}
	for hash, id := range m.byHash {
		if _, ok := m.tokens[id]; !ok {
			delete(m.byHash, hash)
		}
	}
	return nil
}

func (m *memStore) TokenVersion(_ context.Context, accountID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	security, ok := m.security[accountID]
	if !ok {
		return 0, ErrNotFound
	}
	return security.TokenVersion, nil
}

func (m *memStore) bumpTokenVersion(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.security[accountID].TokenVersion++
}

func (m *memStore) tokenRows(accountID string) (valid, revoked int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for _, token := range m.tokens {
		if token.AccountID != accountID {
			continue
		}
		if token.Revoked {
			revoked++
		} else if token.ExpiresAt.After(now) {
			valid++
		}
	}
	return valid, revoked
}

// captureMailer records dispatched codes instead of sending them.
type captureMailer struct {
	mu         sync.Mutex
	recipients []string
	codes      []string
}

func (c *captureMailer) Dispatch(recipient, code string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recipients = append(c.recipients, recipient)
	c.codes = append(c.codes, code)
}

func (c *captureMailer) lastCode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.codes) == 0 {
		return ""
	}
	return c.codes[len(c.codes)-1]
}

var testHasher = BcryptHasher{Cost: 4}

func testLogger() *observability.Logger {
	return observability.NewLogger()
}

func testCodec() *token.Codec {
	return token.NewCodec("0123456789abcdef0123456789abcdef", 15*time.Minute, 15*time.Minute)
}

func testHub() *events.Hub {
	return events.NewHub(testLogger())
}
