package identity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestLedger(store *memStore) *Ledger {
	return NewLedger(store, testLogger())
}

func issueForAccount(t *testing.T, ledger *Ledger, store *memStore) (string, Account) {
	t.Helper()
	account := store.addAccount(Account{
		Username:      "alice",
		Email:         "alice@example.com",
		Status:        StatusActive,
		EmailVerified: true,
	}, "", testHasher)
	value, _, err := ledger.Issue(context.Background(), account.ID, DeviceInfo{UserAgent: "test", IPAddress: "10.0.0.1"})
	require.NoError(t, err)
	return value, account
}

func TestIssueCapsConcurrentSessions(t *testing.T) {
	store := newMemStore()
	ledger := newTestLedger(store)
	account := store.addAccount(Account{Username: "alice", Email: "alice@example.com"}, "", testHasher)

	var values []string
	for i := 0; i < 4; i++ {
		value, _, err := ledger.Issue(context.Background(), account.ID, DeviceInfo{})
		require.NoError(t, err)
		values = append(values, value)
	}

	valid, revoked := store.tokenRows(account.ID)
	require.Equal(t, 3, valid)
	require.Equal(t, 1, revoked)

	// The evicted session is the oldest one.
	_, err := ledger.Verify(context.Background(), values[0])
	require.ErrorIs(t, err, ErrTokenRevoked)
	for _, value := range values[1:] {
		_, err := ledger.Verify(context.Background(), value)
		require.NoError(t, err)
	}
}

func TestVerifyIsReadOnly(t *testing.T) {
	store := newMemStore()
	ledger := newTestLedger(store)
	value, account := issueForAccount(t, ledger, store)

	first, err := ledger.Verify(context.Background(), value)
	require.NoError(t, err)
	second, err := ledger.Verify(context.Background(), value)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, account.ID, first.AccountID)
}

func TestVerifyRejectsMissingValue(t *testing.T) {
	ledger := newTestLedger(newMemStore())

	_, err := ledger.Verify(context.Background(), "")
	require.ErrorIs(t, err, ErrTokenMissing)
	_, err = ledger.Verify(context.Background(), "   ")
	require.ErrorIs(t, err, ErrTokenMissing)
}

func TestVerifyRejectsUnknownValue(t *testing.T) {
	ledger := newTestLedger(newMemStore())

	_, err := ledger.Verify(context.Background(), "never-issued")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestVersionBumpInvalidatesAllTokens(t *testing.T) {
	store := newMemStore()
	ledger := newTestLedger(store)
	value, account := issueForAccount(t, ledger, store)

	store.bumpTokenVersion(account.ID)

	_, err := ledger.Verify(context.Background(), value)
	require.ErrorIs(t, err, ErrTokenRevoked)

	// The row itself is untouched; invalidation is purely logical.
	valid, revoked := store.tokenRows(account.ID)
	require.Equal(t, 1, valid)
	require.Equal(t, 0, revoked)
}

func TestExpiredTokenIsDeletedOnVerify(t *testing.T) {
	store := newMemStore()
	ledger := newTestLedger(store)
	value, account := issueForAccount(t, ledger, store)

	ledger.now = func() time.Time { return time.Now().UTC().Add(8 * 24 * time.Hour) }

	_, err := ledger.Verify(context.Background(), value)
	require.ErrorIs(t, err, ErrTokenExpired)

	store.mu.Lock()
	remaining := len(store.tokens)
	store.mu.Unlock()
	require.Zero(t, remaining, "expired row must be removed")
	_ = account
}

func TestRevokedTokenIsRetained(t *testing.T) {
	store := newMemStore()
	ledger := newTestLedger(store)
	value, account := issueForAccount(t, ledger, store)

	require.NoError(t, ledger.Revoke(context.Background(), value))

	_, err := ledger.Verify(context.Background(), value)
	require.ErrorIs(t, err, ErrTokenRevoked)

	valid, revoked := store.tokenRows(account.ID)
	require.Equal(t, 0, valid)
	require.Equal(t, 1, revoked)
}

func TestRevokeUnknownValueIsIdempotent(t *testing.T) {
	ledger := newTestLedger(newMemStore())
	require.NoError(t, ledger.Revoke(context.Background(), "never-issued"))
	require.NoError(t, ledger.Revoke(context.Background(), ""))
}

func TestNewLoginAfterVersionBumpStartsFresh(t *testing.T) {
	store := newMemStore()
	ledger := newTestLedger(store)
	oldValue, account := issueForAccount(t, ledger, store)

	store.bumpTokenVersion(account.ID)

	newValue, _, err := ledger.Issue(context.Background(), account.ID, DeviceInfo{})
	require.NoError(t, err)

	_, err = ledger.Verify(context.Background(), oldValue)
	require.ErrorIs(t, err, ErrTokenRevoked)
	_, err = ledger.Verify(context.Background(), newValue)
	require.NoError(t, err)
}
