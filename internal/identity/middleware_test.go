package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"identity-server/internal/token"
)

func TestRequireAuthThreadsClaims(t *testing.T) {
	codec := testCodec()
	handler := newTestHandler(newMemStore())

	var seen token.AccessClaims
	protected := RequireAuth(codec, handler)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		require.True(t, ok)
		seen = claims
		w.WriteHeader(http.StatusNoContent)
	}))

	access, err := codec.MintAccessToken("acc-1", "alice", "alice@x.com", []string{RoleUser})
	require.NoError(t, err)

	request := httptest.NewRequest(http.MethodGet, "/protected", nil)
	request.Header.Set("Authorization", "Bearer "+access)
	recorder := httptest.NewRecorder()
	protected.ServeHTTP(recorder, request)

	require.Equal(t, http.StatusNoContent, recorder.Code)
	require.Equal(t, "acc-1", seen.AccountID)
	require.Equal(t, "alice", seen.Username)
	require.Equal(t, []string{RoleUser}, seen.Roles)
}

func TestRequireAuthRejectsBadTokens(t *testing.T) {
	codec := testCodec()
	handler := newTestHandler(newMemStore())
	protected := RequireAuth(codec, handler)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	cases := map[string]struct {
		authorization string
		code          string
	}{
		"missing header":  {"", "TOKEN_MISSING"},
		"not bearer":      {"Basic abc", "TOKEN_MISSING"},
		"garbage token":   {"Bearer not-a-jwt", "INVALID_TOKEN"},
		"pending as auth": {"Bearer " + mustMintPending(t, codec), "INVALID_TOKEN"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			request := httptest.NewRequest(http.MethodGet, "/protected", nil)
			if tc.authorization != "" {
				request.Header.Set("Authorization", tc.authorization)
			}
			recorder := httptest.NewRecorder()
			protected.ServeHTTP(recorder, request)

			require.Equal(t, http.StatusUnauthorized, recorder.Code)
			require.Equal(t, tc.code, decodeEnvelope(t, recorder).Code)
		})
	}
}

func TestRequireAuthRejectsExpiredToken(t *testing.T) {
	expiredCodec := token.NewCodec("0123456789abcdef0123456789abcdef", time.Millisecond, 15*time.Minute)
	access, err := expiredCodec.MintAccessToken("acc-1", "alice", "alice@x.com", nil)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	handler := newTestHandler(newMemStore())
	protected := RequireAuth(testCodec(), handler)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	request := httptest.NewRequest(http.MethodGet, "/protected", nil)
	request.Header.Set("Authorization", "Bearer "+access)
	recorder := httptest.NewRecorder()
	protected.ServeHTTP(recorder, request)

	require.Equal(t, http.StatusUnauthorized, recorder.Code)
	require.Equal(t, "TOKEN_EXPIRED", decodeEnvelope(t, recorder).Code)
}

func mustMintPending(t *testing.T, codec *token.Codec) string {
	t.Helper()
	pending, err := codec.MintPendingToken("alice@x.com")
	require.NoError(t, err)
	return pending
}
