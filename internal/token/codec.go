package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	typeClaim   = "type"
	TypePending = "PENDING"

	defaultAccessTTL  = 15 * time.Minute
	defaultPendingTTL = 15 * time.Minute
)

var (
	// ErrTokenExpired reports a well-formed, correctly signed token past its exp.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenInvalid covers every other verification failure: bad signature,
	// malformed structure, unsupported algorithm, wrong token type.
	ErrTokenInvalid = errors.New("invalid token")
)

// AccessClaims is the decoded payload of an access token.
type AccessClaims struct {
	AccountID string
	Username  string
	Email     string
	Roles     []string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// PendingClaims is the decoded payload of a pending-identity token.
type PendingClaims struct {
	Email     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Codec signs and verifies bearer tokens with a single symmetric key.
// It holds no mutable state and is safe for concurrent use.
type Codec struct {
	secret     []byte
	accessTTL  time.Duration
	pendingTTL time.Duration
}

func NewCodec(secret string, accessTTL, pendingTTL time.Duration) *Codec {
	if accessTTL <= 0 {
		accessTTL = defaultAccessTTL
	}
	if pendingTTL <= 0 {
		pendingTTL = defaultPendingTTL
	}
	return &Codec{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		pendingTTL: pendingTTL,
	}
}

// AccessTTL reports the configured access-token lifetime.
func (c *Codec) AccessTTL() time.Duration {
	return c.accessTTL
}

func (c *Codec) MintPendingToken(email string) (string, error) {
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"sub":     email,
		typeClaim: TypePending,
		"iat":     now.Unix(),
		"exp":     now.Add(c.pendingTTL).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign pending token: %w", err)
	}
	return signed, nil
}

func (c *Codec) MintAccessToken(accountID, username, email string, roles []string) (string, error) {
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"sub":      email,
		"userId":   accountID,
		"username": username,
		"roles":    roles,
		"iat":      now.Unix(),
		"exp":      now.Add(c.accessTTL).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// VerifyAccess checks signature, structure, and expiry of an access token and
// decodes its claims. Pending tokens are rejected as invalid.
func (c *Codec) VerifyAccess(value string) (AccessClaims, error) {
	claims, err := c.parse(value)
	if err != nil {
		return AccessClaims{}, err
	}
	if tokenType, _ := claims[typeClaim].(string); tokenType == TypePending {
		return AccessClaims{}, ErrTokenInvalid
	}

	accountID, _ := claims["userId"].(string)
	username, _ := claims["username"].(string)
	email, _ := claims["sub"].(string)
	if accountID == "" || email == "" {
		return AccessClaims{}, ErrTokenInvalid
	}

	var roles []string
	if raw, ok := claims["roles"].([]any); ok {
		for _, r := range raw {
			if name, ok := r.(string); ok {
				roles = append(roles, name)
			}
		}
	}

	issuedAt, expiresAt, err := timestamps(claims)
	if err != nil {
		return AccessClaims{}, err
	}

	return AccessClaims{
		AccountID: accountID,
		Username:  username,
		Email:     email,
		Roles:     roles,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
	}, nil
}

// VerifyPending checks a pending-identity token and returns the email it was
// issued for. Access tokens are rejected as invalid.
func (c *Codec) VerifyPending(value string) (PendingClaims, error) {
	claims, err := c.parse(value)
	if err != nil {
		return PendingClaims{}, err
	}
	if tokenType, _ := claims[typeClaim].(string); tokenType != TypePending {
		return PendingClaims{}, ErrTokenInvalid
	}

	email, _ := claims["sub"].(string)
	if email == "" {
		return PendingClaims{}, ErrTokenInvalid
	}

	issuedAt, expiresAt, err := timestamps(claims)
	if err != nil {
		return PendingClaims{}, err
	}

	return PendingClaims{Email: email, IssuedAt: issuedAt, ExpiresAt: expiresAt}, nil
}

func (c *Codec) parse(value string) (jwt.MapClaims, error) {
	if value == "" {
		return nil, ErrTokenInvalid
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(value, claims, func(t *jwt.Token) (any, error) {
		return c.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	if !parsed.Valid {
		return nil, ErrTokenInvalid
	}

	return claims, nil
}

func timestamps(claims jwt.MapClaims) (issuedAt, expiresAt time.Time, err error) {
	iat, iatErr := claims.GetIssuedAt()
	exp, expErr := claims.GetExpirationTime()
	if iatErr != nil || expErr != nil || iat == nil || exp == nil {
		return time.Time{}, time.Time{}, ErrTokenInvalid
	}
	return iat.Time.UTC(), exp.Time.UTC(), nil
}
