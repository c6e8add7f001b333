// Package auth verifies the HS256 tokens presented on the websocket handshake.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken indicates the token failed signature checks or had malformed structure.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken signals that the token's expiry is in the past.
	ErrExpiredToken = errors.New("token expired")
)

// PlayerClaims is the token payload. The subject carries the numeric player id.
type PlayerClaims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Identity is the verified player behind a token.
type Identity struct {
	PlayerID  int64
	Name      string
	ExpiresAt time.Time
}

// TokenVerifier validates and issues HS256 player tokens.
type TokenVerifier struct {
	secret []byte
	now    func() time.Time
	leeway time.Duration
}

// NewTokenVerifier constructs a verifier for the supplied shared secret and clock skew allowance.
func NewTokenVerifier(secret string, leeway time.Duration) (*TokenVerifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("token secret must not be empty")
	}
	if leeway < 0 {
		leeway = 0
	}
	return &TokenVerifier{secret: []byte(secret), now: time.Now, leeway: leeway}, nil
}

// WithClock overrides the verifier clock, enabling deterministic unit tests.
func (v *TokenVerifier) WithClock(clock func() time.Time) {
	if clock == nil {
		return
	}
	v.now = clock
}

// Verify parses the token, checks signature and expiry, and returns the player identity.
func (v *TokenVerifier) Verify(token string) (Identity, error) {
	if v == nil || len(v.secret) == 0 {
		return Identity{}, errors.New("verifier not initialised")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrInvalidToken
	}

	claims := &PlayerClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}

	//1.- The subject must be a positive player id.
	id, err := strconv.ParseInt(strings.TrimSpace(claims.Subject), 10, 64)
	if err != nil || id <= 0 {
		return Identity{}, fmt.Errorf("%w: subject %q is not a player id", ErrInvalidToken, claims.Subject)
	}
	identity := Identity{PlayerID: id, Name: strings.TrimSpace(claims.Name)}
	if claims.ExpiresAt != nil {
		identity.ExpiresAt = claims.ExpiresAt.Time
	}
	if identity.Name == "" {
		identity.Name = "player-" + strconv.FormatInt(id, 10)
	}
	return identity, nil
}

// Issue signs a token for the player valid for ttl.
func (v *TokenVerifier) Issue(playerID int64, name string, ttl time.Duration) (string, error) {
	if v == nil || len(v.secret) == 0 {
		return "", errors.New("verifier not initialised")
	}
	if playerID <= 0 {
		return "", fmt.Errorf("%w: player id must be positive", ErrInvalidToken)
	}
	now := v.now()
	claims := PlayerClaims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(playerID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
