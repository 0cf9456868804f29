// ABOUTME: Per-call bearer tokens embedded in push notification configs
// ABOUTME: HS256 JWTs naming the thread and call, signed with an HKDF-derived key

package webhook

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

const tokenKeyInfo = "agentdesk webhook token v1"

// Claims identify the outbound call a notification belongs to.
type Claims struct {
	ThreadID string
	CallID   string
}

// Issuer signs and verifies notification tokens.
type Issuer struct {
	key []byte
	ttl time.Duration
}

// NewIssuer derives the signing key from secret. An empty secret gets a random
// key, so tokens do not survive a restart.
func NewIssuer(secret string, ttl time.Duration) (*Issuer, error) {
	ikm := []byte(secret)
	if secret == "" {
		ikm = make([]byte, 32)
		if _, err := rand.Read(ikm); err != nil {
			return nil, fmt.Errorf("generating signing secret: %w", err)
		}
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, nil, []byte(tokenKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("deriving signing key: %w", err)
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Issuer{key: key, ttl: ttl}, nil
}

// Issue creates a token for one outbound call.
func (i *Issuer) Issue(threadID, callID string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   threadID,
		ID:        callID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
}

// Verify checks the signature and expiry and returns the claims.
func (i *Issuer) Verify(tokenString string) (Claims, error) {
	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return i.key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return Claims{}, ErrInvalidToken
	}
	if claims.ID == "" {
		return Claims{}, fmt.Errorf("%w: jti", ErrMissingClaim)
	}
	if claims.Subject == "" {
		return Claims{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return Claims{ThreadID: claims.Subject, CallID: claims.ID}, nil
}
