package session

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid session token")

type tokenClaims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// TokenManager signs session ids so a browser can carry its id between the
// websocket connection and plain HTTP requests.
type TokenManager struct {
	secret []byte
}

func NewTokenManager(secret string) *TokenManager {
	return &TokenManager{secret: []byte(secret)}
}

// NewRandomTokenManager uses a fresh 16-byte secret, so tokens do not
// survive a process restart.
func NewRandomTokenManager() (*TokenManager, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return NewTokenManager(hex.EncodeToString(buf)), nil
}

func (m *TokenManager) Issue(sessionID string, ttl time.Duration) (string, error) {
	if len(m.secret) == 0 {
		return "", errors.New("secret required")
	}
	if sessionID == "" {
		return "", errors.New("session id required")
	}
	now := time.Now()
	tc := tokenClaims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		tc.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, tc)
	return token.SignedString(m.secret)
}

func (m *TokenManager) Verify(token string) (string, error) {
	if len(m.secret) == 0 {
		return "", errors.New("secret required")
	}
	parsed, err := jwt.ParseWithClaims(token, &tokenClaims{}, func(token *jwt.Token) (any, error) {
		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", errors.Join(ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok || !parsed.Valid || claims.SessionID == "" {
		return "", ErrInvalidToken
	}
	return claims.SessionID, nil
}
