// Package session attributes commands to the connection that issued them.
// Identifiers are for attribution only and grant no access.
package session

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const CookieName = "mtda_session"

// Scope is the connection-owned slot holding a session id. It lives and dies
// with its connection; the registry keeps no reference to it.
type Scope struct {
	mu sync.Mutex
	id string
}

type Registry struct {
	tokens    *TokenManager
	cookieTTL time.Duration
	newID     func() string
}

func NewRegistry(tokens *TokenManager) *Registry {
	return &Registry{
		tokens: tokens,
		newID:  NewID,
	}
}

// NewID returns a random 128-bit identifier as 32 hex characters.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// SetCookieTTL bounds the lifetime of issued cookies. Zero means the cookie
// lasts for the browser session.
func (r *Registry) SetCookieTTL(ttl time.Duration) {
	r.cookieTTL = ttl
}

// ID returns the identifier stored in scope, if one was allocated.
func (r *Registry) ID(scope *Scope) (string, bool) {
	if scope == nil {
		return "", false
	}
	scope.mu.Lock()
	defer scope.mu.Unlock()
	return scope.id, scope.id != ""
}

// Ensure allocates an identifier on first observation of scope and returns
// the same identifier on every later call.
func (r *Registry) Ensure(scope *Scope) string {
	scope.mu.Lock()
	defer scope.mu.Unlock()
	if scope.id == "" {
		scope.id = r.newID()
	}
	return scope.id
}

// Cookie builds the signed cookie carrying id for subsequent HTTP requests.
func (r *Registry) Cookie(id string) (*http.Cookie, error) {
	token, err := r.tokens.Issue(id, r.cookieTTL)
	if err != nil {
		return nil, err
	}
	c := &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	if r.cookieTTL > 0 {
		c.MaxAge = int(r.cookieTTL / time.Second)
	}
	return c, nil
}

// FromRequest resolves the session of a plain HTTP request. A missing or
// tampered cookie yields no session.
func (r *Registry) FromRequest(req *http.Request) (string, bool) {
	c, err := req.Cookie(CookieName)
	if err != nil || c.Value == "" {
		return "", false
	}
	id, err := r.tokens.Verify(c.Value)
	if err != nil {
		return "", false
	}
	return id, true
}
