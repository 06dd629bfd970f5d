package transport

import (
	"net/http"
	"strings"
	"sync"
)

// DefaultMaxUnauthorized is the number of consecutive 401 responses after
// which a Session invalidates itself.
const DefaultMaxUnauthorized = 3

// maxErrorBody caps how much of a failed response body is kept in a
// StatusError.
const maxErrorBody = 512

// Session is the explicit client-state handle shared by every request made on
// behalf of one user: the bearer token, the consent gate consulted by pollers,
// and the repeated-401 invalidation policy.
//
// Session is safe for concurrent use.
type Session struct {
	mu sync.Mutex

	token           string
	consentPending  bool
	unauthorized    int
	maxUnauthorized int
	invalidated     bool
	onInvalidate    []func()
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithMaxUnauthorized overrides DefaultMaxUnauthorized. Values <= 0 are ignored.
func WithMaxUnauthorized(n int) SessionOption {
	return func(s *Session) {
		if n > 0 {
			s.maxUnauthorized = n
		}
	}
}

// NewSession creates a session holding the given bearer token (may be empty).
func NewSession(token string, opts ...SessionOption) *Session {
	s := &Session{
		token:           strings.TrimSpace(token),
		maxUnauthorized: DefaultMaxUnauthorized,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Token returns the current bearer token.
func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// SetToken installs a new token and clears any prior invalidation.
func (s *Session) SetToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = strings.TrimSpace(token)
	s.invalidated = false
	s.unauthorized = 0
}

// Invalidated reports whether the 401 policy has invalidated the session.
func (s *Session) Invalidated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invalidated
}

// OnInvalidate registers a callback fired (outside the session lock) each
// time the session transitions to invalidated.
func (s *Session) OnInvalidate(fn func()) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onInvalidate = append(s.onInvalidate, fn)
}

// RequireConsent marks an unacknowledged legal/consent requirement. While it
// is pending, pollers skip their network calls.
func (s *Session) RequireConsent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consentPending = true
}

// AcknowledgeConsent clears the consent requirement.
func (s *Session) AcknowledgeConsent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consentPending = false
}

// ConsentPending reports whether requests should currently be withheld.
func (s *Session) ConsentPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consentPending
}

// HandleResponse classifies a completed HTTP exchange.
//
// 2xx returns nil and resets the unauthorized counter. Any other status
// returns a *StatusError. A 401 increments the counter; reaching the limit
// clears the token, marks the session invalidated and fires the
// OnInvalidate callbacks once per transition.
func (s *Session) HandleResponse(path string, status int, body []byte) error {
	if status >= 200 && status < 300 {
		s.mu.Lock()
		s.unauthorized = 0
		s.mu.Unlock()
		return nil
	}

	excerpt := strings.TrimSpace(string(body))
	if len(excerpt) > maxErrorBody {
		excerpt = excerpt[:maxErrorBody]
	}
	statusErr := &StatusError{Path: path, Status: status, Body: excerpt}

	if status != http.StatusUnauthorized {
		return statusErr
	}

	var callbacks []func()
	s.mu.Lock()
	s.unauthorized++
	if s.unauthorized >= s.maxUnauthorized && !s.invalidated {
		s.invalidated = true
		s.token = ""
		callbacks = append(callbacks, s.onInvalidate...)
	}
	s.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
	return statusErr
}
