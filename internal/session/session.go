// Package session holds the per-user session state: the authenticated
// access code and the in-memory conversation history. Sessions are explicit
// objects passed through every operation, created at authentication, reset
// on explicit user action and destroyed at logout; nothing here is ever
// persisted.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidCode is returned when the presented access code is not
// provisioned. The caller stays unauthenticated and may retry; there is no
// lockout or backoff.
var ErrInvalidCode = errors.New("invalid access code")

// ErrUnknownToken is returned when a session token does not resolve.
var ErrUnknownToken = errors.New("unknown session token")

// Message is one conversation turn. Role is "user" or "assistant".
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Session is the state of one authenticated user.
type Session struct {
	Token      string
	Credential string
	CreatedAt  time.Time

	mu      sync.Mutex
	history []Message
}

// Append adds a message to the conversation history in turn order.
func (s *Session) Append(role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, Message{Role: role, Content: content})
}

// History returns a copy of the conversation history in turn order.
func (s *Session) History() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.history))
	copy(out, s.history)
	return out
}

// Reset clears the conversation history ("New Chat").
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = nil
}

// CredentialStore is the session-facing subset of the document store.
type CredentialStore interface {
	FindCredential(ctx context.Context, code string) (bool, error)
}

// Manager authenticates access codes and tracks live sessions by token.
type Manager struct {
	creds CredentialStore

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a Manager backed by the given credential store.
func NewManager(creds CredentialStore) *Manager {
	return &Manager{
		creds:    creds,
		sessions: make(map[string]*Session),
	}
}

// Authenticate checks the access code against the credential store and, if
// valid, creates a session with a fresh token and empty chat history.
func (m *Manager) Authenticate(ctx context.Context, code string) (*Session, error) {
	if code == "" {
		return nil, ErrInvalidCode
	}
	ok, err := m.creds.FindCredential(ctx, code)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidCode
	}

	sess := &Session{
		Token:      uuid.New().String(),
		Credential: code,
		CreatedAt:  time.Now().UTC(),
	}

	m.mu.Lock()
	m.sessions[sess.Token] = sess
	m.mu.Unlock()
	return sess, nil
}

// Lookup resolves a session token.
func (m *Manager) Lookup(token string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[token]
	return sess, ok
}

// Destroy removes a session; its history is gone with it.
func (m *Manager) Destroy(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, token)
}
