// Package session implements the Session Layer (SPEC_FULL.md §4.5): per
// session_id cookie/header/auth state, request execution with redirect
// chain tracking, and header merging for the Segment Worker and probe
// requests to consume.
package session

import (
	"net/http/cookiejar"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dlforge/dlforge/internal/coretypes"
)

// AuthKind enumerates the authentication schemes a session can apply.
type AuthKind string

const (
	AuthNone   AuthKind = ""
	AuthBasic  AuthKind = "basic"
	AuthBearer AuthKind = "bearer"
	AuthDigest AuthKind = "digest"
	AuthNTLM   AuthKind = "ntlm"
)

// AuthConfig holds credentials and, for Digest, the live challenge state
// needed to compute a response header.
type AuthConfig struct {
	Kind     AuthKind
	Username string
	Password string
	Token    string // Bearer

	mu       sync.Mutex
	Realm    string
	Nonce    string
	Opaque   string
	QOP      string
	Algo     string
	nonceCnt int
}

// State is the per-session cookie jar, default headers and auth context,
// mirroring the teacher's SessionState shape generalized to a real jar.
type State struct {
	Jar       *cookiejar.Jar
	UserAgent string
	Referer   string
	Origin    string
	Auth      *AuthConfig

	mu sync.Mutex
}

// SetReferer atomically updates the session's referer, used after a
// request completes so the next request on this session carries it.
func (s *State) SetReferer(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Referer = url
}

func (s *State) GetReferer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Referer
}

// Manager owns every live session, keyed by session_id.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*State
}

// NewManager returns an empty session manager.
func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*State)}
}

// Create registers a new session, generating an id when sessionID is
// empty, and returns the id. Calling Create with an existing id returns
// the existing session's state unchanged (idempotent attach).
func (m *Manager) Create(sessionID string, userAgent string, auth *AuthConfig) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if _, ok := m.sessions[sessionID]; ok {
		return sessionID, nil
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return "", coretypes.NewInternalError("creating cookie jar", err)
	}
	m.sessions[sessionID] = &State{Jar: jar, UserAgent: userAgent, Auth: auth}
	return sessionID, nil
}

// Get returns the session state for id, creating an ephemeral
// jar-backed session on first use so ad-hoc session_ids (e.g. supplied
// directly on download_file without a prior create call) still work.
func (m *Manager) Get(sessionID string) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sessionID == "" {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, coretypes.NewInternalError("creating cookie jar", err)
		}
		return &State{Jar: jar}, nil
	}

	st, ok := m.sessions[sessionID]
	if ok {
		return st, nil
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, coretypes.NewInternalError("creating cookie jar", err)
	}
	st = &State{Jar: jar}
	m.sessions[sessionID] = st
	return st, nil
}

// Delete removes a session's state.
func (m *Manager) Delete(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

// nextNonceCount increments and returns Digest's nc counter, formatted
// per RFC 2617 as an 8-digit hex string.
func (a *AuthConfig) nextNonceCount() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nonceCnt++
	return padHex8(a.nonceCnt)
}

func padHex8(n int) string {
	const hexDigits = "0123456789abcdef"
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = hexDigits[n&0xF]
		n >>= 4
	}
	return string(b)
}

// cryptoRandomCnonce produces a client nonce. Uses time-seeded bytes
// rather than crypto/rand since the cnonce only needs to be unique per
// request, not unpredictable.
func cryptoRandomCnonce() string {
	return padHex8(int(time.Now().UnixNano() & 0xFFFFFFFF))
}
