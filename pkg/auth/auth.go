// Package auth authenticates players and tracks who is logged in.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	MinUsernameLength = 3
	MaxUsernameLength = 32
	MinPasswordLength = 4
)

var (
	// ErrAuth is the root of every authentication failure.
	ErrAuth = errors.New("authentication failed")

	ErrBadCredentials  = fmt.Errorf("%w: bad username or password", ErrAuth)
	ErrAlreadyLoggedIn = fmt.Errorf("%w: user already logged in", ErrAuth)
	ErrUserExists      = errors.New("user already exists")
	ErrUserNotFound    = errors.New("user not found")
	ErrInvalidUsername = errors.New("invalid username")
	ErrInvalidPassword = errors.New("invalid password")
)

// User is an authenticated account.
type User struct {
	ID        uuid.UUID
	Username  string
	CreatedAt time.Time
	LastSeen  time.Time
}

// Authenticator checks credentials and keeps the logged-in set. A user can be
// logged in once at a time.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (*User, error)
	// Logout reports whether the user was logged in.
	Logout(ctx context.Context, username string) bool
}

// ValidateUsername checks length and allowed characters.
func ValidateUsername(name string) error {
	n := utf8.RuneCountInString(name)
	if n < MinUsernameLength || n > MaxUsernameLength {
		return fmt.Errorf("%w: must be %d-%d characters", ErrInvalidUsername, MinUsernameLength, MaxUsernameLength)
	}
	for _, r := range name {
		if !(r == '_' || r == '-' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			return fmt.Errorf("%w: %q not allowed", ErrInvalidUsername, r)
		}
	}
	return nil
}

func validatePassword(pw string) error {
	if len(pw) < MinPasswordLength {
		return fmt.Errorf("%w: must be at least %d characters", ErrInvalidPassword, MinPasswordLength)
	}
	// bcrypt ignores everything past 72 bytes.
	if len(pw) > 72 {
		return fmt.Errorf("%w: must be at most 72 bytes", ErrInvalidPassword)
	}
	return nil
}

func hashPassword(pw string) (string, error) {
	if err := validatePassword(pw); err != nil {
		return "", err
	}
	h, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(h), nil
}

// sessions is the logged-in set shared by the stores.
type sessions struct {
	mu       sync.Mutex
	loggedIn map[string]struct{}
}

func newSessions() sessions {
	return sessions{loggedIn: make(map[string]struct{})}
}

func key(username string) string { return strings.ToLower(username) }

func (s *sessions) claim(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.loggedIn[key(username)]; ok {
		return ErrAlreadyLoggedIn
	}
	s.loggedIn[key(username)] = struct{}{}
	return nil
}

func (s *sessions) release(username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.loggedIn[key(username)]; !ok {
		return false
	}
	delete(s.loggedIn, key(username))
	return true
}

// LoggedIn reports whether username currently holds a login.
func (s *sessions) LoggedIn(username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.loggedIn[key(username)]
	return ok
}

// MemoryStore keeps accounts in memory. Usernames are case-insensitive.
type MemoryStore struct {
	sessions

	mu    sync.RWMutex
	users map[string]memoryUser
}

type memoryUser struct {
	user User
	hash []byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: newSessions(), users: make(map[string]memoryUser)}
}

// CreateUser adds an account.
func (m *MemoryStore) CreateUser(_ context.Context, username, password string) (*User, error) {
	if err := ValidateUsername(username); err != nil {
		return nil, err
	}
	h, err := hashPassword(password)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[key(username)]; ok {
		return nil, fmt.Errorf("%w: %s", ErrUserExists, username)
	}
	now := time.Now()
	u := User{ID: uuid.New(), Username: username, CreatedAt: now, LastSeen: now}
	m.users[key(username)] = memoryUser{user: u, hash: []byte(h)}
	return &u, nil
}

func (m *MemoryStore) Authenticate(_ context.Context, username, password string) (*User, error) {
	m.mu.Lock()
	entry, ok := m.users[key(username)]
	if ok && bcrypt.CompareHashAndPassword(entry.hash, []byte(password)) == nil {
		entry.user.LastSeen = time.Now()
		m.users[key(username)] = entry
	} else {
		ok = false
	}
	m.mu.Unlock()
	if !ok {
		return nil, ErrBadCredentials
	}
	if err := m.claim(entry.user.Username); err != nil {
		return nil, err
	}
	u := entry.user
	return &u, nil
}

func (m *MemoryStore) Logout(_ context.Context, username string) bool {
	return m.release(username)
}
