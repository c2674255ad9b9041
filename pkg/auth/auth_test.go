package auth

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// store is what both implementations offer the tests.
type store interface {
	Authenticator
	CreateUser(ctx context.Context, username, password string) (*User, error)
	LoggedIn(username string) bool
}

func stores(t *testing.T) map[string]store {
	t.Helper()
	sq, err := OpenSQLite(filepath.Join(t.TempDir(), "accounts.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })
	return map[string]store{
		"memory": NewMemoryStore(),
		"sqlite": sq,
	}
}

func TestAuthenticate(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			created, err := s.CreateUser(ctx, "Alice", "wonderland")
			require.NoError(t, err)

			_, err = s.Authenticate(ctx, "alice", "wrong")
			assert.ErrorIs(t, err, ErrBadCredentials)
			assert.ErrorIs(t, err, ErrAuth)

			_, err = s.Authenticate(ctx, "nobody", "wonderland")
			assert.ErrorIs(t, err, ErrBadCredentials, "unknown users look like bad passwords")

			u, err := s.Authenticate(ctx, "alice", "wonderland")
			require.NoError(t, err)
			assert.Equal(t, created.ID, u.ID)
			assert.Equal(t, "Alice", u.Username)
			assert.True(t, s.LoggedIn("ALICE"))

			_, err = s.Authenticate(ctx, "Alice", "wonderland")
			assert.ErrorIs(t, err, ErrAlreadyLoggedIn)

			assert.True(t, s.Logout(ctx, "alice"))
			assert.False(t, s.Logout(ctx, "alice"), "second logout is a no-op")

			_, err = s.Authenticate(ctx, "alice", "wonderland")
			assert.NoError(t, err)
		})
	}
}

func TestCreateUserValidation(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name     string
		username string
		password string
		wantErr  error
	}{
		{"short name", "al", "password", ErrInvalidUsername},
		{"long name", strings.Repeat("a", MaxUsernameLength+1), "password", ErrInvalidUsername},
		{"bad char", "al ice", "password", ErrInvalidUsername},
		{"short password", "alice", "abc", ErrInvalidPassword},
		{"long password", "alice", strings.Repeat("p", 73), ErrInvalidPassword},
	}
	for name, s := range stores(t) {
		for _, tt := range tests {
			t.Run(name+"/"+tt.name, func(t *testing.T) {
				_, err := s.CreateUser(ctx, tt.username, tt.password)
				assert.ErrorIs(t, err, tt.wantErr)
			})
		}
		t.Run(name+"/duplicate", func(t *testing.T) {
			_, err := s.CreateUser(ctx, "bob_1", "password")
			require.NoError(t, err)
			_, err = s.CreateUser(ctx, "BOB_1", "password")
			assert.ErrorIs(t, err, ErrUserExists)
		})
	}
}

func TestSQLiteStorePersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "accounts.db")

	s, err := OpenSQLite(path, nil)
	require.NoError(t, err)
	created, err := s.CreateUser(ctx, "carol", "password")
	require.NoError(t, err)
	_, err = s.Authenticate(ctx, "carol", "password")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path, nil)
	require.NoError(t, err)
	defer s.Close()

	v, err := s.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, len(migrations), v)

	u, err := s.GetUser(ctx, "CAROL")
	require.NoError(t, err)
	assert.Equal(t, created.ID, u.ID)
	assert.False(t, s.LoggedIn("carol"), "logins do not survive a restart")

	n, err := s.LoginCount(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLiteStoreMaintenance(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(":memory:", nil)
	require.NoError(t, err)
	defer s.Close()

	for _, name := range []string{"zed", "amy", "Mia"} {
		_, err := s.CreateUser(ctx, name, "password")
		require.NoError(t, err)
	}
	users, err := s.ListUsers(ctx)
	require.NoError(t, err)
	var names []string
	for _, u := range users {
		names = append(names, u.Username)
	}
	assert.Equal(t, []string{"amy", "Mia", "zed"}, names)

	require.NoError(t, s.SetPassword(ctx, "amy", "new-password"))
	_, err = s.Authenticate(ctx, "amy", "password")
	assert.ErrorIs(t, err, ErrBadCredentials)
	_, err = s.Authenticate(ctx, "amy", "new-password")
	require.NoError(t, err)

	require.NoError(t, s.DeleteUser(ctx, "amy"))
	assert.False(t, s.LoggedIn("amy"))
	_, err = s.GetUser(ctx, "amy")
	assert.ErrorIs(t, err, ErrUserNotFound)
	assert.ErrorIs(t, s.DeleteUser(ctx, "amy"), ErrUserNotFound)
	assert.ErrorIs(t, s.SetPassword(ctx, "ghost", "password"), ErrUserNotFound)
}
