package chatclient

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSession struct {
	id    Identity
	ok    bool
	err   error
	calls int
}

func (s *stubSession) Session(context.Context) (Identity, bool, error) {
	s.calls++
	return s.id, s.ok, s.err
}

func TestFileStoreRoundTrip(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "nested", "identity.json"))

	_, ok, err := store.Load()
	require.NoError(t, err)
	assert.False(t, ok)

	want := Identity{UserID: "u1", UserName: "Alice", Token: "tok"}
	require.NoError(t, store.Save(want))

	got, ok, err := store.Load()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, want, got)

	require.NoError(t, store.Clear())
	require.NoError(t, store.Clear())
	_, ok, err = store.Load()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, ok, err := NewFileStore(path).Load()
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestResolverPrefersSessionAndWritesBack(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "identity.json"))
	session := &stubSession{id: Identity{UserID: "u1", UserName: "Alice"}, ok: true}
	r := NewIdentityResolver(session, store, nil)

	id, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "u1", id.UserID)

	stored, ok, err := store.Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, stored)
}

func TestResolverFallsBackToCache(t *testing.T) {
	session := &stubSession{id: Identity{UserID: "u1", UserName: "Alice"}, ok: true}
	r := NewIdentityResolver(session, nil, nil)

	_, err := r.Resolve(context.Background())
	require.NoError(t, err)

	// The session expires; the cached identity is still usable.
	session.ok = false
	session.err = errors.New("session service down")
	id, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "u1", id.UserID)
	assert.Equal(t, 2, session.calls)
}

func TestResolverFallsBackToFile(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "identity.json"))
	require.NoError(t, store.Save(Identity{UserID: "u2", UserName: "Bob"}))
	r := NewIdentityResolver(&stubSession{}, store, nil)

	id, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "u2", id.UserID)

	// The file hit is cached, so removing the file does not lose it.
	require.NoError(t, store.Clear())
	id, err = r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "u2", id.UserID)
}

func TestResolverWithoutIdentity(t *testing.T) {
	r := NewIdentityResolver(&stubSession{id: Identity{UserID: "  "}, ok: true}, nil, nil)

	_, err := r.Resolve(context.Background())
	assert.ErrorIs(t, err, ErrNoIdentity)
}

func TestResolverForget(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "identity.json"))
	session := &stubSession{id: Identity{UserID: "u1"}, ok: true}
	r := NewIdentityResolver(session, store, nil)
	_, err := r.Resolve(context.Background())
	require.NoError(t, err)

	session.ok = false
	require.NoError(t, r.Forget())

	_, err = r.Resolve(context.Background())
	assert.ErrorIs(t, err, ErrNoIdentity)
}
