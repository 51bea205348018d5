package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ErrNoIdentity is returned when no source knows the current user.
var ErrNoIdentity = errors.New("no user identity available")

// Identity is the user a client connects as. Token is the bearer token sent
// on the socket upgrade and on REST calls; the server requires it on both.
type Identity struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Token    string `json:"token,omitempty"`
}

func (id Identity) valid() bool {
	return strings.TrimSpace(id.UserID) != ""
}

// SessionProvider reports the identity of the live login session. ok is
// false when nobody is logged in.
type SessionProvider interface {
	Session(ctx context.Context) (id Identity, ok bool, err error)
}

// SessionFunc adapts a function to SessionProvider.
type SessionFunc func(ctx context.Context) (Identity, bool, error)

// Session calls f.
func (f SessionFunc) Session(ctx context.Context) (Identity, bool, error) {
	return f(ctx)
}

// FileStore keeps the last known identity in a JSON file so that a client
// can reconnect while the session provider is unavailable.
type FileStore struct {
	path string
}

// NewFileStore returns a store backed by path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the stored identity. A missing file is not an error.
func (s *FileStore) Load() (Identity, bool, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Identity{}, false, nil
	}
	if err != nil {
		return Identity{}, false, fmt.Errorf("read identity file: %w", err)
	}

	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return Identity{}, false, fmt.Errorf("decode identity file: %w", err)
	}
	return id, id.valid(), nil
}

// Save replaces the stored identity atomically.
func (s *FileStore) Save(id Identity) error {
	data, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create identity dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".identity-*")
	if err != nil {
		return fmt.Errorf("create identity file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write identity file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write identity file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace identity file: %w", err)
	}
	return nil
}

// Clear removes the stored identity.
func (s *FileStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove identity file: %w", err)
	}
	return nil
}

// IdentityResolver looks the user up in the live session, then an
// in-memory cache, then the file store. The first hit is written back to
// the sources behind it.
type IdentityResolver struct {
	session SessionProvider
	store   *FileStore
	logger  *zap.Logger

	mu     sync.Mutex
	cached Identity
}

// NewIdentityResolver builds the lookup chain. session and store may be nil.
func NewIdentityResolver(session SessionProvider, store *FileStore, logger *zap.Logger) *IdentityResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IdentityResolver{session: session, store: store, logger: logger}
}

// Resolve returns the current identity or ErrNoIdentity. Failing sources
// are logged and skipped.
func (r *IdentityResolver) Resolve(ctx context.Context) (Identity, error) {
	if r.session != nil {
		id, ok, err := r.session.Session(ctx)
		switch {
		case err != nil:
			r.logger.Warn("session lookup failed; trying cached identity", zap.Error(err))
		case ok && id.valid():
			r.remember(id, true)
			return id, nil
		}
	}

	r.mu.Lock()
	cached := r.cached
	r.mu.Unlock()
	if cached.valid() {
		return cached, nil
	}

	if r.store != nil {
		id, ok, err := r.store.Load()
		if err != nil {
			r.logger.Warn("stored identity unreadable", zap.Error(err))
		} else if ok {
			r.remember(id, false)
			return id, nil
		}
	}
	return Identity{}, ErrNoIdentity
}

// Forget drops the cached and stored identity, as on logout.
func (r *IdentityResolver) Forget() error {
	r.mu.Lock()
	r.cached = Identity{}
	r.mu.Unlock()
	if r.store != nil {
		return r.store.Clear()
	}
	return nil
}

func (r *IdentityResolver) remember(id Identity, persist bool) {
	r.mu.Lock()
	r.cached = id
	r.mu.Unlock()

	if persist && r.store != nil {
		if err := r.store.Save(id); err != nil {
			r.logger.Warn("persist identity failed", zap.Error(err))
		}
	}
}
