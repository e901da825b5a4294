package sso

import (
	"context"
	"sync"

	"github.com/alexjbarnes/sso-client/internal/models"
	"github.com/alexjbarnes/sso-client/internal/state"
)

//go:generate mockgen -source=storage.go -destination=mock_storage_test.go -package=sso

// TokenRecord is the credential set held by a Client.
type TokenRecord = models.TokenRecord

// Storage persists a single TokenRecord. Get returns (nil, nil) when no
// record is stored. Implementations need last-write-wins semantics only.
type Storage interface {
	Get(ctx context.Context) (*TokenRecord, error)
	Set(ctx context.Context, rec TokenRecord) error
	Clear(ctx context.Context) error
}

// MemoryStorage keeps the record in the owning process only. Each
// instance is independent.
type MemoryStorage struct {
	mu  sync.Mutex
	rec *TokenRecord
}

// NewMemoryStorage returns an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (m *MemoryStorage) Get(_ context.Context) (*TokenRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rec == nil {
		return nil, nil
	}
	rec := cloneRecord(*m.rec)
	return &rec, nil
}

func (m *MemoryStorage) Set(_ context.Context, rec TokenRecord) error {
	m.mu.Lock()
	c := cloneRecord(rec)
	m.rec = &c
	m.mu.Unlock()
	return nil
}

func (m *MemoryStorage) Clear(_ context.Context) error {
	m.mu.Lock()
	m.rec = nil
	m.mu.Unlock()
	return nil
}

// session holds process-scoped records shared by every SessionStorage
// with the same key. Nothing here survives a restart.
var session = struct {
	mu      sync.Mutex
	records map[string]TokenRecord
}{records: make(map[string]TokenRecord)}

// SessionStorage shares a record between all instances created with the
// same key for the lifetime of the process.
type SessionStorage struct {
	key string
}

// NewSessionStorage returns a session-scoped store for key.
func NewSessionStorage(key string) *SessionStorage {
	return &SessionStorage{key: key}
}

func (s *SessionStorage) Get(_ context.Context) (*TokenRecord, error) {
	session.mu.Lock()
	defer session.mu.Unlock()
	rec, ok := session.records[s.key]
	if !ok {
		return nil, nil
	}
	c := cloneRecord(rec)
	return &c, nil
}

func (s *SessionStorage) Set(_ context.Context, rec TokenRecord) error {
	session.mu.Lock()
	session.records[s.key] = cloneRecord(rec)
	session.mu.Unlock()
	return nil
}

func (s *SessionStorage) Clear(_ context.Context) error {
	session.mu.Lock()
	delete(session.records, s.key)
	session.mu.Unlock()
	return nil
}

// PersistentStorage keeps the record in a bbolt database on disk, keyed
// by client ID so several clients can share one file.
type PersistentStorage struct {
	*state.TokenStore
}

// OpenPersistentStorage opens (or creates) the database at path and
// returns a store for clientID. An empty path means ~/.sso-client/state.db.
// Stores on the same path within a process share one database handle,
// which is released when the last of them is closed.
func OpenPersistentStorage(path, clientID string) (*PersistentStorage, error) {
	ts, err := state.OpenTokenStore(path, clientID)
	if err != nil {
		return nil, err
	}
	return &PersistentStorage{TokenStore: ts}, nil
}

func cloneRecord(rec TokenRecord) TokenRecord {
	if rec.Scope != nil {
		rec.Scope = append([]string(nil), rec.Scope...)
	}
	return rec
}
