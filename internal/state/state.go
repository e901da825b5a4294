package state

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/alexjbarnes/sso-client/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.sso-client/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var tokensBucket = []byte("tokens")

// State wraps a bbolt database holding token records for any number of
// OAuth clients, one record per client ID.
type State struct {
	db *bolt.DB
}

// Load opens the state database at ~/.sso-client/state.db, creating it
// if it does not exist.
func Load() (*State, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}

	return LoadAt(path)
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(tokensBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// GetToken returns the token record for a client, or nil if none is stored.
func (s *State) GetToken(clientID string) (*models.TokenRecord, error) {
	var rec *models.TokenRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(tokensBucket).Get([]byte(clientID))
		if v == nil {
			return nil
		}

		rec = &models.TokenRecord{}

		return json.Unmarshal(v, rec)
	})

	return rec, err
}

// SetToken replaces the token record for a client.
func (s *State) SetToken(clientID string, rec models.TokenRecord) error {
	if clientID == "" {
		return fmt.Errorf("client id is required for persistence")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		return tx.Bucket(tokensBucket).Put([]byte(clientID), data)
	})
}

// DeleteToken removes the token record for a client. Deleting an absent
// record is not an error.
func (s *State) DeleteToken(clientID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tokensBucket).Delete([]byte(clientID))
	})
}

// ClientIDs returns the IDs of all clients with a stored token record.
func (s *State) ClientIDs() ([]string, error) {
	var ids []string

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(tokensBucket).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})

	return ids, err
}

// TokenStore is a per-client view over State with the get/set/clear
// shape the SSO client expects from its storage.
type TokenStore struct {
	state    *State
	clientID string
	path     string // set when opened through OpenTokenStore
	closed   bool
}

// NewTokenStore returns a store for clientID backed by s. The caller
// keeps ownership of s; closing the TokenStore does not close it.
func NewTokenStore(s *State, clientID string) *TokenStore {
	return &TokenStore{state: s, clientID: clientID}
}

// opened holds the databases opened by OpenTokenStore, one per path, so
// stores for different clients on the same file share a single bbolt
// handle. bbolt locks the file exclusively, so a second Open on the same
// path from this process would wait out stateOpenTimeout and fail.
var opened = struct {
	mu  sync.Mutex
	dbs map[string]*sharedState
}{dbs: make(map[string]*sharedState)}

type sharedState struct {
	state *State
	refs  int
}

// OpenTokenStore returns a store for clientID in the database at path,
// opening it if no other store in this process holds it. The database
// closes when the last store on it is closed. An empty path uses the
// default location.
func OpenTokenStore(path, clientID string) (*TokenStore, error) {
	if clientID == "" {
		return nil, fmt.Errorf("client id is required for persistent storage")
	}

	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	key, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving state path: %w", err)
	}

	opened.mu.Lock()
	defer opened.mu.Unlock()

	sh, ok := opened.dbs[key]
	if !ok {
		s, err := LoadAt(key)
		if err != nil {
			return nil, err
		}
		sh = &sharedState{state: s}
		opened.dbs[key] = sh
	}
	sh.refs++

	return &TokenStore{state: sh.state, clientID: clientID, path: key}, nil
}

// Get returns the stored record, or nil when none exists.
func (t *TokenStore) Get(ctx context.Context) (*models.TokenRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return t.state.GetToken(t.clientID)
}

// Set replaces the stored record.
func (t *TokenStore) Set(ctx context.Context, rec models.TokenRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return t.state.SetToken(t.clientID, rec)
}

// Clear removes the stored record.
func (t *TokenStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return t.state.DeleteToken(t.clientID)
}

// Close releases this store's hold on the database. A database opened
// through OpenTokenStore is closed once every store on it is closed.
// Closing twice is a no-op.
func (t *TokenStore) Close() error {
	if t.path == "" {
		return nil
	}

	opened.mu.Lock()
	defer opened.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	sh, ok := opened.dbs[t.path]
	if !ok {
		return nil
	}
	sh.refs--
	if sh.refs > 0 {
		return nil
	}
	delete(opened.dbs, t.path)

	return sh.state.Close()
}

// DefaultPath returns ~/.sso-client/state.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(dir, ".sso-client", "state.db"), nil
}
