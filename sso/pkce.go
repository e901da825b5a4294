package sso

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// MinVerifierLength and MaxVerifierLength bound a PKCE verifier (RFC 7636 Section 4.1).
	MinVerifierLength = 43
	MaxVerifierLength = 128

	// DefaultVerifierLength is used when no length is requested.
	DefaultVerifierLength = 64

	// stateTTL bounds how long a bound verifier waits for its callback.
	stateTTL = 10 * time.Minute
)

// verifierAlphabet is the RFC 3986 unreserved character set.
const verifierAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

// GenerateVerifier draws a PKCE code verifier of the given length from r.
// A length of 0 means DefaultVerifierLength. r must be a cryptographically
// strong source.
func GenerateVerifier(r io.Reader, length int) (string, error) {
	if length == 0 {
		length = DefaultVerifierLength
	}
	if length < MinVerifierLength || length > MaxVerifierLength {
		return "", validationError("invalid_verifier_length",
			fmt.Sprintf("verifier length must be between %d and %d, got %d", MinVerifierLength, MaxVerifierLength, length))
	}

	return drawString(r, length, verifierAlphabet)
}

// drawString returns length characters chosen uniformly from alphabet
// using bytes read from r. alphabet must be at most 256 characters.
func drawString(r io.Reader, length int, alphabet string) (string, error) {
	limit := 256 - 256%len(alphabet)
	out := make([]byte, 0, length)
	buf := make([]byte, length)
	for len(out) < length {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", fmt.Errorf("reading random bytes: %w", err)
		}
		for _, b := range buf {
			// Bytes at or above limit would bias the low characters.
			if int(b) >= limit {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == length {
				break
			}
		}
	}

	return string(out), nil
}

// DeriveChallenge returns the S256 code challenge for verifier.
func DeriveChallenge(verifier string) string {
	h := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(h[:])
}

// NewState returns a random anti-forgery state value drawn from r.
func NewState(r io.Reader) (string, error) {
	id, err := uuid.NewRandomFromReader(r)
	if err != nil {
		return "", fmt.Errorf("generating state: %w", err)
	}
	return id.String(), nil
}

// StateStore binds PKCE verifiers to state values for the length of one
// authorization round-trip. Consume must delete what it returns.
type StateStore interface {
	Save(state, verifier string) error
	Consume(state string) (verifier string, ok bool)
}

type stateEntry struct {
	verifier  string
	expiresAt time.Time
}

// MemoryStateStore is an in-memory StateStore with expiring entries.
type MemoryStateStore struct {
	mu      sync.Mutex
	now     func() time.Time
	ttl     time.Duration
	entries map[string]stateEntry
}

// NewMemoryStateStore returns an empty store. A zero ttl uses 10 minutes.
func NewMemoryStateStore(ttl time.Duration) *MemoryStateStore {
	if ttl <= 0 {
		ttl = stateTTL
	}
	return &MemoryStateStore{
		now:     time.Now,
		ttl:     ttl,
		entries: make(map[string]stateEntry),
	}
}

// Save binds verifier to state, replacing any earlier binding.
func (s *MemoryStateStore) Save(state, verifier string) error {
	if state == "" || verifier == "" {
		return validationError("invalid_state", "state and verifier are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, k)
		}
	}
	s.entries[state] = stateEntry{verifier: verifier, expiresAt: now.Add(s.ttl)}
	return nil
}

// Consume retrieves and deletes the verifier bound to state.
// Returns false if not found, empty, or expired.
func (s *MemoryStateStore) Consume(state string) (string, bool) {
	if state == "" {
		return "", false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[state]
	if !ok {
		return "", false
	}
	delete(s.entries, state)

	if s.now().After(e.expiresAt) {
		return "", false
	}
	return e.verifier, true
}

// sessionStates holds one store per client ID for the life of the
// process, so a callback handled by a fresh Client instance can still
// find the verifier bound by the instance that started the flow.
var sessionStates = struct {
	mu     sync.Mutex
	stores map[string]*MemoryStateStore
}{stores: make(map[string]*MemoryStateStore)}

// SessionStateStore returns the process-wide StateStore for clientID.
func SessionStateStore(clientID string) StateStore {
	sessionStates.mu.Lock()
	defer sessionStates.mu.Unlock()

	s, ok := sessionStates.stores[clientID]
	if !ok {
		s = NewMemoryStateStore(stateTTL)
		sessionStates.stores[clientID] = s
	}
	return s
}
