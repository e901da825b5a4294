package sso

import (
	"crypto/rand"
	"errors"
	mrand "math/rand/v2"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seeded(b byte) *mrand.ChaCha8 {
	var seed [32]byte
	seed[0] = b
	return mrand.NewChaCha8(seed)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy unavailable") }

// --- GenerateVerifier ---

func TestGenerateVerifier_DeterministicForSameSource(t *testing.T) {
	a, err := GenerateVerifier(seeded(7), 64)
	require.NoError(t, err)
	b, err := GenerateVerifier(seeded(7), 64)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := GenerateVerifier(seeded(8), 64)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestGenerateVerifier_EveryAllowedLength(t *testing.T) {
	for n := MinVerifierLength; n <= MaxVerifierLength; n++ {
		v, err := GenerateVerifier(rand.Reader, n)
		require.NoError(t, err)
		assert.Len(t, v, n)
		assert.NotContains(t, v, "+")
		assert.NotContains(t, v, "/")
		assert.NotContains(t, v, "=")
		for _, r := range v {
			assert.True(t, strings.ContainsRune(verifierAlphabet, r), "unexpected character %q", r)
		}
	}
}

func TestGenerateVerifier_ZeroUsesDefault(t *testing.T) {
	v, err := GenerateVerifier(rand.Reader, 0)
	require.NoError(t, err)
	assert.Len(t, v, DefaultVerifierLength)
}

func TestGenerateVerifier_OutOfRange(t *testing.T) {
	for _, n := range []int{1, MinVerifierLength - 1, MaxVerifierLength + 1} {
		_, err := GenerateVerifier(rand.Reader, n)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrValidation)
	}
}

func TestGenerateVerifier_ReaderFailure(t *testing.T) {
	_, err := GenerateVerifier(failingReader{}, 64)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entropy unavailable")
}

// --- DeriveChallenge ---

func TestDeriveChallenge_RFC7636AppendixB(t *testing.T) {
	got := DeriveChallenge("dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk")
	assert.Equal(t, "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM", got)
}

func TestDeriveChallenge_URLSafeUnpadded(t *testing.T) {
	for i := 0; i < 50; i++ {
		v, err := GenerateVerifier(rand.Reader, 0)
		require.NoError(t, err)
		c := DeriveChallenge(v)
		assert.Len(t, c, 43)
		assert.False(t, strings.ContainsAny(c, "+/="), c)
	}
}

// --- NewState ---

func TestNewState(t *testing.T) {
	a, err := NewState(seeded(1))
	require.NoError(t, err)
	b, err := NewState(seeded(1))
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 36)

	_, err = NewState(failingReader{})
	assert.Error(t, err)
}

// --- MemoryStateStore ---

func TestMemoryStateStore_ConsumeIsSingleUse(t *testing.T) {
	s := NewMemoryStateStore(0)
	require.NoError(t, s.Save("state-1", "verifier-1"))

	v, ok := s.Consume("state-1")
	assert.True(t, ok)
	assert.Equal(t, "verifier-1", v)

	_, ok = s.Consume("state-1")
	assert.False(t, ok)
}

func TestMemoryStateStore_UnknownAndEmpty(t *testing.T) {
	s := NewMemoryStateStore(0)
	_, ok := s.Consume("nope")
	assert.False(t, ok)
	_, ok = s.Consume("")
	assert.False(t, ok)

	assert.ErrorIs(t, s.Save("", "v"), ErrValidation)
	assert.ErrorIs(t, s.Save("s", ""), ErrValidation)
}

func TestMemoryStateStore_Expiry(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStateStore(time.Minute)
	s.now = func() time.Time { return now }

	require.NoError(t, s.Save("old", "v1"))
	now = now.Add(2 * time.Minute)

	_, ok := s.Consume("old")
	assert.False(t, ok)

	// Saving prunes anything past its deadline.
	require.NoError(t, s.Save("a", "v2"))
	now = now.Add(2 * time.Minute)
	require.NoError(t, s.Save("b", "v3"))
	assert.NotContains(t, s.entries, "a")
	assert.Contains(t, s.entries, "b")
}

func TestSessionStateStore_SharedPerClient(t *testing.T) {
	a := SessionStateStore("session-client-a")
	b := SessionStateStore("session-client-a")
	other := SessionStateStore("session-client-b")

	require.NoError(t, a.Save("st", "ver"))

	_, ok := other.Consume("st")
	assert.False(t, ok)

	v, ok := b.Consume("st")
	assert.True(t, ok)
	assert.Equal(t, "ver", v)
}
