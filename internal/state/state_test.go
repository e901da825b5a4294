package state

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alexjbarnes/sso-client/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *State {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := LoadAt(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

const testClient = "client-test-001"

var testRecord = models.TokenRecord{
	AccessToken:  "at_123",
	RefreshToken: "rt_456",
	ExpiresAt:    1_700_000_000_000,
	Scope:        []string{"profile", "wallet"},
}

// --- LoadAt / Close ---

func TestLoadAt_CreatesDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sub", "state.db")
	s, err := LoadAt(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestLoadAt_ReopensExistingDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	s1, err := LoadAt(dbPath)
	require.NoError(t, err)
	require.NoError(t, s1.SetToken(testClient, testRecord))
	require.NoError(t, s1.Close())

	s2, err := LoadAt(dbPath)
	require.NoError(t, err)
	defer s2.Close()

	rec, err := s2.GetToken(testClient)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, testRecord, *rec)
}

// --- Token records ---

func TestGetToken_NilWhenAbsent(t *testing.T) {
	s := testDB(t)
	rec, err := s.GetToken("missing")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestSetToken_Overwrite(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SetToken(testClient, testRecord))

	updated := testRecord
	updated.AccessToken = "at_new"
	require.NoError(t, s.SetToken(testClient, updated))

	rec, err := s.GetToken(testClient)
	require.NoError(t, err)
	assert.Equal(t, "at_new", rec.AccessToken)
}

func TestSetToken_RequiresClientID(t *testing.T) {
	s := testDB(t)
	err := s.SetToken("", testRecord)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client id")
}

func TestToken_IsolatedBetweenClients(t *testing.T) {
	s := testDB(t)
	a := testRecord
	b := testRecord
	b.AccessToken = "other"
	require.NoError(t, s.SetToken("a", a))
	require.NoError(t, s.SetToken("b", b))

	ra, _ := s.GetToken("a")
	rb, _ := s.GetToken("b")
	assert.Equal(t, "at_123", ra.AccessToken)
	assert.Equal(t, "other", rb.AccessToken)

	ids, err := s.ClientIDs()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}

func TestDeleteToken_Idempotent(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SetToken(testClient, testRecord))
	require.NoError(t, s.DeleteToken(testClient))
	require.NoError(t, s.DeleteToken(testClient))

	rec, err := s.GetToken(testClient)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

// --- TokenStore ---

func TestTokenStore_GetSetClear(t *testing.T) {
	ctx := context.Background()
	ts := NewTokenStore(testDB(t), testClient)

	rec, err := ts.Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec)

	require.NoError(t, ts.Set(ctx, testRecord))
	rec, err = ts.Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, testRecord, *rec)

	require.NoError(t, ts.Clear(ctx))
	rec, err = ts.Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestTokenStore_CancelledContext(t *testing.T) {
	ts := NewTokenStore(testDB(t), testClient)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ts.Get(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, ts.Set(ctx, testRecord), context.Canceled)
	assert.ErrorIs(t, ts.Clear(ctx), context.Canceled)
}

func TestTokenStore_CloseDoesNotCloseSharedState(t *testing.T) {
	s := testDB(t)
	ts := NewTokenStore(s, testClient)
	require.NoError(t, ts.Close())

	// The shared database is still usable.
	require.NoError(t, s.SetToken(testClient, testRecord))
}

func TestOpenTokenStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tokens.db")

	ts1, err := OpenTokenStore(path, testClient)
	require.NoError(t, err)
	require.NoError(t, ts1.Set(ctx, testRecord))
	require.NoError(t, ts1.Close())

	ts2, err := OpenTokenStore(path, testClient)
	require.NoError(t, err)
	defer ts2.Close()

	rec, err := ts2.Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "rt_456", rec.RefreshToken)
}

func TestOpenTokenStore_RequiresClientID(t *testing.T) {
	_, err := OpenTokenStore(filepath.Join(t.TempDir(), "x.db"), "")
	require.Error(t, err)
}

func TestOpenTokenStore_SharesDatabaseBetweenClients(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tokens.db")

	a, err := OpenTokenStore(path, "client-a")
	require.NoError(t, err)
	b, err := OpenTokenStore(path, "client-b")
	require.NoError(t, err)
	assert.Same(t, a.state, b.state)

	require.NoError(t, a.Set(ctx, models.TokenRecord{AccessToken: "for-a"}))
	require.NoError(t, b.Set(ctx, models.TokenRecord{AccessToken: "for-b"}))

	// Closing one store leaves the other usable.
	require.NoError(t, a.Close())
	rec, err := b.Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "for-b", rec.AccessToken)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	// The last close releases the file lock.
	s, err := LoadAt(path)
	require.NoError(t, err)
	defer s.Close()

	ids, err := s.ClientIDs()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"client-a", "client-b"}, ids)
}

func TestOpenTokenStore_SameFileThroughDifferentPaths(t *testing.T) {
	dir := t.TempDir()

	a, err := OpenTokenStore(filepath.Join(dir, "tokens.db"), "client-a")
	require.NoError(t, err)
	defer a.Close()

	b, err := OpenTokenStore(filepath.Join(dir, "sub", "..", "tokens.db"), "client-b")
	require.NoError(t, err)
	defer b.Close()

	assert.Same(t, a.state, b.state)
}
