package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearConfigEnv unsets all config env vars so tests start clean.
func clearConfigEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{
		"SSO_CLIENT_ID",
		"SSO_CLIENT_SECRET",
		"SSO_REDIRECT_URI",
		"SSO_BASE_URL",
		"SSO_SCOPES",
		"SSO_STORAGE",
		"SSO_STATE_PATH",
		"SSO_AUTO_REFRESH",
		"SSO_SYNC_DEBOUNCE",
		"SSO_DELTA_DEBOUNCE",
		"SSO_DEV_LISTEN_ADDR",
		"SSO_DEV_ISSUER",
		"SSO_DEV_SIGNING_KEY",
		"SSO_DEV_USERS",
		"SSO_DEV_CLIENTS",
		"SSO_DEV_ACCESS_TTL",
		"SSO_DEV_REFRESH_TTL",
		"ENVIRONMENT",
		"LOG_LEVEL",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

// setClientEnv sets the minimum env vars for the client.
func setClientEnv(t *testing.T) {
	t.Helper()
	t.Setenv("SSO_CLIENT_ID", "game-client")
}

// setDevServerEnv sets the minimum env vars for the dev server.
func setDevServerEnv(t *testing.T) {
	t.Helper()
	t.Setenv("SSO_DEV_USERS", "ada:lovelace")
	t.Setenv("SSO_DEV_CLIENTS", "game-client|http://127.0.0.1:8765/callback")
}

// --- Load ---

func TestLoad_Defaults(t *testing.T) {
	clearConfigEnv(t)
	setClientEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "game-client", cfg.ClientID)
	assert.Empty(t, cfg.ClientSecret)
	assert.Equal(t, "http://127.0.0.1:8765/callback", cfg.RedirectURI)
	assert.Equal(t, "https://sso.funverse.app", cfg.BaseURL)
	assert.Equal(t, []string{"profile"}, cfg.Scopes)
	assert.Equal(t, StoragePersistent, cfg.Storage)
	assert.Empty(t, cfg.StatePath)
	assert.True(t, cfg.AutoRefresh)
	assert.Equal(t, 3*time.Second, cfg.SyncDebounce)
	assert.Equal(t, 5*time.Second, cfg.DeltaDebounce)
	assert.Equal(t, "development", cfg.Environment)
}

func TestLoad_MissingClientID(t *testing.T) {
	clearConfigEnv(t)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SSO_CLIENT_ID")
}

func TestLoad_Scopes(t *testing.T) {
	clearConfigEnv(t)
	setClientEnv(t)
	t.Setenv("SSO_SCOPES", "profile, wallet ,,rewards")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"profile", "wallet", "rewards"}, cfg.Scopes)
}

func TestLoad_StorageNormalized(t *testing.T) {
	clearConfigEnv(t)
	setClientEnv(t)
	t.Setenv("SSO_STORAGE", " Memory ")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, StorageMemory, cfg.Storage)
}

func TestLoad_InvalidStorage(t *testing.T) {
	clearConfigEnv(t)
	setClientEnv(t)
	t.Setenv("SSO_STORAGE", "cookie")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SSO_STORAGE")
}

func TestLoad_RelativeBaseURL(t *testing.T) {
	clearConfigEnv(t)
	setClientEnv(t)
	t.Setenv("SSO_BASE_URL", "/api")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SSO_BASE_URL")
}

func TestLoad_ResolvesRelativeStatePath(t *testing.T) {
	clearConfigEnv(t)
	setClientEnv(t)
	t.Setenv("SSO_STATE_PATH", "relative/state.db")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(cfg.StatePath), "expected absolute path, got %s", cfg.StatePath)
	assert.Equal(t, "state.db", filepath.Base(cfg.StatePath))
}

func TestLoad_AutoRefreshDisabled(t *testing.T) {
	clearConfigEnv(t)
	setClientEnv(t)
	t.Setenv("SSO_AUTO_REFRESH", "false")
	t.Setenv("SSO_SYNC_DEBOUNCE", "250ms")

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.AutoRefresh)
	assert.Equal(t, 250*time.Millisecond, cfg.SyncDebounce)
}

func TestLoad_BadDuration(t *testing.T) {
	clearConfigEnv(t)
	setClientEnv(t)
	t.Setenv("SSO_DELTA_DEBOUNCE", "soon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config")
}

func TestIsProduction_True(t *testing.T) {
	cfg := &Config{Environment: "production"}
	assert.True(t, cfg.IsProduction())
}

func TestIsProduction_False(t *testing.T) {
	cfg := &Config{Environment: "development"}
	assert.False(t, cfg.IsProduction())
}

// --- LoadDevServer ---

func TestLoadDevServer_Defaults(t *testing.T) {
	clearConfigEnv(t)
	setDevServerEnv(t)

	cfg, err := LoadDevServer()
	require.NoError(t, err)
	assert.Equal(t, ":8700", cfg.ListenAddr)
	assert.Equal(t, "http://localhost:8700", cfg.Issuer)
	assert.Equal(t, time.Hour, cfg.AccessTTL)
	assert.Equal(t, 720*time.Hour, cfg.RefreshTTL)
}

func TestLoadDevServer_MissingUsers(t *testing.T) {
	clearConfigEnv(t)
	setDevServerEnv(t)
	os.Unsetenv("SSO_DEV_USERS")

	_, err := LoadDevServer()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SSO_DEV_USERS")
}

func TestLoadDevServer_MissingClients(t *testing.T) {
	clearConfigEnv(t)
	setDevServerEnv(t)
	os.Unsetenv("SSO_DEV_CLIENTS")

	_, err := LoadDevServer()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SSO_DEV_CLIENTS")
}

func TestLoadDevServer_AccessTTLMustBeShorter(t *testing.T) {
	clearConfigEnv(t)
	setDevServerEnv(t)
	t.Setenv("SSO_DEV_ACCESS_TTL", "48h")
	t.Setenv("SSO_DEV_REFRESH_TTL", "24h")

	_, err := LoadDevServer()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SSO_DEV_ACCESS_TTL")
}

// --- ParseUsers ---

func TestParseUsers_Valid(t *testing.T) {
	cfg := &DevServerConfig{Users: "ada:pw1, grace:pw:with:colons"}
	users, err := cfg.ParseUsers()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"ada": "pw1", "grace": "pw:with:colons"}, users)
}

func TestParseUsers_Empty(t *testing.T) {
	cfg := &DevServerConfig{}
	users, err := cfg.ParseUsers()
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestParseUsers_Invalid(t *testing.T) {
	for _, in := range []string{"ada", ":pw", "ada:", "ada:a,ada:b"} {
		cfg := &DevServerConfig{Users: in}
		_, err := cfg.ParseUsers()
		assert.Error(t, err, in)
	}
}

// --- ParseClients ---

func TestParseClients_Valid(t *testing.T) {
	cfg := &DevServerConfig{Clients: "pub|http://127.0.0.1:8765/callback, conf|https://game.example.com/cb|0123456789abcdef0123"}
	clients, err := cfg.ParseClients()
	require.NoError(t, err)
	require.Len(t, clients, 2)

	assert.Equal(t, ClientRegistration{ClientID: "pub", RedirectURI: "http://127.0.0.1:8765/callback"}, clients[0])
	assert.Equal(t, "conf", clients[1].ClientID)
	assert.Equal(t, "0123456789abcdef0123", clients[1].Secret)
}

func TestParseClients_Invalid(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"missing redirect", "pub", "invalid client entry"},
		{"too many parts", "a|http://x|0123456789abcdef|extra", "invalid client entry"},
		{"relative redirect", "pub|/callback", "absolute URL"},
		{"short secret", "conf|http://x.example|short", "too short"},
		{"duplicate", "a|http://x.example,a|http://y.example", "duplicate"},
		{"empty id", "|http://x.example", "empty client_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &DevServerConfig{Clients: tt.in}
			_, err := cfg.ParseClients()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

// --- SigningKeyBytes ---

func TestSigningKeyBytes(t *testing.T) {
	cfg := &DevServerConfig{}
	key, err := cfg.SigningKeyBytes()
	require.NoError(t, err)
	assert.Nil(t, key)

	cfg.SigningKey = "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"
	key, err = cfg.SigningKeyBytes()
	require.NoError(t, err)
	assert.Len(t, key, 32)

	cfg.SigningKey = "0011"
	_, err = cfg.SigningKeyBytes()
	assert.ErrorContains(t, err, "too short")

	cfg.SigningKey = "zz"
	_, err = cfg.SigningKeyBytes()
	assert.ErrorContains(t, err, "hex")
}
