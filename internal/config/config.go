package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Storage backends selectable through SSO_STORAGE.
const (
	StoragePersistent = "persistent"
	StorageSession    = "session"
	StorageMemory     = "memory"
)

// Config holds the environment-based configuration for ssoctl.
type Config struct {
	// OAuth client registration. ClientID and RedirectURI are required.
	ClientID     string   `env:"SSO_CLIENT_ID"`
	ClientSecret string   `env:"SSO_CLIENT_SECRET"`
	RedirectURI  string   `env:"SSO_REDIRECT_URI" envDefault:"http://127.0.0.1:8765/callback"`
	BaseURL      string   `env:"SSO_BASE_URL" envDefault:"https://sso.funverse.app"`
	Scopes       []string `env:"SSO_SCOPES" envSeparator:"," envDefault:"profile"`

	// Token storage backend: persistent, session, or memory.
	Storage   string `env:"SSO_STORAGE" envDefault:"persistent"`
	StatePath string `env:"SSO_STATE_PATH"`

	AutoRefresh   bool          `env:"SSO_AUTO_REFRESH" envDefault:"true"`
	SyncDebounce  time.Duration `env:"SSO_SYNC_DEBOUNCE" envDefault:"3s"`
	DeltaDebounce time.Duration `env:"SSO_DELTA_DEBOUNCE" envDefault:"5s"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`
}

// DevServerConfig holds the configuration for sso-devserver.
type DevServerConfig struct {
	ListenAddr string `env:"SSO_DEV_LISTEN_ADDR" envDefault:":8700"`
	// Issuer is the externally reachable base URL, used as the JWT issuer.
	Issuer string `env:"SSO_DEV_ISSUER" envDefault:"http://localhost:8700"`
	// SigningKey is hex-encoded. A random key is generated when empty.
	SigningKey string `env:"SSO_DEV_SIGNING_KEY"`
	Users      string `env:"SSO_DEV_USERS"`
	Clients    string `env:"SSO_DEV_CLIENTS"`

	AccessTTL  time.Duration `env:"SSO_DEV_ACCESS_TTL" envDefault:"1h"`
	RefreshTTL time.Duration `env:"SSO_DEV_REFRESH_TTL" envDefault:"720h"`

	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads the client configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.Storage = strings.ToLower(strings.TrimSpace(cfg.Storage))
	cfg.Scopes = trimAll(cfg.Scopes)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StatePath != "" {
		absPath, err := filepath.Abs(cfg.StatePath)
		if err != nil {
			return nil, fmt.Errorf("resolving state path to absolute path: %w", err)
		}

		cfg.StatePath = absPath
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("SSO_CLIENT_ID is required")
	}

	if c.RedirectURI == "" {
		return fmt.Errorf("SSO_REDIRECT_URI is required")
	}

	if err := requireAbsoluteURL("SSO_REDIRECT_URI", c.RedirectURI); err != nil {
		return err
	}

	if err := requireAbsoluteURL("SSO_BASE_URL", c.BaseURL); err != nil {
		return err
	}

	switch c.Storage {
	case StoragePersistent, StorageSession, StorageMemory:
	default:
		return fmt.Errorf("SSO_STORAGE must be one of %s, %s, %s (got %q)",
			StoragePersistent, StorageSession, StorageMemory, c.Storage)
	}

	if len(c.Scopes) == 0 {
		return fmt.Errorf("SSO_SCOPES must name at least one scope")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// LoadDevServer reads the development server configuration.
func LoadDevServer() (*DevServerConfig, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &DevServerConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *DevServerConfig) validate() error {
	if err := requireAbsoluteURL("SSO_DEV_ISSUER", c.Issuer); err != nil {
		return err
	}

	if c.Users == "" {
		return fmt.Errorf("SSO_DEV_USERS is required")
	}

	if c.Clients == "" {
		return fmt.Errorf("SSO_DEV_CLIENTS is required")
	}

	if c.AccessTTL <= 0 || c.RefreshTTL <= 0 {
		return fmt.Errorf("SSO_DEV_ACCESS_TTL and SSO_DEV_REFRESH_TTL must be positive")
	}

	if c.AccessTTL >= c.RefreshTTL {
		return fmt.Errorf("SSO_DEV_ACCESS_TTL must be shorter than SSO_DEV_REFRESH_TTL")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *DevServerConfig) IsProduction() bool {
	return c.Environment == "production"
}

const (
	// clientSecretMinLen is the minimum length for confidential client secrets.
	clientSecretMinLen = 16

	// signingKeyMinLen is the minimum HS256 key size in bytes.
	signingKeyMinLen = 32
)

// ClientRegistration is one OAuth client parsed from SSO_DEV_CLIENTS.
// An empty Secret marks a public client.
type ClientRegistration struct {
	ClientID    string
	RedirectURI string
	Secret      string
}

// ParseClients parses the SSO_DEV_CLIENTS string.
// Format: "client_id|redirect_uri[|secret],..."
// Secrets, when present, must be at least 16 characters long.
func (c *DevServerConfig) ParseClients() ([]ClientRegistration, error) {
	if c.Clients == "" {
		return nil, nil
	}

	seen := make(map[string]struct{})

	var clients []ClientRegistration

	for _, entry := range strings.Split(c.Clients, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		parts := strings.Split(entry, "|")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, fmt.Errorf("invalid client entry %d (want client_id|redirect_uri[|secret])", len(clients)+1)
		}

		reg := ClientRegistration{ClientID: parts[0], RedirectURI: parts[1]}
		if len(parts) == 3 {
			reg.Secret = parts[2]
		}

		if reg.ClientID == "" || reg.RedirectURI == "" {
			return nil, fmt.Errorf("empty client_id or redirect_uri in entry %d", len(clients)+1)
		}

		if err := requireAbsoluteURL("redirect_uri", reg.RedirectURI); err != nil {
			return nil, fmt.Errorf("entry %d: %w", len(clients)+1, err)
		}

		if len(parts) == 3 && len(reg.Secret) < clientSecretMinLen {
			return nil, fmt.Errorf("client secret too short in entry %d (minimum %d characters)", len(clients)+1, clientSecretMinLen)
		}

		if _, dup := seen[reg.ClientID]; dup {
			return nil, fmt.Errorf("duplicate client_id %q in SSO_DEV_CLIENTS", reg.ClientID)
		}

		seen[reg.ClientID] = struct{}{}
		clients = append(clients, reg)
	}

	return clients, nil
}

// ParseUsers parses the SSO_DEV_USERS string into username/password pairs.
// Format: "user1:password1,user2:password2"
func (c *DevServerConfig) ParseUsers() (map[string]string, error) {
	users := make(map[string]string)
	if c.Users == "" {
		return users, nil
	}

	for _, pair := range strings.Split(c.Users, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid user entry (missing ':')")
		}

		username := pair[:idx]

		password := pair[idx+1:]
		if username == "" || password == "" {
			return nil, fmt.Errorf("empty username or password in entry %d", len(users)+1)
		}

		if _, dup := users[username]; dup {
			return nil, fmt.Errorf("duplicate username %q in SSO_DEV_USERS", username)
		}

		users[username] = password
	}

	return users, nil
}

// SigningKeyBytes decodes SSO_DEV_SIGNING_KEY. It returns nil when no key
// is configured.
func (c *DevServerConfig) SigningKeyBytes() ([]byte, error) {
	if c.SigningKey == "" {
		return nil, nil
	}

	key, err := hex.DecodeString(c.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("SSO_DEV_SIGNING_KEY must be hex encoded")
	}

	if len(key) < signingKeyMinLen {
		return nil, fmt.Errorf("SSO_DEV_SIGNING_KEY too short (minimum %d bytes)", signingKeyMinLen)
	}

	return key, nil
}

func requireAbsoluteURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL", name)
	}

	return nil
}

func trimAll(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}

	return out
}
