package sso

import (
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is used when Config.BaseURL is empty.
	DefaultBaseURL = "https://sso.funverse.app"

	// DefaultSyncDebounce is the quiet period for generic sync data.
	DefaultSyncDebounce = 3 * time.Second

	// DefaultDeltaDebounce is the quiet period for financial delta aggregation.
	DefaultDeltaDebounce = 5 * time.Second
)

// DefaultScopes are requested when Config.Scopes is empty.
var DefaultScopes = []string{"profile"}

// Routes names the remote endpoints relative to the base URL.
type Routes struct {
	Authorize     string
	Token         string
	Verify        string
	Refresh       string
	Revoke        string
	Register      string
	SyncData      string
	SyncFinancial string
	Web3Auth      string
	OTPRequest    string
	OTPVerify     string
}

// DefaultRoutes returns the standard endpoint paths.
func DefaultRoutes() Routes {
	return Routes{
		Authorize:     "/oauth/authorize",
		Token:         "/oauth/token",
		Verify:        "/oauth/verify",
		Refresh:       "/oauth/refresh",
		Revoke:        "/oauth/revoke",
		Register:      "/auth/register",
		SyncData:      "/sync/data",
		SyncFinancial: "/sync/financial",
		Web3Auth:      "/auth/web3",
		OTPRequest:    "/auth/otp/request",
		OTPVerify:     "/auth/otp/verify",
	}
}

// withDefaults fills empty routes from DefaultRoutes.
func (r Routes) withDefaults() Routes {
	d := DefaultRoutes()
	fill := func(v *string, def string) {
		if *v == "" {
			*v = def
		}
	}
	fill(&r.Authorize, d.Authorize)
	fill(&r.Token, d.Token)
	fill(&r.Verify, d.Verify)
	fill(&r.Refresh, d.Refresh)
	fill(&r.Revoke, d.Revoke)
	fill(&r.Register, d.Register)
	fill(&r.SyncData, d.SyncData)
	fill(&r.SyncFinancial, d.SyncFinancial)
	fill(&r.Web3Auth, d.Web3Auth)
	fill(&r.OTPRequest, d.OTPRequest)
	fill(&r.OTPVerify, d.OTPVerify)
	return r
}

// Config holds the options for NewClient.
type Config struct {
	// ClientID is required.
	ClientID string
	// ClientSecret is set for confidential clients only.
	ClientSecret string
	// RedirectURI is required.
	RedirectURI string
	// BaseURL defaults to DefaultBaseURL.
	BaseURL string
	// Scopes defaults to DefaultScopes.
	Scopes []string

	// Storage defaults to persistent storage at StoragePath keyed by ClientID.
	Storage     Storage
	StoragePath string

	// DisableAutoRefresh makes AccessToken fail with KindTokenExpired
	// instead of refreshing a token inside the refresh buffer.
	DisableAutoRefresh bool

	// StateStore defaults to the process-wide SessionStateStore for ClientID.
	StateStore StateStore

	Routes Routes

	// SyncDebounce and DeltaDebounce default to 3s and 5s.
	SyncDebounce  time.Duration
	DeltaDebounce time.Duration

	// WalletDomain is the domain stated in wallet sign-in messages. It
	// defaults to the host of RedirectURI.
	WalletDomain string

	HTTPClient *http.Client
	Logger     *slog.Logger

	// Rand is the randomness source for verifiers, state values, and
	// nonces. Defaults to crypto/rand.Reader.
	Rand io.Reader
	// Clock defaults to the system clock.
	Clock Clock
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.ClientID) == "" {
		return validationError("invalid_config", "client id is required")
	}
	if strings.TrimSpace(c.RedirectURI) == "" {
		return validationError("invalid_config", "redirect uri is required")
	}
	if _, err := url.Parse(c.RedirectURI); err != nil {
		return validationError("invalid_config", fmt.Sprintf("redirect uri is not a valid URL: %v", err))
	}
	if c.BaseURL != "" {
		u, err := url.Parse(c.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return validationError("invalid_config", "base url must be an absolute URL")
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if len(c.Scopes) == 0 {
		c.Scopes = append([]string(nil), DefaultScopes...)
	}
	c.Routes = c.Routes.withDefaults()
	if c.SyncDebounce <= 0 {
		c.SyncDebounce = DefaultSyncDebounce
	}
	if c.DeltaDebounce <= 0 {
		c.DeltaDebounce = DefaultDeltaDebounce
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	if c.Rand == nil {
		c.Rand = rand.Reader
	}
	if c.Clock == nil {
		c.Clock = systemClock{}
	}
	if c.StateStore == nil {
		c.StateStore = SessionStateStore(c.ClientID)
	}
	if c.WalletDomain == "" {
		if u, err := url.Parse(c.RedirectURI); err == nil {
			c.WalletDomain = u.Host
		}
	}
}
