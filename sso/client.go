// Package sso is a client for the SSO service. It runs the OAuth 2.0
// authorization code flow with PKCE, keeps the resulting tokens fresh,
// batches high-frequency sync writes, and submits idempotent financial
// transactions.
//
// A Client is safe for concurrent use. Each Client owns exactly one
// token record and allows at most one refresh call in flight.
package sso

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/alexjbarnes/sso-client/internal/models"
	"golang.org/x/text/unicode/norm"
)

type (
	// UserRecord is the profile cached by the Client.
	UserRecord = models.UserRecord
	// SyncResponse acknowledges a sync write.
	SyncResponse = models.SyncResponse
)

// AuthResult is returned by every operation that establishes a session.
type AuthResult struct {
	Tokens TokenRecord
	User   *UserRecord
}

// AuthorizationRequest describes where to send the user to log in.
type AuthorizationRequest struct {
	URL           string
	State         string
	CodeChallenge string
}

// RegisterRequest creates a new account.
type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	// Referral is an optional inviting user's fun ID.
	Referral string `json:"referral,omitempty"`
}

// OTPChallenge is the server's answer to an OTP request.
type OTPChallenge struct {
	Sent      bool  `json:"sent"`
	ExpiresIn int64 `json:"expires_in,omitempty"`
}

type tokenExchangeRequest struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code"`
	RedirectURI  string `json:"redirect_uri"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
	CodeVerifier string `json:"code_verifier"`
}

type registerBody struct {
	RegisterRequest
	ClientID string `json:"client_id"`
}

type otpRequestBody struct {
	Destination string `json:"destination"`
	ClientID    string `json:"client_id"`
}

type otpVerifyBody struct {
	Destination string `json:"destination"`
	Code        string `json:"code"`
	ClientID    string `json:"client_id"`
}

type revokeRequest struct {
	Token         string `json:"token"`
	TokenTypeHint string `json:"token_type_hint"`
	ClientID      string `json:"client_id"`
	ClientSecret  string `json:"client_secret,omitempty"`
}

// Client is the public entry point to the SSO service.
type Client struct {
	cfg        Config
	logger     *slog.Logger
	clock      Clock
	dispatcher *dispatcher
	tokens     *tokenManager
	sync       *Batcher
	deltas     *Batcher

	userMu sync.RWMutex
	user   *UserRecord

	// closer is set when the Client opened its own storage.
	closer io.Closer
}

// NewClient validates cfg, fills defaults, and wires the client. When
// cfg.Storage is nil a persistent store keyed by ClientID is opened and
// released by Close.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	c := &Client{
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("client_id", cfg.ClientID)),
		clock:  cfg.Clock,
	}

	if cfg.Storage == nil {
		ps, err := OpenPersistentStorage(cfg.StoragePath, cfg.ClientID)
		if err != nil {
			return nil, fmt.Errorf("opening token storage: %w", err)
		}
		c.cfg.Storage = ps
		c.closer = ps
	}

	c.dispatcher = &dispatcher{
		httpClient: cfg.HTTPClient,
		baseURL:    cfg.BaseURL,
		clock:      cfg.Clock,
		logger:     c.logger,
	}

	c.tokens = &tokenManager{
		storage:      c.cfg.Storage,
		dispatcher:   c.dispatcher,
		clock:        cfg.Clock,
		logger:       c.logger,
		autoRefresh:  !cfg.DisableAutoRefresh,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		route:        cfg.Routes.Refresh,
		scopes:       cfg.Scopes,
		onUser:       c.setUser,
	}

	c.sync = NewBatcher(BatcherConfig{
		Sync:     c.sendSync,
		Debounce: cfg.SyncDebounce,
		Clock:    cfg.Clock,
		Logger:   c.logger,
		Name:     "sync",
	})
	c.deltas = NewBatcher(BatcherConfig{
		Sync:     c.sendDeltas,
		Debounce: cfg.DeltaDebounce,
		Merge:    AdditiveMerge,
		Clock:    cfg.Clock,
		Logger:   c.logger,
		Name:     "deltas",
	})

	return c, nil
}

// StartAuthorization creates a verifier, binds it to a fresh state
// value, and returns the authorize URL to send the user to.
func (c *Client) StartAuthorization() (*AuthorizationRequest, error) {
	verifier, err := GenerateVerifier(c.cfg.Rand, DefaultVerifierLength)
	if err != nil {
		return nil, err
	}
	state, err := NewState(c.cfg.Rand)
	if err != nil {
		return nil, err
	}
	if err := c.cfg.StateStore.Save(state, verifier); err != nil {
		return nil, fmt.Errorf("binding state: %w", err)
	}

	challenge := DeriveChallenge(verifier)

	params := url.Values{}
	params.Set("response_type", "code")
	params.Set("client_id", c.cfg.ClientID)
	params.Set("redirect_uri", c.cfg.RedirectURI)
	params.Set("scope", strings.Join(c.cfg.Scopes, " "))
	params.Set("state", state)
	params.Set("code_challenge", challenge)
	params.Set("code_challenge_method", "S256")

	c.logger.Debug("authorization started", slog.String("state", state))

	return &AuthorizationRequest{
		URL:           c.cfg.BaseURL + c.cfg.Routes.Authorize + "?" + params.Encode(),
		State:         state,
		CodeChallenge: challenge,
	}, nil
}

// HandleCallbackURL parses the redirect URL the user-agent landed on and
// passes its query to HandleCallback.
func (c *Client) HandleCallbackURL(ctx context.Context, rawURL string) (*AuthResult, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, validationError("invalid_callback", "callback URL could not be parsed")
	}
	return c.HandleCallback(ctx, u.Query())
}

// HandleCallback completes the flow started by StartAuthorization. The
// state is consumed before anything else; an unknown or reused state
// fails with a validation error and no token request is made. Provider
// errors are only reported for callbacks whose state matched.
func (c *Client) HandleCallback(ctx context.Context, params url.Values) (*AuthResult, error) {
	state := params.Get("state")
	verifier, ok := c.cfg.StateStore.Consume(state)

	if !ok {
		c.logger.Warn("callback state did not match a pending authorization")
		return nil, validationError("invalid_state", "state does not match a pending authorization request")
	}

	if errCode := params.Get("error"); errCode != "" {
		kind := KindGeneric
		if errCode == "invalid_request" || errCode == "invalid_scope" {
			kind = KindValidation
		}
		return nil, &Error{Kind: kind, Code: errCode, Description: params.Get("error_description")}
	}

	code := params.Get("code")
	if code == "" {
		return nil, validationError("invalid_request", "authorization code is missing")
	}

	req := tokenExchangeRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  c.cfg.RedirectURI,
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		CodeVerifier: verifier,
	}

	var resp models.TokenResponse
	if err := c.dispatcher.request(ctx, http.MethodPost, c.cfg.Routes.Token, nil, req, &resp); err != nil {
		return nil, fmt.Errorf("exchanging authorization code: %w", err)
	}

	return c.acceptTokens(ctx, resp)
}

// Register creates an account and signs in as it.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*AuthResult, error) {
	req.Username = norm.NFC.String(strings.TrimSpace(req.Username))
	req.Email = strings.ToLower(norm.NFC.String(strings.TrimSpace(req.Email)))
	req.Password = norm.NFC.String(req.Password)

	if req.Username == "" && req.Email == "" {
		return nil, validationError("invalid_request", "username or email is required")
	}
	if req.Password == "" {
		return nil, validationError("invalid_request", "password is required")
	}

	var resp models.TokenResponse
	body := registerBody{RegisterRequest: req, ClientID: c.cfg.ClientID}
	if err := c.dispatcher.request(ctx, http.MethodPost, c.cfg.Routes.Register, nil, body, &resp); err != nil {
		return nil, fmt.Errorf("registering: %w", err)
	}

	return c.acceptTokens(ctx, resp)
}

// RequestOTP asks the server to send a one-time code to destination
// (an email address or phone number).
func (c *Client) RequestOTP(ctx context.Context, destination string) (*OTPChallenge, error) {
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return nil, validationError("invalid_request", "destination is required")
	}

	var resp OTPChallenge
	body := otpRequestBody{Destination: destination, ClientID: c.cfg.ClientID}
	if err := c.dispatcher.request(ctx, http.MethodPost, c.cfg.Routes.OTPRequest, nil, body, &resp); err != nil {
		return nil, fmt.Errorf("requesting otp: %w", err)
	}
	return &resp, nil
}

// VerifyOTP exchanges a one-time code for tokens. Responses without a
// lifetime are treated as valid for one hour.
func (c *Client) VerifyOTP(ctx context.Context, destination, code string) (*AuthResult, error) {
	destination = strings.TrimSpace(destination)
	code = strings.TrimSpace(code)
	if destination == "" || code == "" {
		return nil, validationError("invalid_request", "destination and code are required")
	}

	var resp models.TokenResponse
	body := otpVerifyBody{Destination: destination, Code: code, ClientID: c.cfg.ClientID}
	if err := c.dispatcher.request(ctx, http.MethodPost, c.cfg.Routes.OTPVerify, nil, body, &resp); err != nil {
		return nil, fmt.Errorf("verifying otp: %w", err)
	}
	return c.acceptTokens(ctx, resp)
}

func (c *Client) acceptTokens(ctx context.Context, resp models.TokenResponse) (*AuthResult, error) {
	rec, err := c.tokens.setFromAuthResponse(ctx, resp)
	if err != nil {
		return nil, err
	}
	if resp.User != nil {
		c.setUser(resp.User)
	}

	c.logger.Info("signed in", slog.Time("expires_at", rec.Expiry()))
	return &AuthResult{Tokens: *rec, User: c.CachedUser()}, nil
}

// User fetches the current profile from the verify endpoint and
// replaces the cached copy.
func (c *Client) User(ctx context.Context) (*UserRecord, error) {
	var resp models.VerifyResponse
	if err := c.authenticatedRequest(ctx, http.MethodGet, c.cfg.Routes.Verify, nil, &resp); err != nil {
		return nil, fmt.Errorf("verifying session: %w", err)
	}
	if !resp.Valid {
		return nil, invalidTokenError("session is no longer valid")
	}
	if resp.User != nil {
		c.setUser(resp.User)
	}
	return c.CachedUser(), nil
}

// CachedUser returns a copy of the last profile the server sent, or nil.
func (c *Client) CachedUser() *UserRecord {
	c.userMu.RLock()
	defer c.userMu.RUnlock()
	return cloneUser(c.user)
}

// setUser replaces the cached profile wholesale.
func (c *Client) setUser(u *UserRecord) {
	cp := cloneUser(u)
	c.userMu.Lock()
	c.user = cp
	c.userMu.Unlock()
}

func cloneUser(u *UserRecord) *UserRecord {
	if u == nil {
		return nil
	}
	v := *u
	v.WalletAddresses = append([]string(nil), u.WalletAddresses...)
	if u.Soul != nil {
		soul := *u.Soul
		v.Soul = &soul
	}
	if u.Rewards != nil {
		rewards := *u.Rewards
		v.Rewards = &rewards
	}
	return &v
}

// SyncManager returns the batcher that coalesces generic sync data.
func (c *Client) SyncManager() *Batcher {
	return c.sync
}

// QueueSync merges data into the pending sync entry for category.
func (c *Client) QueueSync(category string, data map[string]any) {
	c.sync.Queue(category, data)
}

// SyncData posts data to the sync endpoint immediately.
func (c *Client) SyncData(ctx context.Context, data map[string]map[string]any) (*SyncResponse, error) {
	var resp SyncResponse
	if err := c.authenticatedRequest(ctx, http.MethodPost, c.cfg.Routes.SyncData, models.SyncRequest{Data: data}, &resp); err != nil {
		return nil, fmt.Errorf("syncing data: %w", err)
	}
	return &resp, nil
}

func (c *Client) sendSync(ctx context.Context, batch map[string]map[string]any) error {
	return c.authenticatedRequest(ctx, http.MethodPost, c.cfg.Routes.SyncData, models.SyncRequest{Data: batch}, nil)
}

// IsAuthenticated reports whether a usable access token is available,
// refreshing if needed. It never returns an error.
func (c *Client) IsAuthenticated(ctx context.Context) bool {
	_, err := c.tokens.AccessToken(ctx)
	return err == nil
}

// AccessToken returns an access token outside the refresh buffer.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	return c.tokens.AccessToken(ctx)
}

// Tokens returns the stored record as-is, or nil when signed out.
func (c *Client) Tokens(ctx context.Context) (*TokenRecord, error) {
	return c.tokens.Record(ctx)
}

// Refresh forces a refresh. Failures are returned and the stored record
// is left untouched.
func (c *Client) Refresh(ctx context.Context) (*TokenRecord, error) {
	return c.tokens.Refresh(ctx)
}

// AccessTokenClaims decodes the stored access token without verifying
// it. See UnverifiedClaims for the caveats.
func (c *Client) AccessTokenClaims(ctx context.Context) (map[string]any, error) {
	rec, err := c.tokens.Record(ctx)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, invalidTokenError("not authenticated")
	}
	return UnverifiedClaims(rec.AccessToken)
}

// Revoke revokes the stored session on the server and then removes it
// locally. Unlike Logout, a server failure is returned and the local
// record is kept.
func (c *Client) Revoke(ctx context.Context) error {
	rec, err := c.tokens.Record(ctx)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	if err := c.revoke(ctx, *rec); err != nil {
		return fmt.Errorf("revoking token: %w", err)
	}
	c.setUser(nil)
	return c.tokens.Clear(ctx)
}

func (c *Client) revoke(ctx context.Context, rec TokenRecord) error {
	req := revokeRequest{
		Token:         rec.RefreshToken,
		TokenTypeHint: "refresh_token",
		ClientID:      c.cfg.ClientID,
		ClientSecret:  c.cfg.ClientSecret,
	}
	if req.Token == "" {
		req.Token = rec.AccessToken
		req.TokenTypeHint = "access_token"
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+rec.AccessToken)

	return c.dispatcher.request(ctx, http.MethodPost, c.cfg.Routes.Revoke, header, req, nil)
}

// Logout flushes pending sync data, revokes the session, and clears all
// local state. Flush and revoke failures are logged and ignored; only a
// failure to clear local storage is returned.
func (c *Client) Logout(ctx context.Context) error {
	for _, b := range []*Batcher{c.sync, c.deltas} {
		if err := b.Flush(ctx); err != nil {
			c.logger.Warn("flush before logout failed", slog.String("error", err.Error()))
		}
	}

	rec, err := c.tokens.Record(ctx)
	if err != nil {
		c.logger.Warn("reading token before logout failed", slog.String("error", err.Error()))
	}
	if rec != nil {
		if err := c.revoke(ctx, *rec); err != nil {
			c.logger.Warn("revoke during logout failed", slog.String("error", err.Error()))
		}
	}

	c.sync.Clear()
	c.deltas.Clear()
	c.setUser(nil)

	if err := c.tokens.Clear(ctx); err != nil {
		return err
	}

	c.logger.Info("logged out")
	return nil
}

// Close flushes pending sync data (best-effort), stops the batch timers,
// and releases storage the Client opened itself. The session stays
// signed in.
func (c *Client) Close(ctx context.Context) error {
	for _, b := range []*Batcher{c.sync, c.deltas} {
		if err := b.Flush(ctx); err != nil {
			c.logger.Warn("flush on close failed", slog.String("error", err.Error()))
		}
		b.Stop()
	}

	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}
