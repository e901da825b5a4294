package sso

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alexjbarnes/sso-client/internal/models"
	"golang.org/x/sync/singleflight"
)

const (
	// RefreshBuffer is how long before expiry a token is treated as stale.
	RefreshBuffer = 5 * time.Minute

	// defaultTokenLifetime applies when a token response omits expires_in.
	defaultTokenLifetime = 3600 * time.Second

	refreshKey = "refresh"
)

// tokenManager owns the client's single TokenRecord. It decides when the
// access token needs renewal and makes sure at most one refresh call is
// in flight at a time.
type tokenManager struct {
	storage     Storage
	dispatcher  *dispatcher
	clock       Clock
	logger      *slog.Logger
	autoRefresh bool

	clientID     string
	clientSecret string
	route        string
	scopes       []string

	// onUser receives user data carried on refresh responses.
	onUser func(*models.UserRecord)

	group singleflight.Group
}

type refreshRequest struct {
	GrantType    string `json:"grant_type"`
	RefreshToken string `json:"refresh_token"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// stale reports whether rec is inside the refresh buffer.
func (m *tokenManager) stale(rec TokenRecord) bool {
	return !m.clock.Now().Before(rec.Expiry().Add(-RefreshBuffer))
}

// Record returns the stored record, or nil when unauthenticated.
func (m *tokenManager) Record(ctx context.Context) (*TokenRecord, error) {
	rec, err := m.storage.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading token record: %w", err)
	}
	return rec, nil
}

// AccessToken returns an access token that is outside the refresh
// buffer, refreshing first when needed.
func (m *tokenManager) AccessToken(ctx context.Context) (string, error) {
	rec, err := m.ValidRecord(ctx)
	if err != nil {
		return "", err
	}
	return rec.AccessToken, nil
}

// ValidRecord is AccessToken returning the whole record.
func (m *tokenManager) ValidRecord(ctx context.Context) (*TokenRecord, error) {
	rec, err := m.Record(ctx)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.AccessToken == "" {
		return nil, invalidTokenError("not authenticated")
	}

	if !m.stale(*rec) {
		return rec, nil
	}

	if !m.autoRefresh {
		return nil, &Error{
			Kind:        KindTokenExpired,
			Code:        "token_expired",
			Description: "access token is expired or about to expire",
		}
	}

	m.logger.Debug("access token inside refresh buffer, refreshing",
		slog.Time("expires_at", rec.Expiry()),
	)

	return m.share(ctx, m.refreshIfStale)
}

// Refresh exchanges the stored refresh token for a new record. Callers
// arriving while a refresh is outstanding share its result. The shared
// call is detached from any single caller's cancellation; each caller
// still stops waiting when its own ctx is done.
func (m *tokenManager) Refresh(ctx context.Context) (*TokenRecord, error) {
	return m.share(ctx, m.refresh)
}

func (m *tokenManager) share(ctx context.Context, fn func(context.Context) (*TokenRecord, error)) (*TokenRecord, error) {
	ch := m.group.DoChan(refreshKey, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		rec := res.Val.(*TokenRecord)
		if res.Shared {
			m.logger.Debug("joined in-flight token refresh")
		}
		return rec, nil
	}
}

// refreshIfStale re-reads the record so a caller that saw a stale token
// just before another refresh landed does not refresh a second time.
func (m *tokenManager) refreshIfStale(ctx context.Context) (*TokenRecord, error) {
	rec, err := m.Record(ctx)
	if err != nil {
		return nil, err
	}
	if rec != nil && rec.AccessToken != "" && !m.stale(*rec) {
		return rec, nil
	}
	return m.refresh(ctx)
}

func (m *tokenManager) refresh(ctx context.Context) (*TokenRecord, error) {
	old, err := m.Record(ctx)
	if err != nil {
		return nil, err
	}
	if old == nil || old.RefreshToken == "" {
		return nil, invalidTokenError("no refresh token available")
	}

	req := refreshRequest{
		GrantType:    "refresh_token",
		RefreshToken: old.RefreshToken,
		ClientID:     m.clientID,
		ClientSecret: m.clientSecret,
	}

	var resp models.TokenResponse
	if err := m.dispatcher.request(ctx, http.MethodPost, m.route, nil, req, &resp); err != nil {
		m.logger.Warn("token refresh failed", slog.String("error", err.Error()))
		return nil, err
	}
	if resp.AccessToken == "" {
		return nil, &Error{Kind: KindGeneric, Code: "invalid_response", Description: "refresh response has no access token"}
	}

	rec := m.recordFrom(resp, old.Scope)
	if rec.RefreshToken == "" {
		rec.RefreshToken = old.RefreshToken
	}

	if err := m.storage.Set(ctx, rec); err != nil {
		return nil, fmt.Errorf("persisting refreshed token: %w", err)
	}
	if resp.User != nil && m.onUser != nil {
		m.onUser(resp.User)
	}

	m.logger.Info("access token refreshed", slog.Time("expires_at", rec.Expiry()))
	return &rec, nil
}

// setFromAuthResponse replaces the stored record with one built from a
// code exchange, register, OTP, or wallet response.
func (m *tokenManager) setFromAuthResponse(ctx context.Context, resp models.TokenResponse) (*TokenRecord, error) {
	if resp.AccessToken == "" {
		return nil, &Error{Kind: KindGeneric, Code: "invalid_response", Description: "response has no access token"}
	}

	rec := m.recordFrom(resp, m.scopes)
	if err := m.storage.Set(ctx, rec); err != nil {
		return nil, fmt.Errorf("persisting token: %w", err)
	}
	return &rec, nil
}

func (m *tokenManager) recordFrom(resp models.TokenResponse, fallbackScope []string) TokenRecord {
	lifetime := time.Duration(resp.ExpiresIn) * time.Second
	if resp.ExpiresIn <= 0 {
		lifetime = defaultTokenLifetime
	}

	scope := strings.Fields(resp.Scope)
	if len(scope) == 0 {
		scope = append([]string(nil), fallbackScope...)
	}

	return TokenRecord{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    m.clock.Now().Add(lifetime).UnixMilli(),
		Scope:        scope,
	}
}

// Clear removes the stored record.
func (m *tokenManager) Clear(ctx context.Context) error {
	if err := m.storage.Clear(ctx); err != nil {
		return fmt.Errorf("clearing token record: %w", err)
	}
	return nil
}
