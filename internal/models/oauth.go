// Package models defines types shared across internal packages.
package models

import "time"

// TokenRecord is the single credential set a client instance holds.
// ExpiresAt is an absolute epoch timestamp in milliseconds.
type TokenRecord struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token,omitempty"`
	ExpiresAt    int64    `json:"expires_at"`
	Scope        []string `json:"scope,omitempty"`
}

// Expiry returns ExpiresAt as a time.Time.
func (t TokenRecord) Expiry() time.Time {
	return time.UnixMilli(t.ExpiresAt)
}

// SoulRecord is the profile sub-record describing the user's avatar soul.
type SoulRecord struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Level int    `json:"level,omitempty"`
	XP    int64  `json:"xp,omitempty"`
}

// RewardRecord is the profile sub-record carrying accumulated rewards.
type RewardRecord struct {
	Points    int64   `json:"points,omitempty"`
	Balance   float64 `json:"balance,omitempty"`
	Currency  string  `json:"currency,omitempty"`
	UpdatedAt int64   `json:"updated_at,omitempty"`
}

// UserRecord is the denormalized profile returned alongside token and
// verify responses.
type UserRecord struct {
	ID              string        `json:"id"`
	FunID           string        `json:"fun_id,omitempty"`
	Username        string        `json:"username,omitempty"`
	Email           string        `json:"email,omitempty"`
	WalletAddresses []string      `json:"wallet_addresses,omitempty"`
	Soul            *SoulRecord   `json:"soul,omitempty"`
	Rewards         *RewardRecord `json:"rewards,omitempty"`
}

// TokenResponse is the body returned by the token, refresh, register,
// OTP-verify, and web3-auth endpoints.
type TokenResponse struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token,omitempty"`
	TokenType    string      `json:"token_type,omitempty"`
	ExpiresIn    int64       `json:"expires_in,omitempty"`
	Scope        string      `json:"scope,omitempty"`
	User         *UserRecord `json:"user,omitempty"`
}

// VerifyResponse is the body returned by the verify endpoint.
type VerifyResponse struct {
	Valid bool        `json:"valid"`
	User  *UserRecord `json:"user,omitempty"`
}
