package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	autherrors "github.com/alexjbarnes/sso-client/internal/errors"
	"github.com/alexjbarnes/sso-client/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AccessClaims are the claims carried by issued access tokens.
type AccessClaims struct {
	jwt.RegisteredClaims
	ClientID string `json:"client_id"`
	Scope    string `json:"scope,omitempty"`
	FunID    string `json:"fun_id,omitempty"`
}

// Scopes splits the space-separated scope claim.
func (c *AccessClaims) Scopes() []string {
	return strings.Fields(c.Scope)
}

// TokenIssuer mints HS256 access tokens and opaque refresh tokens.
type TokenIssuer struct {
	store      *Store
	key        []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewTokenIssuer returns an issuer signing with key. A nil key is
// replaced with 32 random bytes, so tokens do not survive a restart.
func NewTokenIssuer(store *Store, key []byte, issuer string, accessTTL, refreshTTL time.Duration) *TokenIssuer {
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			panic("crypto/rand failed: " + err.Error())
		}
	}
	return &TokenIssuer{
		store:      store,
		key:        key,
		issuer:     issuer,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        store.now,
	}
}

// Issue mints a token pair for user and stores the refresh grant. The
// response carries the user's profile.
func (ti *TokenIssuer) Issue(user *User, clientID string, scopes []string) (models.TokenResponse, error) {
	now := ti.now()
	scope := strings.Join(scopes, " ")

	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    ti.issuer,
			Subject:   user.ID,
			Audience:  jwt.ClaimStrings{clientID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ti.accessTTL)),
		},
		ClientID: clientID,
		Scope:    scope,
		FunID:    user.FunID,
	}

	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.key)
	if err != nil {
		return models.TokenResponse{}, fmt.Errorf("signing access token: %w", err)
	}

	refresh := RandomHex(32)
	ti.store.SaveRefresh(&RefreshGrant{
		Token:     refresh,
		ClientID:  clientID,
		UserID:    user.ID,
		Scopes:    scopes,
		ExpiresAt: now.Add(ti.refreshTTL),
	})

	return models.TokenResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(ti.accessTTL / time.Second),
		Scope:        scope,
		User:         ti.store.UserRecord(user.ID),
	}, nil
}

// Parse validates the signature, issuer, and expiry of an access token
// and rejects revoked tokens.
func (ti *TokenIssuer) Parse(token string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return ti.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(ti.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(ti.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", autherrors.ErrInvalidToken, err)
	}
	if claims.ID == "" || ti.store.AccessRevoked(claims.ID) {
		return nil, autherrors.ErrInvalidToken
	}
	return claims, nil
}

// parseForRevocation is Parse without the expiry and revocation checks:
// revoking an expired or already revoked token is not an error.
func (ti *TokenIssuer) parseForRevocation(token string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return ti.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(ti.issuer),
		jwt.WithTimeFunc(ti.now),
	)
	if err != nil && !errors.Is(err, jwt.ErrTokenExpired) {
		return nil, err
	}
	return claims, nil
}

// revokeClaims blocks the token described by claims until its expiry.
func (ti *TokenIssuer) revokeClaims(claims *AccessClaims) {
	exp := ti.now().Add(ti.accessTTL)
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}
	ti.store.RevokeAccess(claims.ID, exp)
}
