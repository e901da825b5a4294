package sso

import (
	"github.com/golang-jwt/jwt/v5"
)

// UnverifiedClaims decodes the payload of a JWT access token WITHOUT
// checking its signature, issuer, audience, or expiry.
//
// WARNING: the result is attacker-controlled for any token this process
// did not just receive from the server. Use it for display and
// diagnostics only, never to decide whether a caller is authorized.
func UnverifiedClaims(token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, validationError("malformed_token", err.Error())
	}
	return claims, nil
}
