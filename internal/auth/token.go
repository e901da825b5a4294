package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	autherrors "github.com/alexjbarnes/sso-client/internal/errors"
)

const (
	grantAuthorizationCode = "authorization_code"
	grantRefreshToken      = "refresh_token"
)

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code"`
	RedirectURI  string `json:"redirect_uri"`
	CodeVerifier string `json:"code_verifier"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RefreshToken string `json:"refresh_token"`
}

// HandleToken returns the /oauth/token handler. It accepts the
// authorization_code and refresh_token grants.
func HandleToken(store *Store, issuer *TokenIssuer, logger *slog.Logger) http.HandlerFunc {
	return tokenHandler(store, issuer, logger, "")
}

// HandleRefresh returns the /oauth/refresh handler, which behaves like
// the token endpoint with grant_type defaulting to refresh_token.
func HandleRefresh(store *Store, issuer *TokenIssuer, logger *slog.Logger) http.HandlerFunc {
	return tokenHandler(store, issuer, logger, grantRefreshToken)
}

func tokenHandler(store *Store, issuer *TokenIssuer, logger *slog.Logger, defaultGrant string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		req, ok := decodeTokenRequest(w, r)
		if !ok {
			return
		}
		if req.GrantType == "" {
			req.GrantType = defaultGrant
		}

		// HTTP Basic client credentials take precedence over body fields.
		if id, secret, ok := r.BasicAuth(); ok {
			req.ClientID, req.ClientSecret = id, secret
		}

		if req.ClientID == "" {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "client_id is required")
			return
		}

		client, err := store.AuthenticateClient(req.ClientID, req.ClientSecret)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="sso"`)
			writeJSONError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
			return
		}

		switch req.GrantType {
		case grantAuthorizationCode:
			exchangeCode(w, store, issuer, logger, client, req)
		case grantRefreshToken:
			refreshGrant(w, store, issuer, logger, client, req)
		default:
			writeJSONError(w, http.StatusBadRequest, "unsupported_grant_type", "grant_type must be authorization_code or refresh_token")
		}
	}
}

// decodeTokenRequest supports both JSON and form-encoded bodies.
func decodeTokenRequest(w http.ResponseWriter, r *http.Request) (tokenRequest, bool) {
	var req tokenRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
			return req, false
		}
		return req, true
	}

	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid form data")
		return req, false
	}
	return tokenRequest{
		GrantType:    r.FormValue("grant_type"),
		Code:         r.FormValue("code"),
		RedirectURI:  r.FormValue("redirect_uri"),
		CodeVerifier: r.FormValue("code_verifier"),
		ClientID:     r.FormValue("client_id"),
		ClientSecret: r.FormValue("client_secret"),
		RefreshToken: r.FormValue("refresh_token"),
	}, true
}

func exchangeCode(w http.ResponseWriter, store *Store, issuer *TokenIssuer, logger *slog.Logger, client *Client, req tokenRequest) {
	if req.Code == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "code is required")
		return
	}

	ac := store.ConsumeCode(req.Code)
	if ac == nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "invalid or expired authorization code")
		return
	}

	if ac.ClientID != client.ClientID {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "code was issued to another client")
		return
	}

	if req.RedirectURI != ac.RedirectURI {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri mismatch")
		return
	}

	if req.CodeVerifier == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "code_verifier is required")
		return
	}
	if !verifyPKCE(req.CodeVerifier, ac.CodeChallenge) {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "PKCE verification failed")
		return
	}

	user := store.GetUser(ac.UserID)
	if user == nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "user no longer exists")
		return
	}

	resp, err := issuer.Issue(user, client.ClientID, ac.Scopes)
	if err != nil {
		logger.Error("issuing tokens", slog.String("error", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "server_error", "could not issue tokens")
		return
	}

	logger.Info("authorization code exchanged",
		slog.String("client_id", client.ClientID),
		slog.String("user_id", user.ID),
	)
	writeJSON(w, http.StatusOK, resp)
}

// refreshGrant rotates the refresh token. An unknown, expired, or
// foreign refresh token answers 401 so clients treat the session as gone.
func refreshGrant(w http.ResponseWriter, store *Store, issuer *TokenIssuer, logger *slog.Logger, client *Client, req tokenRequest) {
	if req.RefreshToken == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}

	rg, err := store.ConsumeRefresh(req.RefreshToken, client.ClientID)
	if err != nil {
		if errors.Is(err, autherrors.ErrInvalidGrant) {
			writeJSONError(w, http.StatusUnauthorized, "invalid_grant", err.Error())
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "server_error", "could not read refresh token")
		return
	}

	user := store.GetUser(rg.UserID)
	if user == nil {
		writeJSONError(w, http.StatusUnauthorized, "invalid_grant", "user no longer exists")
		return
	}

	resp, err := issuer.Issue(user, client.ClientID, rg.Scopes)
	if err != nil {
		logger.Error("issuing tokens", slog.String("error", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "server_error", "could not issue tokens")
		return
	}

	logger.Debug("refresh token rotated",
		slog.String("client_id", client.ClientID),
		slog.String("user_id", user.ID),
	)
	writeJSON(w, http.StatusOK, resp)
}

// verifyPKCE checks that SHA256(verifier) matches the challenge (S256 method).
func verifyPKCE(verifier, challenge string) bool {
	h := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(h[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
