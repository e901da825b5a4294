package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/alexjbarnes/sso-client/internal/models"
)

// HandleVerify returns the /oauth/verify handler. It must sit behind
// Middleware and answers with the caller's profile.
func HandleVerify(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		user := store.UserRecord(RequestUserID(r.Context()))
		if user == nil {
			writeJSONError(w, http.StatusUnauthorized, "invalid_token", "user no longer exists")
			return
		}

		writeJSON(w, http.StatusOK, models.VerifyResponse{Valid: true, User: user})
	}
}

type revokeRequest struct {
	Token         string `json:"token"`
	TokenTypeHint string `json:"token_type_hint"`
	ClientID      string `json:"client_id"`
	ClientSecret  string `json:"client_secret"`
}

// HandleRevoke returns the /oauth/revoke handler (RFC 7009). Unknown
// tokens are not an error. A valid bearer access token on the request is
// revoked as well, so one call ends the whole session.
func HandleRevoke(store *Store, issuer *TokenIssuer, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req revokeRequest
		if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
			if !decodeJSON(w, r, &req) {
				return
			}
		} else {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
			if err := r.ParseForm(); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid form data")
				return
			}
			req = revokeRequest{
				Token:         r.FormValue("token"),
				TokenTypeHint: r.FormValue("token_type_hint"),
				ClientID:      r.FormValue("client_id"),
				ClientSecret:  r.FormValue("client_secret"),
			}
		}

		if id, secret, ok := r.BasicAuth(); ok {
			req.ClientID, req.ClientSecret = id, secret
		}

		client, err := store.AuthenticateClient(req.ClientID, req.ClientSecret)
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
			return
		}

		if req.Token == "" {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "token is required")
			return
		}

		revoked := false
		if req.TokenTypeHint != "access_token" {
			revoked = store.RevokeRefresh(req.Token, client.ClientID)
		}
		if !revoked {
			revoked = revokeAccess(issuer, req.Token, client.ClientID)
		}

		if bearer, ok := bearerToken(r); ok && bearer != req.Token {
			revokeAccess(issuer, bearer, client.ClientID)
		}

		logger.Info("token revocation",
			slog.String("client_id", client.ClientID),
			slog.String("hint", req.TokenTypeHint),
			slog.Bool("revoked", revoked),
		)
		w.WriteHeader(http.StatusOK)
	}
}

// revokeAccess revokes token if it is an access token issued to clientID.
func revokeAccess(issuer *TokenIssuer, token, clientID string) bool {
	claims, err := issuer.parseForRevocation(token)
	if err != nil || claims.ID == "" || claims.ClientID != clientID {
		return false
	}
	issuer.revokeClaims(claims)
	return true
}
