package auth

import (
	"log/slog"
	"net/http"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/alexjbarnes/sso-client/sso"
)

const (
	// walletMessageMaxAge bounds how old an Issued At timestamp may be.
	walletMessageMaxAge = 10 * time.Minute

	// walletClockSkew tolerates clients whose clocks run slightly ahead.
	walletClockSkew = time.Minute
)

var (
	walletNonceRe    = regexp.MustCompile(`(?m)^Nonce: ([A-Za-z0-9]{8,})$`)
	walletIssuedAtRe = regexp.MustCompile(`(?m)^Issued At: (\S+)$`)
)

type web3Request struct {
	Address   string `json:"address"`
	Message   string `json:"message"`
	Signature string `json:"signature"`
	ClientID  string `json:"client_id"`
}

// HandleWeb3 returns the /auth/web3 handler. The message must name the
// address, the client, a fresh nonce, and a recent Issued At time. The
// signature's shape is checked but it is not recovered against the
// address.
func HandleWeb3(store *Store, issuer *TokenIssuer, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req web3Request
		if !decodeJSON(w, r, &req) {
			return
		}

		if store.GetClient(req.ClientID) == nil {
			writeJSONError(w, http.StatusUnauthorized, "invalid_client", "unknown client_id")
			return
		}

		address, err := sso.ChecksumAddress(req.Address)
		if err != nil {
			writeJSONErrorDetails(w, http.StatusBadRequest, "invalid_address", "wallet address is not valid", map[string]any{"field": "address"})
			return
		}

		if !strings.HasPrefix(req.Signature, "0x") || len(req.Signature) < 3 {
			writeJSONErrorDetails(w, http.StatusBadRequest, "invalid_signature", "signature must be 0x-prefixed", map[string]any{"field": "signature"})
			return
		}

		nonce, msg := checkWalletMessage(req.Message, address, req.ClientID, store.now())
		if msg != "" {
			writeJSONErrorDetails(w, http.StatusBadRequest, "invalid_message", msg, map[string]any{"field": "message"})
			return
		}

		if !store.UseNonce(nonce) {
			writeJSONError(w, http.StatusUnauthorized, "invalid_grant", "nonce already used")
			return
		}

		user := store.UserForWallet(address)

		resp, err := issuer.Issue(user, req.ClientID, []string{defaultScope, "wallet"})
		if err != nil {
			logger.Error("issuing tokens", slog.String("error", err.Error()))
			writeJSONError(w, http.StatusInternalServerError, "server_error", "could not issue tokens")
			return
		}

		logger.Info("wallet sign-in",
			slog.String("user_id", user.ID),
			slog.String("address", address),
		)
		writeJSON(w, http.StatusOK, resp)
	}
}

// checkWalletMessage returns the nonce, or a reason the message is not
// acceptable.
func checkWalletMessage(message, address, clientID string, now time.Time) (nonce, reason string) {
	lines := strings.Split(message, "\n")
	if len(lines) < 2 || strings.TrimSpace(lines[1]) != address {
		return "", "message does not name the wallet address"
	}

	if !slices.Contains(lines, "- client:"+clientID) {
		return "", "message is not bound to this client"
	}

	m := walletNonceRe.FindStringSubmatch(message)
	if m == nil {
		return "", "message has no nonce"
	}

	ts := walletIssuedAtRe.FindStringSubmatch(message)
	if ts == nil {
		return "", "message has no Issued At time"
	}
	issuedAt, err := time.Parse(time.RFC3339, ts[1])
	if err != nil {
		return "", "Issued At is not an RFC 3339 time"
	}
	if issuedAt.After(now.Add(walletClockSkew)) || now.Sub(issuedAt) > walletMessageMaxAge {
		return "", "message has expired"
	}

	return m[1], ""
}
