package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	autherrors "github.com/alexjbarnes/sso-client/internal/errors"
)

const (
	otpDigits = 6

	// otpRequestsPerWindow caps codes sent to one destination.
	otpRequestsPerWindow = 5
	otpRequestWindow     = 10 * time.Minute
)

// OTPSender delivers a one-time code to a destination.
type OTPSender func(destination, code string)

// LogOTPSender returns a sender that writes codes to the log. There is
// no mail or SMS delivery in development.
func LogOTPSender(logger *slog.Logger) OTPSender {
	return func(destination, code string) {
		logger.Info("one-time code issued",
			slog.String("destination", destination),
			slog.String("code", code),
		)
	}
}

type otpRequest struct {
	Destination string `json:"destination"`
	Code        string `json:"code,omitempty"`
	ClientID    string `json:"client_id"`
}

type otpChallenge struct {
	Sent      bool  `json:"sent"`
	ExpiresIn int64 `json:"expires_in"`
}

// HandleOTPRequest returns the /auth/otp/request handler.
func HandleOTPRequest(store *Store, send OTPSender) http.HandlerFunc {
	limiter := newWindowLimiter(store.clock, otpRequestWindow, otpRequestsPerWindow)

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req otpRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		if store.GetClient(req.ClientID) == nil {
			writeJSONError(w, http.StatusUnauthorized, "invalid_client", "unknown client_id")
			return
		}

		if !validDestination(req.Destination) {
			writeJSONErrorDetails(w, http.StatusBadRequest, "invalid_request", "destination must be an email address or an E.164 phone number",
				map[string]any{"field": "destination"})
			return
		}

		if !limiter.Take(strings.ToLower(req.Destination)) {
			wait := limiter.RetryAfter(strings.ToLower(req.Destination))
			w.Header().Set("Retry-After", strconv.Itoa(int(wait.Round(time.Second).Seconds())))
			writeJSONError(w, http.StatusTooManyRequests, "rate_limited", "too many codes requested for this destination")
			return
		}

		code := newOTPCode()
		exp := store.SaveOTP(req.Destination, code)
		send(req.Destination, code)

		writeJSON(w, http.StatusOK, otpChallenge{
			Sent:      true,
			ExpiresIn: int64(exp.Sub(store.now()).Seconds()),
		})
	}
}

// HandleOTPVerify returns the /auth/otp/verify handler. The token
// response carries no expires_in; clients assume the default lifetime.
func HandleOTPVerify(store *Store, issuer *TokenIssuer, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req otpRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		if store.GetClient(req.ClientID) == nil {
			writeJSONError(w, http.StatusUnauthorized, "invalid_client", "unknown client_id")
			return
		}

		if err := store.ConsumeOTP(req.Destination, strings.TrimSpace(req.Code)); err != nil {
			if errors.Is(err, autherrors.ErrInvalidCode) {
				writeJSONErrorDetails(w, http.StatusBadRequest, "invalid_code", err.Error(), map[string]any{"field": "code"})
				return
			}
			writeJSONError(w, http.StatusInternalServerError, "server_error", "could not verify code")
			return
		}

		user := store.UserForDestination(req.Destination)

		resp, err := issuer.Issue(user, req.ClientID, []string{defaultScope})
		if err != nil {
			logger.Error("issuing tokens", slog.String("error", err.Error()))
			writeJSONError(w, http.StatusInternalServerError, "server_error", "could not issue tokens")
			return
		}
		resp.ExpiresIn = 0

		logger.Info("one-time code accepted",
			slog.String("user_id", user.ID),
			slog.String("client_id", req.ClientID),
		)
		writeJSON(w, http.StatusOK, resp)
	}
}

func validDestination(d string) bool {
	if at := strings.LastIndex(d, "@"); at > 0 && strings.Contains(d[at+1:], ".") {
		return true
	}
	if len(d) < 8 || len(d) > 16 || d[0] != '+' {
		return false
	}
	for _, c := range d[1:] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func newOTPCode() string {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return fmt.Sprintf("%0*d", otpDigits, n.Int64())
}
