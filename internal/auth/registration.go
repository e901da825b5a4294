package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"unicode"
	"unicode/utf8"

	autherrors "github.com/alexjbarnes/sso-client/internal/errors"
)

// maxBodySize caps JSON and form request bodies.
const maxBodySize = 64 << 10

const (
	usernameMinLen = 3
	usernameMaxLen = 32
	passwordMinLen = 8
)

// registerRequest is the account registration body.
type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Referral string `json:"referral,omitempty"`
	ClientID string `json:"client_id"`
}

// HandleRegister returns the /auth/register handler. A successful
// registration signs the new user in and answers 201 with a token pair.
func HandleRegister(store *Store, issuer *TokenIssuer, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req registerRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		if store.GetClient(req.ClientID) == nil {
			writeJSONError(w, http.StatusUnauthorized, "invalid_client", "unknown client_id")
			return
		}

		if field, msg := validateRegistration(req); field != "" {
			writeJSONErrorDetails(w, http.StatusBadRequest, "invalid_request", msg, map[string]any{"field": field})
			return
		}

		if !store.RegistrationAllowed() {
			w.Header().Set("Retry-After", "60")
			writeJSONError(w, http.StatusTooManyRequests, "rate_limited", "too many registrations, try again later")
			return
		}

		user, err := store.CreateUser(req.Username, req.Email, req.Password)
		if errors.Is(err, autherrors.ErrUserExists) {
			writeJSONError(w, http.StatusConflict, "user_exists", err.Error())
			return
		}
		if err != nil {
			logger.Error("creating user", slog.String("error", err.Error()))
			writeJSONError(w, http.StatusInternalServerError, "server_error", "could not create account")
			return
		}

		resp, err := issuer.Issue(user, req.ClientID, []string{defaultScope})
		if err != nil {
			logger.Error("issuing tokens", slog.String("error", err.Error()))
			writeJSONError(w, http.StatusInternalServerError, "server_error", "could not issue tokens")
			return
		}

		logger.Info("user registered",
			slog.String("user_id", user.ID),
			slog.String("client_id", req.ClientID),
			slog.Bool("referred", req.Referral != ""),
		)
		writeJSON(w, http.StatusCreated, resp)
	}
}

// validateRegistration returns the offending field and a message, or
// "" when the request is acceptable.
func validateRegistration(req registerRequest) (field, msg string) {
	n := utf8.RuneCountInString(req.Username)
	if n < usernameMinLen || n > usernameMaxLen {
		return "username", "username must be between 3 and 32 characters"
	}
	for _, r := range req.Username {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '-' && r != '.' {
			return "username", "username may only contain letters, digits, '_', '-' and '.'"
		}
	}

	at := strings.LastIndex(req.Email, "@")
	if at < 1 || !strings.Contains(req.Email[at+1:], ".") {
		return "email", "email address is not valid"
	}

	if utf8.RuneCountInString(req.Password) < passwordMinLen {
		return "password", "password must be at least 8 characters"
	}

	return "", ""
}

// decodeJSON decodes a size-limited JSON body into v, answering 400 on
// failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, errCode, description string) {
	writeJSONErrorDetails(w, status, errCode, description, nil)
}

func writeJSONErrorDetails(w http.ResponseWriter, status int, errCode, description string, details map[string]any) {
	body := map[string]any{
		"error":             errCode,
		"error_description": description,
	}
	if details != nil {
		body["details"] = details
	}
	writeJSON(w, status, body)
}
