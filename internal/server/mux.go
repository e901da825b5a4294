// Package server assembles the development SSO server's HTTP routes.
package server

import (
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/sso-client/internal/auth"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Store  *auth.Store
	Issuer *auth.TokenIssuer
	Logger *slog.Logger
	// IssuerURL is the externally reachable base URL.
	IssuerURL string
	// SendOTP delivers one-time codes. Codes are logged when nil.
	SendOTP auth.OTPSender
}

// NewMux builds the HTTP mux with discovery, authorization, token,
// account, and sync endpoints. Verify and sync endpoints are protected
// by Bearer token middleware.
func NewMux(cfg MuxConfig) *http.ServeMux {
	sendOTP := cfg.SendOTP
	if sendOTP == nil {
		sendOTP = auth.LogOTPSender(cfg.Logger)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-authorization-server", auth.HandleServerMetadata(cfg.IssuerURL))
	mux.HandleFunc("/oauth/authorize", auth.HandleAuthorize(cfg.Store, cfg.Logger, cfg.IssuerURL))
	mux.HandleFunc("/oauth/token", auth.HandleToken(cfg.Store, cfg.Issuer, cfg.Logger))
	mux.HandleFunc("/oauth/refresh", auth.HandleRefresh(cfg.Store, cfg.Issuer, cfg.Logger))
	mux.HandleFunc("/oauth/revoke", auth.HandleRevoke(cfg.Store, cfg.Issuer, cfg.Logger))
	mux.HandleFunc("/auth/register", auth.HandleRegister(cfg.Store, cfg.Issuer, cfg.Logger))
	mux.HandleFunc("/auth/otp/request", auth.HandleOTPRequest(cfg.Store, sendOTP))
	mux.HandleFunc("/auth/otp/verify", auth.HandleOTPVerify(cfg.Store, cfg.Issuer, cfg.Logger))
	mux.HandleFunc("/auth/web3", auth.HandleWeb3(cfg.Store, cfg.Issuer, cfg.Logger))

	authMiddleware := auth.Middleware(cfg.Issuer, cfg.Logger)
	mux.Handle("/oauth/verify", authMiddleware(auth.HandleVerify(cfg.Store)))
	mux.Handle("/sync/data", authMiddleware(auth.HandleSyncData(cfg.Store, cfg.Logger)))
	mux.Handle("/sync/financial", authMiddleware(auth.HandleSyncFinancial(cfg.Store, cfg.Logger)))

	return mux
}
