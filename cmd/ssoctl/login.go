package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/alexjbarnes/sso-client/sso"
	"golang.org/x/sync/errgroup"
)

const loginTimeout = 5 * time.Minute

const callbackPage = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Funverse</title></head>
<body style="font-family:sans-serif;text-align:center;padding-top:80px">
<h2>%s</h2><p>You can close this window.</p></body></html>`

// cmdLogin runs the authorization code flow. It listens on the redirect
// URI's host and path, prints the authorization URL, and completes the
// exchange when the browser comes back.
func cmdLogin(ctx context.Context, a *app, _ []string) error {
	redirect, err := url.Parse(a.cfg.RedirectURI)
	if err != nil {
		return fmt.Errorf("parsing redirect URI: %w", err)
	}
	if redirect.Scheme != "http" {
		return fmt.Errorf("login needs an http loopback redirect URI, got %s", a.cfg.RedirectURI)
	}

	authReq, err := a.client.StartAuthorization()
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", redirect.Host)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", redirect.Host, err)
	}

	ctx, cancel := context.WithTimeout(ctx, loginTimeout)
	defer cancel()

	results := make(chan *sso.AuthResult, 1)

	mux := http.NewServeMux()
	mux.HandleFunc(redirect.Path, func(w http.ResponseWriter, r *http.Request) {
		res, err := a.client.HandleCallback(r.Context(), r.URL.Query())
		if err != nil {
			a.logger.Warn("login callback failed", slog.String("error", err.Error()))
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, callbackPage, "Sign-in failed")
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, callbackPage, "Signed in")

		select {
		case results <- res:
		default:
		}
	})

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var result *sso.AuthResult

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("callback server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		defer func() {
			shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			_ = srv.Shutdown(shutdownCtx)
		}()

		select {
		case result = <-results:
			return nil
		case <-gctx.Done():
			return fmt.Errorf("waiting for browser sign-in: %w", gctx.Err())
		}
	})

	fmt.Fprintln(os.Stderr, "Open this URL in your browser to sign in:")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "  "+authReq.URL)
	fmt.Fprintln(os.Stderr)

	if err := g.Wait(); err != nil {
		return err
	}
	return printYAML(result.User)
}
