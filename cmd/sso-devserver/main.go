package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/alexjbarnes/sso-client/internal/auth"
	"github.com/alexjbarnes/sso-client/internal/config"
	"github.com/alexjbarnes/sso-client/internal/logging"
	"github.com/alexjbarnes/sso-client/internal/server"
)

var Version = "dev"

func main() {
	// Handle gen-key subcommand before loading config.
	if len(os.Args) > 1 && os.Args[1] == "gen-key" {
		genKey()
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// genKey prints a random signing key suitable for SSO_DEV_SIGNING_KEY.
func genKey() {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(hex.EncodeToString(key))
}

func run() error {
	cfg, err := config.LoadDevServer()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)

	clients, err := cfg.ParseClients()
	if err != nil {
		return fmt.Errorf("parsing clients: %w", err)
	}

	users, err := cfg.ParseUsers()
	if err != nil {
		return fmt.Errorf("parsing users: %w", err)
	}

	key, err := cfg.SigningKeyBytes()
	if err != nil {
		return err
	}
	if key == nil {
		logger.Warn("no signing key configured, tokens will not survive a restart")
	}

	store := auth.NewStore(logger)
	defer store.Stop()

	for _, c := range clients {
		if err := store.AddClient(c.ClientID, c.RedirectURI, c.Secret); err != nil {
			return fmt.Errorf("registering client %s: %w", c.ClientID, err)
		}
	}

	// Seed in a stable order so user IDs line up with the log output.
	names := make([]string, 0, len(users))
	for name := range users {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		u, err := store.CreateUser(name, "", users[name])
		if err != nil {
			return fmt.Errorf("creating user %s: %w", name, err)
		}
		logger.Debug("seeded user", slog.String("username", u.Username), slog.String("fun_id", u.FunID))
	}

	issuer := auth.NewTokenIssuer(store, key, cfg.Issuer, cfg.AccessTTL, cfg.RefreshTTL)

	mux := server.NewMux(server.MuxConfig{
		Store:     store,
		Issuer:    issuer,
		Logger:    logger,
		IssuerURL: cfg.Issuer,
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown", slog.String("error", err.Error()))
		}
	}()

	logger.Info("starting dev SSO server",
		slog.String("version", Version),
		slog.String("listen", cfg.ListenAddr),
		slog.String("issuer", cfg.Issuer),
		slog.Int("clients", len(clients)),
		slog.Int("users", len(users)),
	)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}
