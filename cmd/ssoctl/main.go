package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/alexjbarnes/sso-client/internal/config"
	"github.com/alexjbarnes/sso-client/internal/logging"
	"github.com/alexjbarnes/sso-client/internal/state"
	"github.com/alexjbarnes/sso-client/sso"
)

var Version = "dev"

const usage = `usage: ssoctl <command> [arguments]

commands:
  login                         sign in through the browser
  register -username -email     create an account and sign in
  otp <destination>             sign in with a one-time code
  wallet <address>              sign in with an Ethereum wallet
  whoami                        show the signed-in user
  token                         print a fresh access token
  claims                        show the access token claims
  refresh                       force a token refresh
  sync <category> k=v...        write sync data
  watch <dir>                   sync <category>.json files as they change
  delta <category> k=n...       queue and flush a numeric delta
  tx <action> <amount>          submit a financial transaction
  sessions                      list clients with stored sessions
  logout                        revoke and forget the session
  version                       print the version
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type command func(ctx context.Context, a *app, args []string) error

var commands = map[string]command{
	"login":    cmdLogin,
	"register": cmdRegister,
	"otp":      cmdOTP,
	"wallet":   cmdWallet,
	"whoami":   cmdWhoami,
	"token":    cmdToken,
	"claims":   cmdClaims,
	"refresh":  cmdRefresh,
	"sync":     cmdSync,
	"watch":    cmdWatch,
	"delta":    cmdDelta,
	"tx":       cmdTx,
	"logout":   cmdLogout,
}

// app bundles what every command needs.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	client *sso.Client
}

func run(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		fmt.Fprint(os.Stderr, usage)
		return nil
	}
	if args[0] == "version" {
		fmt.Println(Version)
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// The persistent store holds a file lock while a client is open, so
	// sessions reads it without building one.
	if args[0] == "sessions" {
		return listSessions(cfg)
	}

	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", args[0])
	}

	level := cfg.LogLevel
	if level == "" {
		level = "warn"
	}
	logger := logging.NewLoggerTo(os.Stderr, cfg.Environment, level)

	client, err := newClient(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	defer func() {
		// Close flushes anything a command queued.
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := client.Close(closeCtx); err != nil {
			logger.Warn("closing client", slog.String("error", err.Error()))
		}
	}()

	return cmd(ctx, &app{cfg: cfg, logger: logger, client: client}, args[1:])
}

func newClient(cfg *config.Config, logger *slog.Logger) (*sso.Client, error) {
	sc := sso.Config{
		ClientID:           cfg.ClientID,
		ClientSecret:       cfg.ClientSecret,
		RedirectURI:        cfg.RedirectURI,
		BaseURL:            cfg.BaseURL,
		Scopes:             cfg.Scopes,
		StoragePath:        cfg.StatePath,
		DisableAutoRefresh: !cfg.AutoRefresh,
		SyncDebounce:       cfg.SyncDebounce,
		DeltaDebounce:      cfg.DeltaDebounce,
		Logger:             logger,
	}

	switch cfg.Storage {
	case config.StorageMemory:
		sc.Storage = sso.NewMemoryStorage()
	case config.StorageSession:
		sc.Storage = sso.NewSessionStorage(cfg.ClientID)
	}

	client, err := sso.NewClient(sc)
	if err != nil {
		return nil, fmt.Errorf("creating client: %w", err)
	}
	return client, nil
}

func cmdRegister(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("register", flag.ContinueOnError)
	username := fs.String("username", "", "account username")
	email := fs.String("email", "", "account email")
	referral := fs.String("referral", "", "referral code")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *username == "" || *email == "" {
		return fmt.Errorf("-username and -email are required")
	}

	password, err := prompt("Password: ")
	if err != nil {
		return err
	}

	res, err := a.client.Register(ctx, sso.RegisterRequest{
		Username: *username,
		Email:    *email,
		Password: password,
		Referral: *referral,
	})
	if err != nil {
		return fmt.Errorf("registering: %w", err)
	}
	return printYAML(res.User)
}

func cmdOTP(ctx context.Context, a *app, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: ssoctl otp <destination>")
	}
	destination := args[0]

	challenge, err := a.client.RequestOTP(ctx, destination)
	if err != nil {
		return fmt.Errorf("requesting code: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Code sent to %s (valid for %ds)\n", destination, challenge.ExpiresIn)

	code, err := prompt("Code: ")
	if err != nil {
		return err
	}

	res, err := a.client.VerifyOTP(ctx, destination, code)
	if err != nil {
		return fmt.Errorf("verifying code: %w", err)
	}
	return printYAML(res.User)
}

func cmdWallet(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("wallet", flag.ContinueOnError)
	chainID := fs.Int("chain", 1, "EIP-155 chain ID")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: ssoctl wallet [-chain N] <address>")
	}

	challenge, err := a.client.WalletMessage(fs.Arg(0), *chainID)
	if err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, "Sign this message with your wallet:")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, challenge.Message)
	fmt.Fprintln(os.Stderr)

	signature, err := prompt("Signature: ")
	if err != nil {
		return err
	}

	res, err := a.client.AuthenticateWallet(ctx, challenge.Address, challenge.Message, signature)
	if err != nil {
		return fmt.Errorf("wallet sign-in: %w", err)
	}
	return printYAML(res.User)
}

func cmdWhoami(ctx context.Context, a *app, _ []string) error {
	user, err := a.client.User(ctx)
	if err != nil {
		return err
	}
	return printYAML(user)
}

func cmdToken(ctx context.Context, a *app, _ []string) error {
	token, err := a.client.AccessToken(ctx)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func cmdClaims(ctx context.Context, a *app, _ []string) error {
	claims, err := a.client.AccessTokenClaims(ctx)
	if err != nil {
		return err
	}
	return printYAML(claims)
}

func cmdRefresh(ctx context.Context, a *app, _ []string) error {
	rec, err := a.client.Refresh(ctx)
	if err != nil {
		return err
	}
	return printYAML(map[string]any{
		"expires_at": rec.Expiry().Format(time.RFC3339),
		"scope":      rec.Scope,
	})
}

func cmdSync(ctx context.Context, a *app, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: ssoctl sync <category> key=value...")
	}
	fields, err := parseFields(args[1:])
	if err != nil {
		return err
	}

	resp, err := a.client.SyncData(ctx, map[string]map[string]any{args[0]: fields})
	if err != nil {
		return err
	}
	return printYAML(resp)
}

func cmdDelta(ctx context.Context, a *app, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: ssoctl delta <category> key=number...")
	}
	fields, err := parseFields(args[1:])
	if err != nil {
		return err
	}
	for k, v := range fields {
		if _, ok := v.(float64); !ok {
			return fmt.Errorf("delta %s must be a number", k)
		}
	}

	a.client.SyncDelta(args[0], fields)
	return a.client.DeltaManager().Flush(ctx)
}

func cmdTx(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("tx", flag.ContinueOnError)
	currency := fs.String("currency", "", "currency code")
	id := fs.String("id", "", "transaction ID (reuse to retry safely)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return fmt.Errorf("usage: ssoctl tx [-currency C] [-id ID] <action> <amount>")
	}

	amount, err := strconv.ParseFloat(fs.Arg(1), 64)
	if err != nil {
		return fmt.Errorf("amount must be a number: %w", err)
	}

	txID := *id
	if txID == "" {
		txID = sso.NewTransactionID()
		fmt.Fprintf(os.Stderr, "transaction id: %s\n", txID)
	}

	res, err := a.client.SyncFinancialTransaction(ctx, sso.FinancialTransactionRequest{
		Action:        fs.Arg(0),
		Amount:        amount,
		TransactionID: txID,
		Currency:      *currency,
	})
	if err != nil {
		return err
	}
	return printYAML(res)
}

func listSessions(cfg *config.Config) error {
	var (
		st  *state.State
		err error
	)
	if cfg.StatePath != "" {
		st, err = state.LoadAt(cfg.StatePath)
	} else {
		st, err = state.Load()
	}
	if err != nil {
		return fmt.Errorf("opening state: %w", err)
	}
	defer st.Close()

	ids, err := st.ClientIDs()
	if err != nil {
		return err
	}
	return printYAML(ids)
}

func cmdLogout(ctx context.Context, a *app, _ []string) error {
	if err := a.client.Logout(ctx); err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, "signed out")
	return nil
}

// parseFields turns key=value arguments into a map. Values that parse as
// numbers or booleans keep that type.
func parseFields(args []string) (map[string]any, error) {
	fields := make(map[string]any, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid field %q (want key=value)", arg)
		}
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			fields[k] = n
		} else if b, err := strconv.ParseBool(v); err == nil {
			fields[k] = b
		} else {
			fields[k] = v
		}
	}
	return fields, nil
}

func prompt(label string) (string, error) {
	fmt.Fprint(os.Stderr, label)
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", err
		}
		return "", fmt.Errorf("no input")
	}
	return strings.TrimSpace(scanner.Text()), nil
}
