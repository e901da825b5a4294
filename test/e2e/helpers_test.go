package e2e_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/sso-client/internal/auth"
	"github.com/alexjbarnes/sso-client/internal/server"
	"github.com/alexjbarnes/sso-client/sso"
	"github.com/stretchr/testify/require"
)

const (
	testUsername = "ada"
	testPassword = "lovelace-e2e"
	testEmail    = "ada@example.com"
	testClientID = "e2e-game"
	redirectURI  = "http://127.0.0.1:19876/callback"
)

// harness holds the full e2e test stack: a real HTTP server running the
// development SSO routes and the outbox of one-time codes it sent.
type harness struct {
	URL   string
	Store *auth.Store

	mu   sync.Mutex
	otps map[string]string
}

// newHarness wires up the SSO HTTP stack via server.NewMux and starts an
// httptest server. Access tokens live for accessTTL.
func newHarness(t *testing.T, accessTTL time.Duration) *harness {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	store := auth.NewStore(logger)
	t.Cleanup(store.Stop)
	require.NoError(t, store.AddClient(testClientID, redirectURI, ""))
	_, err := store.CreateUser(testUsername, testEmail, testPassword)
	require.NoError(t, err)

	h := &harness{Store: store, otps: make(map[string]string)}

	// Use NewUnstartedServer so we can read the listener address before
	// building the mux (the issuer URL is baked into every token).
	ts := httptest.NewUnstartedServer(nil)
	h.URL = "http://" + ts.Listener.Addr().String()

	ts.Config.Handler = server.NewMux(server.MuxConfig{
		Store:     store,
		Issuer:    auth.NewTokenIssuer(store, nil, h.URL, accessTTL, 24*time.Hour),
		Logger:    logger,
		IssuerURL: h.URL,
		SendOTP: func(destination, code string) {
			h.mu.Lock()
			h.otps[destination] = code
			h.mu.Unlock()
		},
	})
	ts.Start()
	t.Cleanup(ts.Close)

	return h
}

// lastOTP returns the most recent code sent to destination.
func (h *harness) lastOTP(destination string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.otps[destination]
}

// newClient builds an SDK client against the harness with in-memory
// storage and a private state store.
func (h *harness) newClient(t *testing.T, mutate ...func(*sso.Config)) *sso.Client {
	t.Helper()

	cfg := sso.Config{
		ClientID:      testClientID,
		RedirectURI:   redirectURI,
		BaseURL:       h.URL,
		Scopes:        []string{"profile", "wallet"},
		Storage:       sso.NewMemoryStorage(),
		StateStore:    sso.NewMemoryStateStore(0),
		SyncDebounce:  time.Hour,
		DeltaDebounce: time.Hour,
	}
	for _, m := range mutate {
		m(&cfg)
	}

	c, err := sso.NewClient(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

// signIn runs the full authorization code flow: start, render the login
// page, submit credentials, and hand the redirect to the client.
func (h *harness) signIn(t *testing.T, c *sso.Client) *sso.AuthResult {
	t.Helper()
	location := h.authorize(t, c, testUsername, testPassword)

	res, err := c.HandleCallbackURL(context.Background(), location)
	require.NoError(t, err)
	return res
}

// authorize drives the login form and returns the callback URL the
// browser would have been sent to.
func (h *harness) authorize(t *testing.T, c *sso.Client, username, password string) string {
	t.Helper()

	authReq, err := c.StartAuthorization()
	require.NoError(t, err)

	resp, err := http.Get(authReq.URL)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	page, err := url.Parse(authReq.URL)
	require.NoError(t, err)
	q := page.Query()

	form := url.Values{
		"csrf_token":            {extractCSRF(t, string(body))},
		"client_id":             {q.Get("client_id")},
		"redirect_uri":          {q.Get("redirect_uri")},
		"state":                 {q.Get("state")},
		"code_challenge":        {q.Get("code_challenge")},
		"code_challenge_method": {q.Get("code_challenge_method")},
		"scope":                 {q.Get("scope")},
		"username":              {username},
		"password":              {password},
	}

	noRedirect := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	resp, err = noRedirect.PostForm(h.URL+"/oauth/authorize", form)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	location := resp.Header.Get("Location")
	require.True(t, strings.HasPrefix(location, redirectURI), location)
	return location
}

var csrfRe = regexp.MustCompile(`name="csrf_token" value="([a-f0-9]+)"`)

func extractCSRF(t *testing.T, body string) string {
	t.Helper()
	m := csrfRe.FindStringSubmatch(body)
	require.Len(t, m, 2, "CSRF token not found in form")
	return m[1]
}
