package auth

import (
	"errors"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	codeExpiry = 5 * time.Minute

	// Random bytes behind CSRF tokens and authorization codes. Both are
	// hex encoded, doubling their length.
	csrfTokenBytes = 16
	authCodeBytes  = 32

	// defaultScope is granted when the request names none.
	defaultScope = "profile"

	// Failed sign-ins allowed per source IP within loginFailureWindow.
	loginMaxFailures   = 10
	loginFailureWindow = 5 * time.Minute
)

var loginPage = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Sign in to Funverse</title>
<style>
  html, body { height: 100%; margin: 0; }
  body {
    font: 15px/1.45 system-ui, sans-serif;
    background: radial-gradient(circle at top, #2b1f5c 0%, #0c0a1a 70%);
    color: #f1eefc;
    display: grid;
    place-items: center;
  }
  main {
    width: min(92vw, 360px);
    background: rgba(20, 16, 40, 0.92);
    border-radius: 14px;
    box-shadow: 0 12px 40px rgba(0, 0, 0, 0.45);
    padding: 28px 26px 24px;
  }
  header { text-align: center; margin-bottom: 18px; }
  header .logo { font-size: 1.6rem; font-weight: 700; letter-spacing: 0.04em; color: #ffcf4a; }
  header .app { margin-top: 6px; color: #b8b0d8; font-size: 0.9rem; }
  ul.scopes { list-style: none; padding: 0; margin: 0 0 18px; display: flex; flex-wrap: wrap; gap: 6px; }
  ul.scopes li { background: #2d2552; border-radius: 999px; padding: 2px 10px; font-size: 0.8rem; }
  p.alert { background: #4a1630; color: #ffb4c8; border-radius: 8px; padding: 8px 12px; margin: 0 0 14px; }
  form { display: grid; gap: 10px; }
  form label { font-size: 0.8rem; color: #b8b0d8; }
  form input { font: inherit; padding: 9px 11px; border-radius: 8px; border: 1px solid #3b3270; background: #120f26; color: inherit; }
  form button { font: inherit; font-weight: 600; margin-top: 6px; padding: 10px; border: 0; border-radius: 8px; background: #ffcf4a; color: #1b1433; cursor: pointer; }
  form button:hover { background: #ffd965; }
</style>
</head>
<body>
<main>
  <header>
    <div class="logo">FUNVERSE</div>
    <div class="app">Continue to <strong>{{.ClientID}}</strong></div>
  </header>
  <ul class="scopes">{{range .Scopes}}<li>{{.}}</li>{{end}}</ul>
  {{with .Error}}<p class="alert">{{.}}</p>{{end}}
  <form method="POST">
    <input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
    <input type="hidden" name="client_id" value="{{.ClientID}}">
    <input type="hidden" name="redirect_uri" value="{{.RedirectURI}}">
    <input type="hidden" name="state" value="{{.State}}">
    <input type="hidden" name="code_challenge" value="{{.CodeChallenge}}">
    <input type="hidden" name="code_challenge_method" value="{{.CodeChallengeMethod}}">
    <input type="hidden" name="scope" value="{{.Scope}}">
    <label for="username">Username or email</label>
    <input id="username" name="username" autocomplete="username" required autofocus>
    <label for="password">Password</label>
    <input id="password" name="password" type="password" autocomplete="current-password" required>
    <button type="submit">Play on</button>
  </form>
</main>
</body>
</html>`))

// authorizeParams are the OAuth parameters of an authorization request.
// The login form carries them from the GET to the POST.
type authorizeParams struct {
	ClientID            string
	RedirectURI         string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Scopes              []string
}

// Scope is the space-separated form of Scopes.
func (p *authorizeParams) Scope() string {
	return strings.Join(p.Scopes, " ")
}

type loginView struct {
	*authorizeParams
	CSRFToken string
	Error     string
}

// authorizeError is an OAuth error response. When redirect is set it is
// delivered to the client's redirect URI (RFC 6749 Section 4.1.2.1).
// Failures before the redirect URI is validated are answered directly.
type authorizeError struct {
	code        string
	description string
	redirect    bool
}

func (e *authorizeError) Error() string { return e.code + ": " + e.description }

// parseAuthorize validates the client, redirect URI, and PKCE parameters
// in v. Form posts carry no response_type, so requireResponseType is
// false for them.
func parseAuthorize(store *Store, v url.Values, requireResponseType bool) (*authorizeParams, error) {
	p := &authorizeParams{
		ClientID:            v.Get("client_id"),
		State:               v.Get("state"),
		CodeChallenge:       v.Get("code_challenge"),
		CodeChallengeMethod: v.Get("code_challenge_method"),
		Scopes:              strings.Fields(v.Get("scope")),
	}

	if p.ClientID == "" {
		return nil, &authorizeError{code: "invalid_request", description: "missing client_id"}
	}

	client := store.GetClient(p.ClientID)
	if client == nil {
		return nil, &authorizeError{code: "invalid_client", description: "unknown client_id"}
	}

	redirectURI, ok := resolveRedirect(client, v.Get("redirect_uri"))
	if !ok {
		return nil, &authorizeError{code: "invalid_request", description: "redirect_uri not registered for this client"}
	}
	p.RedirectURI = redirectURI

	if requireResponseType {
		switch rt := v.Get("response_type"); rt {
		case "code":
		case "":
			return p, &authorizeError{code: "invalid_request", description: `response_type must be "code"`, redirect: true}
		default:
			return p, &authorizeError{code: "unsupported_response_type", description: `response_type must be "code"`, redirect: true}
		}
	}

	if p.CodeChallenge == "" {
		return p, &authorizeError{code: "invalid_request", description: "code_challenge is required (PKCE)", redirect: true}
	}
	if p.CodeChallengeMethod != "S256" {
		return p, &authorizeError{code: "invalid_request", description: "code_challenge_method must be S256", redirect: true}
	}

	if len(p.Scopes) == 0 {
		p.Scopes = []string{defaultScope}
	}

	return p, nil
}

// failAuthorize answers a parseAuthorize error.
func failAuthorize(w http.ResponseWriter, r *http.Request, p *authorizeParams, err error) {
	var ae *authorizeError
	if !errors.As(err, &ae) {
		http.Error(w, "invalid authorization request", http.StatusBadRequest)
		return
	}
	if !ae.redirect {
		http.Error(w, ae.description, http.StatusBadRequest)
		return
	}

	params := url.Values{}
	params.Set("error", ae.code)
	params.Set("error_description", ae.description)
	if p.State != "" {
		params.Set("state", p.State)
	}
	redirectWithParams(w, r, p.RedirectURI, params)
}

// redirectWithParams appends params to redirectURI, keeping any query it
// already carries.
func redirectWithParams(w http.ResponseWriter, r *http.Request, redirectURI string, params url.Values) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}

	q := u.Query()
	for k, vs := range params {
		q[k] = vs
	}
	u.RawQuery = q.Encode()

	http.Redirect(w, r, u.String(), http.StatusFound)
}

// HandleAuthorize returns the /oauth/authorize handler. The issuer is
// added to successful redirects (RFC 9207).
func HandleAuthorize(store *Store, logger *slog.Logger, issuer string) http.HandlerFunc {
	failures := newWindowLimiter(store.clock, loginFailureWindow, loginMaxFailures)

	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			p, err := parseAuthorize(store, r.URL.Query(), true)
			if err != nil {
				failAuthorize(w, r, p, err)
				return
			}
			renderLogin(w, http.StatusOK, store, p, "")

		case http.MethodPost:
			r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
			if err := r.ParseForm(); err != nil {
				http.Error(w, "invalid form data", http.StatusBadRequest)
				return
			}
			p, err := parseAuthorize(store, r.PostForm, false)
			if err != nil {
				failAuthorize(w, r, p, err)
				return
			}
			completeLogin(w, r, store, logger, failures, issuer, p)

		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

func completeLogin(w http.ResponseWriter, r *http.Request, store *Store, logger *slog.Logger, failures *windowLimiter, issuer string, p *authorizeParams) {
	// The limit is checked before the CSRF token is spent so a throttled
	// user can retry with the same page.
	ip := remoteIP(r)
	if failures.Limited(ip) {
		logger.Warn("login rate limited", slog.String("ip", ip))
		http.Error(w, "too many failed login attempts, try again later", http.StatusTooManyRequests)
		return
	}

	// A bad CSRF token may be a cross-site post; never redirect on it.
	if !store.ConsumeCSRF(r.PostFormValue("csrf_token"), p.ClientID, p.RedirectURI) {
		http.Error(w, "invalid or expired CSRF token", http.StatusForbidden)
		return
	}

	login := r.PostFormValue("username")
	user, err := store.Authenticate(login, r.PostFormValue("password"))
	if err != nil {
		failures.Add(ip)
		logger.Warn("login failed", slog.String("login", login), slog.String("ip", ip))
		renderLogin(w, http.StatusUnauthorized, store, p, "Invalid username or password")
		return
	}

	code := RandomHex(authCodeBytes)
	store.SaveCode(&AuthCode{
		Code:          code,
		ClientID:      p.ClientID,
		RedirectURI:   p.RedirectURI,
		CodeChallenge: p.CodeChallenge,
		UserID:        user.ID,
		Scopes:        p.Scopes,
		ExpiresAt:     store.now().Add(codeExpiry),
	})

	logger.Info("login successful",
		slog.String("user_id", user.ID),
		slog.String("client_id", p.ClientID),
	)

	params := url.Values{"code": {code}}
	if p.State != "" {
		params.Set("state", p.State)
	}
	if issuer != "" {
		params.Set("iss", issuer)
	}
	redirectWithParams(w, r, p.RedirectURI, params)
}

// renderLogin shows the sign-in form with a fresh CSRF token bound to
// the client and redirect URI.
func renderLogin(w http.ResponseWriter, status int, store *Store, p *authorizeParams, errMsg string) {
	token := RandomHex(csrfTokenBytes)
	store.SaveCSRF(token, p.ClientID, p.RedirectURI)

	h := w.Header()
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	h.Set("X-Frame-Options", "DENY")
	h.Set("Content-Security-Policy", "frame-ancestors 'none'")
	w.WriteHeader(status)

	_ = loginPage.Execute(w, loginView{authorizeParams: p, CSRFToken: token, Error: errMsg})
}

// validateRedirectURI checks redirectURI against the client's registered
// URI. When the registered URI is an http loopback address, any port is
// accepted on the same host and path (RFC 8252 Section 7.3).
func validateRedirectURI(client *Client, redirectURI string) bool {
	if redirectURI == client.RedirectURI {
		return true
	}

	reg, err := url.Parse(client.RedirectURI)
	if err != nil || reg.Scheme != "http" || !isLoopbackHost(reg.Hostname()) {
		return false
	}

	// Hostnames are compared parsed, so 127.0.0.1.evil.com never matches.
	ru, err := url.Parse(redirectURI)
	if err != nil {
		return false
	}

	return ru.Scheme == reg.Scheme && ru.Hostname() == reg.Hostname() && ru.Path == reg.Path && ru.RawQuery == reg.RawQuery
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// resolveRedirect returns the effective redirect URI, defaulting to the
// registered one (RFC 6749 Section 3.1.2.3).
func resolveRedirect(client *Client, redirectURI string) (string, bool) {
	if redirectURI == "" {
		return client.RedirectURI, true
	}
	return redirectURI, validateRedirectURI(client, redirectURI)
}

// remoteIP is r.RemoteAddr without the port.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
