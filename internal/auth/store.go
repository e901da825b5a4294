// Package auth implements a development stand-in for the SSO service:
// an OAuth 2.0 authorization server with PKCE, password, OTP, and wallet
// sign-in, plus the sync and financial ledger endpoints. All state is
// in-memory; everything is lost on restart.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	autherrors "github.com/alexjbarnes/sso-client/internal/errors"
	"github.com/alexjbarnes/sso-client/internal/models"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Client is a registered OAuth client. A client without a secret is public.
type Client struct {
	ClientID    string
	RedirectURI string
	secretHash  []byte
}

// Confidential reports whether the client must present a secret.
func (c *Client) Confidential() bool {
	return len(c.secretHash) > 0
}

// User is an account known to the server.
type User struct {
	ID       string
	FunID    string
	Username string
	Email    string
	Wallets  []string

	passwordHash []byte
}

// AuthCode represents a pending authorization code.
type AuthCode struct {
	Code          string
	ClientID      string
	RedirectURI   string
	CodeChallenge string
	UserID        string
	Scopes        []string
	ExpiresAt     time.Time
}

// RefreshGrant is an issued refresh token. Each one is single-use and
// replaced on every refresh.
type RefreshGrant struct {
	Token     string
	ClientID  string
	UserID    string
	Scopes    []string
	ExpiresAt time.Time
}

const (
	// csrfExpiry controls how long a CSRF token remains valid.
	csrfExpiry = 10 * time.Minute

	// otpExpiry controls how long a one-time code remains valid.
	otpExpiry = 5 * time.Minute

	// otpMaxAttempts is the number of wrong guesses that burn a code.
	otpMaxAttempts = 5

	// nonceExpiry bounds how long a wallet nonce is remembered.
	nonceExpiry = 15 * time.Minute

	// cleanupInterval controls how often expired entries are reaped.
	cleanupInterval = 5 * time.Minute

	// registrationsPerMinute caps unauthenticated account creation.
	registrationsPerMinute = 10

	// defaultCurrency applies to transactions that name none.
	defaultCurrency = "coins"
)

type csrfEntry struct {
	clientID    string
	redirectURI string
	expiresAt   time.Time
}

type otpEntry struct {
	code      string
	expiresAt time.Time
	attempts  int
}

// ledger is one user's balances, applied transactions, and synced data.
type ledger struct {
	balances     map[string]float64
	transactions map[string]models.FinancialTransactionResult
	data         map[string]map[string]any
}

// Store holds all in-memory server state.
type Store struct {
	mu     sync.RWMutex
	logger *slog.Logger
	now    func() time.Time

	// hashCost is the bcrypt cost for passwords and client secrets.
	hashCost int

	clients  map[string]*Client
	users    map[string]*User  // id -> user
	logins   map[string]string // lower-cased username or email -> id
	wallets  map[string]string // checksummed address -> id
	codes    map[string]*AuthCode
	refresh  map[string]*RefreshGrant
	revoked  map[string]time.Time // access token jti -> token expiry
	csrf     map[string]csrfEntry
	otps     map[string]otpEntry // destination -> pending code
	nonces   map[string]time.Time
	accounts map[string]*ledger

	registrations *windowLimiter

	stopGC chan struct{}
}

// NewStore creates an empty store and starts a background goroutine that
// periodically removes expired codes, tokens, and nonces. Call Stop() to
// clean up the goroutine.
func NewStore(logger *slog.Logger) *Store {
	s := &Store{
		logger:   logger,
		now:      time.Now,
		hashCost: bcrypt.DefaultCost,
		clients:  make(map[string]*Client),
		users:    make(map[string]*User),
		logins:   make(map[string]string),
		wallets:  make(map[string]string),
		codes:    make(map[string]*AuthCode),
		refresh:  make(map[string]*RefreshGrant),
		revoked:  make(map[string]time.Time),
		csrf:     make(map[string]csrfEntry),
		otps:     make(map[string]otpEntry),
		nonces:   make(map[string]time.Time),
		accounts: make(map[string]*ledger),
		stopGC:   make(chan struct{}),
	}
	s.registrations = newWindowLimiter(s.clock, time.Minute, registrationsPerMinute)
	go s.gcLoop()
	return s
}

// Stop terminates the background cleanup goroutine.
func (s *Store) Stop() {
	close(s.stopGC)
}

func (s *Store) gcLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopGC:
			return
		}
	}
}

// cleanup removes all expired entries from the store.
func (s *Store) cleanup() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, ac := range s.codes {
		if now.After(ac.ExpiresAt) {
			delete(s.codes, k)
		}
	}
	for k, rg := range s.refresh {
		if now.After(rg.ExpiresAt) {
			delete(s.refresh, k)
		}
	}
	for k, exp := range s.revoked {
		if now.After(exp) {
			delete(s.revoked, k)
		}
	}
	for k, entry := range s.csrf {
		if now.After(entry.expiresAt) {
			delete(s.csrf, k)
		}
	}
	for k, entry := range s.otps {
		if now.After(entry.expiresAt) {
			delete(s.otps, k)
		}
	}
	for k, exp := range s.nonces {
		if now.After(exp) {
			delete(s.nonces, k)
		}
	}
}

// --- clients ---

// AddClient registers a client. An empty secret registers a public client.
func (s *Store) AddClient(clientID, redirectURI, secret string) error {
	c := &Client{ClientID: clientID, RedirectURI: redirectURI}
	if secret != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.hashCost)
		if err != nil {
			return fmt.Errorf("hashing client secret: %w", err)
		}
		c.secretHash = hash
	}

	s.mu.Lock()
	s.clients[clientID] = c
	s.mu.Unlock()
	return nil
}

// GetClient returns the client for clientID, or nil.
func (s *Store) GetClient(clientID string) *Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clients[clientID]
}

// AuthenticateClient looks up clientID and checks secret for
// confidential clients. Any secret sent by a public client is ignored.
func (s *Store) AuthenticateClient(clientID, secret string) (*Client, error) {
	c := s.GetClient(clientID)
	if c == nil {
		return nil, autherrors.ErrUnknownClient
	}
	if c.Confidential() && bcrypt.CompareHashAndPassword(c.secretHash, []byte(secret)) != nil {
		return nil, autherrors.ErrUnknownClient
	}
	return c, nil
}

// --- users ---

// CreateUser adds an account. Username and email are matched
// case-insensitively; either may be empty but not both.
func (s *Store) CreateUser(username, email, password string) (*User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.hashCost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, login := range []string{username, email} {
		if login == "" {
			continue
		}
		if _, taken := s.logins[strings.ToLower(login)]; taken {
			return nil, autherrors.ErrUserExists
		}
	}

	u := s.newUserLocked(username, email)
	u.passwordHash = hash
	return u.clone(), nil
}

// newUserLocked creates and indexes a user. Caller holds s.mu.
func (s *Store) newUserLocked(username, email string) *User {
	id := uuid.NewString()
	u := &User{
		ID:       id,
		FunID:    "fun_" + strings.ReplaceAll(id, "-", "")[:12],
		Username: username,
		Email:    email,
	}
	s.users[id] = u
	if username != "" {
		s.logins[strings.ToLower(username)] = id
	}
	if email != "" {
		s.logins[strings.ToLower(email)] = id
	}
	return u
}

// Authenticate checks a username (or email) and password.
func (s *Store) Authenticate(login, password string) (*User, error) {
	s.mu.RLock()
	id, ok := s.logins[strings.ToLower(login)]
	var u *User
	if ok {
		u = s.users[id]
	}
	s.mu.RUnlock()

	if u == nil || len(u.passwordHash) == 0 {
		// Spend the same time as a real comparison so unknown
		// usernames are not distinguishable by latency.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return nil, autherrors.ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword(u.passwordHash, []byte(password)) != nil {
		return nil, autherrors.ErrInvalidCredentials
	}
	return u.clone(), nil
}

var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("dummy-password"), bcrypt.MinCost)

// GetUser returns a copy of the user with the given ID, or nil.
func (s *Store) GetUser(id string) *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil
	}
	return u.clone()
}

// UserForDestination returns the user owning an email destination,
// creating a password-less account on first use.
func (s *Store) UserForDestination(destination string) *User {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.logins[strings.ToLower(destination)]; ok {
		return s.users[id].clone()
	}

	email := ""
	if strings.Contains(destination, "@") {
		email = destination
	}
	u := s.newUserLocked("", email)
	if email == "" {
		s.logins[strings.ToLower(destination)] = u.ID
	}
	return u.clone()
}

// UserForWallet returns the user owning address (checksummed), creating
// an account on first use.
func (s *Store) UserForWallet(address string) *User {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.wallets[address]; ok {
		return s.users[id].clone()
	}

	u := s.newUserLocked("", "")
	u.Wallets = []string{address}
	s.wallets[address] = u.ID
	return u.clone()
}

// UserRecord builds the profile returned to clients.
func (s *Store) UserRecord(id string) *models.UserRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil
	}

	rec := &models.UserRecord{
		ID:              u.ID,
		FunID:           u.FunID,
		Username:        u.Username,
		Email:           u.Email,
		WalletAddresses: append([]string(nil), u.Wallets...),
	}
	if l, ok := s.accounts[id]; ok {
		rec.Rewards = &models.RewardRecord{
			Balance:  l.balances[defaultCurrency],
			Currency: defaultCurrency,
			Points:   int64(len(l.transactions)),
		}
	}
	return rec
}

func (u *User) clone() *User {
	c := *u
	c.Wallets = append([]string(nil), u.Wallets...)
	return &c
}

// RegistrationAllowed reports whether another account may be created
// now, counting the attempt when it may.
func (s *Store) RegistrationAllowed() bool {
	return s.registrations.Take("")
}

// clock reads s.now at call time so tests can swap it after NewStore.
func (s *Store) clock() time.Time {
	return s.now()
}

// --- codes and grants ---

// SaveCode stores an authorization code.
func (s *Store) SaveCode(ac *AuthCode) {
	s.mu.Lock()
	s.codes[ac.Code] = ac
	s.mu.Unlock()
}

// ConsumeCode retrieves and deletes an authorization code.
// Returns nil if not found or expired.
func (s *Store) ConsumeCode(code string) *AuthCode {
	s.mu.Lock()
	defer s.mu.Unlock()

	ac, ok := s.codes[code]
	if !ok {
		return nil
	}
	delete(s.codes, code)

	if s.now().After(ac.ExpiresAt) {
		return nil
	}
	return ac
}

// SaveRefresh stores a refresh grant.
func (s *Store) SaveRefresh(rg *RefreshGrant) {
	s.mu.Lock()
	s.refresh[rg.Token] = rg
	s.mu.Unlock()
}

// ConsumeRefresh retrieves and deletes a refresh grant issued to clientID.
func (s *Store) ConsumeRefresh(token, clientID string) (*RefreshGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rg, ok := s.refresh[token]
	if !ok {
		return nil, autherrors.ErrInvalidGrant
	}
	if rg.ClientID != clientID {
		// Leave it in place; the rightful client may still use it.
		return nil, autherrors.ErrInvalidGrant
	}
	delete(s.refresh, token)

	if s.now().After(rg.ExpiresAt) {
		return nil, autherrors.ErrInvalidGrant
	}
	return rg, nil
}

// RevokeRefresh deletes a refresh grant if it belongs to clientID. It
// reports whether anything was removed.
func (s *Store) RevokeRefresh(token, clientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rg, ok := s.refresh[token]
	if !ok || rg.ClientID != clientID {
		return false
	}
	delete(s.refresh, token)
	return true
}

// RevokeAccess blocks an access token by its ID until it would have
// expired anyway.
func (s *Store) RevokeAccess(jti string, expiresAt time.Time) {
	s.mu.Lock()
	s.revoked[jti] = expiresAt
	s.mu.Unlock()
}

// AccessRevoked reports whether jti has been revoked.
func (s *Store) AccessRevoked(jti string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.revoked[jti]
	return ok
}

// --- CSRF ---

// SaveCSRF stores a CSRF token bound to a client and redirect URI.
func (s *Store) SaveCSRF(token, clientID, redirectURI string) {
	s.mu.Lock()
	s.csrf[token] = csrfEntry{
		clientID:    clientID,
		redirectURI: redirectURI,
		expiresAt:   s.now().Add(csrfExpiry),
	}
	s.mu.Unlock()
}

// ConsumeCSRF retrieves and deletes a CSRF token. Returns false if the
// token is not found, empty, expired, or bound to other parameters.
func (s *Store) ConsumeCSRF(token, clientID, redirectURI string) bool {
	if token == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.csrf[token]
	if !ok {
		return false
	}
	delete(s.csrf, token)

	if entry.clientID != clientID || entry.redirectURI != redirectURI {
		return false
	}
	return s.now().Before(entry.expiresAt)
}

// --- OTP ---

// SaveOTP replaces any pending code for destination.
func (s *Store) SaveOTP(destination, code string) time.Time {
	exp := s.now().Add(otpExpiry)
	s.mu.Lock()
	s.otps[strings.ToLower(destination)] = otpEntry{code: code, expiresAt: exp}
	s.mu.Unlock()
	return exp
}

// ConsumeOTP checks code against the pending code for destination. A
// correct code is deleted; a wrong one counts toward otpMaxAttempts.
func (s *Store) ConsumeOTP(destination, code string) error {
	key := strings.ToLower(destination)

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.otps[key]
	if !ok || s.now().After(entry.expiresAt) {
		delete(s.otps, key)
		return autherrors.ErrInvalidCode
	}
	if entry.code != code {
		entry.attempts++
		if entry.attempts >= otpMaxAttempts {
			delete(s.otps, key)
		} else {
			s.otps[key] = entry
		}
		return autherrors.ErrInvalidCode
	}
	delete(s.otps, key)
	return nil
}

// UseNonce records a wallet sign-in nonce. It returns false if the nonce
// was already used.
func (s *Store) UseNonce(nonce string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, used := s.nonces[nonce]; used {
		return false
	}
	s.nonces[nonce] = s.now().Add(nonceExpiry)
	return true
}

// --- ledger ---

func (s *Store) ledgerLocked(userID string) *ledger {
	l, ok := s.accounts[userID]
	if !ok {
		l = &ledger{
			balances:     make(map[string]float64),
			transactions: make(map[string]models.FinancialTransactionResult),
			data:         make(map[string]map[string]any),
		}
		s.accounts[userID] = l
	}
	return l
}

// ApplyTransaction applies req to userID's balances at most once per
// transaction ID. A repeated ID returns the recorded outcome with
// AlreadyProcessed set and changes nothing.
func (s *Store) ApplyTransaction(userID string, req models.FinancialTransactionRequest) (models.FinancialTransactionResult, error) {
	if req.TransactionID == "" || req.Amount < 0 {
		return models.FinancialTransactionResult{}, autherrors.ErrInvalidTransaction
	}

	currency := req.Currency
	if currency == "" {
		currency = defaultCurrency
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.ledgerLocked(userID)
	if prev, ok := l.transactions[req.TransactionID]; ok {
		prev.AlreadyProcessed = true
		prev.Balances = copyBalances(l.balances)
		return prev, nil
	}

	var delta float64
	switch strings.ToLower(req.Action) {
	case "credit", "earn", "reward", "deposit":
		delta = req.Amount
	case "debit", "spend", "purchase", "withdraw":
		delta = -req.Amount
	default:
		return models.FinancialTransactionResult{}, fmt.Errorf("%w: unknown action %q", autherrors.ErrInvalidTransaction, req.Action)
	}

	if l.balances[currency]+delta < 0 {
		return models.FinancialTransactionResult{}, autherrors.ErrInsufficientFunds
	}
	l.balances[currency] += delta

	res := models.FinancialTransactionResult{
		Success:       true,
		TransactionID: req.TransactionID,
		Action:        req.Action,
		Amount:        req.Amount,
		Currency:      currency,
	}
	l.transactions[req.TransactionID] = res

	res.Balances = copyBalances(l.balances)
	return res, nil
}

// ApplyDeltas adds every numeric field of every category to the balance
// of the same name. Non-numeric fields are ignored.
func (s *Store) ApplyDeltas(userID string, deltas map[string]map[string]any) map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.ledgerLocked(userID)
	for _, fields := range deltas {
		for currency, v := range fields {
			if n, ok := v.(float64); ok {
				l.balances[currency] += n
			}
		}
	}
	return copyBalances(l.balances)
}

// MergeSyncData shallow-merges data into userID's stored categories and
// returns the sorted category names written.
func (s *Store) MergeSyncData(userID string, data map[string]map[string]any) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.ledgerLocked(userID)
	synced := make([]string, 0, len(data))
	for category, fields := range data {
		dst, ok := l.data[category]
		if !ok {
			dst = make(map[string]any, len(fields))
			l.data[category] = dst
		}
		for k, v := range fields {
			dst[k] = v
		}
		synced = append(synced, category)
	}
	sort.Strings(synced)
	return synced
}

// SyncedData returns a copy of userID's stored categories.
func (s *Store) SyncedData(userID string) map[string]map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]map[string]any)
	l, ok := s.accounts[userID]
	if !ok {
		return out
	}
	for category, fields := range l.data {
		c := make(map[string]any, len(fields))
		for k, v := range fields {
			c[k] = v
		}
		out[category] = c
	}
	return out
}

// Balances returns a copy of userID's balances.
func (s *Store) Balances(userID string) map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.accounts[userID]
	if !ok {
		return map[string]float64{}
	}
	return copyBalances(l.balances)
}

func copyBalances(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// RandomHex generates a cryptographically random hex string of the given byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
