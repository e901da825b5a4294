package sso

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/alexjbarnes/sso-client/internal/models"
	"golang.org/x/crypto/sha3"
)

const (
	walletNonceLength = 16
	walletStatement   = "Sign in with your wallet. This request will not trigger a blockchain transaction or cost any gas fees."
	nonceAlphabet     = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// WalletChallenge is a sign-in message ready to be signed by a wallet.
type WalletChallenge struct {
	Address  string
	Nonce    string
	IssuedAt time.Time
	Message  string
}

// WalletAuthRequest carries a signed WalletChallenge back to the server.
type WalletAuthRequest struct {
	Address   string `json:"address"`
	Message   string `json:"message"`
	Signature string `json:"signature"`
	ClientID  string `json:"client_id"`
}

// ChecksumAddress returns the EIP-55 mixed-case form of an Ethereum
// address. Mixed-case input must already carry a valid checksum.
func ChecksumAddress(address string) (string, error) {
	raw := strings.TrimPrefix(strings.TrimPrefix(address, "0x"), "0X")
	if len(raw) != 40 {
		return "", validationError("invalid_address", "wallet address must be 20 bytes of hex")
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", validationError("invalid_address", "wallet address contains non-hex characters")
	}

	lower := strings.ToLower(raw)
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(lower))
	digest := h.Sum(nil)

	out := []byte(lower)
	for i, c := range out {
		if c < 'a' || c > 'f' {
			continue
		}
		nibble := digest[i/2]
		if i%2 == 0 {
			nibble >>= 4
		}
		if nibble&0x0f >= 8 {
			out[i] = c - 'a' + 'A'
		}
	}
	checksummed := "0x" + string(out)

	if raw != lower && raw != strings.ToUpper(raw) && "0x"+raw != checksummed {
		return "", validationError("invalid_address", "wallet address checksum mismatch")
	}
	return checksummed, nil
}

// WalletMessage builds a sign-in message (EIP-4361 layout) for address.
// The message is only packaged here; the signature it produces is never
// checked by this package.
func (c *Client) WalletMessage(address string, chainID int) (*WalletChallenge, error) {
	checksummed, err := ChecksumAddress(address)
	if err != nil {
		return nil, err
	}
	if chainID <= 0 {
		chainID = 1
	}

	nonce, err := drawString(c.cfg.Rand, walletNonceLength, nonceAlphabet)
	if err != nil {
		return nil, fmt.Errorf("generating wallet nonce: %w", err)
	}

	issuedAt := c.clock.Now().UTC()

	var b strings.Builder
	fmt.Fprintf(&b, "%s wants you to sign in with your Ethereum account:\n", c.cfg.WalletDomain)
	fmt.Fprintf(&b, "%s\n\n", checksummed)
	fmt.Fprintf(&b, "%s\n\n", walletStatement)
	fmt.Fprintf(&b, "URI: %s\n", c.cfg.RedirectURI)
	b.WriteString("Version: 1\n")
	fmt.Fprintf(&b, "Chain ID: %d\n", chainID)
	fmt.Fprintf(&b, "Nonce: %s\n", nonce)
	fmt.Fprintf(&b, "Issued At: %s\n", issuedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Resources:\n- client:%s", c.cfg.ClientID)

	return &WalletChallenge{
		Address:  checksummed,
		Nonce:    nonce,
		IssuedAt: issuedAt,
		Message:  b.String(),
	}, nil
}

// AuthenticateWallet exchanges a signed wallet message for tokens.
func (c *Client) AuthenticateWallet(ctx context.Context, address, message, signature string) (*AuthResult, error) {
	checksummed, err := ChecksumAddress(address)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(message) == "" || strings.TrimSpace(signature) == "" {
		return nil, validationError("invalid_request", "message and signature are required")
	}

	req := WalletAuthRequest{
		Address:   checksummed,
		Message:   message,
		Signature: signature,
		ClientID:  c.cfg.ClientID,
	}

	var resp models.TokenResponse
	if err := c.dispatcher.request(ctx, http.MethodPost, c.cfg.Routes.Web3Auth, nil, req, &resp); err != nil {
		return nil, fmt.Errorf("wallet authentication: %w", err)
	}
	return c.acceptTokens(ctx, resp)
}
