package sso

import (
	"context"
	"net/http"

	"golang.org/x/oauth2"
)

// clientTokenSource adapts the token manager to oauth2.TokenSource.
type clientTokenSource struct {
	ctx context.Context
	c   *Client
}

// TokenSource returns an oauth2.TokenSource backed by the client's
// stored session. Each Token call goes through the same refresh logic
// as AccessToken, so concurrent callers share a single refresh. ctx is
// used for every Token call.
func (c *Client) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &clientTokenSource{ctx: ctx, c: c}
}

func (s *clientTokenSource) Token() (*oauth2.Token, error) {
	rec, err := s.c.tokens.ValidRecord(s.ctx)
	if err != nil {
		return nil, err
	}

	return &oauth2.Token{
		AccessToken:  rec.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: rec.RefreshToken,
		Expiry:       rec.Expiry(),
	}, nil
}

// AuthorizedHTTPClient returns an *http.Client that adds the current
// access token to every request it sends. It wraps Config.HTTPClient.
func (c *Client) AuthorizedHTTPClient(ctx context.Context) *http.Client {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.cfg.HTTPClient)
	return oauth2.NewClient(ctx, c.TokenSource(ctx))
}
