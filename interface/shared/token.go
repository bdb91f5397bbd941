package shared

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/airbusgeo/landsat-ingester/service/log"
	"golang.org/x/oauth2"
)

// EarlyExpiry is the margin before the expiry of a token from which it is renewed
const EarlyExpiry = time.Minute

// LoginFunc authenticates against the service and returns the value of a new token
type LoginFunc func(ctx context.Context) (string, error)

// TokenSource caches the token of a service and renews it when it expires.
// Concurrent callers share a single login.
type TokenSource struct {
	service     string
	lifetime    time.Duration
	earlyExpiry time.Duration
	login       LoginFunc

	mu    sync.Mutex
	token *oauth2.Token
}

// NewTokenSource returns a TokenSource whose tokens are valid for lifetime
func NewTokenSource(service string, lifetime time.Duration, login LoginFunc) *TokenSource {
	earlyExpiry := EarlyExpiry
	if lifetime <= 2*earlyExpiry {
		earlyExpiry = lifetime / 2
	}
	return &TokenSource{service: service, lifetime: lifetime, earlyExpiry: earlyExpiry, login: login}
}

type loginSource struct {
	ctx context.Context
	ts  *TokenSource
}

func (l loginSource) Token() (*oauth2.Token, error) {
	value, err := l.ts.login(l.ctx)
	if err != nil {
		return nil, err
	}
	log.Logger(l.ctx).Sugar().Debugf("%s: new token obtained", l.ts.service)
	return &oauth2.Token{AccessToken: value, Expiry: time.Now().Add(l.ts.lifetime)}, nil
}

// Token returns a valid token, logging in if the cached one is missing or expired
func (t *TokenSource) Token(ctx context.Context) (*oauth2.Token, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	token, err := oauth2.ReuseTokenSourceWithExpiry(t.token, loginSource{ctx: ctx, ts: t}, t.earlyExpiry).Token()
	if err != nil {
		return nil, fmt.Errorf("%s.Token: %w", t.service, err)
	}
	t.token = token
	return token, nil
}

// Authenticate logs in, whatever the state of the cached token
func (t *TokenSource) Authenticate(ctx context.Context) (*oauth2.Token, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	token, err := loginSource{ctx: ctx, ts: t}.Token()
	if err != nil {
		return nil, fmt.Errorf("%s.Authenticate: %w", t.service, err)
	}
	t.token = token
	return token, nil
}

// Transport adds the token of Source to the requests, except for the Skip urls (the login endpoints)
type Transport struct {
	Base   http.RoundTripper
	Source *TokenSource
	// Header name (e.g. Authorization) and Prefix of its value (e.g. "Bearer ")
	Header string
	Prefix string
	Skip   []string
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if t.skipped(req.URL) {
		return base.RoundTrip(req)
	}

	token, err := t.Source.Token(req.Context())
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}
	// RoundTrip must not modify the original request
	req = req.Clone(req.Context())
	req.Header.Set(t.Header, t.Prefix+token.AccessToken)
	return base.RoundTrip(req)
}

// skipped compares the scheme, host and path of u to the Skip urls, ignoring query and trailing slash
func (t *Transport) skipped(u *url.URL) bool {
	for _, skip := range t.Skip {
		su, err := url.Parse(skip)
		if err != nil {
			continue
		}
		if strings.EqualFold(u.Scheme, su.Scheme) && strings.EqualFold(u.Host, su.Host) &&
			strings.EqualFold(strings.TrimSuffix(u.Path, "/"), strings.TrimSuffix(su.Path, "/")) {
			return true
		}
	}
	return false
}
