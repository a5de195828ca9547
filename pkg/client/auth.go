package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// TokenSource supplies the bearer token for page requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed token.
type StaticToken string

// Token returns the fixed token.
func (s StaticToken) Token(_ context.Context) (string, error) {
	if s == "" {
		return "", &PageError{Class: ErrorClassAuth, Err: ErrNoToken}
	}
	return string(s), nil
}

// HTTPAuthenticator exchanges an API secret and key for a bearer token and
// caches it for the life of the process.
type HTTPAuthenticator struct {
	url       string
	secret    string
	key       string
	userAgent string
	timeout   time.Duration
	transport Transport
	logger    zerolog.Logger

	mu    sync.Mutex
	token string
}

// NewHTTPAuthenticator creates an authenticator posting to authURL.
func NewHTTPAuthenticator(authURL, secret, key, userAgent string, timeout time.Duration, transport Transport) *HTTPAuthenticator {
	if transport == nil {
		transport = NewHTTPTransport(nil)
	}
	return &HTTPAuthenticator{
		url:       authURL,
		secret:    secret,
		key:       key,
		userAgent: userAgent,
		timeout:   timeout,
		transport: transport,
		logger:    log.With().Str("component", "authenticator").Logger(),
	}
}

// Token returns the cached token, authenticating on first use.
func (a *HTTPAuthenticator) Token(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token != "" {
		return a.token, nil
	}

	token, err := a.authenticate(ctx)
	if err != nil {
		return "", err
	}
	a.token = token
	return token, nil
}

// Reset drops the cached token.
func (a *HTTPAuthenticator) Reset() {
	a.mu.Lock()
	a.token = ""
	a.mu.Unlock()
}

func (a *HTTPAuthenticator) authenticate(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("secret", a.secret)
	form.Set("key", a.key)

	header := http.Header{}
	header.Set("Accept", "application/json")
	header.Set("Content-Type", "application/x-www-form-urlencoded")
	if a.userAgent != "" {
		header.Set("User-Agent", a.userAgent)
	}

	resp, err := a.transport.Send(ctx, TransportRequest{
		Method:  http.MethodPost,
		URL:     a.url,
		Header:  header,
		Body:    []byte(form.Encode()),
		Timeout: a.timeout,
	})
	if err != nil {
		a.logger.Error().Err(err).Msg("Authentication request failed")
		return "", &PageError{Class: classifyTransportError(err), Message: "authenticate", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		a.logger.Error().Int("status", resp.StatusCode).Msg("Authentication rejected")
		class := ErrorClassAuth
		if resp.StatusCode >= 500 {
			class = ErrorClassServer
		}
		return "", &PageError{Class: class, StatusCode: resp.StatusCode, Message: "authenticate"}
	}

	var result struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp.Body, &result); err != nil {
		return "", &PageError{Class: ErrorClassAuth, Message: "decode token response", Err: err}
	}

	token := strings.TrimSpace(result.Data.Token)
	if token == "" {
		return "", &PageError{Class: ErrorClassAuth, Err: ErrNoToken}
	}

	a.logger.Info().Msg("Authenticated with API")
	return token, nil
}
