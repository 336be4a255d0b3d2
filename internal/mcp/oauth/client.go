package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/teemow/obsidian-mcp/internal/instrumentation"
	"github.com/teemow/obsidian-mcp/internal/logging"
)

// maxErrorBody bounds how much of an upstream error body is kept for logs.
const maxErrorBody = 512

// UpstreamError is a failed call to the identity provider.
type UpstreamError struct {
	Operation string
	Status    int
	Body      string
	Err       error
}

// Error implements the error interface
func (e *UpstreamError) Error() string {
	switch {
	case e.Status != 0 && e.Err != nil:
		return fmt.Sprintf("%s failed with status %d: %v", e.Operation, e.Status, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("%s failed with status %d: %s", e.Operation, e.Status, e.Body)
	default:
		return fmt.Sprintf("%s failed: %v", e.Operation, e.Err)
	}
}

// Unwrap returns the cause.
func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// ExchangeResult is what the provider returned for an authorization code.
type ExchangeResult struct {
	AccessToken  string
	TokenType    string
	RefreshToken string
	ExpiresIn    int64
	Scope        string
	IDToken      string
}

// Client talks to the upstream identity provider.
type Client struct {
	provider    string
	oauth       *oauth2.Config
	userInfoURL string
	httpClient  *http.Client
	timeout     time.Duration
	now         func() time.Time
	metrics     *instrumentation.Metrics
	logger      *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the HTTP client used for provider calls.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithClientMetrics records upstream call counts and latency.
func WithClientMetrics(m *instrumentation.Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithClientLogger sets the client logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a provider client from cfg. Client credentials are sent
// in the request body, which every supported provider accepts.
func NewClient(cfg Config, opts ...ClientOption) *Client {
	c := &Client{
		provider: cfg.Provider,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       cfg.Scopes(),
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthorizationEndpoint,
				TokenURL:  cfg.TokenEndpoint,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		userInfoURL: cfg.UserInfoEndpoint,
		timeout:     cfg.timeout(),
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: c.timeout}
	}
	c.logger = logging.WithComponent(c.logger, "oauth_client")
	return c
}

// AuthCodeURL builds the provider authorization URL for state. PKCE
// parameters from the original request are forwarded unmodified.
func (c *Client) AuthCodeURL(state string, req AuthRequest) string {
	var opts []oauth2.AuthCodeOption
	if req.CodeChallenge != "" {
		opts = append(opts, oauth2.SetAuthURLParam("code_challenge", req.CodeChallenge))
		if req.CodeChallengeMethod != "" {
			opts = append(opts, oauth2.SetAuthURLParam("code_challenge_method", req.CodeChallengeMethod))
		}
	}
	return c.oauth.AuthCodeURL(state, opts...)
}

// Exchange trades an authorization code for tokens.
func (c *Client) Exchange(ctx context.Context, code string) (*ExchangeResult, error) {
	ctx, span := instrumentation.StartUpstreamSpan(ctx, c.provider, instrumentation.UpstreamExchange)
	defer span.End()

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	tok, err := c.oauth.Exchange(ctx, code)
	if err != nil {
		upErr := &UpstreamError{Operation: instrumentation.UpstreamExchange, Err: err}
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
			upErr.Status = retrieveErr.Response.StatusCode
			upErr.Body = truncate(string(retrieveErr.Body), maxErrorBody)
		}
		c.record(ctx, instrumentation.UpstreamExchange, instrumentation.StatusError, start)
		instrumentation.SetSpanError(span, upErr)
		c.logger.Warn("Token exchange failed",
			"provider", c.provider,
			"status", upErr.Status,
			"body", upErr.Body,
			logging.Err(err))
		return nil, upErr
	}

	result := &ExchangeResult{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		RefreshToken: tok.RefreshToken,
		ExpiresIn:    tok.ExpiresIn,
	}
	if result.TokenType == "" {
		result.TokenType = "Bearer"
	}
	if result.ExpiresIn == 0 && !tok.Expiry.IsZero() {
		if remaining := tok.Expiry.Sub(c.now()).Round(time.Second); remaining > 0 {
			result.ExpiresIn = int64(remaining / time.Second)
		}
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		result.Scope = scope
	}
	if idToken, ok := tok.Extra("id_token").(string); ok {
		result.IDToken = idToken
	}

	c.record(ctx, instrumentation.UpstreamExchange, instrumentation.StatusSuccess, start)
	instrumentation.SetSpanSuccess(span)
	return result, nil
}

// ErrNoUserInfoEndpoint is returned by UserInfo when the provider has no
// userinfo endpoint, so no token can be checked.
var ErrNoUserInfoEndpoint = errors.New("no userinfo endpoint configured")

// UserInfo fetches the user claims for an access token.
func (c *Client) UserInfo(ctx context.Context, accessToken string) (map[string]any, error) {
	if c.userInfoURL == "" {
		return nil, ErrNoUserInfoEndpoint
	}

	ctx, span := instrumentation.StartUpstreamSpan(ctx, c.provider, instrumentation.UpstreamUserInfo)
	defer span.End()

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	fail := func(err error) (map[string]any, error) {
		c.record(ctx, instrumentation.UpstreamUserInfo, instrumentation.StatusError, start)
		instrumentation.SetSpanError(span, err)
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.userInfoURL, nil)
	if err != nil {
		return fail(&UpstreamError{Operation: instrumentation.UpstreamUserInfo, Err: err})
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fail(&UpstreamError{Operation: instrumentation.UpstreamUserInfo, Err: err})
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fail(&UpstreamError{
			Operation: instrumentation.UpstreamUserInfo,
			Status:    resp.StatusCode,
			Body:      string(body),
		})
	}

	var claims map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return fail(&UpstreamError{
			Operation: instrumentation.UpstreamUserInfo,
			Status:    resp.StatusCode,
			Err:       fmt.Errorf("decode user info: %w", err),
		})
	}

	c.record(ctx, instrumentation.UpstreamUserInfo, instrumentation.StatusSuccess, start)
	instrumentation.SetSpanSuccess(span)
	return claims, nil
}

// IDTokenClaims extracts the claims of an id_token without verifying its
// signature. The claims end up in the token's user bag and are never used
// to make an authorization decision.
func IDTokenClaims(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("parse id_token: %w", err)
	}
	return map[string]any(claims), nil
}

func (c *Client) record(ctx context.Context, operation, status string, start time.Time) {
	c.metrics.RecordUpstreamCall(ctx, c.provider, operation, status, time.Since(start))
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
