package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	mcpoauth "github.com/giantswarm/mcp-oauth"

	"github.com/teemow/obsidian-mcp/internal/instrumentation"
	"github.com/teemow/obsidian-mcp/internal/logging"
	"github.com/teemow/obsidian-mcp/internal/router"
	"github.com/teemow/obsidian-mcp/internal/store"
)

// stateBytes is the entropy of server-generated state values.
const stateBytes = 32

// AuthorizeParams are the query parameters of an authorization request.
type AuthorizeParams struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// AuthorizeParamsFromQuery reads AuthorizeParams from a URL query.
func AuthorizeParamsFromQuery(q url.Values) AuthorizeParams {
	return AuthorizeParams{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		ResponseType:        q.Get("response_type"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	}
}

// CallbackOutcome tells the handler how to answer a successful callback.
type CallbackOutcome struct {
	// RedirectURL is the caller's redirect_uri with code and state appended.
	// It is empty when no pending request was found for the state.
	RedirectURL string
	Token       Token
}

// Flow is the authorization-code state machine.
type Flow struct {
	cfg      Config
	store    *store.Store
	client   *Client
	metrics  *instrumentation.Metrics
	audit    *AuditLogger
	logger   *slog.Logger
	newState func() (string, error)
}

// FlowOption configures a Flow.
type FlowOption func(*Flow)

// WithFlowMetrics records state transitions.
func WithFlowMetrics(m *instrumentation.Metrics) FlowOption {
	return func(f *Flow) {
		f.metrics = m
	}
}

// WithFlowLogger sets the flow logger. The audit log is derived from it.
func WithFlowLogger(logger *slog.Logger) FlowOption {
	return func(f *Flow) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithStateGenerator replaces the state generator.
func WithStateGenerator(gen func() (string, error)) FlowOption {
	return func(f *Flow) {
		if gen != nil {
			f.newState = gen
		}
	}
}

// NewFlow creates the state machine over st, calling the provider through client.
func NewFlow(cfg Config, st *store.Store, client *Client, opts ...FlowOption) *Flow {
	f := &Flow{
		cfg:      cfg,
		store:    st,
		client:   client,
		logger:   slog.Default(),
		newState: GenerateState,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = logging.WithComponent(f.logger, "oauth")
	f.audit = NewAuditLogger(f.logger.With("audit", true))
	return f
}

// Config returns the flow's configuration.
func (f *Flow) Config() Config {
	return f.cfg
}

// Client returns the provider client.
func (f *Flow) Client() *Client {
	return f.client
}

// Audit returns the flow's audit logger.
func (f *Flow) Audit() *AuditLogger {
	return f.audit
}

// GenerateState returns 32 random bytes, base64url encoded.
func GenerateState() (string, error) {
	buf := make([]byte, stateBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Authorize validates an authorization request, records it as pending and
// returns the provider URL to redirect to (NONE -> PENDING).
func (f *Flow) Authorize(ctx context.Context, params AuthorizeParams, remoteIP string) (string, error) {
	if params.ResponseType != "" && params.ResponseType != "code" {
		return "", ErrUnsupportedResponseType("Only response_type=code is supported")
	}
	switch {
	case params.ClientID == "":
		return "", ErrInvalidRequest("client_id is required")
	case params.RedirectURI == "":
		return "", ErrInvalidRequest("redirect_uri is required")
	case params.ResponseType == "":
		return "", ErrInvalidRequest("response_type is required")
	}
	if err := validateRedirectURI(params.RedirectURI); err != nil {
		return "", ErrInvalidRequest(err.Error())
	}
	if params.ClientID != f.cfg.ClientID {
		f.audit.LogInvalidClient(params.ClientID, remoteIP)
		return "", ErrInvalidClient("Unknown client_id")
	}

	req := AuthRequest{
		RedirectURI:         params.RedirectURI,
		ClientID:            params.ClientID,
		Scope:               params.Scope,
		CodeChallenge:       params.CodeChallenge,
		CodeChallengeMethod: params.CodeChallengeMethod,
		Timestamp:           f.store.Now(),
	}

	if params.State != "" {
		req.State = params.State
		if err := f.insertPending(ctx, req); err != nil {
			if errors.Is(err, store.ErrExists) {
				f.audit.LogStateConflict(req.State, req.ClientID, remoteIP)
				return "", ErrStateConflict("state is already in use")
			}
			return "", err
		}
	} else if err := f.insertGenerated(ctx, &req); err != nil {
		return "", err
	}

	f.metrics.RecordOAuthTransition(ctx, f.cfg.Provider, instrumentation.OAuthStatePending)
	f.audit.LogAuthorizationStarted(req.State, req.ClientID, remoteIP)
	f.logger.Debug("Authorization request pending", logging.State(req.State))

	return f.client.AuthCodeURL(req.State, req), nil
}

func (f *Flow) insertGenerated(ctx context.Context, req *AuthRequest) error {
	for attempt := 0; attempt < 3; attempt++ {
		state, err := f.newState()
		if err != nil {
			return err
		}
		req.State = state
		err = f.insertPending(ctx, *req)
		if !errors.Is(err, store.ErrExists) {
			return err
		}
	}
	return errors.New("generate state: no unused value")
}

func (f *Flow) insertPending(ctx context.Context, req AuthRequest) error {
	rec, err := authRequestRecord(req)
	if err != nil {
		return err
	}
	return f.store.Insert(ctx, rec)
}

// Callback consumes the provider's redirect (PENDING -> EXCHANGED, or
// PENDING -> FAILED when the provider reports an error). The state is marked
// in flight before the provider is called, so concurrent callbacks for it
// get a conflict. The token replaces the marker only if it is still ours.
func (f *Flow) Callback(ctx context.Context, q url.Values) (*CallbackOutcome, error) {
	result := mcpoauth.ParseCallbackQuery(
		q.Get("code"),
		q.Get("state"),
		q.Get("error"),
		q.Get("error_description"),
		q.Get("error_uri"),
	)

	if result.IsError() {
		silent := mcpoauth.IsSilentAuthError(result.Err())
		f.fail(ctx, result.State, "", result.Error, silent, func(rec store.Record) bool {
			return rec.Kind == store.KindAuthRequest
		})
		desc := result.ErrorDescription
		if desc == "" {
			desc = "OAuth error: " + result.Error
		}
		return nil, ErrProvider(result.Error, desc)
	}

	if result.Code == "" {
		return nil, ErrInvalidRequest("Authorization code not provided")
	}
	if result.State == "" {
		return nil, ErrInvalidRequest("State parameter not provided")
	}
	state := result.State

	ex, err := f.beginExchange(ctx, state)
	if err != nil {
		return nil, err
	}
	pending := ex.Request

	clientID := ""
	if pending != nil {
		clientID = pending.ClientID
	}
	abandon := func(reason string) {
		f.fail(ctx, state, clientID, reason, false, func(rec store.Record) bool {
			return ownsExchange(rec, ex.ID)
		})
	}

	exchanged, err := f.client.Exchange(ctx, result.Code)
	if err != nil {
		abandon(err.Error())
		return nil, router.Upstream("Failed to exchange authorization code", err)
	}

	user, err := f.client.UserInfo(ctx, exchanged.AccessToken)
	if err != nil {
		abandon(err.Error())
		return nil, router.Upstream("Failed to fetch user info", err)
	}
	user = mergeClaims(exchanged.IDToken, user, f.logger)

	token := Token{
		AccessToken:  exchanged.AccessToken,
		TokenType:    exchanged.TokenType,
		ExpiresIn:    exchanged.ExpiresIn,
		RefreshToken: exchanged.RefreshToken,
		Scope:        exchanged.Scope,
		User:         user,
		IssuedAt:     f.store.Now(),
	}
	if token.Scope == "" {
		token.Scope = f.cfg.Scope
	}
	token.setLifetime()

	rec, err := tokenRecord(state, token)
	if err != nil {
		return nil, router.Internal(err)
	}
	err = f.store.Replace(ctx, state, func(current store.Record, found bool) (store.Record, bool) {
		return rec, found && ownsExchange(current, ex.ID)
	})
	if errors.Is(err, store.ErrConflict) {
		return nil, ErrStateConflict("Authorization state changed during the exchange")
	}
	if err != nil {
		return nil, router.Internal(err)
	}

	f.metrics.RecordOAuthTransition(ctx, f.cfg.Provider, instrumentation.OAuthStateExchanged)
	f.audit.LogTokenIssued(state, userEmail(user), clientID, token.Scope)
	f.logger.Info("Authorization code exchanged", logging.State(state), logging.UserHash(userEmail(user)))

	outcome := &CallbackOutcome{Token: token}
	if pending != nil {
		outcome.RedirectURL = appendQuery(pending.RedirectURI, url.Values{
			"code":  {result.Code},
			"state": {state},
		})
	}
	return outcome, nil
}

// beginExchange moves state into KindExchanging under its key lock, so
// exactly one callback exchanges a code for it. A pending request is carried
// over. An unknown state is marked too, and the callback then ends on the
// confirmation page.
func (f *Flow) beginExchange(ctx context.Context, state string) (exchange, error) {
	id, err := GenerateState()
	if err != nil {
		return exchange{}, router.Internal(err)
	}

	var (
		ex       = exchange{ID: id}
		seen     store.Kind
		buildErr error
	)
	err = f.store.Replace(ctx, state, func(current store.Record, found bool) (store.Record, bool) {
		if found {
			seen = current.Kind
			if current.Kind != store.KindAuthRequest {
				return store.Record{}, false
			}
			req, err := decodeAuthRequest(current)
			if err != nil {
				buildErr = err
				return store.Record{}, false
			}
			ex.Request = &req
		}
		rec, err := exchangeRecord(state, ex)
		if err != nil {
			buildErr = err
			return store.Record{}, false
		}
		return rec, true
	})

	switch {
	case buildErr != nil:
		return exchange{}, router.Internal(buildErr)
	case errors.Is(err, store.ErrConflict) && (seen == store.KindToken || seen == store.KindExchanging):
		return exchange{}, ErrStateConflict("Authorization already completed for this state")
	case errors.Is(err, store.ErrConflict):
		return exchange{}, ErrInvalidRequest("Unknown state")
	case err != nil:
		return exchange{}, router.Internal(err)
	}
	return ex, nil
}

// ownsExchange reports whether rec is the in-flight exchange with id.
func ownsExchange(rec store.Record, id string) bool {
	if rec.Kind != store.KindExchanging {
		return false
	}
	ex, err := decodeExchange(rec)
	return err == nil && ex.ID == id
}

// fail records a FAILED transition and drops the record under state when
// discard accepts it, so the state behaves as unknown from now on.
func (f *Flow) fail(ctx context.Context, state, clientID, reason string, silent bool, discard func(store.Record) bool) {
	if state != "" {
		_, err := f.store.Claim(ctx, state, func(rec store.Record) store.Verdict {
			if discard(rec) {
				return store.Discard
			}
			return store.Keep
		})
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			f.logger.Error("Failed to discard pending authorization", logging.State(state), logging.Err(err))
		}
	}
	f.metrics.RecordOAuthTransition(ctx, f.cfg.Provider, instrumentation.OAuthStateFailed)
	f.audit.LogAuthFailure(state, clientID, reason, silent)
}

// Retrieve hands out the token stored under state exactly once
// (EXCHANGED -> RETRIEVED). Expired tokens are deleted and reported as not
// found, the same as a state that never completed.
func (f *Flow) Retrieve(ctx context.Context, state, remoteIP string) (Token, error) {
	if state == "" {
		return Token{}, ErrInvalidRequest("State parameter is required")
	}

	var (
		token   Token
		expired bool
	)
	now := f.store.Now()
	_, err := f.store.Claim(ctx, state, func(rec store.Record) store.Verdict {
		if rec.Kind != store.KindToken {
			return store.Keep
		}
		decoded, err := decodeToken(rec)
		if err != nil {
			f.logger.Warn("Discarding undecodable token record", logging.State(state), logging.Err(err))
			return store.Discard
		}
		if decoded.Expired(now) {
			expired = true
			return store.Discard
		}
		token = decoded
		return store.Take
	})

	if expired {
		f.metrics.RecordOAuthTransition(ctx, f.cfg.Provider, instrumentation.OAuthStateExpired)
		f.audit.LogExpiredToken(state)
	}
	if errors.Is(err, store.ErrNotFound) {
		return Token{}, ErrTokenNotFound()
	}
	if err != nil {
		return Token{}, router.Internal(err)
	}

	f.metrics.RecordOAuthTransition(ctx, f.cfg.Provider, instrumentation.OAuthStateRetrieved)
	f.audit.LogTokenRetrieved(state, remoteIP)
	return token, nil
}

// mergeClaims combines id_token claims with userinfo claims. Userinfo wins
// on conflicts.
func mergeClaims(idToken string, userInfo map[string]any, logger *slog.Logger) map[string]any {
	claims, err := IDTokenClaims(idToken)
	if err != nil {
		logger.Debug("Ignoring unparseable id_token", logging.Err(err))
	}
	if len(claims) == 0 {
		return userInfo
	}
	merged := make(map[string]any, len(claims)+len(userInfo))
	for k, v := range claims {
		merged[k] = v
	}
	for k, v := range userInfo {
		merged[k] = v
	}
	return merged
}

func userEmail(user map[string]any) string {
	if email, ok := user["email"].(string); ok {
		return email
	}
	return ""
}

// appendQuery adds params to raw without re-encoding the parts already
// present.
func appendQuery(raw string, params url.Values) string {
	sep := "?"
	if strings.Contains(raw, "?") {
		sep = "&"
		if strings.HasSuffix(raw, "?") || strings.HasSuffix(raw, "&") {
			sep = ""
		}
	}
	return raw + sep + params.Encode()
}

func validateRedirectURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("redirect_uri is not a valid URL")
	}
	if u.Scheme == "" {
		return fmt.Errorf("redirect_uri must be an absolute URL")
	}
	if u.Fragment != "" || strings.Contains(raw, "#") {
		return fmt.Errorf("redirect_uri must not contain a fragment")
	}
	if (u.Scheme == "http" || u.Scheme == "https") && u.Host == "" {
		return fmt.Errorf("redirect_uri must include a host")
	}
	return nil
}
