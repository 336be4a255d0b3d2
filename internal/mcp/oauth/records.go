package oauth

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/teemow/obsidian-mcp/internal/store"
)

// AuthRequest is a pending authorization request, stored under its state.
type AuthRequest struct {
	State               string    `json:"state"`
	RedirectURI         string    `json:"redirectUri"`
	ClientID            string    `json:"clientId"`
	Scope               string    `json:"scope,omitempty"`
	CodeChallenge       string    `json:"codeChallenge,omitempty"`
	CodeChallengeMethod string    `json:"codeChallengeMethod,omitempty"`
	Timestamp           time.Time `json:"timestamp"`
}

// Token is a completed exchange, stored under the state of the request that
// produced it and handed out at most once.
type Token struct {
	AccessToken  string         `json:"access_token"`
	TokenType    string         `json:"token_type"`
	ExpiresIn    int64          `json:"expires_in,omitempty"`
	RefreshToken string         `json:"refresh_token,omitempty"`
	Scope        string         `json:"scope,omitempty"`
	User         map[string]any `json:"user,omitempty"`
	IssuedAt     time.Time      `json:"issued_at"`
	ExpiresAt    *time.Time     `json:"expires_at,omitempty"`
}

// Expired reports whether the token's lifetime ended before now. Tokens
// without a lifetime never expire here.
func (t Token) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && t.ExpiresAt.Before(now)
}

// setLifetime derives ExpiresAt from IssuedAt and ExpiresIn.
func (t *Token) setLifetime() {
	if t.ExpiresIn <= 0 {
		t.ExpiresAt = nil
		return
	}
	expiresAt := t.IssuedAt.Add(time.Duration(t.ExpiresIn) * time.Second)
	t.ExpiresAt = &expiresAt
}

func authRequestRecord(req AuthRequest) (store.Record, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return store.Record{}, fmt.Errorf("encode auth request: %w", err)
	}
	return store.Record{
		ID:        req.State,
		Kind:      store.KindAuthRequest,
		CreatedAt: req.Timestamp,
		Payload:   payload,
	}, nil
}

func decodeAuthRequest(rec store.Record) (AuthRequest, error) {
	var req AuthRequest
	if rec.Kind != store.KindAuthRequest {
		return req, fmt.Errorf("record is a %s, not an auth request", rec.Kind)
	}
	if err := json.Unmarshal(rec.Payload, &req); err != nil {
		return req, fmt.Errorf("decode auth request: %w", err)
	}
	return req, nil
}

// exchange marks a state whose code is being exchanged. ID tells the
// callback that started the exchange apart from any other.
type exchange struct {
	ID      string       `json:"id"`
	Request *AuthRequest `json:"request,omitempty"`
}

func exchangeRecord(state string, ex exchange) (store.Record, error) {
	payload, err := json.Marshal(ex)
	if err != nil {
		return store.Record{}, fmt.Errorf("encode exchange: %w", err)
	}
	rec := store.Record{
		ID:      state,
		Kind:    store.KindExchanging,
		Payload: payload,
	}
	if ex.Request != nil {
		rec.CreatedAt = ex.Request.Timestamp
	}
	return rec, nil
}

func decodeExchange(rec store.Record) (exchange, error) {
	var ex exchange
	if rec.Kind != store.KindExchanging {
		return ex, fmt.Errorf("record is a %s, not an exchange", rec.Kind)
	}
	if err := json.Unmarshal(rec.Payload, &ex); err != nil {
		return ex, fmt.Errorf("decode exchange: %w", err)
	}
	return ex, nil
}

func tokenRecord(state string, token Token) (store.Record, error) {
	payload, err := json.Marshal(token)
	if err != nil {
		return store.Record{}, fmt.Errorf("encode token: %w", err)
	}
	return store.Record{
		ID:        state,
		Kind:      store.KindToken,
		CreatedAt: token.IssuedAt,
		Payload:   payload,
	}, nil
}

func decodeToken(rec store.Record) (Token, error) {
	var token Token
	if rec.Kind != store.KindToken {
		return token, fmt.Errorf("record is a %s, not a token", rec.Kind)
	}
	if err := json.Unmarshal(rec.Payload, &token); err != nil {
		return token, fmt.Errorf("decode token: %w", err)
	}
	return token, nil
}
