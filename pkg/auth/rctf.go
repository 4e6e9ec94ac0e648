package auth

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/cuemby/instancer/pkg/cache"
	"github.com/cuemby/instancer/pkg/log"
)

// RCTF validates tokens against an rCTF instance's /api/v1/users/me
type RCTF struct {
	baseURL string
	tokens  cache.TokenCache
	client  *http.Client
	logger  zerolog.Logger
}

type rctfResponse struct {
	Kind string `json:"kind"`
	Data struct {
		ID json.RawMessage `json:"id"`
	} `json:"data"`
}

// NewRCTF creates an rCTF provider
func NewRCTF(baseURL string, tokens cache.TokenCache, client *http.Client) (*RCTF, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("rctf_url argument is required for the rctf auth provider")
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &RCTF{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		client:  client,
		logger:  log.WithComponent("auth"),
	}, nil
}

// Name implements Provider
func (p *RCTF) Name() string { return ProviderRCTF }

// Authenticate implements Provider
func (p *RCTF) Authenticate(r *http.Request) (Session, error) {
	token, ok := BearerToken(r)
	if !ok {
		return Session{}, ErrMissingToken
	}
	ctx := r.Context()

	if teamID, hit, err := p.tokens.Get(ctx, token); err != nil {
		p.logger.Warn().Err(err).Msg("Token cache read failed")
	} else if hit {
		return Session{TeamID: teamID}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/v1/users/me", nil)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.client.Do(req)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return Session{}, ErrInvalidToken
	}

	var body rctfResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Session{}, fmt.Errorf("%w: malformed response: %w", ErrUpstream, err)
	}
	if body.Kind != "goodUserData" && body.Kind != "goodUserSelfData" {
		return Session{}, ErrInvalidToken
	}

	teamID := rawID(body.Data.ID)
	if teamID == "" {
		return Session{}, fmt.Errorf("%w: no team associated with token", ErrInvalidToken)
	}

	if err := p.tokens.Put(ctx, token, teamID); err != nil {
		p.logger.Warn().Err(err).Msg("Token cache write failed")
	}
	return Session{TeamID: teamID}, nil
}

// rawID renders a JSON string or number id as text
func rawID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
			return strconv.FormatInt(i, 10)
		}
		return n.String()
	}
	return ""
}
