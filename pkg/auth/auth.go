package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/instancer/pkg/cache"
)

// Provider names selectable with Config.Provider
const (
	ProviderLocal = "local"
	ProviderRCTF  = "rctf"
	ProviderCTFd  = "ctfd"
)

var (
	// ErrMissingToken is returned when the request carries no bearer token
	ErrMissingToken = errors.New("authorization token is missing")
	// ErrInvalidToken is returned when the token is rejected
	ErrInvalidToken = errors.New("invalid authorization token")
	// ErrUpstream is returned when the CTF platform could not be asked
	ErrUpstream = errors.New("authentication provider unavailable")
)

// Session is the authenticated identity of a request
type Session struct {
	TeamID string
}

// Provider resolves a request to a team
type Provider interface {
	Name() string
	Authenticate(r *http.Request) (Session, error)
}

// Config selects a provider. Args are provider specific:
//
//	local: team_id (default "local")
//	rctf:  rctf_url
//	ctfd:  secret
type Config struct {
	Provider string
	Args     map[string]string
	Timeout  time.Duration
}

// New builds the configured provider. tokens may be nil.
func New(cfg Config, tokens cache.TokenCache) (Provider, error) {
	if tokens == nil {
		tokens = cache.Nop{}
	}
	switch cfg.Provider {
	case "", ProviderLocal:
		return NewLocal(cfg.Args["team_id"]), nil
	case ProviderRCTF:
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		return NewRCTF(cfg.Args["rctf_url"], tokens, &http.Client{Timeout: timeout})
	case ProviderCTFd:
		return NewCTFd(cfg.Args["secret"])
	default:
		return nil, fmt.Errorf("unsupported auth provider %q", cfg.Provider)
	}
}

// BearerToken extracts the token of an "Authorization: Bearer <token>"
// header
func BearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || token == "" || strings.Contains(token, " ") {
		return "", false
	}
	return token, true
}

// Local authenticates every request as one fixed team
type Local struct {
	teamID string
}

// NewLocal creates a local provider; an empty team id means "local"
func NewLocal(teamID string) *Local {
	if teamID == "" {
		teamID = "local"
	}
	return &Local{teamID: teamID}
}

// Name implements Provider
func (l *Local) Name() string { return ProviderLocal }

// Authenticate implements Provider
func (l *Local) Authenticate(r *http.Request) (Session, error) {
	return Session{TeamID: l.teamID}, nil
}
