package auth

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/golang-jwt/jwt/v5"
)

// CTFd validates HS256 tokens minted by the CTFd plugin. The team is taken
// from the team_id claim.
type CTFd struct {
	secret []byte
}

type ctfdClaims struct {
	TeamID any `json:"team_id"`
	jwt.RegisteredClaims
}

// NewCTFd creates a CTFd provider
func NewCTFd(secret string) (*CTFd, error) {
	if secret == "" {
		return nil, fmt.Errorf("secret argument is required for the ctfd auth provider")
	}
	return &CTFd{secret: []byte(secret)}, nil
}

// Name implements Provider
func (p *CTFd) Name() string { return ProviderCTFd }

// Authenticate implements Provider
func (p *CTFd) Authenticate(r *http.Request) (Session, error) {
	raw, ok := BearerToken(r)
	if !ok {
		return Session{}, ErrMissingToken
	}

	claims := &ctfdClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return p.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Session{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	var teamID string
	switch v := claims.TeamID.(type) {
	case string:
		teamID = v
	case float64:
		teamID = strconv.FormatFloat(v, 'f', -1, 64)
	}
	if teamID == "" {
		return Session{}, fmt.Errorf("%w: token missing team_id", ErrInvalidToken)
	}
	return Session{TeamID: teamID}, nil
}
