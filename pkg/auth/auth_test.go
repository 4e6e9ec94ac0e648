package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/instancer/pkg/cache"
)

func request(header string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/v1/instances/web", nil)
	if header != "" {
		r.Header.Set("Authorization", header)
	}
	return r
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		token  string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer abc", "abc", true},
		{"BEARER abc", "abc", true},
		{"", "", false},
		{"Bearer", "", false},
		{"Bearer ", "", false},
		{"Basic abc", "", false},
		{"Bearer a b", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			token, ok := BearerToken(request(tt.header))
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.token, token)
		})
	}
}

func TestNew(t *testing.T) {
	p, err := New(Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, ProviderLocal, p.Name())

	_, err = New(Config{Provider: ProviderRCTF}, nil)
	assert.ErrorContains(t, err, "rctf_url")

	_, err = New(Config{Provider: ProviderCTFd}, nil)
	assert.ErrorContains(t, err, "secret")

	p, err = New(Config{Provider: ProviderCTFd, Args: map[string]string{"secret": "s"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, ProviderCTFd, p.Name())

	_, err = New(Config{Provider: "oauth"}, nil)
	assert.ErrorContains(t, err, "unsupported auth provider")
}

func TestLocal(t *testing.T) {
	s, err := NewLocal("").Authenticate(request(""))
	require.NoError(t, err)
	assert.Equal(t, "local", s.TeamID)

	s, err = NewLocal("admins").Authenticate(request("Bearer whatever"))
	require.NoError(t, err)
	assert.Equal(t, "admins", s.TeamID)
}

func rctfServer(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/api/v1/users/me" {
			http.NotFound(w, r)
			return
		}
		switch r.Header.Get("Authorization") {
		case "Bearer good":
			_, _ = w.Write([]byte(`{"kind":"goodUserData","data":{"id":"7d3f-team"}}`))
		case "Bearer numeric":
			_, _ = w.Write([]byte(`{"kind":"goodUserSelfData","data":{"id":42}}`))
		case "Bearer noteam":
			_, _ = w.Write([]byte(`{"kind":"goodUserData","data":{}}`))
		case "Bearer badkind":
			_, _ = w.Write([]byte(`{"kind":"badToken","data":{"id":"x"}}`))
		default:
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"kind":"badToken"}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRCTF(t *testing.T) {
	var calls atomic.Int32
	srv := rctfServer(t, &calls)

	p, err := NewRCTF(srv.URL+"/", cache.Nop{}, srv.Client())
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		team   string
		err    error
	}{
		{"valid", "Bearer good", "7d3f-team", nil},
		{"numeric id", "Bearer numeric", "42", nil},
		{"missing", "", "", ErrMissingToken},
		{"rejected", "Bearer nope", "", ErrInvalidToken},
		{"wrong kind", "Bearer badkind", "", ErrInvalidToken},
		{"no team", "Bearer noteam", "", ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := p.Authenticate(request(tt.header))
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.team, s.TeamID)
		})
	}
}

func TestRCTFUsesTokenCache(t *testing.T) {
	var calls atomic.Int32
	srv := rctfServer(t, &calls)

	tokens, err := cache.NewBoltCache(t.TempDir()+"/tokens.db", time.Hour)
	require.NoError(t, err)
	defer tokens.Close()

	p, err := NewRCTF(srv.URL, tokens, srv.Client())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		s, err := p.Authenticate(request("Bearer good"))
		require.NoError(t, err)
		assert.Equal(t, "7d3f-team", s.TeamID)
	}
	assert.EqualValues(t, 1, calls.Load())

	team, ok, err := tokens.Get(context.Background(), "good")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "7d3f-team", team)

	// Rejections are not cached
	for i := 0; i < 2; i++ {
		_, err := p.Authenticate(request("Bearer nope"))
		assert.ErrorIs(t, err, ErrInvalidToken)
	}
	assert.EqualValues(t, 3, calls.Load())
}

func TestRCTFUpstreamDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p, err := NewRCTF(url, cache.Nop{}, &http.Client{Timeout: time.Second})
	require.NoError(t, err)

	_, err = p.Authenticate(request("Bearer good"))
	assert.ErrorIs(t, err, ErrUpstream)
}

func sign(t *testing.T, method jwt.SigningMethod, key any, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func TestCTFd(t *testing.T) {
	secret := []byte("ctfd-plugin-secret")
	p, err := NewCTFd(string(secret))
	require.NoError(t, err)

	exp := time.Now().Add(time.Hour).Unix()
	tests := []struct {
		name  string
		token string
		team  string
		err   error
	}{
		{"string team", sign(t, jwt.SigningMethodHS256, secret, jwt.MapClaims{"team_id": "12", "exp": exp}), "12", nil},
		{"numeric team", sign(t, jwt.SigningMethodHS256, secret, jwt.MapClaims{"team_id": 12, "exp": exp}), "12", nil},
		{"no team", sign(t, jwt.SigningMethodHS256, secret, jwt.MapClaims{"exp": exp}), "", ErrInvalidToken},
		{"wrong secret", sign(t, jwt.SigningMethodHS256, []byte("other"), jwt.MapClaims{"team_id": "12"}), "", ErrInvalidToken},
		{"wrong alg", sign(t, jwt.SigningMethodHS512, secret, jwt.MapClaims{"team_id": "12"}), "", ErrInvalidToken},
		{"expired", sign(t, jwt.SigningMethodHS256, secret, jwt.MapClaims{"team_id": "12", "exp": time.Now().Add(-time.Hour).Unix()}), "", ErrInvalidToken},
		{"garbage", "not.a.jwt", "", ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := p.Authenticate(request("Bearer " + tt.token))
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.team, s.TeamID)
		})
	}

	_, err = p.Authenticate(request(""))
	assert.ErrorIs(t, err, ErrMissingToken)
}
