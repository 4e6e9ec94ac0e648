package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/instancer/pkg/admission"
	"github.com/cuemby/instancer/pkg/auth"
	"github.com/cuemby/instancer/pkg/captcha"
	"github.com/cuemby/instancer/pkg/catalog"
	"github.com/cuemby/instancer/pkg/errdefs"
	"github.com/cuemby/instancer/pkg/ingress"
	"github.com/cuemby/instancer/pkg/naming"
	"github.com/cuemby/instancer/pkg/provisioner"
	"github.com/cuemby/instancer/pkg/runtime"
	"github.com/cuemby/instancer/pkg/types"
)

// tokenAuth maps bearer tokens to teams
type tokenAuth map[string]string

func (a tokenAuth) Name() string { return "test" }

func (a tokenAuth) Authenticate(r *http.Request) (auth.Session, error) {
	token, ok := auth.BearerToken(r)
	if !ok {
		return auth.Session{}, auth.ErrMissingToken
	}
	team, ok := a[token]
	if !ok {
		return auth.Session{}, auth.ErrInvalidToken
	}
	return auth.Session{TeamID: team}, nil
}

type fixture struct {
	rt     *runtime.Fake
	server *Server
}

func newFixture(t *testing.T, cfg Config, verifier *captcha.Verifier) *fixture {
	t.Helper()

	cat, err := catalog.New([]*types.Challenge{
		testChallenge("web-easy", types.ExposeHTTPS),
		testChallenge("pwn-jail", types.ExposeTCP),
	})
	require.NoError(t, err)

	rt := runtime.NewFake()
	namer := naming.NewNamer("ti", "ctf.local", "")
	pcfg := provisioner.DefaultConfig()
	pcfg.StopTimeout = 0
	prov := provisioner.NewProvisioner(rt, namer, ingress.NewGenerator(ingress.DefaultConfig()), nil, pcfg)

	acfg := admission.DefaultConfig()
	acfg.LockTimeout = time.Second
	acfg.RetryInterval = time.Millisecond
	ctrl := admission.NewController(prov, cat, namer, acfg)

	provider := tokenAuth{"token-a": "team-a", "token-b": "team-b"}
	return &fixture{rt: rt, server: NewServer(cfg, ctrl, cat, provider, verifier)}
}

func testChallenge(name string, kind types.ExposeKind) *types.Challenge {
	return &types.Challenge{
		Name:    name,
		Timeout: 600,
		Containers: []*types.ContainerSpec{
			{Name: "app", Image: "registry.local/" + name + ":latest"},
		},
		Expose: []*types.ExposeRule{
			{Kind: kind, ContainerName: "app", ContainerPort: 8080},
		},
	}
}

func (f *fixture) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestInstanceLifecycle(t *testing.T) {
	f := newFixture(t, Config{}, nil)

	rec := f.do(t, http.MethodGet, "/v1/instances/web-easy", "token-a", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stopped := decode[InstanceView](t, rec)
	assert.Equal(t, types.InstanceStatusStopped, stopped.Status)
	assert.Equal(t, 600, stopped.Timeout)
	assert.Nil(t, stopped.RemainingTime)
	assert.Empty(t, stopped.Endpoints)
	assert.Empty(t, stopped.Hostnames)
	assert.Contains(t, rec.Body.String(), `"remaining_time":null`)

	rec = f.do(t, http.MethodPut, "/v1/instances/web-easy", "token-a", "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	started := decode[InstanceView](t, rec)
	assert.Equal(t, types.InstanceStatusRunning, started.Status)
	assert.Equal(t, "web-easy", started.Challenge)
	require.Len(t, started.Endpoints, 1)
	assert.Equal(t, types.ExposeHTTPS, started.Endpoints[0].Kind)
	assert.Equal(t, "web-easy-"+started.InstanceID+".ctf.local", started.Endpoints[0].Host)
	assert.Equal(t, 443, started.Endpoints[0].Port)
	require.NotNil(t, started.RemainingTime)
	assert.InDelta(t, 600, *started.RemainingTime, 2)
	assert.Equal(t, map[string]string{"app": "web-easy-" + started.InstanceID + ".ctf.local"}, started.Hostnames)

	rec = f.do(t, http.MethodPut, "/v1/instances/web-easy", "token-a", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, started.InstanceID, decode[InstanceView](t, rec).InstanceID)

	rec = f.do(t, http.MethodGet, "/v1/instances/web-easy", "token-a", "")
	require.Equal(t, http.StatusOK, rec.Code)
	current := decode[InstanceView](t, rec)
	assert.Equal(t, started.InstanceID, current.InstanceID)
	assert.Equal(t, started.Endpoints, current.Endpoints)

	rec = f.do(t, http.MethodGet, "/v1/instances/web-easy", "token-b", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, types.InstanceStatusStopped, decode[InstanceView](t, rec).Status)

	rec = f.do(t, http.MethodDelete, "/v1/instances/web-easy", "token-a", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, types.InstanceStatusStopped, decode[InstanceView](t, rec).Status)

	networks, containers := f.rt.Counts()
	assert.Zero(t, networks)
	assert.Zero(t, containers)

	rec = f.do(t, http.MethodDelete, "/v1/instances/web-easy", "token-a", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRemainingTimeUsesClock(t *testing.T) {
	f := newFixture(t, Config{}, nil)

	rec := f.do(t, http.MethodPut, "/v1/instances/pwn-jail", "token-a", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	expires := *decode[InstanceView](t, rec).ExpiresAt

	f.server.SetClock(func() time.Time { return expires.Add(-90 * time.Second) })
	rec = f.do(t, http.MethodGet, "/v1/instances/pwn-jail", "token-a", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 90, *decode[InstanceView](t, rec).RemainingTime)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(*testing.T, *fixture)
		method string
		path   string
		token  string
		code   int
		kind   string
	}{
		{
			name:   "missing token",
			method: http.MethodGet, path: "/v1/instances/web-easy",
			code: http.StatusUnauthorized, kind: "unauthorized",
		},
		{
			name:   "rejected token",
			method: http.MethodGet, path: "/v1/instances/web-easy", token: "nope",
			code: http.StatusForbidden, kind: "forbidden",
		},
		{
			name:   "unknown challenge",
			method: http.MethodPut, path: "/v1/instances/misc-nope", token: "token-a",
			code: http.StatusNotFound, kind: "not_found",
		},
		{
			name: "other challenge live in team scope",
			setup: func(t *testing.T, f *fixture) {
				_, _, err := f.server.instances.Request(t.Context(), "pwn-jail", "team-a")
				require.NoError(t, err)
			},
			method: http.MethodPut, path: "/v1/instances/web-easy", token: "token-a",
			code: http.StatusConflict, kind: "conflict",
		},
		{
			name: "runtime unavailable",
			setup: func(t *testing.T, f *fixture) {
				f.rt.FailOn(runtime.OpCreateNetwork, "", errdefs.Unavailable(errors.New("dial unix /var/run/docker.sock: connect: no such file")))
			},
			method: http.MethodPut, path: "/v1/instances/web-easy", token: "token-a",
			code: http.StatusServiceUnavailable, kind: "unavailable",
		},
		{
			name: "network pools exhausted",
			setup: func(t *testing.T, f *fixture) {
				f.rt.FailOn(runtime.OpCreateNetwork, "", errdefs.ErrNetworkExhausted)
			},
			method: http.MethodPut, path: "/v1/instances/web-easy", token: "token-a",
			code: http.StatusServiceUnavailable, kind: "unavailable",
		},
		{
			name: "provision failure",
			setup: func(t *testing.T, f *fixture) {
				f.rt.FailOn(runtime.OpStartContainer, "", errors.New("oci runtime create failed"))
			},
			method: http.MethodPut, path: "/v1/instances/web-easy", token: "token-a",
			code: http.StatusInternalServerError, kind: "internal",
		},
		{
			name: "image pull failure",
			setup: func(t *testing.T, f *fixture) {
				f.rt.FailOn(runtime.OpEnsureImage, "", errors.New(`failed to pull image registry.local/web-easy:latest: Error response from daemon: Get "https://registry.local/v2/": dial tcp: lookup registry.local: no such host`))
			},
			method: http.MethodPut, path: "/v1/instances/web-easy", token: "token-a",
			code: http.StatusInternalServerError, kind: "internal",
		},
		{
			name:   "unknown route",
			method: http.MethodGet, path: "/v2/instances/web-easy",
			code: http.StatusNotFound, kind: "not_found",
		},
		{
			name:   "method not allowed",
			method: http.MethodPost, path: "/v1/instances/web-easy", token: "token-a",
			code: http.StatusMethodNotAllowed, kind: "method_not_allowed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{}, nil)
			if tt.setup != nil {
				tt.setup(t, f)
			}

			rec := f.do(t, tt.method, tt.path, tt.token, "")
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.Equal(t, tt.kind, decode[ErrorResponse](t, rec).Error)
		})
	}
}

func TestInternalErrorHidesDetails(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.rt.FailOn(runtime.OpStartContainer, "", errors.New("oci runtime create failed"))

	rec := f.do(t, http.MethodPut, "/v1/instances/web-easy", "token-a", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decode[ErrorResponse](t, rec)
	assert.NotContains(t, body.Message, "oci runtime")
	assert.Contains(t, body.Message, "request id")

	networks, containers := f.rt.Counts()
	assert.Zero(t, networks)
	assert.Zero(t, containers)
}

func TestGetChallenge(t *testing.T) {
	f := newFixture(t, Config{}, nil)

	rec := f.do(t, http.MethodGet, "/v1/challenges/pwn-jail", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[ChallengeView](t, rec)
	assert.Equal(t, "pwn-jail", view.Name)
	assert.Equal(t, 600, view.Timeout)
	assert.Equal(t, []EndpointKind{{Kind: types.ExposeTCP}}, view.Endpoints)
	assert.Empty(t, view.CaptchaSiteKey)

	rec = f.do(t, http.MethodGet, "/v1/challenges/nope", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func newSiteVerify(t *testing.T) *captcha.Verifier {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.PostForm.Get("response") == "pass" {
			_, _ = w.Write([]byte(`{"success":true}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":false,"error-codes":["invalid-input-response"]}`))
	}))
	t.Cleanup(srv.Close)
	return captcha.NewVerifier(captcha.Config{SiteKey: "site-key", Secret: "0xsecret", VerifyURL: srv.URL}, srv.Client())
}

func TestCaptcha(t *testing.T) {
	f := newFixture(t, Config{}, newSiteVerify(t))

	rec := f.do(t, http.MethodGet, "/v1/challenges/web-easy", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "site-key", decode[ChallengeView](t, rec).CaptchaSiteKey)

	rec = f.do(t, http.MethodPut, "/v1/instances/web-easy", "token-a", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "captcha_failed", decode[ErrorResponse](t, rec).Error)

	rec = f.do(t, http.MethodPut, "/v1/instances/web-easy", "token-a", `{"captcha":"fail"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPut, "/v1/instances/web-easy", "token-a", `{"captcha":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "bad_request", decode[ErrorResponse](t, rec).Error)

	rec = f.do(t, http.MethodPut, "/v1/instances/web-easy", "token-a", `{"captcha":"pass"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	form := url.Values{"h-captcha-response": {"pass"}}
	req := httptest.NewRequest(http.MethodDelete, "/v1/instances/web-easy", strings.NewReader(form.Encode()))
	req.Header.Set("Authorization", "Bearer token-a")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, Config{RateLimit: 0.001, RateBurst: 2}, nil)

	for i := 0; i < 2; i++ {
		rec := f.do(t, http.MethodGet, "/v1/challenges/web-easy", "", "")
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := f.do(t, http.MethodGet, "/v1/challenges/web-easy", "", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limited", decode[ErrorResponse](t, rec).Error)

	// Probes are never limited
	rec = f.do(t, http.MethodGet, "/live", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimiterPerClient(t *testing.T) {
	l := NewRateLimiter(0.001, 1, false)

	assert.True(t, l.Allow("198.51.100.1"))
	assert.False(t, l.Allow("198.51.100.1"))
	assert.True(t, l.Allow("198.51.100.2"))
	assert.Equal(t, 2, l.Len())

	assert.Zero(t, l.Cleanup(time.Hour))
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 2, l.Cleanup(time.Millisecond))
	assert.Zero(t, l.Len())
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		proxy   bool
		want    string
	}{
		{"remote addr", nil, false, "192.0.2.1"},
		{"forwarded ignored without proxy", map[string]string{"X-Forwarded-For": "203.0.113.5"}, false, "192.0.2.1"},
		{"first forwarded hop", map[string]string{"X-Forwarded-For": "203.0.113.5, 10.0.0.1"}, true, "203.0.113.5"},
		{"real ip", map[string]string{"X-Real-IP": "203.0.113.6"}, true, "203.0.113.6"},
		{"proxy without headers", nil, true, "192.0.2.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = "192.0.2.1:54321"
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, clientIP(req, tt.proxy))
		})
	}
}

func TestProbesAndMetrics(t *testing.T) {
	f := newFixture(t, Config{}, nil)

	rec := f.do(t, http.MethodGet, "/live", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/health", "", "")
	assert.Contains(t, []int{http.StatusOK, http.StatusServiceUnavailable}, rec.Code)

	rec = f.do(t, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "instancer_api_requests_total")
}
