package captcha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultVerifyURL is the hCaptcha siteverify endpoint
const DefaultVerifyURL = "https://hcaptcha.com/siteverify"

var (
	// ErrMissing is returned when a captcha is required but absent
	ErrMissing = errors.New("captcha response is missing")
	// ErrFailed is returned when hCaptcha rejects the response
	ErrFailed = errors.New("captcha validation failed")
	// ErrUnavailable is returned when hCaptcha could not be reached
	ErrUnavailable = errors.New("captcha service unavailable")
)

// Config holds hCaptcha credentials. Verification is enabled only when
// both are set.
type Config struct {
	SiteKey   string
	Secret    string
	VerifyURL string
	Timeout   time.Duration
}

// Enabled reports whether captchas are required
func (c Config) Enabled() bool {
	return c.SiteKey != "" && c.Secret != ""
}

// Verifier checks hCaptcha responses
type Verifier struct {
	cfg    Config
	client *http.Client
}

// NewVerifier creates a verifier. client may be nil.
func NewVerifier(cfg Config, client *http.Client) *Verifier {
	if cfg.VerifyURL == "" {
		cfg.VerifyURL = DefaultVerifyURL
	}
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Verifier{cfg: cfg, client: client}
}

// Enabled reports whether Verify checks anything
func (v *Verifier) Enabled() bool {
	return v != nil && v.cfg.Enabled()
}

// SiteKey returns the public site key served to the frontend
func (v *Verifier) SiteKey() string {
	if !v.Enabled() {
		return ""
	}
	return v.cfg.SiteKey
}

type siteVerifyResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
}

// Verify checks a captcha response. remoteIP may be empty. A disabled
// verifier accepts everything.
func (v *Verifier) Verify(ctx context.Context, response, remoteIP string) error {
	if !v.Enabled() {
		return nil
	}
	if response == "" {
		return ErrMissing
	}

	form := url.Values{
		"secret":   {v.cfg.Secret},
		"response": {response},
	}
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.cfg.VerifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: siteverify returned %s", ErrUnavailable, resp.Status)
	}

	var body siteVerifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if !body.Success {
		if len(body.ErrorCodes) > 0 {
			return fmt.Errorf("%w: %s", ErrFailed, strings.Join(body.ErrorCodes, ", "))
		}
		return ErrFailed
	}
	return nil
}
