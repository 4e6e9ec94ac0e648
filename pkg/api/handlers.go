package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cuemby/instancer/pkg/log"
	"github.com/cuemby/instancer/pkg/types"
)

// InstanceView is the body of every /v1/instances response
type InstanceView struct {
	Status        types.InstanceStatus `json:"status"`
	Timeout       int                  `json:"timeout"`
	Endpoints     []types.Endpoint     `json:"endpoints"`
	RemainingTime *int64               `json:"remaining_time"`
	InstanceID    string               `json:"instance_id,omitempty"`
	Challenge     string               `json:"challenge"`
	ExpiresAt     *time.Time           `json:"expires_at,omitempty"`
	Hostnames     map[string]string    `json:"hostnames,omitempty"` // exposed container -> public hostname
}

// ChallengeView is the public description of a catalog entry
type ChallengeView struct {
	Name           string         `json:"name"`
	Timeout        int            `json:"timeout"`
	Endpoints      []EndpointKind `json:"endpoints"`
	CaptchaSiteKey string         `json:"captcha_site_key,omitempty"`
}

// EndpointKind names the protocol of one exposed port
type EndpointKind struct {
	Kind types.ExposeKind `json:"kind"`
}

// ActionRequest is the optional body of start and stop requests
type ActionRequest struct {
	Captcha string `json:"captcha"`
}

// captchaField is the form field set by the hCaptcha widget
const captchaField = "h-captcha-response"

func (s *Server) getChallenge(w http.ResponseWriter, r *http.Request) {
	ch, err := s.catalog.Get(chi.URLParam(r, "challenge"))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	view := ChallengeView{
		Name:      ch.Name,
		Timeout:   ch.Timeout,
		Endpoints: make([]EndpointKind, 0, len(ch.Expose)),
	}
	for _, rule := range ch.Expose {
		view.Endpoints = append(view.Endpoints, EndpointKind{Kind: rule.Kind})
	}
	if s.captcha.Enabled() {
		view.CaptchaSiteKey = s.captcha.SiteKey()
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) getInstance(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "challenge")
	sess, _ := sessionFrom(r.Context())

	ch, err := s.catalog.Get(name)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	inst, err := s.instances.Get(r.Context(), name, sess.TeamID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(ch, inst))
}

func (s *Server) startInstance(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "challenge")
	sess, _ := sessionFrom(r.Context())

	ch, err := s.catalog.Get(name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.verifyCaptcha(r); err != nil {
		s.fail(w, r, err)
		return
	}

	inst, created, err := s.instances.Request(r.Context(), name, sess.TeamID)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	writeJSON(w, code, s.view(ch, inst))
}

func (s *Server) stopInstance(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "challenge")
	sess, _ := sessionFrom(r.Context())

	ch, err := s.catalog.Get(name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.verifyCaptcha(r); err != nil {
		s.fail(w, r, err)
		return
	}

	if err := s.instances.Stop(r.Context(), name, sess.TeamID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(ch, nil))
}

// view renders an instance, or the stopped view when inst is nil
func (s *Server) view(ch *types.Challenge, inst *types.Instance) InstanceView {
	if inst == nil {
		return InstanceView{
			Status:    types.InstanceStatusStopped,
			Timeout:   ch.Timeout,
			Endpoints: []types.Endpoint{},
			Challenge: ch.Name,
		}
	}

	remaining := int64(inst.RemainingTime(s.now()) / time.Second)
	expires := inst.ExpiresAt.UTC()
	endpoints := inst.Endpoints
	if endpoints == nil {
		endpoints = []types.Endpoint{}
	}
	return InstanceView{
		Status:        inst.Status,
		Timeout:       ch.Timeout,
		Endpoints:     endpoints,
		RemainingTime: &remaining,
		InstanceID:    inst.ID,
		Challenge:     inst.Challenge,
		ExpiresAt:     &expires,
		Hostnames:     inst.Hostnames(),
	}
}

// verifyCaptcha reads the captcha response from a JSON body or an
// urlencoded/multipart form and checks it
func (s *Server) verifyCaptcha(r *http.Request) error {
	if !s.captcha.Enabled() {
		return nil
	}

	var response string
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		response = r.FormValue(captchaField)
	default:
		var body ActionRequest
		err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&body)
		if err != nil && !errors.Is(err, io.EOF) {
			return &badRequestError{msg: "invalid request body"}
		}
		response = body.Captcha
	}

	return s.captcha.Verify(r.Context(), response, clientIP(r, s.cfg.UseProxyHeaders))
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code, kind := statusFor(err)
	msg := err.Error()

	if code >= http.StatusInternalServerError {
		logger := s.logger
		if sess, ok := sessionFrom(r.Context()); ok {
			logger = log.WithInstance(logger, "", "", sess.TeamID)
		}
		logger.Error().
			Err(err).
			Str("request_id", requestID(r)).
			Str("challenge", chi.URLParam(r, "challenge")).
			Msg("request failed")
		if code == http.StatusInternalServerError {
			msg = "internal error, request id " + requestID(r)
		}
	}
	writeError(w, code, kind, msg)
}
