package errdefs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrChallengeNotFound is returned for names missing from the catalog
	ErrChallengeNotFound = errors.New("challenge not found")

	// ErrInstanceNotFound is returned when a team has no live instance in scope
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrAdmissionConflict is returned when the per-team lock could not be
	// acquired in time
	ErrAdmissionConflict = errors.New("another instance operation is in progress")

	// ErrRuntimeUnavailable marks failures to reach the container runtime
	ErrRuntimeUnavailable = errors.New("container runtime unavailable")

	// ErrNetworkExhausted is returned when the runtime has no address pool
	// left for a new network
	ErrNetworkExhausted = errors.New("container runtime has run out of network address pools")
)

// ValidationError reports a malformed challenge definition
type ValidationError struct {
	Source    string // File the definition was read from, if any
	Challenge string
	Field     string
	Reason    string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("invalid challenge")
	if e.Challenge != "" {
		fmt.Fprintf(&b, " %q", e.Challenge)
	}
	if e.Source != "" {
		fmt.Fprintf(&b, " in %s", e.Source)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, ": %s", e.Field)
	}
	fmt.Fprintf(&b, ": %s", e.Reason)
	return b.String()
}

// Invalid builds a ValidationError with a formatted reason
func Invalid(challenge, field, format string, args ...any) *ValidationError {
	return &ValidationError{
		Challenge: challenge,
		Field:     field,
		Reason:    fmt.Sprintf(format, args...),
	}
}

// ProvisionError wraps the step failure that caused an instance to be
// rolled back
type ProvisionError struct {
	Challenge  string
	TeamID     string
	InstanceID string
	Step       string
	Err        error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("failed to provision %s for team %s (instance %s) at %s: %v",
		e.Challenge, e.TeamID, e.InstanceID, e.Step, e.Err)
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}

// ReapError wraps a failure to destroy an expired instance
type ReapError struct {
	InstanceID string
	Resources  int
	Err        error
}

func (e *ReapError) Error() string {
	id := e.InstanceID
	if id == "" {
		id = "<unlabeled>"
	}
	return fmt.Sprintf("failed to reap instance %s (%d resources): %v", id, e.Resources, e.Err)
}

func (e *ReapError) Unwrap() error {
	return e.Err
}

// Unavailable marks err as a runtime availability failure
func Unavailable(err error) error {
	if err == nil || errors.Is(err, ErrRuntimeUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrRuntimeUnavailable, err)
}

// IsRuntimeUnavailable reports whether err is retryable runtime unavailability
func IsRuntimeUnavailable(err error) bool {
	return errors.Is(err, ErrRuntimeUnavailable)
}

// IsValidation reports whether err is or wraps a ValidationError
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsProvision reports whether err is or wraps a ProvisionError
func IsProvision(err error) bool {
	var p *ProvisionError
	return errors.As(err, &p)
}

// TransientErrorPatterns are client-side error fragments that indicate the
// daemon or the network to it is temporarily unreachable. Only match them
// against errors that did not come back from the daemon. Per-call deadlines
// are absent: a timed-out call is a failed call.
var TransientErrorPatterns = []string{
	"connection refused",
	"connection reset by peer",
	"Cannot connect to the Docker daemon",
	"connection timed out",
	"i/o timeout",
	"TLS handshake timeout",
	"no such host",
	"network is unreachable",
	"broken pipe",
}

// IsTransient checks if the error message contains a transient pattern and
// returns the matched pattern
func IsTransient(err error) (bool, string) {
	if err == nil {
		return false, ""
	}
	msg := err.Error()
	for _, pattern := range TransientErrorPatterns {
		if strings.Contains(msg, pattern) {
			return true, pattern
		}
	}
	return false, ""
}
