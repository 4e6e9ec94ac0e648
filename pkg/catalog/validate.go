package catalog

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/cuemby/instancer/pkg/errdefs"
	"github.com/cuemby/instancer/pkg/log"
	"github.com/cuemby/instancer/pkg/types"
	"github.com/rs/zerolog"
)

// MaxChallengeNameLength keeps "<challenge>-<instance_id>" within a single
// 63 character DNS label
const MaxChallengeNameLength = 50

var namePattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// RouteValidator checks a challenge's exposure against the proxy layout
type RouteValidator interface {
	Validate(ch *types.Challenge) error
}

// ValidName reports whether s is usable as a challenge or container name
func ValidName(s string) bool {
	return namePattern.MatchString(s)
}

// Validate checks a parsed challenge and returns every problem found,
// joined. routes may be nil.
func Validate(ch *types.Challenge, routes RouteValidator) error {
	var errs []error
	invalid := func(field, format string, args ...any) {
		errs = append(errs, errdefs.Invalid(ch.Name, field, format, args...))
	}

	switch {
	case !ValidName(ch.Name):
		invalid("name", "%q must match [a-z0-9-]+", ch.Name)
	case len(ch.Name) > MaxChallengeNameLength:
		invalid("name", "must be at most %d characters", MaxChallengeNameLength)
	}

	if ch.Timeout <= 0 {
		invalid("timeout", "must be positive, got %d", ch.Timeout)
	}

	if len(ch.Containers) == 0 {
		invalid("containers", "at least one container is required")
	}

	seen := make(map[string]bool)
	for i, spec := range ch.Containers {
		field := fmt.Sprintf("containers[%d]", i)
		if !ValidName(spec.Name) {
			invalid(field+".name", "%q must match [a-z0-9-]+", spec.Name)
		}
		if seen[spec.Name] {
			invalid(field+".name", "duplicate container %q", spec.Name)
		}
		seen[spec.Name] = true

		if spec.Image == "" {
			invalid(field+".image", "is required")
		}

		for j, u := range spec.Limits.Ulimits {
			ufield := fmt.Sprintf("%s.limits.ulimits[%d]", field, j)
			if u.Name == "" {
				invalid(ufield+".name", "is required")
			}
			if u.Soft > u.Hard {
				invalid(ufield, "soft limit %d exceeds hard limit %d", u.Soft, u.Hard)
			}
		}
	}

	for i, rule := range ch.Expose {
		field := fmt.Sprintf("expose[%d]", i)
		if !rule.Kind.Valid() {
			invalid(field+".kind", "unknown kind %q (want http, https or tcp)", rule.Kind)
		}
		if !seen[rule.ContainerName] {
			invalid(field+".container_name", "references unknown container %q", rule.ContainerName)
		}
		if rule.ContainerPort < 1 || rule.ContainerPort > 65535 {
			invalid(field+".container_port", "%d is out of range", rule.ContainerPort)
		}
	}

	if len(errs) == 0 && routes != nil {
		if err := routes.Validate(ch); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// warnInsecure logs settings that are legal but weaken isolation
func warnInsecure(ch *types.Challenge, source string) {
	logger := log.WithComponent("catalog")
	for _, spec := range ch.Containers {
		entry := func() *zerolog.Event {
			return logger.Warn().Str("challenge", ch.Name).Str("container", spec.Name).Str("source", source)
		}
		if !spec.Security.ReadOnlyFS {
			entry().Msg("read_only_fs is disabled")
		}
		if len(spec.Security.SecurityOpt) == 0 {
			entry().Msg("security_opt is empty")
		}
		if spec.Limits.MemoryBytes <= 0 {
			entry().Msg("non-positive memory limit")
		}
		if spec.Limits.NanoCPUs <= 0 {
			entry().Msg("non-positive cpu limit")
		}
		if spec.Limits.PidsLimit <= 0 {
			entry().Msg("non-positive pids_limit")
		}
	}
}
