package ingress

import (
	"errors"
	"fmt"

	"github.com/cuemby/instancer/pkg/errdefs"
	"github.com/cuemby/instancer/pkg/types"
)

// Validate rejects exposures that would collide on the proxy. All routers
// of an instance share one hostname, so two rules of the same kind, or a
// synthesized https redirect next to another container's http rule, would
// match the same requests. Kinds whose entrypoints share an external port
// cannot be told apart either.
func (g *Generator) Validate(ch *types.Challenge) error {
	var errs []error

	byKind := make(map[types.ExposeKind][]string)
	for _, rule := range ch.Expose {
		byKind[rule.Kind] = append(byKind[rule.Kind], rule.ContainerName)
	}

	for _, kind := range []types.ExposeKind{types.ExposeHTTP, types.ExposeHTTPS, types.ExposeTCP} {
		if targets := byKind[kind]; len(targets) > 1 {
			errs = append(errs, errdefs.Invalid(ch.Name, "expose",
				"%d %s rules (%v) would collide on entrypoint %q", len(targets), kind, targets, g.Entrypoint(kind)))
		}
	}

	if https := byKind[types.ExposeHTTPS]; len(https) == 1 {
		target := https[0]
		for _, httpTarget := range byKind[types.ExposeHTTP] {
			if httpTarget != target {
				errs = append(errs, errdefs.Invalid(ch.Name, "expose",
					"https redirect for %q would collide with http rule of %q on entrypoint %q",
					target, httpTarget, g.cfg.HTTPEntrypoint))
			}
		}
	}

	used := make([]types.ExposeKind, 0, len(byKind))
	for _, kind := range []types.ExposeKind{types.ExposeHTTP, types.ExposeHTTPS, types.ExposeTCP} {
		if len(byKind[kind]) > 0 {
			used = append(used, kind)
		}
	}
	for i := 0; i < len(used); i++ {
		for j := i + 1; j < len(used); j++ {
			a, b := used[i], used[j]
			if g.ExternalPort(a) == g.ExternalPort(b) || g.Entrypoint(a) == g.Entrypoint(b) {
				errs = append(errs, errdefs.Invalid(ch.Name, "expose",
					"%s and %s exposures cannot share entrypoint %q or port %d", a, b, g.Entrypoint(a), g.ExternalPort(a)))
			}
		}
	}

	return errors.Join(errs...)
}

// CheckConfig reports entrypoint layouts no challenge could be routed on
func (c Config) CheckConfig() error {
	var errs []error
	for name, ep := range map[string]string{
		"http": c.HTTPEntrypoint, "https": c.HTTPSEntrypoint, "tcp": c.TCPEntrypoint,
	} {
		if ep == "" {
			errs = append(errs, fmt.Errorf("%s entrypoint name is required", name))
		}
	}
	for name, port := range map[string]int{
		"http": c.HTTPPort, "https": c.HTTPSPort, "tcp": c.TCPPort,
	} {
		if port < 1 || port > 65535 {
			errs = append(errs, fmt.Errorf("%s entrypoint port %d is out of range", name, port))
		}
	}
	return errors.Join(errs...)
}
