package ingress

import (
	"fmt"
	"strconv"

	"github.com/cuemby/instancer/pkg/types"
)

// Config describes the reverse proxy entrypoints instances are routed
// through
type Config struct {
	HTTPEntrypoint  string
	HTTPSEntrypoint string
	TCPEntrypoint   string

	// Externally visible ports of the entrypoints, reported to users
	HTTPPort  int
	HTTPSPort int
	TCPPort   int

	// RedirectMiddleware is a middleware reference (e.g.
	// "permanent-https-redirect@file") used by synthesized redirect
	// routers. When empty an inline redirectscheme middleware is emitted.
	RedirectMiddleware string

	// CertResolver is set on TLS routers when not empty
	CertResolver string

	// TCPRouteBySNI routes tcp exposures with HostSNI(host) and TLS
	// passthrough. When false every tcp router matches HostSNI(`*`).
	TCPRouteBySNI bool
}

// DefaultConfig returns the entrypoint layout of a stock deployment
func DefaultConfig() Config {
	return Config{
		HTTPEntrypoint:  "web",
		HTTPSEntrypoint: "websecure",
		TCPEntrypoint:   "tcp",
		HTTPPort:        80,
		HTTPSPort:       443,
		TCPPort:         1337,
		TCPRouteBySNI:   true,
	}
}

// Generator produces Traefik docker-provider labels for instance
// containers. It performs no I/O.
type Generator struct {
	cfg Config
}

// NewGenerator creates a label generator
func NewGenerator(cfg Config) *Generator {
	return &Generator{cfg: cfg}
}

// Config returns the generator's entrypoint layout
func (g *Generator) Config() Config {
	return g.cfg
}

// RouterName returns the router (and service) name of the n-th rule
// targeting a container
func RouterName(instanceID, container string, n int) string {
	return fmt.Sprintf("%s-%s-%d", instanceID, container, n)
}

// RedirectRouterName returns the name of the synthesized http to https
// router for a TLS router
func RedirectRouterName(router string) string {
	return router + "-redirect"
}

// ContainerLabels returns the routing labels of one container, or nil when
// no expose rule targets it. network is the instance network the proxy
// reaches the container on.
func (g *Generator) ContainerLabels(ch *types.Challenge, container, instanceID, host, network string) map[string]string {
	rules := ch.RulesFor(container)
	if len(rules) == 0 {
		return nil
	}

	labels := map[string]string{
		"traefik.enable":         "true",
		"traefik.docker.network": network,
	}

	hasHTTP := false
	for _, rule := range rules {
		if rule.Kind == types.ExposeHTTP {
			hasHTTP = true
		}
	}

	for n, rule := range rules {
		router := RouterName(instanceID, container, n)
		switch rule.Kind {
		case types.ExposeHTTP:
			g.httpRouter(labels, router, host, rule.ContainerPort, false)
		case types.ExposeHTTPS:
			g.httpRouter(labels, router, host, rule.ContainerPort, true)
			if !hasHTTP {
				g.redirectRouter(labels, router, host)
			}
		case types.ExposeTCP:
			g.tcpRouter(labels, router, host, rule.ContainerPort)
		}
	}

	return labels
}

func (g *Generator) httpRouter(labels map[string]string, router, host string, port int, tls bool) {
	prefix := "traefik.http.routers." + router
	entrypoint := g.cfg.HTTPEntrypoint
	if tls {
		entrypoint = g.cfg.HTTPSEntrypoint
	}

	labels[prefix+".rule"] = hostRule(host)
	labels[prefix+".entrypoints"] = entrypoint
	labels[prefix+".service"] = router
	if tls {
		labels[prefix+".tls"] = "true"
		if g.cfg.CertResolver != "" {
			labels[prefix+".tls.certresolver"] = g.cfg.CertResolver
		}
	}
	labels["traefik.http.services."+router+".loadbalancer.server.port"] = strconv.Itoa(port)
}

func (g *Generator) redirectRouter(labels map[string]string, router, host string) {
	redirect := RedirectRouterName(router)
	prefix := "traefik.http.routers." + redirect

	middleware := g.cfg.RedirectMiddleware
	if middleware == "" {
		middleware = redirect
		labels["traefik.http.middlewares."+redirect+".redirectscheme.scheme"] = "https"
		labels["traefik.http.middlewares."+redirect+".redirectscheme.permanent"] = "true"
	}

	labels[prefix+".rule"] = hostRule(host)
	labels[prefix+".entrypoints"] = g.cfg.HTTPEntrypoint
	labels[prefix+".middlewares"] = middleware
	labels[prefix+".service"] = router
}

func (g *Generator) tcpRouter(labels map[string]string, router, host string, port int) {
	prefix := "traefik.tcp.routers." + router

	if g.cfg.TCPRouteBySNI {
		labels[prefix+".rule"] = fmt.Sprintf("HostSNI(`%s`)", host)
		labels[prefix+".tls.passthrough"] = "true"
	} else {
		labels[prefix+".rule"] = "HostSNI(`*`)"
	}
	labels[prefix+".entrypoints"] = g.cfg.TCPEntrypoint
	labels[prefix+".service"] = router
	labels["traefik.tcp.services."+router+".loadbalancer.server.port"] = strconv.Itoa(port)
}

func hostRule(host string) string {
	return fmt.Sprintf("Host(`%s`)", host)
}

// ExternalPort returns the port users connect to for a kind
func (g *Generator) ExternalPort(kind types.ExposeKind) int {
	switch kind {
	case types.ExposeHTTP:
		return g.cfg.HTTPPort
	case types.ExposeHTTPS:
		return g.cfg.HTTPSPort
	case types.ExposeTCP:
		return g.cfg.TCPPort
	}
	return 0
}

// Entrypoint returns the proxy entrypoint serving a kind
func (g *Generator) Entrypoint(kind types.ExposeKind) string {
	switch kind {
	case types.ExposeHTTP:
		return g.cfg.HTTPEntrypoint
	case types.ExposeHTTPS:
		return g.cfg.HTTPSEntrypoint
	case types.ExposeTCP:
		return g.cfg.TCPEntrypoint
	}
	return ""
}

// Endpoints lists the user-facing endpoints of an instance, one per expose
// rule, in catalog order
func (g *Generator) Endpoints(ch *types.Challenge, host string) []types.Endpoint {
	endpoints := make([]types.Endpoint, 0, len(ch.Expose))
	for _, rule := range ch.Expose {
		endpoints = append(endpoints, types.Endpoint{
			Kind:      rule.Kind,
			Container: rule.ContainerName,
			Host:      host,
			Port:      g.ExternalPort(rule.Kind),
		})
	}
	return endpoints
}
