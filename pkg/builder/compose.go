package builder

import (
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/instancer/pkg/types"
)

// Defaults for services that do not set them
var (
	DefaultCapAdd  = []string{"CHOWN", "FOWNER", "SETGID", "SETUID"}
	DefaultMemory  = "256Mi"
	DefaultCPU     = "1"
	DefaultTimeout = 900
)

// Fallbacks when a compose limits block leaves a value out
const (
	limitMemoryFallback = "128Mi"
	limitCPUFallback    = "0.5"
)

// HTTPSPorts are container ports exposed as https; every other port is tcp
var HTTPSPorts = map[int]bool{80: true, 8000: true, 3000: true}

var (
	accents      = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	invalidChars = regexp.MustCompile(`[^a-z0-9-]+`)
)

// SanitizeName folds s to lowercase ASCII and replaces anything outside
// [a-z0-9-] with hyphens
func SanitizeName(s string) string {
	folded, _, err := transform.String(accents, s)
	if err != nil {
		folded = s
	}
	folded = invalidChars.ReplaceAllString(strings.ToLower(folded), "-")
	return strings.Trim(folded, "-")
}

type composeFile struct {
	Services map[string]composeService `yaml:"services"`
}

type composeService struct {
	Image       string        `yaml:"image"`
	Build       any           `yaml:"build"`
	ReadOnly    *bool         `yaml:"read_only"`
	CapAdd      []string      `yaml:"cap_add"`
	Environment yaml.Node     `yaml:"environment"`
	Ports       []yaml.Node   `yaml:"ports"`
	Deploy      composeDeploy `yaml:"deploy"`
}

type composeDeploy struct {
	Resources struct {
		Limits *struct {
			Memory string `yaml:"memory"`
			CPUs   any    `yaml:"cpus"`
		} `yaml:"limits"`
	} `yaml:"resources"`
}

// ImageTag is a locally built compose image and the name the catalog
// refers to it by
type ImageTag struct {
	Source string
	Target string
}

// Project is what a compose file contributes to a challenge
type Project struct {
	Containers []*types.ContainerSpec
	Expose     []*types.ExposeRule
	Tags       []ImageTag
}

// ParseCompose converts the services of a compose file into container specs
// and exposure rules. Services are processed in name order; services with
// neither image nor build are skipped. Built services are referenced as
// <category>/<challenge>/<service>:latest.
func ParseCompose(r io.Reader, category, challenge string) (*Project, error) {
	var file composeFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to decode compose file: %w", err)
	}

	names := make([]string, 0, len(file.Services))
	for name := range file.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	p := &Project{}
	for _, service := range names {
		svc := file.Services[service]
		container := SanitizeName(service)

		spec := &types.ContainerSpec{
			Name:   container,
			Egress: true,
			Security: types.SecurityPolicy{
				CapAdd: append([]string(nil), DefaultCapAdd...),
			},
			Limits: types.ResourceLimits{
				Memory: DefaultMemory,
				CPU:    DefaultCPU,
			},
		}

		switch {
		case svc.Image != "":
			spec.Image = svc.Image
		case svc.Build != nil:
			spec.Image = fmt.Sprintf("%s/%s/%s:latest", category, challenge, container)
			p.Tags = append(p.Tags, ImageTag{
				Source: fmt.Sprintf("%s-%s:latest", challenge, service),
				Target: spec.Image,
			})
		default:
			continue
		}

		if limits := svc.Deploy.Resources.Limits; limits != nil {
			spec.Limits.Memory = limitMemoryFallback
			if limits.Memory != "" {
				spec.Limits.Memory = limits.Memory
			}
			spec.Limits.CPU = limitCPUFallback
			if limits.CPUs != nil {
				spec.Limits.CPU = fmt.Sprint(limits.CPUs)
			}
		}
		if svc.ReadOnly != nil {
			spec.Security.ReadOnlyFS = *svc.ReadOnly
		}
		if svc.CapAdd != nil {
			spec.Security.CapAdd = svc.CapAdd
		}

		env, err := environment(&svc.Environment)
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", service, err)
		}
		spec.Env = env

		for i := range svc.Ports {
			port, err := containerPort(&svc.Ports[i])
			if err != nil {
				return nil, fmt.Errorf("service %s: ports[%d]: %w", service, i, err)
			}
			kind := types.ExposeTCP
			if HTTPSPorts[port] {
				kind = types.ExposeHTTPS
			}
			p.Expose = append(p.Expose, &types.ExposeRule{
				Kind:          kind,
				ContainerName: container,
				ContainerPort: port,
			})
		}

		p.Containers = append(p.Containers, spec)
	}

	return p, nil
}

// environment accepts both the list ("KEY=value") and the map form
func environment(node *yaml.Node) (map[string]string, error) {
	switch node.Kind {
	case 0:
		return nil, nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return nil, fmt.Errorf("environment: %w", err)
		}
		env := make(map[string]string)
		for _, item := range items {
			if k, v, ok := strings.Cut(item, "="); ok {
				env[k] = v
			}
		}
		return env, nil
	case yaml.MappingNode:
		var raw map[string]any
		if err := node.Decode(&raw); err != nil {
			return nil, fmt.Errorf("environment: %w", err)
		}
		env := make(map[string]string, len(raw))
		for k, v := range raw {
			if v == nil {
				env[k] = ""
				continue
			}
			env[k] = fmt.Sprint(v)
		}
		return env, nil
	}
	return nil, fmt.Errorf("environment: unsupported yaml node")
}

// containerPort reads the container side of a short ("8080:80",
// "127.0.0.1:8080:80/tcp", "80") or long ({target: 80}) port mapping
func containerPort(node *yaml.Node) (int, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		s := node.Value
		if i := strings.LastIndex(s, ":"); i >= 0 {
			s = s[i+1:]
		}
		s, _, _ = strings.Cut(s, "/")
		port, err := strconv.Atoi(s)
		if err != nil {
			return 0, fmt.Errorf("invalid port mapping %q", node.Value)
		}
		return port, nil
	case yaml.MappingNode:
		var long struct {
			Target *int `yaml:"target"`
		}
		if err := node.Decode(&long); err != nil {
			return 0, err
		}
		if long.Target == nil {
			return 80, nil
		}
		return *long.Target, nil
	}
	return 0, fmt.Errorf("unsupported port mapping")
}
