package catalog

import (
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/cuemby/instancer/pkg/errdefs"
	"github.com/cuemby/instancer/pkg/types"
	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// NanoCPUScale is the number of NanoCPUs in one core
const NanoCPUScale = 1_000_000_000

// Defaults applied to fields a container document leaves unset
var (
	DefaultReadOnlyFS  = true
	DefaultSecurityOpt = []string{"no-new-privileges"}
	DefaultCapDrop     = []string{"ALL"}
	DefaultMemory      = "512Mi"
	DefaultCPU         = "0.5"
	DefaultPidsLimit   = int64(1024)
	DefaultUlimits     = []types.Ulimit{{Name: "nofile", Soft: 1024, Hard: 1024}}
)

// challengeDocument mirrors one YAML document. Optional sections are
// pointers so an absent key can be told apart from an explicit zero value.
type challengeDocument struct {
	Name       string              `yaml:"name"`
	Timeout    int                 `yaml:"timeout"`
	Containers []containerDocument `yaml:"containers"`
	Expose     []types.ExposeRule  `yaml:"expose"`
}

type containerDocument struct {
	Name     string            `yaml:"name"`
	Image    string            `yaml:"image"`
	Env      map[string]string `yaml:"env"`
	Egress   bool              `yaml:"egress"`
	Security *securityDocument `yaml:"security"`
	Limits   *limitsDocument   `yaml:"limits"`
}

type securityDocument struct {
	ReadOnlyFS  *bool     `yaml:"read_only_fs"`
	SecurityOpt *[]string `yaml:"security_opt"`
	CapAdd      *[]string `yaml:"cap_add"`
	CapDrop     *[]string `yaml:"cap_drop"`
}

type limitsDocument struct {
	Memory    *string         `yaml:"memory"`
	CPU       *string         `yaml:"cpu"`
	PidsLimit *int64          `yaml:"pids_limit"`
	Ulimits   *[]types.Ulimit `yaml:"ulimits"`
}

// Parse decodes every YAML document in r into a challenge with defaults
// applied and limits parsed. Empty documents are skipped. The result is
// not validated; see Validate.
func Parse(r io.Reader, source string) ([]*types.Challenge, error) {
	dec := yaml.NewDecoder(r)

	var challenges []*types.Challenge
	for i := 0; ; i++ {
		var node yaml.Node
		err := dec.Decode(&node)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, parseError(source, i, "", err)
		}
		if isEmptyDocument(&node) {
			continue
		}

		var doc challengeDocument
		if err := node.Decode(&doc); err != nil {
			return nil, parseError(source, i, "", err)
		}

		ch, err := doc.challenge()
		if err != nil {
			return nil, parseError(source, i, doc.Name, err)
		}
		challenges = append(challenges, ch)
	}

	return challenges, nil
}

func parseError(source string, doc int, name string, err error) error {
	return &errdefs.ValidationError{
		Source:    source,
		Challenge: name,
		Field:     fmt.Sprintf("document %d", doc),
		Reason:    err.Error(),
	}
}

func isEmptyDocument(node *yaml.Node) bool {
	if node.Kind != yaml.DocumentNode || len(node.Content) == 0 {
		return true
	}
	root := node.Content[0]
	return root.Kind == yaml.ScalarNode && root.Tag == "!!null"
}

func (d *challengeDocument) challenge() (*types.Challenge, error) {
	ch := &types.Challenge{
		Name:    d.Name,
		Timeout: d.Timeout,
	}

	for i := range d.Containers {
		spec, err := d.Containers[i].spec()
		if err != nil {
			return nil, fmt.Errorf("containers[%d]: %w", i, err)
		}
		ch.Containers = append(ch.Containers, spec)
	}

	for i := range d.Expose {
		rule := d.Expose[i]
		rule.Kind = types.ExposeKind(strings.ToLower(string(rule.Kind)))
		ch.Expose = append(ch.Expose, &rule)
	}

	return ch, nil
}

func (d *containerDocument) spec() (*types.ContainerSpec, error) {
	spec := &types.ContainerSpec{
		Name:   d.Name,
		Image:  d.Image,
		Env:    d.Env,
		Egress: d.Egress,
		Security: types.SecurityPolicy{
			ReadOnlyFS:  DefaultReadOnlyFS,
			SecurityOpt: clone(DefaultSecurityOpt),
			CapAdd:      []string{},
			CapDrop:     clone(DefaultCapDrop),
		},
		Limits: types.ResourceLimits{
			Memory:    DefaultMemory,
			CPU:       DefaultCPU,
			PidsLimit: DefaultPidsLimit,
			Ulimits:   clone(DefaultUlimits),
		},
	}
	if spec.Env == nil {
		spec.Env = map[string]string{}
	}

	if s := d.Security; s != nil {
		if s.ReadOnlyFS != nil {
			spec.Security.ReadOnlyFS = *s.ReadOnlyFS
		}
		if s.SecurityOpt != nil {
			spec.Security.SecurityOpt = *s.SecurityOpt
		}
		if s.CapAdd != nil {
			spec.Security.CapAdd = *s.CapAdd
		}
		if s.CapDrop != nil {
			spec.Security.CapDrop = *s.CapDrop
		}
	}

	if l := d.Limits; l != nil {
		if l.Memory != nil {
			spec.Limits.Memory = *l.Memory
		}
		if l.CPU != nil {
			spec.Limits.CPU = *l.CPU
		}
		if l.PidsLimit != nil {
			spec.Limits.PidsLimit = *l.PidsLimit
		}
		if l.Ulimits != nil {
			spec.Limits.Ulimits = *l.Ulimits
		}
	}

	var err error
	if spec.Limits.MemoryBytes, err = ParseMemory(spec.Limits.Memory); err != nil {
		return nil, fmt.Errorf("limits.memory: %w", err)
	}
	if spec.Limits.NanoCPUs, err = ParseCPU(spec.Limits.CPU); err != nil {
		return nil, fmt.Errorf("limits.cpu: %w", err)
	}

	return spec, nil
}

// ParseMemory converts a byte-suffixed size ("512Mi", "512m", "1g", "1GiB",
// "1048576") to bytes. Suffixes are binary. An empty string means no limit.
func ParseMemory(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	bytes, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid memory size %q: %w", s, err)
	}
	return bytes, nil
}

// ParseCPU converts a core count ("0.5", "2") or millicores ("500m") to
// NanoCPUs. An empty string means no limit.
func ParseCPU(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	if millis, ok := strings.CutSuffix(s, "m"); ok {
		n, err := strconv.ParseInt(millis, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid cpu millicores %q: %w", s, err)
		}
		return n * NanoCPUScale / 1000, nil
	}

	cores, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(cores) || math.IsInf(cores, 0) {
		return 0, fmt.Errorf("invalid cpu count %q", s)
	}
	return int64(cores * NanoCPUScale), nil
}

func clone[T any](s []T) []T {
	out := make([]T, len(s))
	copy(out, s)
	return out
}
