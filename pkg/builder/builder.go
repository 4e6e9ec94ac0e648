package builder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/instancer/pkg/catalog"
	"github.com/cuemby/instancer/pkg/log"
	"github.com/cuemby/instancer/pkg/types"
)

// Runner executes an external command in dir
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) error
}

// ExecRunner runs commands on the host
type ExecRunner struct{}

// Run implements Runner. Stderr is included in the error on failure.
func (ExecRunner) Run(ctx context.Context, dir, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	var stderr bytes.Buffer
	cmd.Stdout = io.Discard
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, lastLine(msg))
		}
		return fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return nil
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// ImageTagger is the subset of runtime.Runtime used to name built images
type ImageTagger interface {
	TagImage(ctx context.Context, source, target string) error
}

// Options controls a build
type Options struct {
	// Build runs "docker compose build" for every challenge first
	Build  bool
	Runner Runner
	// Tagger retags built images to their catalog names; nil skips tagging
	Tagger ImageTagger
}

// Skipped records a challenge file that produced no catalog entry
type Skipped struct {
	File   string
	Reason string
}

// Result is the outcome of a build
type Result struct {
	Challenges []*types.Challenge
	Skipped    []Skipped
}

// Builder generates a catalog from a tree of challenge directories, each
// holding a challenge.yml that points at a compose file
type Builder struct {
	root   string
	opts   Options
	logger zerolog.Logger
}

// New creates a builder scanning root
func New(root string, opts Options) *Builder {
	if opts.Runner == nil {
		opts.Runner = ExecRunner{}
	}
	return &Builder{
		root:   root,
		opts:   opts,
		logger: log.WithComponent("builder"),
	}
}

type challengeFile struct {
	Timeout   int        `yaml:"timeout"`
	Dashboard *dashboard `yaml:"dashboard"`
	Extra     struct {
		Dashboard *dashboard `yaml:"dashboard"`
	} `yaml:"extra"`
}

type dashboard struct {
	Config  string `yaml:"config"`
	Path    string `yaml:"path"`
	Timeout int    `yaml:"timeout"`
}

// errNoCompose marks challenges that are not instanced
var errNoCompose = errors.New("no compose file referenced")

// Build scans the tree. A challenge that cannot be converted is skipped
// and reported; only a failure to scan the tree is an error.
func (b *Builder) Build(ctx context.Context) (*Result, error) {
	files, err := catalog.Files(b.root)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	seen := make(map[string]string)
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		ch, err := b.process(ctx, file)
		if err == nil {
			err = catalog.Validate(ch, nil)
		}
		if err == nil {
			if prev, ok := seen[ch.Name]; ok {
				err = fmt.Errorf("challenge %q already generated from %s", ch.Name, prev)
			}
		}
		if err != nil {
			res.Skipped = append(res.Skipped, Skipped{File: file, Reason: err.Error()})
			event := b.logger.Warn()
			if errors.Is(err, errNoCompose) {
				event = b.logger.Debug()
			}
			event.Err(err).Str("file", file).Msg("Skipping challenge")
			continue
		}

		seen[ch.Name] = file
		res.Challenges = append(res.Challenges, ch)
		b.logger.Info().Str("challenge", ch.Name).Int("containers", len(ch.Containers)).Msg("Challenge converted")
	}

	sort.Slice(res.Challenges, func(i, j int) bool {
		return res.Challenges[i].Name < res.Challenges[j].Name
	})
	return res, nil
}

func (b *Builder) process(ctx context.Context, file string) (*types.Challenge, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read challenge file: %w", err)
	}

	var cf challengeFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("failed to decode challenge file: %w", err)
	}

	dash := cf.Dashboard
	if dash == nil {
		dash = cf.Extra.Dashboard
	}
	if dash == nil {
		return nil, errNoCompose
	}
	rel := dash.Config
	if rel == "" {
		rel = dash.Path
	}
	if rel == "" {
		return nil, errNoCompose
	}

	dir := filepath.Dir(file)
	category := SanitizeName(filepath.Base(filepath.Dir(dir)))
	name := SanitizeName(filepath.Base(dir))

	compose := rel
	if !filepath.IsAbs(compose) {
		compose = filepath.Join(dir, rel)
	}
	if _, err := os.Stat(compose); err != nil {
		return nil, fmt.Errorf("compose file: %w", err)
	}

	if b.opts.Build {
		b.logger.Info().Str("challenge", name).Str("compose", compose).Msg("Building images")
		if err := b.opts.Runner.Run(ctx, dir, "docker", "compose", "-p", name, "-f", compose, "build"); err != nil {
			return nil, fmt.Errorf("failed to build images: %w", err)
		}
	}

	f, err := os.Open(compose)
	if err != nil {
		return nil, fmt.Errorf("failed to open compose file: %w", err)
	}
	defer f.Close()

	project, err := ParseCompose(f, category, name)
	if err != nil {
		return nil, err
	}

	for _, spec := range project.Containers {
		if _, err := catalog.ParseMemory(spec.Limits.Memory); err != nil {
			return nil, fmt.Errorf("service %s: %w", spec.Name, err)
		}
		if _, err := catalog.ParseCPU(spec.Limits.CPU); err != nil {
			return nil, fmt.Errorf("service %s: %w", spec.Name, err)
		}
	}

	if b.opts.Tagger != nil {
		for _, tag := range project.Tags {
			if err := b.opts.Tagger.TagImage(ctx, tag.Source, tag.Target); err != nil {
				b.logger.Error().Err(err).Str("source", tag.Source).Str("target", tag.Target).Msg("Failed to tag image")
			}
		}
	}

	timeout := DefaultTimeout
	switch {
	case dash.Timeout > 0:
		timeout = dash.Timeout
	case cf.Timeout > 0:
		timeout = cf.Timeout
	}

	return &types.Challenge{
		Name:       name,
		Timeout:    timeout,
		Containers: project.Containers,
		Expose:     project.Expose,
	}, nil
}

// Header is written at the top of generated catalogs
const Header = "# Generated by instancer catalog build\n"

type outChallenge struct {
	Name       string              `yaml:"name"`
	Timeout    int                 `yaml:"timeout"`
	Containers []outContainer      `yaml:"containers"`
	Expose     []*types.ExposeRule `yaml:"expose"`
}

type outContainer struct {
	Name     string            `yaml:"name"`
	Image    string            `yaml:"image"`
	Env      map[string]string `yaml:"env,omitempty"`
	Egress   bool              `yaml:"egress"`
	Security struct {
		ReadOnlyFS bool     `yaml:"read_only_fs"`
		CapAdd     []string `yaml:"cap_add"`
	} `yaml:"security"`
	Limits struct {
		Memory string `yaml:"memory"`
		CPU    string `yaml:"cpu"`
	} `yaml:"limits"`
}

// Write encodes challenges as a multi-document catalog. Fields the builder
// does not set are left out so the catalog defaults apply on load.
func Write(w io.Writer, challenges []*types.Challenge) error {
	if _, err := io.WriteString(w, Header); err != nil {
		return err
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	for _, ch := range challenges {
		out := outChallenge{
			Name:    ch.Name,
			Timeout: ch.Timeout,
			Expose:  ch.Expose,
		}
		for _, spec := range ch.Containers {
			c := outContainer{
				Name:   spec.Name,
				Image:  spec.Image,
				Env:    spec.Env,
				Egress: spec.Egress,
			}
			c.Security.ReadOnlyFS = spec.Security.ReadOnlyFS
			c.Security.CapAdd = spec.Security.CapAdd
			c.Limits.Memory = spec.Limits.Memory
			c.Limits.CPU = spec.Limits.CPU
			out.Containers = append(out.Containers, c)
		}
		if err := enc.Encode(out); err != nil {
			return fmt.Errorf("failed to encode %s: %w", ch.Name, err)
		}
	}
	return enc.Close()
}

// WriteFile writes the catalog to path, replacing it atomically
func WriteFile(path string, challenges []*types.Challenge) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".catalog-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create catalog file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := Write(tmp, challenges); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write catalog file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("failed to write catalog file: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}
