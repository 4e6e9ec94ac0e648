package catalog

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/cuemby/instancer/pkg/errdefs"
	"github.com/cuemby/instancer/pkg/log"
	"github.com/cuemby/instancer/pkg/types"
)

// FileNames are the file names searched for when loading a directory
var FileNames = []string{"challenge.yml", "challenge.yaml"}

// Catalog is the immutable set of challenges loaded at startup
type Catalog struct {
	challenges map[string]*types.Challenge
	sources    map[string]string
}

type options struct {
	routes RouteValidator
}

// Option configures catalog loading
type Option func(*options)

// WithRouteValidator adds proxy-level checks (entrypoint collisions) to
// validation
func WithRouteValidator(v RouteValidator) Option {
	return func(o *options) {
		o.routes = v
	}
}

// Load reads a catalog from a YAML file, or from every challenge.yml and
// challenge.yaml below a directory. Any invalid definition fails the
// whole load.
func Load(path string, opts ...Option) (*Catalog, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	files, err := Files(path)
	if err != nil {
		return nil, err
	}

	logger := log.WithComponent("catalog")
	if len(files) == 0 {
		logger.Warn().Str("path", path).Msg("No challenge files found")
	}

	c := &Catalog{
		challenges: make(map[string]*types.Challenge),
		sources:    make(map[string]string),
	}

	var errs []error
	for _, file := range files {
		loaded, err := loadFile(file)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, ch := range loaded {
			if err := c.add(ch, file, o.routes); err != nil {
				errs = append(errs, err)
			}
		}
		logger.Debug().Str("file", file).Int("challenges", len(loaded)).Msg("Loaded challenge file")
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	logger.Info().Int("challenges", len(c.challenges)).Int("files", len(files)).Msg("Catalog loaded")
	return c, nil
}

// New builds a catalog from already parsed challenges, validating each
func New(challenges []*types.Challenge, opts ...Option) (*Catalog, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	c := &Catalog{
		challenges: make(map[string]*types.Challenge),
		sources:    make(map[string]string),
	}

	var errs []error
	for _, ch := range challenges {
		if err := c.add(ch, "", o.routes); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) add(ch *types.Challenge, source string, routes RouteValidator) error {
	if err := Validate(ch, routes); err != nil {
		if source != "" {
			return fmt.Errorf("%s: %w", source, err)
		}
		return err
	}

	if prev, exists := c.sources[ch.Name]; exists {
		return &errdefs.ValidationError{
			Source:    source,
			Challenge: ch.Name,
			Field:     "name",
			Reason:    fmt.Sprintf("already defined in %s", sourceName(prev)),
		}
	}

	warnInsecure(ch, source)
	c.challenges[ch.Name] = ch
	c.sources[ch.Name] = source
	return nil
}

func sourceName(s string) string {
	if s == "" {
		return "<inline>"
	}
	return s
}

func loadFile(file string) ([]*types.Challenge, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("failed to open challenge file: %w", err)
	}
	defer f.Close()

	return Parse(f, file)
}

// Files resolves a catalog path to the list of files to read, sorted
func Files(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat catalog path: %w", err)
	}

	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		for _, name := range FileNames {
			if d.Name() == name {
				files = append(files, p)
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk catalog directory: %w", err)
	}

	sort.Strings(files)
	return files, nil
}

// Get returns the named challenge
func (c *Catalog) Get(name string) (*types.Challenge, error) {
	ch, ok := c.challenges[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errdefs.ErrChallengeNotFound, name)
	}
	return ch, nil
}

// Source returns the file a challenge was loaded from
func (c *Catalog) Source(name string) string {
	return c.sources[name]
}

// List returns all challenges sorted by name
func (c *Catalog) List() []*types.Challenge {
	out := make([]*types.Challenge, 0, len(c.challenges))
	for _, ch := range c.challenges {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out
}

// Len returns the number of challenges
func (c *Catalog) Len() int {
	return len(c.challenges)
}
