package reaper

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/instancer/pkg/errdefs"
	"github.com/cuemby/instancer/pkg/events"
	"github.com/cuemby/instancer/pkg/log"
	"github.com/cuemby/instancer/pkg/metrics"
	"github.com/cuemby/instancer/pkg/naming"
	"github.com/cuemby/instancer/pkg/provisioner"
	"github.com/cuemby/instancer/pkg/runtime"
)

// Remover lists managed resources and removes them
type Remover interface {
	ListManaged(ctx context.Context) ([]runtime.Resource, error)
	RemoveResources(ctx context.Context, resources []runtime.Resource) error
}

// Config controls the reaper loop
type Config struct {
	Interval    time.Duration
	Concurrency int
	// CycleTimeout bounds one full cycle
	CycleTimeout time.Duration
}

// DefaultConfig returns the reaper defaults
func DefaultConfig() Config {
	return Config{
		Interval:     3 * time.Second,
		Concurrency:  4,
		CycleTimeout: 2 * time.Minute,
	}
}

// Result summarizes one reaper cycle
type Result struct {
	Groups    int // instance groups seen, unlabeled resources counted individually
	Expired   int
	Reaped    int
	Lingering int
	Errors    []error
}

// Reaper destroys instances whose expiry label has passed. It is the only
// garbage collector: there is no other record of what exists.
type Reaper struct {
	remover Remover
	events  *events.Broker
	cfg     Config
	now     func() time.Time
	mu      sync.Mutex
	stopCh  chan struct{}
	logger  zerolog.Logger
}

// NewReaper creates a reaper. broker may be nil.
func NewReaper(remover Remover, broker *events.Broker, cfg Config) *Reaper {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = def.CycleTimeout
	}
	return &Reaper{
		remover: remover,
		events:  broker,
		cfg:     cfg,
		now:     time.Now,
		stopCh:  make(chan struct{}),
		logger:  log.WithComponent("reaper"),
	}
}

// SetClock replaces the time source used for expiry decisions
func (r *Reaper) SetClock(now func() time.Time) {
	r.now = now
}

// Start begins the reaping loop
func (r *Reaper) Start() {
	go r.run()
}

// Stop stops the reaping loop
func (r *Reaper) Stop() {
	close(r.stopCh)
}

func (r *Reaper) run() {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", r.cfg.Interval).Msg("Reaper started")

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.cfg.CycleTimeout)
			if _, err := r.RunOnce(ctx); err != nil {
				r.logger.Error().Err(err).Msg("Reaper cycle failed")
			}
			cancel()
		case <-r.stopCh:
			r.logger.Info().Msg("Reaper stopped")
			return
		}
	}
}

// unit is a set of resources destroyed together
type unit struct {
	id        string
	meta      naming.Meta
	resources []runtime.Resource
}

// RunOnce performs one cycle. Failures to destroy individual groups are
// reported in Result.Errors as *errdefs.ReapError and never abort the
// cycle; the returned error is set only when listing fails.
func (r *Reaper) RunOnce(ctx context.Context) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReaperCycleDuration)
		metrics.ReaperCyclesTotal.Inc()
	}()

	resources, err := r.remover.ListManaged(ctx)
	if err != nil {
		metrics.UpdateComponent(metrics.ComponentRuntime, false, err.Error())
		metrics.UpdateComponent(metrics.ComponentReaper, false, err.Error())
		return Result{}, fmt.Errorf("failed to list managed resources: %w", err)
	}
	metrics.UpdateComponent(metrics.ComponentRuntime, true, "")

	units, total := r.expired(resources, r.now())
	result := Result{Groups: total, Expired: len(units)}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(r.cfg.Concurrency)
	for _, u := range units {
		g.Go(func() error {
			err := r.reap(ctx, u)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors = append(result.Errors, err)
			} else {
				result.Reaped++
			}
			return nil
		})
	}
	_ = g.Wait()

	result.Lingering = len(result.Errors)
	metrics.ReaperLingering.Set(float64(result.Lingering))
	if result.Lingering > 0 {
		metrics.UpdateComponent(metrics.ComponentReaper, false, fmt.Sprintf("%d expired instances lingering", result.Lingering))
	} else {
		metrics.UpdateComponent(metrics.ComponentReaper, true, "")
	}

	if result.Expired > 0 {
		r.logger.Info().
			Int("groups", result.Groups).
			Int("expired", result.Expired).
			Int("reaped", result.Reaped).
			Int("lingering", result.Lingering).
			Dur("took", timer.Duration()).
			Msg("Reaper cycle complete")
	}
	return result, nil
}

// expired returns the units due for removal and the number of units seen
func (r *Reaper) expired(resources []runtime.Resource, now time.Time) ([]unit, int) {
	groups := provisioner.GroupByInstance(resources)
	var units []unit
	total := 0

	for _, res := range groups[""] {
		total++
		if due(now, res) {
			units = append(units, unit{resources: []runtime.Resource{res}})
		}
	}
	delete(groups, "")

	for id, group := range groups {
		total++
		if !due(now, group...) {
			continue
		}
		u := unit{id: id, resources: group}
		for _, res := range group {
			if m, err := naming.ParseLabels(res.Labels); err == nil {
				u.meta = m
				break
			}
		}
		u.meta.InstanceID = id
		units = append(units, u)
	}

	sort.Slice(units, func(i, j int) bool {
		if units[i].id != units[j].id {
			return units[i].id < units[j].id
		}
		return units[i].resources[0].ID < units[j].resources[0].ID
	})
	return units, total
}

// due reports whether a group is past its expiry. Any parseable expiry in
// the past makes it due, as does the absence of any parseable expiry.
func due(now time.Time, group ...runtime.Resource) bool {
	parsed := false
	for _, res := range group {
		expiresAt, ok := naming.ExpiresAt(res.Labels)
		if !ok {
			continue
		}
		parsed = true
		if !now.Before(expiresAt) {
			return true
		}
	}
	return !parsed
}

func (r *Reaper) reap(ctx context.Context, u unit) error {
	logger := log.WithInstance(r.logger, u.id, "", "").With().Int("resources", len(u.resources)).Logger()

	if err := r.remover.RemoveResources(ctx, u.resources); err != nil {
		metrics.ReaperErrorsTotal.Inc()
		rerr := &errdefs.ReapError{InstanceID: u.id, Resources: len(u.resources), Err: err}
		logger.Error().Err(err).Msg("Failed to reap instance, retrying next cycle")
		if u.id != "" {
			event := events.InstanceEvent(events.EventReapFailed, u.id, u.meta.Challenge, u.meta.TeamID, "reap failed")
			event.Metadata[events.MetaError] = err.Error()
			r.events.Publish(event)
		}
		return rerr
	}

	metrics.ReaperReapedTotal.Inc()
	if u.id == "" {
		logger.Warn().Str("resource", u.resources[0].Name).Msg("Reaped unlabeled resource")
		return nil
	}

	metrics.InstancesDestroyedTotal.WithLabelValues(provisioner.ReasonExpired).Inc()
	logger.Info().
		Str("challenge", u.meta.Challenge).
		Str("team_id", u.meta.TeamID).
		Msg("Reaped expired instance")
	r.events.Publish(events.InstanceEvent(events.EventInstanceReaped, u.id, u.meta.Challenge, u.meta.TeamID, "instance expired"))
	return nil
}
