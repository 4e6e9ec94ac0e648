package provisioner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/instancer/pkg/errdefs"
	"github.com/cuemby/instancer/pkg/events"
	"github.com/cuemby/instancer/pkg/ingress"
	"github.com/cuemby/instancer/pkg/log"
	"github.com/cuemby/instancer/pkg/metrics"
	"github.com/cuemby/instancer/pkg/naming"
	"github.com/cuemby/instancer/pkg/runtime"
	"github.com/cuemby/instancer/pkg/types"
)

// Provisioning steps reported in ProvisionError.Step
const (
	StepCreateNetwork   = "create_network"
	StepConnectProxy    = "connect_proxy"
	StepCreateEgress    = "create_egress_network"
	StepPullImages      = "pull_images"
	StepCreateContainer = "create_container"
	StepStartContainers = "start_containers"
)

// Reasons used for instancer_instances_destroyed_total
const (
	ReasonStop     = "stop"
	ReasonExpired  = "expired"
	ReasonRollback = "rollback"
)

const restartPolicy = "unless-stopped"

// Config controls runtime call bounds and proxy attachment
type Config struct {
	// CallTimeout bounds every individual runtime call
	CallTimeout time.Duration
	// StopTimeout is the grace period given to containers before removal
	StopTimeout time.Duration
	// ProxyContainer is connected to each internal network. Empty disables.
	ProxyContainer string
	// PullImages pulls missing images before containers are created
	PullImages bool
}

// DefaultConfig returns the provisioner defaults
func DefaultConfig() Config {
	return Config{
		CallTimeout:    30 * time.Second,
		StopTimeout:    5 * time.Second,
		ProxyContainer: "ti-traefik",
		PullImages:     true,
	}
}

// Provisioner creates and destroys the runtime resources of instances.
// It holds no state: every read is a label query against the runtime.
type Provisioner struct {
	rt     runtime.Runtime
	namer  *naming.Namer
	routes *ingress.Generator
	events *events.Broker
	cfg    Config
	now    func() time.Time
	logger zerolog.Logger
}

// NewProvisioner creates a provisioner. broker may be nil.
func NewProvisioner(rt runtime.Runtime, namer *naming.Namer, routes *ingress.Generator, broker *events.Broker, cfg Config) *Provisioner {
	def := DefaultConfig()
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.StopTimeout < 0 {
		cfg.StopTimeout = def.StopTimeout
	}
	return &Provisioner{
		rt:     rt,
		namer:  namer,
		routes: routes,
		events: broker,
		cfg:    cfg,
		now:    time.Now,
		logger: log.WithComponent("provisioner"),
	}
}

// SetClock replaces the time source used for instance timestamps
func (p *Provisioner) SetClock(now func() time.Time) {
	p.now = now
}

// Namer returns the resource namer
func (p *Provisioner) Namer() *naming.Namer {
	return p.namer
}

// Create provisions a new instance of ch for teamID. Caller cancellation
// does not interrupt provisioning; each runtime call is bounded by
// CallTimeout instead. On any failure every resource labeled with the new
// instance id is removed and a *errdefs.ProvisionError is returned.
func (p *Provisioner) Create(ctx context.Context, ch *types.Challenge, teamID string) (*types.Instance, error) {
	ctx = context.WithoutCancel(ctx)
	timer := metrics.NewTimer()

	started := p.now().Truncate(time.Second)
	meta := naming.Meta{
		InstanceID: naming.NewInstanceID(),
		Challenge:  ch.Name,
		TeamID:     teamID,
		StartedAt:  started,
		ExpiresAt:  started.Add(ch.Lifetime()),
	}
	if len(ch.Expose) > 0 {
		meta.Hostname = p.namer.Hostname(ch.Name, meta.InstanceID)
	}

	logger := log.WithInstance(p.logger, meta.InstanceID, ch.Name, teamID)

	b := &build{p: p, ch: ch, meta: meta, labels: p.namer.Labels(meta)}
	if err := b.run(ctx); err != nil {
		metrics.InstancesFailedTotal.WithLabelValues(ch.Name).Inc()
		perr := &errdefs.ProvisionError{
			Challenge:  ch.Name,
			TeamID:     teamID,
			InstanceID: meta.InstanceID,
			Step:       b.step,
			Err:        err,
		}
		logger.Error().Err(err).Str("step", b.step).Msg("Provisioning failed, rolling back")

		if removed, rerr := p.teardown(ctx, meta.InstanceID); rerr != nil {
			metrics.RollbackFailuresTotal.Inc()
			logger.Error().Err(rerr).Msg("Rollback left resources behind")
		} else if len(removed) > 0 {
			metrics.InstancesDestroyedTotal.WithLabelValues(ReasonRollback).Inc()
		}

		p.publish(events.EventInstanceFailed, meta, "provisioning failed at "+b.step, err)
		return nil, perr
	}

	timer.ObserveDurationVec(metrics.ProvisionDuration, ch.Name)
	metrics.InstancesCreatedTotal.WithLabelValues(ch.Name).Inc()
	logger.Info().
		Str("hostname", meta.Hostname).
		Time("expires_at", meta.ExpiresAt).
		Dur("took", timer.Duration()).
		Msg("Instance created")
	p.publish(events.EventInstanceCreated, meta, "instance created", nil)

	return &types.Instance{
		ID:        meta.InstanceID,
		Challenge: ch.Name,
		TeamID:    teamID,
		StartedAt: meta.StartedAt,
		ExpiresAt: meta.ExpiresAt,
		Hostname:  meta.Hostname,
		Status:    types.InstanceStatusRunning,
		Endpoints: p.Endpoints(ch, meta.Hostname),
	}, nil
}

// build carries the state of one Create call
type build struct {
	p      *Provisioner
	ch     *types.Challenge
	meta   naming.Meta
	labels map[string]string
	step   string

	internal   string
	egress     string
	containers []string
}

func (b *build) run(ctx context.Context) error {
	p := b.p
	id := b.meta.InstanceID

	b.step = StepCreateNetwork
	internalName := p.namer.InternalNetwork(b.ch.Name, id)
	if err := p.call(ctx, func(ctx context.Context) (err error) {
		b.internal, err = p.rt.CreateNetwork(ctx, runtime.NetworkSpec{
			Name:     internalName,
			Internal: true,
			Labels:   b.labels,
		})
		return err
	}); err != nil {
		return err
	}

	if p.cfg.ProxyContainer != "" && len(b.ch.Expose) > 0 {
		b.step = StepConnectProxy
		if err := p.call(ctx, func(ctx context.Context) error {
			return p.rt.ConnectNetwork(ctx, b.internal, p.cfg.ProxyContainer)
		}); err != nil {
			return err
		}
	}

	if b.ch.NeedsEgress() {
		b.step = StepCreateEgress
		if err := p.call(ctx, func(ctx context.Context) (err error) {
			b.egress, err = p.rt.CreateNetwork(ctx, runtime.NetworkSpec{
				Name:   p.namer.EgressNetwork(b.ch.Name, id),
				Labels: b.labels,
			})
			return err
		}); err != nil {
			return err
		}
	}

	if p.cfg.PullImages {
		b.step = StepPullImages
		if err := b.pullImages(ctx); err != nil {
			return err
		}
	}

	b.step = StepCreateContainer
	for _, spec := range b.ch.Containers {
		var cid string
		if err := p.call(ctx, func(ctx context.Context) (err error) {
			cid, err = p.rt.CreateContainer(ctx, b.containerSpec(spec, internalName))
			return err
		}); err != nil {
			return fmt.Errorf("container %s: %w", spec.Name, err)
		}
		b.containers = append(b.containers, cid)
	}

	b.step = StepStartContainers
	g, gctx := errgroup.WithContext(ctx)
	for _, cid := range b.containers {
		g.Go(func() error {
			return p.call(gctx, func(ctx context.Context) error {
				return p.rt.StartContainer(ctx, cid)
			})
		})
	}
	return g.Wait()
}

func (b *build) pullImages(ctx context.Context) error {
	seen := make(map[string]bool)
	g, gctx := errgroup.WithContext(ctx)
	for _, spec := range b.ch.Containers {
		if seen[spec.Image] {
			continue
		}
		seen[spec.Image] = true
		image := spec.Image
		g.Go(func() error {
			if err := b.p.call(gctx, func(ctx context.Context) error {
				return b.p.rt.EnsureImage(ctx, image)
			}); err != nil {
				return fmt.Errorf("image %s: %w", image, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (b *build) containerSpec(spec *types.ContainerSpec, internalName string) runtime.ContainerSpec {
	p := b.p
	id := b.meta.InstanceID

	labels := make(map[string]string, len(b.labels))
	for k, v := range b.labels {
		labels[k] = v
	}
	if b.meta.Hostname != "" {
		for k, v := range p.routes.ContainerLabels(b.ch, spec.Name, id, b.meta.Hostname, internalName) {
			labels[k] = v
		}
	}

	networks := []runtime.NetworkAttachment{{Network: b.internal, Aliases: []string{spec.Name}}}
	if spec.Egress {
		networks = append(networks, runtime.NetworkAttachment{Network: b.egress, Aliases: []string{spec.Name}})
	}

	var tmpfs map[string]string
	if spec.Security.ReadOnlyFS {
		tmpfs = map[string]string{"/tmp": "noexec,nosuid,nodev"}
	}

	return runtime.ContainerSpec{
		Name:           p.namer.ContainerName(b.ch.Name, id, spec.Name),
		Hostname:       spec.Name,
		Image:          spec.Image,
		Env:            spec.Env,
		Labels:         labels,
		Networks:       networks,
		RestartPolicy:  restartPolicy,
		ReadOnlyRootfs: spec.Security.ReadOnlyFS,
		Tmpfs:          tmpfs,
		SecurityOpt:    spec.Security.SecurityOpt,
		CapAdd:         spec.Security.CapAdd,
		CapDrop:        spec.Security.CapDrop,
		MemoryBytes:    spec.Limits.MemoryBytes,
		NanoCPUs:       spec.Limits.NanoCPUs,
		PidsLimit:      spec.Limits.PidsLimit,
		Ulimits:        spec.Limits.Ulimits,
	}
}

// call runs fn bounded by CallTimeout
func (p *Provisioner) call(ctx context.Context, fn func(ctx context.Context) error) error {
	return p.callWithin(ctx, p.cfg.CallTimeout, fn)
}

func (p *Provisioner) callWithin(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := fn(cctx)
	if err != nil && ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("runtime call timed out after %s: %w", timeout, err)
	}
	return err
}

// Destroy removes every resource of an instance. Destroying an instance
// that does not exist succeeds.
func (p *Provisioner) Destroy(ctx context.Context, instanceID string) error {
	removed, err := p.teardown(ctx, instanceID)
	if err != nil {
		return err
	}
	if len(removed) == 0 {
		return nil
	}

	meta, _ := naming.ParseLabels(removed[0].Labels)
	meta.InstanceID = instanceID
	metrics.InstancesDestroyedTotal.WithLabelValues(ReasonStop).Inc()
	p.logger.Info().
		Str("instance_id", instanceID).
		Str("challenge", meta.Challenge).
		Str("team_id", meta.TeamID).
		Int("resources", len(removed)).
		Msg("Instance destroyed")
	p.publish(events.EventInstanceDestroyed, meta, "instance destroyed", nil)
	return nil
}

// teardown removes everything labeled with instanceID and returns what it
// found
func (p *Provisioner) teardown(ctx context.Context, instanceID string) ([]runtime.Resource, error) {
	resources, err := p.list(ctx, p.namer.InstanceFilter(instanceID))
	if err != nil {
		return nil, err
	}
	return resources, p.RemoveResources(ctx, resources)
}

// RemoveResources removes containers first, concurrently, then networks.
// Running containers are stopped gracefully before removal. All failures
// are returned joined.
func (p *Provisioner) RemoveResources(ctx context.Context, resources []runtime.Resource) error {
	var (
		mu   sync.Mutex
		errs []error
	)
	fail := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	var g errgroup.Group
	for _, r := range resources {
		if r.Kind != runtime.KindContainer {
			continue
		}
		g.Go(func() error {
			if r.Running() {
				err := p.callWithin(ctx, p.cfg.StopTimeout+p.cfg.CallTimeout, func(ctx context.Context) error {
					return p.rt.StopContainer(ctx, r.ID, p.cfg.StopTimeout)
				})
				if err != nil {
					p.logger.Debug().Err(err).Str("container", r.Name).Msg("Graceful stop failed, forcing removal")
				}
			}
			if err := p.call(ctx, func(ctx context.Context) error {
				return p.rt.RemoveContainer(ctx, r.ID)
			}); err != nil {
				fail(fmt.Errorf("remove container %s: %w", r.Name, err))
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range resources {
		if r.Kind != runtime.KindNetwork {
			continue
		}
		if err := p.call(ctx, func(ctx context.Context) error {
			return p.rt.RemoveNetwork(ctx, r.ID)
		}); err != nil {
			fail(fmt.Errorf("remove network %s: %w", r.Name, err))
		}
	}

	return errors.Join(errs...)
}

// ListManaged returns every container and network owned by this instancer
func (p *Provisioner) ListManaged(ctx context.Context) ([]runtime.Resource, error) {
	return p.list(ctx, p.namer.ManagedFilter())
}

func (p *Provisioner) list(ctx context.Context, filter map[string]string) ([]runtime.Resource, error) {
	var containers, networks []runtime.Resource
	if err := p.call(ctx, func(ctx context.Context) (err error) {
		containers, err = p.rt.ListContainers(ctx, filter)
		return err
	}); err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	if err := p.call(ctx, func(ctx context.Context) (err error) {
		networks, err = p.rt.ListNetworks(ctx, filter)
		return err
	}); err != nil {
		return nil, fmt.Errorf("list networks: %w", err)
	}
	return append(containers, networks...), nil
}

// Lookup reconstructs the instances matching a label filter. Groups whose
// labels cannot be parsed are skipped. Endpoints are left empty: they
// depend on the catalog entry, see Endpoints.
func (p *Provisioner) Lookup(ctx context.Context, filter map[string]string) ([]*types.Instance, error) {
	resources, err := p.list(ctx, filter)
	if err != nil {
		return nil, err
	}

	groups := GroupByInstance(resources)
	instances := make([]*types.Instance, 0, len(groups))
	for id, group := range groups {
		if id == "" {
			continue
		}
		inst, err := instanceFromGroup(group)
		if err != nil {
			p.logger.Warn().Err(err).Str("instance_id", id).Msg("Skipping instance with malformed labels")
			continue
		}
		instances = append(instances, inst)
	}

	sort.Slice(instances, func(i, j int) bool {
		if !instances[i].StartedAt.Equal(instances[j].StartedAt) {
			return instances[i].StartedAt.Before(instances[j].StartedAt)
		}
		return instances[i].ID < instances[j].ID
	})
	return instances, nil
}

// Endpoints returns the user-facing addresses of an instance of ch
func (p *Provisioner) Endpoints(ch *types.Challenge, hostname string) []types.Endpoint {
	if hostname == "" {
		return nil
	}
	return p.routes.Endpoints(ch, hostname)
}

// GroupByInstance groups resources by their instance id label. Resources
// without one are grouped under the empty key.
func GroupByInstance(resources []runtime.Resource) map[string][]runtime.Resource {
	groups := make(map[string][]runtime.Resource)
	for _, r := range resources {
		id := r.Labels[naming.LabelInstanceID]
		groups[id] = append(groups[id], r)
	}
	return groups
}

func instanceFromGroup(group []runtime.Resource) (*types.Instance, error) {
	var (
		meta    naming.Meta
		lastErr error
		parsed  bool
	)
	for _, r := range group {
		m, err := naming.ParseLabels(r.Labels)
		if err != nil {
			lastErr = err
			continue
		}
		meta, parsed = m, true
		break
	}
	if !parsed {
		return nil, lastErr
	}

	containers, running := 0, 0
	for _, r := range group {
		if r.Kind != runtime.KindContainer {
			continue
		}
		containers++
		if r.Running() {
			running++
		}
	}
	status := types.InstanceStatusStarting
	if containers > 0 && running == containers {
		status = types.InstanceStatusRunning
	}

	return &types.Instance{
		ID:        meta.InstanceID,
		Challenge: meta.Challenge,
		TeamID:    meta.TeamID,
		StartedAt: meta.StartedAt,
		ExpiresAt: meta.ExpiresAt,
		Hostname:  meta.Hostname,
		Status:    status,
	}, nil
}

func (p *Provisioner) publish(typ events.EventType, meta naming.Meta, message string, err error) {
	event := events.InstanceEvent(typ, meta.InstanceID, meta.Challenge, meta.TeamID, message)
	if err != nil {
		event.Metadata[events.MetaError] = err.Error()
	}
	p.events.Publish(event)
}
