package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/moby/locker"
	"github.com/rs/zerolog"

	"github.com/cuemby/instancer/pkg/errdefs"
	"github.com/cuemby/instancer/pkg/log"
	"github.com/cuemby/instancer/pkg/metrics"
	"github.com/cuemby/instancer/pkg/naming"
	"github.com/cuemby/instancer/pkg/types"
)

// Scope selects how many live instances a team may hold
type Scope string

const (
	// ScopeTeam allows one live instance per team across all challenges
	ScopeTeam Scope = "team"
	// ScopeChallenge allows one live instance per team and challenge
	ScopeChallenge Scope = "challenge"
)

// Valid reports whether s is a known scope
func (s Scope) Valid() bool {
	return s == ScopeTeam || s == ScopeChallenge
}

// Admission results for instancer_admissions_total
const (
	resultExisting = "existing"
	resultCreated  = "created"
	resultConflict = "conflict"
	resultError    = "error"
)

// Provisioner is the subset of *provisioner.Provisioner the controller
// drives
type Provisioner interface {
	Create(ctx context.Context, ch *types.Challenge, teamID string) (*types.Instance, error)
	Destroy(ctx context.Context, instanceID string) error
	Lookup(ctx context.Context, filter map[string]string) ([]*types.Instance, error)
	Endpoints(ch *types.Challenge, hostname string) []types.Endpoint
}

// Catalog resolves challenge names
type Catalog interface {
	Get(name string) (*types.Challenge, error)
}

// Config controls admission scope, lock waits and runtime retries
type Config struct {
	Scope       Scope
	LockTimeout time.Duration

	// Retries of RuntimeUnavailable failures
	MaxRetries    uint64
	RetryInterval time.Duration
	RetryMaxWait  time.Duration
}

// DefaultConfig returns the admission defaults
func DefaultConfig() Config {
	return Config{
		Scope:         ScopeTeam,
		LockTimeout:   10 * time.Second,
		MaxRetries:    3,
		RetryInterval: 250 * time.Millisecond,
		RetryMaxWait:  30 * time.Second,
	}
}

// Controller enforces one live instance per team (and per challenge, with
// ScopeChallenge). Create decisions for the same scope key are serialized
// by a keyed lock; unrelated teams never wait on each other.
type Controller struct {
	prov    Provisioner
	catalog Catalog
	namer   *naming.Namer
	cfg     Config
	locks   *locker.Locker
	now     func() time.Time
	logger  zerolog.Logger
}

// NewController creates an admission controller
func NewController(prov Provisioner, catalog Catalog, namer *naming.Namer, cfg Config) *Controller {
	def := DefaultConfig()
	if !cfg.Scope.Valid() {
		cfg.Scope = def.Scope
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = def.LockTimeout
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.RetryMaxWait <= 0 {
		cfg.RetryMaxWait = def.RetryMaxWait
	}
	return &Controller{
		prov:    prov,
		catalog: catalog,
		namer:   namer,
		cfg:     cfg,
		locks:   locker.New(),
		now:     time.Now,
		logger:  log.WithComponent("admission"),
	}
}

// SetClock replaces the time source used for expiry decisions
func (c *Controller) SetClock(now func() time.Time) {
	c.now = now
}

// Scope returns the configured admission scope
func (c *Controller) Scope() Scope {
	return c.cfg.Scope
}

// Request returns the team's live instance of challenge, provisioning one
// when none exists. created reports whether a new instance was made.
//
// With ScopeTeam, a live instance of a different challenge is not returned
// in place of the requested one: Request fails with ErrAdmissionConflict
// naming that instance, and the team has to stop it first.
func (c *Controller) Request(ctx context.Context, challenge, teamID string) (inst *types.Instance, created bool, err error) {
	ch, err := c.catalog.Get(challenge)
	if err != nil {
		return nil, false, err
	}

	logger := log.WithInstance(c.logger, "", challenge, teamID)

	unlock, err := c.lock(ctx, c.scopeKey(challenge, teamID))
	if err != nil {
		metrics.AdmissionsTotal.WithLabelValues(resultConflict).Inc()
		logger.Warn().Err(err).Msg("Admission lock not acquired")
		return nil, false, err
	}
	defer unlock()

	live, err := c.liveInScope(ctx, challenge, teamID)
	if err != nil {
		metrics.AdmissionsTotal.WithLabelValues(resultError).Inc()
		return nil, false, err
	}

	for _, existing := range live {
		if existing.Challenge == challenge {
			metrics.AdmissionsTotal.WithLabelValues(resultExisting).Inc()
			existing.Endpoints = c.prov.Endpoints(ch, existing.Hostname)
			return existing, false, nil
		}
	}
	if len(live) > 0 {
		metrics.AdmissionsTotal.WithLabelValues(resultConflict).Inc()
		return nil, false, fmt.Errorf("%w: team already has a live %s instance (%s)",
			errdefs.ErrAdmissionConflict, live[0].Challenge, live[0].ID)
	}

	err = c.retry(ctx, "create", func() error {
		var cerr error
		inst, cerr = c.prov.Create(ctx, ch, teamID)
		return cerr
	})
	if err != nil {
		metrics.AdmissionsTotal.WithLabelValues(resultError).Inc()
		return nil, false, err
	}

	metrics.AdmissionsTotal.WithLabelValues(resultCreated).Inc()
	return inst, true, nil
}

// Get returns the team's live instance of challenge, or nil when there is
// none
func (c *Controller) Get(ctx context.Context, challenge, teamID string) (*types.Instance, error) {
	ch, err := c.catalog.Get(challenge)
	if err != nil {
		return nil, err
	}

	var instances []*types.Instance
	if err := c.retry(ctx, "lookup", func() (lerr error) {
		instances, lerr = c.prov.Lookup(ctx, c.namer.TeamFilter(teamID, challenge))
		return lerr
	}); err != nil {
		return nil, err
	}

	now := c.now()
	for _, inst := range instances {
		if inst.Expired(now) {
			continue
		}
		inst.Endpoints = c.prov.Endpoints(ch, inst.Hostname)
		return inst, nil
	}
	return nil, nil
}

// Stop destroys the team's instances of challenge, expired ones included.
// It returns errdefs.ErrInstanceNotFound when there is nothing to stop.
func (c *Controller) Stop(ctx context.Context, challenge, teamID string) error {
	if _, err := c.catalog.Get(challenge); err != nil {
		return err
	}

	unlock, err := c.lock(ctx, c.scopeKey(challenge, teamID))
	if err != nil {
		return err
	}
	defer unlock()

	var instances []*types.Instance
	if err := c.retry(ctx, "lookup", func() (lerr error) {
		instances, lerr = c.prov.Lookup(ctx, c.namer.TeamFilter(teamID, challenge))
		return lerr
	}); err != nil {
		return err
	}
	if len(instances) == 0 {
		return fmt.Errorf("%w: team %s has no %s instance", errdefs.ErrInstanceNotFound, teamID, challenge)
	}

	var errs []error
	for _, inst := range instances {
		if err := c.Destroy(ctx, inst.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Destroy removes an instance by id. It is idempotent.
func (c *Controller) Destroy(ctx context.Context, instanceID string) error {
	return c.retry(ctx, "destroy", func() error {
		return c.prov.Destroy(ctx, instanceID)
	})
}

// liveInScope returns the unexpired instances in the team's admission
// scope, destroying expired leftovers the reaper has not reached yet
func (c *Controller) liveInScope(ctx context.Context, challenge, teamID string) ([]*types.Instance, error) {
	filter := c.namer.TeamFilter(teamID, "")
	if c.cfg.Scope == ScopeChallenge {
		filter = c.namer.TeamFilter(teamID, challenge)
	}

	var instances []*types.Instance
	if err := c.retry(ctx, "lookup", func() (err error) {
		instances, err = c.prov.Lookup(ctx, filter)
		return err
	}); err != nil {
		return nil, err
	}

	now := c.now()
	live := instances[:0]
	for _, inst := range instances {
		if !inst.Expired(now) {
			live = append(live, inst)
			continue
		}
		c.logger.Info().
			Str("instance_id", inst.ID).
			Str("team_id", teamID).
			Time("expired_at", inst.ExpiresAt).
			Msg("Destroying expired instance before admission")
		if err := c.Destroy(ctx, inst.ID); err != nil {
			return nil, fmt.Errorf("destroy expired instance %s: %w", inst.ID, err)
		}
	}
	return live, nil
}

func (c *Controller) scopeKey(challenge, teamID string) string {
	if c.cfg.Scope == ScopeChallenge {
		return "team:" + teamID + "/" + challenge
	}
	return "team:" + teamID
}

// lock acquires the keyed lock within LockTimeout. A waiter that gives up
// releases the lock as soon as its pending acquisition completes.
func (c *Controller) lock(ctx context.Context, key string) (func(), error) {
	timer := metrics.NewTimer()
	acquired := make(chan struct{})
	go func() {
		c.locks.Lock(key)
		close(acquired)
	}()

	wait := time.NewTimer(c.cfg.LockTimeout)
	defer wait.Stop()

	select {
	case <-acquired:
		timer.ObserveDuration(metrics.AdmissionLockWait)
		return func() { _ = c.locks.Unlock(key) }, nil
	case <-wait.C:
		err := fmt.Errorf("%w: waited %s for %s", errdefs.ErrAdmissionConflict, c.cfg.LockTimeout, key)
		c.abandon(key, acquired)
		return nil, err
	case <-ctx.Done():
		c.abandon(key, acquired)
		return nil, ctx.Err()
	}
}

func (c *Controller) abandon(key string, acquired <-chan struct{}) {
	go func() {
		<-acquired
		_ = c.locks.Unlock(key)
	}()
}

// retry runs op again while it fails with errdefs.ErrRuntimeUnavailable.
// Any other error is returned at once.
func (c *Controller) retry(ctx context.Context, what string, op func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.cfg.RetryInterval
	eb.MaxElapsedTime = c.cfg.RetryMaxWait
	b := backoff.WithContext(backoff.WithMaxRetries(eb, c.cfg.MaxRetries), ctx)

	return backoff.RetryNotify(func() error {
		err := op()
		if err != nil && !errdefs.IsRuntimeUnavailable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, next time.Duration) {
		metrics.RuntimeRetriesTotal.Inc()
		c.logger.Warn().Err(err).Str("op", what).Dur("retry_in", next).Msg("Runtime unavailable, retrying")
	})
}
