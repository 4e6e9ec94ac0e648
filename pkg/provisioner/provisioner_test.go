package provisioner

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/instancer/pkg/errdefs"
	"github.com/cuemby/instancer/pkg/events"
	"github.com/cuemby/instancer/pkg/ingress"
	"github.com/cuemby/instancer/pkg/naming"
	"github.com/cuemby/instancer/pkg/runtime"
	"github.com/cuemby/instancer/pkg/types"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func newTestProvisioner(t *testing.T, rt *runtime.Fake, broker *events.Broker) *Provisioner {
	t.Helper()
	cfg := DefaultConfig()
	cfg.CallTimeout = 200 * time.Millisecond
	cfg.StopTimeout = 0
	p := NewProvisioner(rt, naming.NewNamer("ti", "ctf.local", ""), ingress.NewGenerator(ingress.DefaultConfig()), broker, cfg)
	p.SetClock(func() time.Time { return testNow })
	return p
}

func webChallenge() *types.Challenge {
	return &types.Challenge{
		Name:    "web-easy",
		Timeout: 600,
		Containers: []*types.ContainerSpec{
			{
				Name:     "app",
				Image:    "registry.local/web-easy/app:latest",
				Env:      map[string]string{"FLAG": "ctf{test}"},
				Security: types.SecurityPolicy{ReadOnlyFS: true, SecurityOpt: []string{"no-new-privileges"}, CapDrop: []string{"ALL"}},
				Limits:   types.ResourceLimits{MemoryBytes: 512 << 20, NanoCPUs: 500_000_000, PidsLimit: 1024},
			},
			{
				Name:   "cache",
				Image:  "redis:7",
				Egress: true,
			},
		},
		Expose: []*types.ExposeRule{
			{Kind: types.ExposeHTTPS, ContainerName: "app", ContainerPort: 8080},
		},
	}
}

func internalChallenge() *types.Challenge {
	return &types.Challenge{
		Name:    "pwn-jail",
		Timeout: 300,
		Containers: []*types.ContainerSpec{
			{Name: "jail", Image: "registry.local/pwn-jail/jail:latest"},
		},
		Expose: []*types.ExposeRule{
			{Kind: types.ExposeTCP, ContainerName: "jail", ContainerPort: 1337},
		},
	}
}

func TestCreate(t *testing.T) {
	rt := runtime.NewFake()
	p := newTestProvisioner(t, rt, nil)

	inst, err := p.Create(context.Background(), webChallenge(), "team-1")
	require.NoError(t, err)

	assert.Len(t, inst.ID, naming.InstanceIDLength)
	assert.Equal(t, "web-easy", inst.Challenge)
	assert.Equal(t, "team-1", inst.TeamID)
	assert.Equal(t, testNow, inst.StartedAt)
	assert.Equal(t, testNow.Add(10*time.Minute), inst.ExpiresAt)
	assert.Equal(t, "web-easy-"+inst.ID+".ctf.local", inst.Hostname)
	assert.Equal(t, types.InstanceStatusRunning, inst.Status)
	require.Len(t, inst.Endpoints, 1)
	assert.Equal(t, types.Endpoint{Kind: types.ExposeHTTPS, Container: "app", Host: inst.Hostname, Port: 443}, inst.Endpoints[0])

	networks, containers := rt.Counts()
	assert.Equal(t, 2, networks)
	assert.Equal(t, 2, containers)

	internalName := "ti-web-easy-" + inst.ID + "-svc"
	_, internal, ok := rt.Network(internalName)
	require.True(t, ok)
	assert.True(t, internal)
	assert.Contains(t, rt.Endpoints(internalName), "ti-traefik")

	_, internal, ok = rt.Network("ti-web-easy-" + inst.ID + "-eg")
	require.True(t, ok)
	assert.False(t, internal)

	app, ok := rt.Container("ti-web-easy-" + inst.ID + "-app")
	require.True(t, ok)
	assert.Equal(t, "app", app.Hostname)
	assert.Equal(t, "unless-stopped", app.RestartPolicy)
	assert.True(t, app.ReadOnlyRootfs)
	assert.Equal(t, map[string]string{"/tmp": "noexec,nosuid,nodev"}, app.Tmpfs)
	assert.Equal(t, int64(512<<20), app.MemoryBytes)
	assert.Equal(t, int64(500_000_000), app.NanoCPUs)
	assert.Equal(t, "ctf{test}", app.Env["FLAG"])
	require.Len(t, app.Networks, 1)
	assert.Equal(t, []string{"app"}, app.Networks[0].Aliases)
	assert.Equal(t, "true", app.Labels["traefik.enable"])
	assert.Equal(t, internalName, app.Labels["traefik.docker.network"])

	cache, ok := rt.Container("ti-web-easy-" + inst.ID + "-cache")
	require.True(t, ok)
	assert.Len(t, cache.Networks, 2)
	assert.Nil(t, cache.Tmpfs)
	assert.NotContains(t, cache.Labels, "traefik.enable")

	images := rt.Images()
	assert.Contains(t, images, "redis:7")
	assert.Contains(t, images, "registry.local/web-easy/app:latest")
}

func TestCreateLabelsIdenticalAcrossResources(t *testing.T) {
	rt := runtime.NewFake()
	p := newTestProvisioner(t, rt, nil)

	inst, err := p.Create(context.Background(), webChallenge(), "team-1")
	require.NoError(t, err)

	resources, err := p.ListManaged(context.Background())
	require.NoError(t, err)
	require.Len(t, resources, 4)

	want := p.Namer().Labels(naming.Meta{
		InstanceID: inst.ID,
		Challenge:  inst.Challenge,
		TeamID:     inst.TeamID,
		StartedAt:  inst.StartedAt,
		ExpiresAt:  inst.ExpiresAt,
		Hostname:   inst.Hostname,
	})
	for _, r := range resources {
		for k, v := range want {
			assert.Equal(t, v, r.Labels[k], "%s %s label %s", r.Kind, r.Name, k)
		}
	}
}

func TestCreateWithoutEgress(t *testing.T) {
	rt := runtime.NewFake()
	p := newTestProvisioner(t, rt, nil)

	inst, err := p.Create(context.Background(), internalChallenge(), "team-1")
	require.NoError(t, err)

	networks, containers := rt.Counts()
	assert.Equal(t, 1, networks)
	assert.Equal(t, 1, containers)
	_, _, ok := rt.Network("ti-pwn-jail-" + inst.ID + "-eg")
	assert.False(t, ok)

	jail, ok := rt.Container("ti-pwn-jail-" + inst.ID + "-jail")
	require.True(t, ok)
	assert.False(t, jail.ReadOnlyRootfs)
	assert.Equal(t, "HostSNI(`"+inst.Hostname+"`)", jail.Labels["traefik.tcp.routers."+inst.ID+"-jail-0.rule"])
}

func TestCreateWithoutExposeSkipsProxy(t *testing.T) {
	rt := runtime.NewFake()
	p := newTestProvisioner(t, rt, nil)

	ch := internalChallenge()
	ch.Expose = nil

	inst, err := p.Create(context.Background(), ch, "team-1")
	require.NoError(t, err)

	assert.Empty(t, inst.Hostname)
	assert.Empty(t, inst.Endpoints)
	assert.NotContains(t, rt.Endpoints("ti-pwn-jail-"+inst.ID+"-svc"), "ti-traefik")
}

func TestCreateRollback(t *testing.T) {
	tests := []struct {
		name  string
		op    runtime.Op
		match string
		step  string
	}{
		{"internal network", runtime.OpCreateNetwork, "-svc", StepCreateNetwork},
		{"proxy attach", runtime.OpConnectNetwork, "ti-traefik", StepConnectProxy},
		{"egress network", runtime.OpCreateNetwork, "-eg", StepCreateEgress},
		{"image pull", runtime.OpEnsureImage, "redis", StepPullImages},
		{"second container", runtime.OpCreateContainer, "-cache", StepCreateContainer},
		{"start", runtime.OpStartContainer, "-app", StepStartContainers},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := runtime.NewFake()
			p := newTestProvisioner(t, rt, nil)
			cause := errors.New("daemon said no")
			rt.FailOn(tt.op, tt.match, cause)

			inst, err := p.Create(context.Background(), webChallenge(), "team-1")
			require.Error(t, err)
			assert.Nil(t, inst)
			assert.ErrorIs(t, err, cause)

			var perr *errdefs.ProvisionError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tt.step, perr.Step)
			assert.Equal(t, "web-easy", perr.Challenge)
			assert.Equal(t, "team-1", perr.TeamID)

			networks, containers := rt.Counts()
			assert.Zero(t, networks)
			assert.Zero(t, containers)

			left, err := p.ListManaged(context.Background())
			require.NoError(t, err)
			assert.Empty(t, left)
		})
	}
}

func TestCreateRollbackAfterTimedOutCall(t *testing.T) {
	rt := runtime.NewFake()
	p := newTestProvisioner(t, rt, nil)
	rt.BlockOn(runtime.OpCreateContainer, "-cache", true)

	_, err := p.Create(context.Background(), webChallenge(), "team-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "timed out")

	networks, containers := rt.Counts()
	assert.Zero(t, networks)
	assert.Zero(t, containers)
}

func TestCreateRuntimeUnavailable(t *testing.T) {
	rt := runtime.NewFake()
	p := newTestProvisioner(t, rt, nil)
	rt.FailOn(runtime.OpCreateNetwork, "", errdefs.Unavailable(errors.New("connection refused")))

	_, err := p.Create(context.Background(), webChallenge(), "team-1")
	require.Error(t, err)
	assert.True(t, errdefs.IsProvision(err))
	assert.True(t, errdefs.IsRuntimeUnavailable(err))
}

func TestCreateIgnoresCallerCancellation(t *testing.T) {
	rt := runtime.NewFake()
	p := newTestProvisioner(t, rt, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	inst, err := p.Create(ctx, webChallenge(), "team-1")
	require.NoError(t, err)
	assert.NotEmpty(t, inst.ID)

	_, containers := rt.Counts()
	assert.Equal(t, 2, containers)
}

func TestCreatePullDisabled(t *testing.T) {
	rt := runtime.NewFake()
	p := newTestProvisioner(t, rt, nil)
	p.cfg.PullImages = false

	_, err := p.Create(context.Background(), webChallenge(), "team-1")
	require.NoError(t, err)
	assert.Empty(t, rt.Images())
}

func TestDestroy(t *testing.T) {
	rt := runtime.NewFake()
	p := newTestProvisioner(t, rt, nil)
	ctx := context.Background()

	keep, err := p.Create(ctx, internalChallenge(), "team-2")
	require.NoError(t, err)
	inst, err := p.Create(ctx, webChallenge(), "team-1")
	require.NoError(t, err)

	require.NoError(t, p.Destroy(ctx, inst.ID))

	left, err := p.ListManaged(ctx)
	require.NoError(t, err)
	require.Len(t, left, 2)
	for _, r := range left {
		assert.Equal(t, keep.ID, r.Labels[naming.LabelInstanceID])
	}

	var stops int
	for _, call := range rt.Calls() {
		if strings.HasPrefix(call, string(runtime.OpStopContainer)+" ti-web-easy-"+inst.ID) {
			stops++
		}
	}
	assert.Equal(t, 2, stops)

	// Destroying again is a no-op
	require.NoError(t, p.Destroy(ctx, inst.ID))
	require.NoError(t, p.Destroy(ctx, "000000000000"))
}

func TestDestroyReportsFailures(t *testing.T) {
	rt := runtime.NewFake()
	p := newTestProvisioner(t, rt, nil)
	ctx := context.Background()

	inst, err := p.Create(ctx, webChallenge(), "team-1")
	require.NoError(t, err)

	rt.FailOn(runtime.OpRemoveContainer, "-cache", errors.New("device busy"))
	err = p.Destroy(ctx, inst.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device busy")

	rt.ClearFaults()
	require.NoError(t, p.Destroy(ctx, inst.ID))
	networks, containers := rt.Counts()
	assert.Zero(t, networks)
	assert.Zero(t, containers)
}

func TestRemoveResourcesOrder(t *testing.T) {
	rt := runtime.NewFake()
	p := newTestProvisioner(t, rt, nil)
	ctx := context.Background()

	inst, err := p.Create(ctx, webChallenge(), "team-1")
	require.NoError(t, err)

	resources, err := p.list(ctx, p.Namer().InstanceFilter(inst.ID))
	require.NoError(t, err)
	require.NoError(t, p.RemoveResources(ctx, resources))

	lastContainer, firstNetwork := -1, -1
	for i, call := range rt.Calls() {
		switch {
		case strings.HasPrefix(call, string(runtime.OpRemoveContainer)):
			lastContainer = i
		case strings.HasPrefix(call, string(runtime.OpRemoveNetwork)) && firstNetwork < 0:
			firstNetwork = i
		}
	}
	require.NotEqual(t, -1, firstNetwork)
	assert.Less(t, lastContainer, firstNetwork)
}

func TestLookup(t *testing.T) {
	rt := runtime.NewFake()
	p := newTestProvisioner(t, rt, nil)
	ctx := context.Background()

	first, err := p.Create(ctx, webChallenge(), "team-1")
	require.NoError(t, err)
	p.SetClock(func() time.Time { return testNow.Add(time.Minute) })
	second, err := p.Create(ctx, internalChallenge(), "team-1")
	require.NoError(t, err)
	_, err = p.Create(ctx, internalChallenge(), "team-2")
	require.NoError(t, err)

	// A group whose labels cannot be parsed is skipped
	rt.AddContainer("ti-broken", map[string]string{
		naming.LabelManagedBy:  naming.DefaultManagedBy,
		naming.LabelInstanceID: "badbadbadbad",
		naming.LabelTeamID:     "team-1",
	}, runtime.StateRunning)

	found, err := p.Lookup(ctx, p.Namer().TeamFilter("team-1", ""))
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, first.ID, found[0].ID)
	assert.Equal(t, second.ID, found[1].ID)
	assert.Equal(t, types.InstanceStatusRunning, found[0].Status)
	assert.Equal(t, first.Hostname, found[0].Hostname)
	assert.Equal(t, first.ExpiresAt, found[0].ExpiresAt)

	found, err = p.Lookup(ctx, p.Namer().TeamFilter("team-1", "pwn-jail"))
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, second.ID, found[0].ID)

	rt.SetState(containerID(t, rt, p, second.ID), runtime.StateCreated)
	found, err = p.Lookup(ctx, p.Namer().InstanceFilter(second.ID))
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, types.InstanceStatusStarting, found[0].Status)

	found, err = p.Lookup(ctx, p.Namer().TeamFilter("team-9", ""))
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestCreatePublishesEvents(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()

	rt := runtime.NewFake()
	p := newTestProvisioner(t, rt, broker)
	ctx := context.Background()

	inst, err := p.Create(ctx, webChallenge(), "team-1")
	require.NoError(t, err)
	event := receive(t, sub)
	assert.Equal(t, events.EventInstanceCreated, event.Type)
	assert.Equal(t, inst.ID, event.Metadata[events.MetaInstanceID])
	assert.Equal(t, "team-1", event.Metadata[events.MetaTeamID])

	require.NoError(t, p.Destroy(ctx, inst.ID))
	event = receive(t, sub)
	assert.Equal(t, events.EventInstanceDestroyed, event.Type)
	assert.Equal(t, "web-easy", event.Metadata[events.MetaChallenge])

	rt.FailOn(runtime.OpStartContainer, "", errors.New("oci runtime error"))
	_, err = p.Create(ctx, webChallenge(), "team-1")
	require.Error(t, err)
	event = receive(t, sub)
	assert.Equal(t, events.EventInstanceFailed, event.Type)
	assert.Contains(t, event.Metadata[events.MetaError], "oci runtime error")
}

func receive(t *testing.T, sub events.Subscriber) *events.Event {
	t.Helper()
	select {
	case event := <-sub:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return nil
	}
}

func containerID(t *testing.T, rt *runtime.Fake, p *Provisioner, instanceID string) string {
	t.Helper()
	containers, err := rt.ListContainers(context.Background(), p.Namer().InstanceFilter(instanceID))
	require.NoError(t, err)
	require.NotEmpty(t, containers)
	return containers[0].ID
}
