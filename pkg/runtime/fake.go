package runtime

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
)

// Op names a Runtime operation for failure injection
type Op string

const (
	OpPing            Op = "ping"
	OpEnsureImage     Op = "ensure_image"
	OpTagImage        Op = "tag_image"
	OpCreateNetwork   Op = "create_network"
	OpConnectNetwork  Op = "connect_network"
	OpRemoveNetwork   Op = "remove_network"
	OpListNetworks    Op = "list_networks"
	OpCreateContainer Op = "create_container"
	OpStartContainer  Op = "start_container"
	OpStopContainer   Op = "stop_container"
	OpRemoveContainer Op = "remove_container"
	OpListContainers  Op = "list_containers"
)

type fakeFault struct {
	op    Op
	match string // substring of the object name or id, empty matches all
	err   error
	block bool // wait for the context instead of failing
	after bool // block only after the operation took effect
	times int  // remaining hits, negative for unlimited
}

type fakeNetwork struct {
	Resource
	internal  bool
	endpoints map[string][]string // container name -> aliases
}

type fakeContainer struct {
	Resource
	spec ContainerSpec
}

// Fake is an in-memory Runtime for tests. Faults can be injected per
// operation to simulate daemon errors and hung calls. Injected errors are
// classified the way DockerRuntime classifies client errors.
type Fake struct {
	mu         sync.Mutex
	seq        int
	networks   map[string]*fakeNetwork
	containers map[string]*fakeContainer
	images     map[string]bool
	tags       map[string]string
	faults     []*fakeFault
	calls      []string
}

// NewFake creates an empty fake runtime
func NewFake() *Fake {
	return &Fake{
		networks:   make(map[string]*fakeNetwork),
		containers: make(map[string]*fakeContainer),
		images:     make(map[string]bool),
		tags:       make(map[string]string),
	}
}

// FailOn makes every call of op whose target contains match fail with err
func (f *Fake) FailOn(op Op, match string, err error) {
	f.addFault(&fakeFault{op: op, match: match, err: err, times: -1})
}

// FailOnce makes the next matching call of op fail with err
func (f *Fake) FailOnce(op Op, match string, err error) {
	f.addFault(&fakeFault{op: op, match: match, err: err, times: 1})
}

// BlockOn makes matching calls of op hang until their context is done.
// With applied set, the call takes effect before hanging, like a daemon
// that completes a request whose response never arrives.
func (f *Fake) BlockOn(op Op, match string, applied bool) {
	f.addFault(&fakeFault{op: op, match: match, block: true, after: applied, times: -1})
}

// ClearFaults removes all injected faults
func (f *Fake) ClearFaults() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = nil
}

func (f *Fake) addFault(fault *fakeFault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = append(f.faults, fault)
}

// fault records the call and returns the matching fault, consuming one hit.
// Callers hold f.mu.
func (f *Fake) fault(op Op, target string) *fakeFault {
	f.calls = append(f.calls, string(op)+" "+target)
	for _, fault := range f.faults {
		if fault.op != op || fault.times == 0 {
			continue
		}
		if fault.match != "" && !strings.Contains(target, fault.match) {
			continue
		}
		if fault.times > 0 {
			fault.times--
		}
		return fault
	}
	return nil
}

// before applies a fault that fires before the operation takes effect.
// It returns with f.mu released on failure.
func (f *Fake) before(ctx context.Context, fault *fakeFault) error {
	if fault == nil || fault.after {
		return nil
	}
	f.mu.Unlock()
	if fault.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return classify(fault.err)
}

// after applies a blocking fault once the operation took effect. Callers
// hold f.mu, which is released.
func (f *Fake) after(ctx context.Context, fault *fakeFault) error {
	f.mu.Unlock()
	if fault == nil || !fault.after {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *Fake) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s%012d", prefix, f.seq)
}

// Calls returns every recorded call as "<op> <target>"
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Ping implements Runtime
func (f *Fake) Ping(ctx context.Context) error {
	f.mu.Lock()
	if err := f.before(ctx, f.fault(OpPing, "")); err != nil {
		return err
	}
	f.mu.Unlock()
	return ctx.Err()
}

// Close implements Runtime
func (f *Fake) Close() error {
	return nil
}

// EnsureImage implements Runtime
func (f *Fake) EnsureImage(ctx context.Context, ref string) error {
	f.mu.Lock()
	fault := f.fault(OpEnsureImage, ref)
	if err := f.before(ctx, fault); err != nil {
		return err
	}
	f.images[ref] = true
	return f.after(ctx, fault)
}

// TagImage implements Runtime
func (f *Fake) TagImage(ctx context.Context, source, target string) error {
	f.mu.Lock()
	fault := f.fault(OpTagImage, source)
	if err := f.before(ctx, fault); err != nil {
		return err
	}
	f.tags[target] = source
	f.images[target] = true
	return f.after(ctx, fault)
}

// Images returns the image references pulled or tagged so far
func (f *Fake) Images() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.images))
	for ref := range f.images {
		out[ref] = f.tags[ref]
	}
	return out
}

// CreateNetwork implements Runtime
func (f *Fake) CreateNetwork(ctx context.Context, spec NetworkSpec) (string, error) {
	f.mu.Lock()
	fault := f.fault(OpCreateNetwork, spec.Name)
	if err := f.before(ctx, fault); err != nil {
		return "", err
	}
	for _, n := range f.networks {
		if n.Name == spec.Name {
			f.mu.Unlock()
			return "", cerrdefs.ErrConflict.WithMessage(fmt.Sprintf("network with name %s already exists", spec.Name))
		}
	}

	id := f.nextID("net")
	f.networks[id] = &fakeNetwork{
		Resource: Resource{
			ID:     id,
			Name:   spec.Name,
			Kind:   KindNetwork,
			Labels: copyLabels(spec.Labels),
		},
		internal:  spec.Internal,
		endpoints: make(map[string][]string),
	}
	return id, f.after(ctx, fault)
}

// ConnectNetwork implements Runtime
func (f *Fake) ConnectNetwork(ctx context.Context, networkID, container string, aliases ...string) error {
	f.mu.Lock()
	fault := f.fault(OpConnectNetwork, container)
	if err := f.before(ctx, fault); err != nil {
		return err
	}
	n := f.lookupNetwork(networkID)
	if n == nil {
		f.mu.Unlock()
		return cerrdefs.ErrNotFound.WithMessage("network " + networkID + " not found")
	}
	name := container
	if c, ok := f.containers[container]; ok {
		name = c.Name
	}
	if _, ok := n.endpoints[name]; !ok {
		n.endpoints[name] = aliases
	}
	return f.after(ctx, fault)
}

// RemoveNetwork implements Runtime. Remaining endpoints are disconnected.
func (f *Fake) RemoveNetwork(ctx context.Context, networkID string) error {
	f.mu.Lock()
	fault := f.fault(OpRemoveNetwork, networkID)
	if err := f.before(ctx, fault); err != nil {
		return err
	}
	if n := f.lookupNetwork(networkID); n != nil {
		delete(f.networks, n.ID)
	}
	return f.after(ctx, fault)
}

// ListNetworks implements Runtime
func (f *Fake) ListNetworks(ctx context.Context, filter map[string]string) ([]Resource, error) {
	f.mu.Lock()
	if err := f.before(ctx, f.fault(OpListNetworks, "")); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()

	var out []Resource
	for _, n := range f.networks {
		if MatchLabels(n.Labels, filter) {
			out = append(out, n.snapshot())
		}
	}
	sortResources(out)
	return out, nil
}

// CreateContainer implements Runtime
func (f *Fake) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	f.mu.Lock()
	fault := f.fault(OpCreateContainer, spec.Name)
	if err := f.before(ctx, fault); err != nil {
		return "", err
	}
	for _, c := range f.containers {
		if c.Name == spec.Name {
			f.mu.Unlock()
			return "", cerrdefs.ErrConflict.WithMessage(fmt.Sprintf("container name %s is already in use", spec.Name))
		}
	}
	for _, att := range spec.Networks {
		if f.lookupNetwork(att.Network) == nil {
			f.mu.Unlock()
			return "", cerrdefs.ErrNotFound.WithMessage("network " + att.Network + " not found")
		}
	}

	id := f.nextID("ctr")
	f.containers[id] = &fakeContainer{
		Resource: Resource{
			ID:     id,
			Name:   spec.Name,
			Kind:   KindContainer,
			Labels: copyLabels(spec.Labels),
			State:  StateCreated,
		},
		spec: spec,
	}
	for _, att := range spec.Networks {
		f.lookupNetwork(att.Network).endpoints[spec.Name] = att.Aliases
	}
	return id, f.after(ctx, fault)
}

// StartContainer implements Runtime
func (f *Fake) StartContainer(ctx context.Context, containerID string) error {
	f.mu.Lock()
	c := f.containers[containerID]
	target := containerID
	if c != nil {
		target = c.Name
	}
	fault := f.fault(OpStartContainer, target)
	if err := f.before(ctx, fault); err != nil {
		return err
	}
	if c == nil {
		f.mu.Unlock()
		return cerrdefs.ErrNotFound.WithMessage("no such container: " + containerID)
	}
	c.State = StateRunning
	return f.after(ctx, fault)
}

// StopContainer implements Runtime
func (f *Fake) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	f.mu.Lock()
	fault := f.fault(OpStopContainer, f.targetName(containerID))
	if err := f.before(ctx, fault); err != nil {
		return err
	}
	if c := f.containers[containerID]; c != nil {
		c.State = StateExited
	}
	return f.after(ctx, fault)
}

// RemoveContainer implements Runtime
func (f *Fake) RemoveContainer(ctx context.Context, containerID string) error {
	f.mu.Lock()
	fault := f.fault(OpRemoveContainer, f.targetName(containerID))
	if err := f.before(ctx, fault); err != nil {
		return err
	}
	if c := f.containers[containerID]; c != nil {
		for _, n := range f.networks {
			delete(n.endpoints, c.Name)
		}
		delete(f.containers, containerID)
	}
	return f.after(ctx, fault)
}

// ListContainers implements Runtime
func (f *Fake) ListContainers(ctx context.Context, filter map[string]string) ([]Resource, error) {
	f.mu.Lock()
	if err := f.before(ctx, f.fault(OpListContainers, "")); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()

	var out []Resource
	for _, c := range f.containers {
		if MatchLabels(c.Labels, filter) {
			out = append(out, c.snapshot())
		}
	}
	sortResources(out)
	return out, nil
}

// AddNetwork seeds a network directly, bypassing faults
func (f *Fake) AddNetwork(name string, labels map[string]string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID("net")
	f.networks[id] = &fakeNetwork{
		Resource:  Resource{ID: id, Name: name, Kind: KindNetwork, Labels: copyLabels(labels)},
		endpoints: make(map[string][]string),
	}
	return id
}

// AddContainer seeds a container directly, bypassing faults
func (f *Fake) AddContainer(name string, labels map[string]string, state string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID("ctr")
	f.containers[id] = &fakeContainer{
		Resource: Resource{ID: id, Name: name, Kind: KindContainer, Labels: copyLabels(labels), State: state},
	}
	return id
}

// SetState overrides a container's state
func (f *Fake) SetState(containerID, state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c := f.containers[containerID]; c != nil {
		c.State = state
	}
}

// Container returns the spec a container was created with
func (f *Fake) Container(nameOrID string) (ContainerSpec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, c := range f.containers {
		if id == nameOrID || c.Name == nameOrID {
			return c.spec, true
		}
	}
	return ContainerSpec{}, false
}

// Network returns a network and whether it was created internal
func (f *Fake) Network(nameOrID string) (Resource, bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := f.lookupNetwork(nameOrID); n != nil {
		return n.snapshot(), n.internal, true
	}
	return Resource{}, false, false
}

// Endpoints returns the container names attached to a network
func (f *Fake) Endpoints(nameOrID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.lookupNetwork(nameOrID)
	if n == nil {
		return nil
	}
	names := make([]string, 0, len(n.endpoints))
	for name := range n.endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Counts returns the number of networks and containers held
func (f *Fake) Counts() (networks, containers int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.networks), len(f.containers)
}

func (f *Fake) lookupNetwork(nameOrID string) *fakeNetwork {
	if n, ok := f.networks[nameOrID]; ok {
		return n
	}
	for _, n := range f.networks {
		if n.Name == nameOrID {
			return n
		}
	}
	return nil
}

func (f *Fake) targetName(containerID string) string {
	if c, ok := f.containers[containerID]; ok {
		return c.Name
	}
	return containerID
}

func (n *fakeNetwork) snapshot() Resource {
	r := n.Resource
	r.Labels = copyLabels(n.Labels)
	return r
}

func (c *fakeContainer) snapshot() Resource {
	r := c.Resource
	r.Labels = copyLabels(c.Labels)
	return r
}

func copyLabels(labels map[string]string) map[string]string {
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}

func sortResources(rs []Resource) {
	sort.Slice(rs, func(i, j int) bool {
		return rs[i].ID < rs[j].ID
	})
}
