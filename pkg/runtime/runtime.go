package runtime

import (
	"context"
	"time"

	"github.com/cuemby/instancer/pkg/types"
)

// ResourceKind distinguishes the runtime objects an instance is made of
type ResourceKind string

const (
	KindNetwork   ResourceKind = "network"
	KindContainer ResourceKind = "container"
)

// Container states reported in Resource.State
const (
	StateCreated = "created"
	StateRunning = "running"
	StateExited  = "exited"
)

// Resource is a network or container as seen through a label query
type Resource struct {
	ID     string
	Name   string
	Kind   ResourceKind
	Labels map[string]string
	State  string // Containers only
}

// Running reports whether a container resource is running
func (r Resource) Running() bool {
	return r.Kind == KindContainer && r.State == StateRunning
}

// NetworkSpec describes a network to create
type NetworkSpec struct {
	Name     string
	Internal bool // No route outside the host
	Labels   map[string]string
}

// NetworkAttachment attaches a container to a network under DNS aliases
type NetworkAttachment struct {
	Network string
	Aliases []string
}

// ContainerSpec describes a container to create
type ContainerSpec struct {
	Name          string
	Hostname      string
	Image         string
	Env           map[string]string
	Labels        map[string]string
	Networks      []NetworkAttachment
	RestartPolicy string

	ReadOnlyRootfs bool
	Tmpfs          map[string]string
	SecurityOpt    []string
	CapAdd         []string
	CapDrop        []string

	MemoryBytes int64
	NanoCPUs    int64
	PidsLimit   int64
	Ulimits     []types.Ulimit
}

// Runtime is the container runtime the provisioner drives. Remove
// operations treat a missing object as success.
type Runtime interface {
	Ping(ctx context.Context) error
	Close() error

	EnsureImage(ctx context.Context, ref string) error
	TagImage(ctx context.Context, source, target string) error

	CreateNetwork(ctx context.Context, spec NetworkSpec) (string, error)
	ConnectNetwork(ctx context.Context, networkID, container string, aliases ...string) error
	RemoveNetwork(ctx context.Context, networkID string) error
	ListNetworks(ctx context.Context, filter map[string]string) ([]Resource, error)

	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, containerID string) error
	ListContainers(ctx context.Context, filter map[string]string) ([]Resource, error)
}

// MatchLabels reports whether labels contains every key/value of filter
func MatchLabels(labels, filter map[string]string) bool {
	for k, v := range filter {
		if got, ok := labels[k]; !ok || got != v {
			return false
		}
	}
	return true
}
