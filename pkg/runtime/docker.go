package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/cuemby/instancer/pkg/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/go-units"
)

// DockerRuntime implements Runtime against a Docker Engine
type DockerRuntime struct {
	client *client.Client
}

// NewDockerRuntime creates a Docker client. An empty host uses DOCKER_HOST
// or the default socket.
func NewDockerRuntime(host string) (*DockerRuntime, error) {
	opts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &DockerRuntime{client: cli}, nil
}

// Close closes the docker client
func (r *DockerRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Ping checks that the daemon answers
func (r *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := r.client.Ping(ctx); err != nil {
		return classify(fmt.Errorf("failed to ping docker daemon: %w", err))
	}
	return nil
}

// EnsureImage pulls ref unless it is already present locally
func (r *DockerRuntime) EnsureImage(ctx context.Context, ref string) error {
	_, err := r.client.ImageInspect(ctx, ref)
	if err == nil {
		return nil
	}
	if !cerrdefs.IsNotFound(err) {
		return classify(fmt.Errorf("failed to inspect image %s: %w", ref, err))
	}

	rc, err := r.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return classify(fmt.Errorf("failed to pull image %s: %w", ref, err))
	}
	defer rc.Close()

	if err := jsonmessage.DisplayJSONMessagesStream(rc, io.Discard, 0, false, nil); err != nil {
		var jerr *jsonmessage.JSONError
		if errors.As(err, &jerr) {
			// Reported by the daemon from its own pull
			return fmt.Errorf("failed to pull image %s: %w", ref, err)
		}
		return classify(fmt.Errorf("failed to pull image %s: %w", ref, err))
	}
	return nil
}

// TagImage adds target as a reference to source
func (r *DockerRuntime) TagImage(ctx context.Context, source, target string) error {
	if err := r.client.ImageTag(ctx, source, target); err != nil {
		return classify(fmt.Errorf("failed to tag image %s as %s: %w", source, target, err))
	}
	return nil
}

// CreateNetwork creates a bridge network
func (r *DockerRuntime) CreateNetwork(ctx context.Context, spec NetworkSpec) (string, error) {
	resp, err := r.client.NetworkCreate(ctx, spec.Name, network.CreateOptions{
		Driver:   "bridge",
		Internal: spec.Internal,
		Labels:   spec.Labels,
	})
	if err != nil {
		return "", classify(fmt.Errorf("failed to create network %s: %w", spec.Name, err))
	}
	return resp.ID, nil
}

// ConnectNetwork attaches an existing container to a network. A container
// that is already attached is not an error.
func (r *DockerRuntime) ConnectNetwork(ctx context.Context, networkID, container string, aliases ...string) error {
	err := r.client.NetworkConnect(ctx, networkID, container, &network.EndpointSettings{
		Aliases: aliases,
	})
	if err == nil || alreadyConnected(err) {
		return nil
	}
	return classify(fmt.Errorf("failed to connect %s to network %s: %w", container, networkID, err))
}

func alreadyConnected(err error) bool {
	if cerrdefs.IsConflict(err) || cerrdefs.IsAlreadyExists(err) {
		return true
	}
	return strings.Contains(err.Error(), "already exists in network")
}

// RemoveNetwork disconnects every remaining endpoint (the proxy, typically)
// and removes the network
func (r *DockerRuntime) RemoveNetwork(ctx context.Context, networkID string) error {
	inspect, err := r.client.NetworkInspect(ctx, networkID, network.InspectOptions{})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil
		}
		return classify(fmt.Errorf("failed to inspect network %s: %w", networkID, err))
	}

	for endpointID := range inspect.Containers {
		err := r.client.NetworkDisconnect(ctx, networkID, endpointID, true)
		if err != nil && !cerrdefs.IsNotFound(err) {
			return classify(fmt.Errorf("failed to disconnect %s from network %s: %w", endpointID, networkID, err))
		}
	}

	if err := r.client.NetworkRemove(ctx, networkID); err != nil && !cerrdefs.IsNotFound(err) {
		return classify(fmt.Errorf("failed to remove network %s: %w", networkID, err))
	}
	return nil
}

// ListNetworks returns networks carrying every label in filter
func (r *DockerRuntime) ListNetworks(ctx context.Context, filter map[string]string) ([]Resource, error) {
	nets, err := r.client.NetworkList(ctx, network.ListOptions{Filters: labelFilters(filter)})
	if err != nil {
		return nil, classify(fmt.Errorf("failed to list networks: %w", err))
	}

	resources := make([]Resource, 0, len(nets))
	for _, n := range nets {
		resources = append(resources, Resource{
			ID:     n.ID,
			Name:   n.Name,
			Kind:   KindNetwork,
			Labels: n.Labels,
		})
	}
	return resources, nil
}

// CreateContainer creates a container on its first network and connects
// it to the others
func (r *DockerRuntime) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	cfg := &container.Config{
		Image:    spec.Image,
		Hostname: spec.Hostname,
		Env:      envList(spec.Env),
		Labels:   spec.Labels,
	}

	ulimits := make([]*units.Ulimit, 0, len(spec.Ulimits))
	for _, u := range spec.Ulimits {
		ulimits = append(ulimits, &units.Ulimit{Name: u.Name, Soft: u.Soft, Hard: u.Hard})
	}

	hostCfg := &container.HostConfig{
		RestartPolicy:  container.RestartPolicy{Name: container.RestartPolicyMode(spec.RestartPolicy)},
		LogConfig:      container.LogConfig{Type: "json-file"},
		ReadonlyRootfs: spec.ReadOnlyRootfs,
		Tmpfs:          spec.Tmpfs,
		SecurityOpt:    spec.SecurityOpt,
		CapAdd:         spec.CapAdd,
		CapDrop:        spec.CapDrop,
		Resources: container.Resources{
			Memory:     spec.MemoryBytes,
			MemorySwap: spec.MemoryBytes,
			NanoCPUs:   spec.NanoCPUs,
			Ulimits:    ulimits,
		},
	}
	if spec.PidsLimit > 0 {
		pids := spec.PidsLimit
		hostCfg.Resources.PidsLimit = &pids
	}

	var netCfg *network.NetworkingConfig
	if len(spec.Networks) > 0 {
		first := spec.Networks[0]
		hostCfg.NetworkMode = container.NetworkMode(first.Network)
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				first.Network: {Aliases: first.Aliases},
			},
		}
	}

	resp, err := r.client.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return "", classify(fmt.Errorf("failed to create container %s: %w", spec.Name, err))
	}

	for _, att := range spec.Networks[min(1, len(spec.Networks)):] {
		if err := r.ConnectNetwork(ctx, att.Network, resp.ID, att.Aliases...); err != nil {
			return resp.ID, err
		}
	}

	return resp.ID, nil
}

// StartContainer starts a created container
func (r *DockerRuntime) StartContainer(ctx context.Context, containerID string) error {
	if err := r.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return classify(fmt.Errorf("failed to start container %s: %w", containerID, err))
	}
	return nil
}

// StopContainer stops a container, killing it after timeout
func (r *DockerRuntime) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	err := r.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &secs})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return classify(fmt.Errorf("failed to stop container %s: %w", containerID, err))
	}
	return nil
}

// RemoveContainer force-removes a container and its anonymous volumes
func (r *DockerRuntime) RemoveContainer(ctx context.Context, containerID string) error {
	err := r.client.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err == nil || cerrdefs.IsNotFound(err) {
		return nil
	}
	if cerrdefs.IsConflict(err) && strings.Contains(err.Error(), "already in progress") {
		return nil
	}
	return classify(fmt.Errorf("failed to remove container %s: %w", containerID, err))
}

// ListContainers returns containers, stopped ones included, carrying every
// label in filter
func (r *DockerRuntime) ListContainers(ctx context.Context, filter map[string]string) ([]Resource, error) {
	list, err := r.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: labelFilters(filter),
	})
	if err != nil {
		return nil, classify(fmt.Errorf("failed to list containers: %w", err))
	}

	resources := make([]Resource, 0, len(list))
	for _, c := range list {
		name := c.ID
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		resources = append(resources, Resource{
			ID:     c.ID,
			Name:   name,
			Kind:   KindContainer,
			Labels: c.Labels,
			State:  string(c.State),
		})
	}
	return resources, nil
}

func labelFilters(filter map[string]string) filters.Args {
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := filters.NewArgs()
	for _, k := range keys {
		args.Add("label", k+"="+filter[k])
	}
	return args
}

func envList(env map[string]string) []string {
	list := make([]string, 0, len(env))
	for k, v := range env {
		list = append(list, k+"="+v)
	}
	sort.Strings(list)
	return list
}

// daemonResponse prefixes every error the Docker daemon returns over a
// working connection
const daemonResponse = "Error response from daemon"

// classify marks transport failures towards the daemon as runtime
// unavailability and address pool exhaustion as ErrNetworkExhausted. Errors
// the daemon itself reports are returned as they are, so a failed pull or
// an unknown registry host stays a permanent failure.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	if client.IsErrConnectionFailed(err) || cerrdefs.IsUnavailable(err) || isDialError(err) {
		return errdefs.Unavailable(err)
	}
	msg := err.Error()
	if strings.Contains(msg, "fully subnetted") || strings.Contains(msg, "non-overlapping IPv4 address pool") {
		return fmt.Errorf("%w: %w", errdefs.ErrNetworkExhausted, err)
	}
	if strings.Contains(msg, daemonResponse) {
		return err
	}
	if transient, _ := errdefs.IsTransient(err); transient {
		return errdefs.Unavailable(err)
	}
	return err
}

// isDialError reports whether the client failed to reach the daemon socket
func isDialError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
