/*
Package types defines the data model shared by every instancer package.

A Challenge is an immutable catalog entry: a named set of containers, the
ports that are exposed through the reverse proxy, and the lifetime of each
instance. An Instance is the runtime view of one team's copy of a challenge.
Instances are never stored; they are rebuilt from container and network
labels each time they are read.

# Core Types

Catalog:
  - Challenge: name, timeout, containers, expose rules
  - ContainerSpec: image, env, egress flag, security policy, limits
  - SecurityPolicy: read-only root fs, security options, capabilities
  - ResourceLimits: memory, CPU, pids and ulimits (raw and parsed)
  - ExposeRule: kind (http, https, tcp), target container and port

Runtime view:
  - Instance: id, owner team, start and expiry times, status, endpoints
  - Endpoint: the host and proxy port a user connects to
  - InstanceStatus: stopped, starting, running

# Usage

	ch := &types.Challenge{
		Name:    "web-easy",
		Timeout: 900,
		Containers: []*types.ContainerSpec{
			{Name: "app", Image: "registry.local/web-easy:latest"},
		},
		Expose: []*types.ExposeRule{
			{Kind: types.ExposeHTTPS, ContainerName: "app", ContainerPort: 8080},
		},
	}

	if inst.Expired(time.Now()) {
		// eligible for reaping
	}

Challenges handed out by the catalog package have defaults applied and
their limits parsed; constructing them by hand skips both.
*/
package types
