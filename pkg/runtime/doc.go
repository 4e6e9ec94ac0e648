/*
Package runtime abstracts the container runtime instances are built on.

The Runtime interface covers exactly what the provisioner and reaper need:
label-scoped networks and containers, image presence, and label queries.
Remove operations are idempotent (a missing object is success), which keeps
rollback and reaping safe to repeat.

# Implementations

DockerRuntime talks to a Docker Engine through the official client. Errors
are wrapped with the failing operation and classified:

  - connection failures and transient network errors are marked
    errdefs.ErrRuntimeUnavailable and may be retried by callers
  - address pool exhaustion is marked errdefs.ErrNetworkExhausted
  - everything else, including per-call deadline expiry, is returned as is

Containers are created attached to their first network and then connected
to the others, which works with daemons that predate multi-network create.
Networks are emptied (the reverse proxy is usually still attached) before
they are removed.

Fake is an in-memory Runtime used by tests across the module. Faults can be
injected per operation: FailOn and FailOnce return an error, BlockOn makes
a call hang until its context expires, optionally after the call has taken
effect, which is how a daemon that is slow to answer looks to a client.

# Usage

	rt, err := runtime.NewDockerRuntime("")
	if err != nil {
		return err
	}
	defer rt.Close()

	nets, err := rt.ListNetworks(ctx, map[string]string{
		"io.cuemby.managed_by": "tiny-instancer",
	})
*/
package runtime
