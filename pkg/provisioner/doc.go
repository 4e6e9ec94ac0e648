/*
Package provisioner turns a catalog challenge into running containers and
tears instances down again.

An instance is one internal network, an optional egress network and one
container per catalog container. Every one of them carries the same label
set (see package naming), which is the only record the instancer keeps:
Lookup and Destroy work purely from label queries.

# Creating

	inst, err := prov.Create(ctx, ch, teamID)

Create is detached from the caller's context. An HTTP client that
disconnects mid-request must not leave a half-built instance behind, so
each runtime call is bounded by Config.CallTimeout instead. Steps:

 1. create the internal network and connect the reverse proxy to it
 2. create the egress network when a container needs one
 3. pull missing images, concurrently
 4. create every container (routing labels on exposed ones)
 5. start every container, concurrently

Any failure removes everything labeled with the new instance id, including
objects created by calls that timed out after the daemon applied them, and
returns an *errdefs.ProvisionError naming the failed step.

# Destroying

Destroy and RemoveResources stop running containers with
Config.StopTimeout, force-remove them, and only then remove networks.
Missing objects count as removed.
*/
package provisioner
