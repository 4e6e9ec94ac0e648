/*
Package reaper garbage-collects expired instances.

Each cycle lists every resource carrying the managed_by label, groups them
by instance id and removes each group whose expiry has passed:

  - a group is due when any parseable expires_at in it is in the past, or
    when none of its resources has a parseable expires_at (an instance
    interrupted mid-creation, or hand-edited labels)
  - resources without an instance id are judged and removed one by one

Groups are removed concurrently, bounded by Config.Concurrency, through the
provisioner's removal path (containers before networks). A group that
fails to go away yields an *errdefs.ReapError; it is logged, counted and
tried again next cycle. The instancer_reaper_lingering_instances gauge
reports how many expired groups survived the last cycle.

	r := reaper.NewReaper(prov, broker, reaper.Config{Interval: 3 * time.Second})
	r.Start()
	defer r.Stop()

RunOnce runs a single cycle synchronously.
*/
package reaper
