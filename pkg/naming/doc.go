// Package naming derives resource names, hostnames and labels for challenge
// instances.
//
// Labels are the only record of an instance. Every network and container
// created for an instance carries the same managed_by, instance_id,
// challenge, team_id, started_at and expires_at values (timestamps as unix
// seconds), so any single resource is enough to rebuild the instance's
// identity with ParseLabels.
//
//	io.cuemby.managed_by              = tiny-instancer
//	io.cuemby.instancer.instance_id   = 3f9c0a51e2b4
//	io.cuemby.instancer.challenge     = web-easy
//	io.cuemby.instancer.team_id       = 42
//	io.cuemby.instancer.started_at    = 1760700000
//	io.cuemby.instancer.expires_at    = 1760700900
//	io.cuemby.instancer.hostname      = web-easy-3f9c0a51e2b4.chall.example.org
package naming
