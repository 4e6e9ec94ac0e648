// Package events provides an in-process broker for instance lifecycle
// events.
//
// The provisioner and reaper publish an event whenever an instance is
// created, fails to provision, is destroyed or reaped, and when reaping
// fails. Subscribers (the audit logger in the serve command) receive them
// on buffered channels. Delivery is best effort: Publish never blocks, and
// slow subscribers miss events rather than stall instance operations.
package events
