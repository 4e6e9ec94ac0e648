// Package cache remembers which team a bearer token belongs to, so that
// platform tokens are not validated against the CTF platform on every
// request. Backends: Nop, a local bbolt file and Redis.
package cache
