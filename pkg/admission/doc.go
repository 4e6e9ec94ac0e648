// Package admission decides whether a team gets a new instance or its
// existing one. Decisions for one scope key (the team, or the team and
// challenge under ScopeChallenge) are serialized with a keyed lock held
// across the label query and the create, so concurrent requests from the
// same team provision at most once. Runtime outages are retried with
// exponential backoff; every other failure is returned to the caller.
package admission
