/*
Package auth resolves an HTTP request to the team it acts for.

Three providers are available, selected by name at startup:

	local  every request belongs to one fixed team
	rctf   the bearer token is checked against <rctf_url>/api/v1/users/me
	ctfd   the bearer token is an HS256 JWT carrying a team_id claim

rCTF lookups are cached in a cache.TokenCache. Errors wrap ErrMissingToken,
ErrInvalidToken or ErrUpstream so the API can map them to 401, 403 and 500.
*/
package auth
