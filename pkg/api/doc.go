/*
Package api serves the instancer HTTP API with chi.

# Routes

	GET    /v1/challenges/{challenge}   public challenge info, captcha site key
	GET    /v1/instances/{challenge}    instance view of the caller's team
	PUT    /v1/instances/{challenge}    get-or-create (201 when created)
	DELETE /v1/instances/{challenge}    stop
	GET    /health /ready /live         component health probes
	GET    /metrics                     Prometheus exposition

Instance routes require "Authorization: Bearer <token>", resolved to a team
by the configured auth.Provider. PUT and DELETE carry the captcha response
either as JSON ({"captcha": "..."}) or as the h-captcha-response form field
when captcha verification is enabled.

# Instance View

	{
	  "status": "running",
	  "timeout": 900,
	  "endpoints": [{"kind": "https", "host": "web-1a2b3c4d5e6f.chall.example.com", "port": 443}],
	  "remaining_time": 842,
	  "instance_id": "1a2b3c4d5e6f",
	  "challenge": "web",
	  "expires_at": "2026-01-01T12:15:00Z",
	  "hostnames": {"app": "web-1a2b3c4d5e6f.chall.example.com"}
	}

Without a live instance the view has status "stopped", no endpoints or
hostnames and a null remaining_time.

# Errors

	401 missing token            403 rejected token
	404 unknown challenge or no live instance to stop
	409 admission conflict       400 captcha failure or malformed body
	429 rate limited             503 runtime or captcha unavailable, no subnet left
	500 anything else, message carries the request id

# Middleware

Every request gets a request id, panic recovery and an access log line with
request metrics. /v1 routes are rate limited per client address; forwarding
headers are trusted only with Config.UseProxyHeaders.
*/
package api
