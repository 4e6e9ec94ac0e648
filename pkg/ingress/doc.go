/*
Package ingress generates reverse proxy routing labels for instance
containers.

The proxy (Traefik with its docker provider) discovers instance containers
through their labels. Each expose rule becomes one router and one service
named <instance_id>-<container>-<n>, all matching the instance hostname:

	http   Host(`h`) on the insecure entrypoint
	https  Host(`h`) on the secure entrypoint with TLS, plus a redirect
	       router on the insecure entrypoint when the container has no
	       http rule of its own
	tcp    HostSNI(`h`) with TLS passthrough on the tcp entrypoint, or
	       HostSNI(`*`) when SNI routing is disabled

Example for a single https rule on container "app":

	traefik.enable=true
	traefik.docker.network=ti-web-3f9c0a51e2b4-svc
	traefik.http.routers.3f9c0a51e2b4-app-0.rule=Host(`web-3f9c0a51e2b4.example.org`)
	traefik.http.routers.3f9c0a51e2b4-app-0.entrypoints=websecure
	traefik.http.routers.3f9c0a51e2b4-app-0.tls=true
	traefik.http.routers.3f9c0a51e2b4-app-0.service=3f9c0a51e2b4-app-0
	traefik.http.services.3f9c0a51e2b4-app-0.loadbalancer.server.port=8080
	traefik.http.routers.3f9c0a51e2b4-app-0-redirect.rule=Host(`web-3f9c0a51e2b4.example.org`)
	traefik.http.routers.3f9c0a51e2b4-app-0-redirect.entrypoints=web
	traefik.http.routers.3f9c0a51e2b4-app-0-redirect.middlewares=permanent-https-redirect@file
	traefik.http.routers.3f9c0a51e2b4-app-0-redirect.service=3f9c0a51e2b4-app-0

Validate is plugged into catalog loading so collisions are reported before
any instance exists.
*/
package ingress
