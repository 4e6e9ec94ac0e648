/*
Package config loads the instancer configuration with viper.

Values come from, in increasing precedence: built-in defaults, an optional
YAML file, INSTANCER_* environment variables (dots become underscores, so
instances.base_domain is INSTANCER_INSTANCES_BASE_DOMAIN) and explicit
overrides such as bound command line flags.

	instances:
	  base_domain: chall.example.com
	  scope: team
	proxy:
	  container: ti-traefik
	  tcp_route_by_sni: true
	auth:
	  provider: rctf
	  args:
	    rctf_url: https://rctf.example.com
	cache:
	  backend: redis
	  redis:
	    addr: redis:6379

Load validates the result; every problem found is reported at once.
*/
package config
