/*
Package catalog loads and validates the challenge catalog.

The catalog is read once at process start from a YAML file or from every
challenge.yml and challenge.yaml found below a directory. A file may hold
several YAML documents, one challenge each:

	name: web-easy
	timeout: 900
	containers:
	  - name: app
	    image: registry.local/web-easy:latest
	    limits:
	      memory: 256Mi
	      cpu: 500m
	expose:
	  - kind: https
	    container_name: app
	    container_port: 8080

Unset container fields receive hardened defaults: read-only root fs,
no-new-privileges, every capability dropped, 512Mi of memory, half a core,
1024 pids and a nofile ulimit of 1024.

Loading is all or nothing. Every problem across every file is collected and
returned as a joined error of *errdefs.ValidationError values, and the
caller is expected to refuse to start.
*/
package catalog
