// Package builder generates a catalog from a directory of challenges that
// ship a docker compose project. Each challenge.yml names its compose file
// under dashboard.config (or extra.dashboard); compose services become
// containers, published ports become exposure rules and built images are
// retagged to <category>/<challenge>/<service>:latest.
package builder
