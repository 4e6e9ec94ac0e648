package types

import (
	"time"
)

// Challenge is a catalog entry: the blueprint for every instance of it
type Challenge struct {
	Name       string           `yaml:"name" json:"name"`
	Timeout    int              `yaml:"timeout" json:"timeout"` // Instance lifetime in seconds
	Containers []*ContainerSpec `yaml:"containers" json:"containers"`
	Expose     []*ExposeRule    `yaml:"expose" json:"expose"`
}

// Lifetime returns the instance lifetime as a duration
func (c *Challenge) Lifetime() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// Container returns the container spec with the given name, or nil
func (c *Challenge) Container(name string) *ContainerSpec {
	for _, spec := range c.Containers {
		if spec.Name == name {
			return spec
		}
	}
	return nil
}

// RulesFor returns the expose rules targeting a container, in catalog order
func (c *Challenge) RulesFor(container string) []*ExposeRule {
	var rules []*ExposeRule
	for _, rule := range c.Expose {
		if rule.ContainerName == container {
			rules = append(rules, rule)
		}
	}
	return rules
}

// NeedsEgress reports whether any container requires outbound connectivity
func (c *Challenge) NeedsEgress() bool {
	for _, spec := range c.Containers {
		if spec.Egress {
			return true
		}
	}
	return false
}

// ContainerSpec describes one container of a challenge
type ContainerSpec struct {
	Name     string            `yaml:"name" json:"name"`
	Image    string            `yaml:"image" json:"image"`
	Env      map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Egress   bool              `yaml:"egress" json:"egress"`
	Security SecurityPolicy    `yaml:"security" json:"security"`
	Limits   ResourceLimits    `yaml:"limits" json:"limits"`
}

// SecurityPolicy is applied verbatim to the container
type SecurityPolicy struct {
	ReadOnlyFS  bool     `yaml:"read_only_fs" json:"read_only_fs"`
	SecurityOpt []string `yaml:"security_opt" json:"security_opt"`
	CapAdd      []string `yaml:"cap_add" json:"cap_add"`
	CapDrop     []string `yaml:"cap_drop" json:"cap_drop"`
}

// ResourceLimits holds the raw limit strings and their parsed values
type ResourceLimits struct {
	Memory    string   `yaml:"memory" json:"memory"` // e.g. "512Mi"
	CPU       string   `yaml:"cpu" json:"cpu"`       // cores ("0.5") or millicores ("500m")
	PidsLimit int64    `yaml:"pids_limit" json:"pids_limit"`
	Ulimits   []Ulimit `yaml:"ulimits" json:"ulimits"`

	// Derived at catalog load time
	MemoryBytes int64 `yaml:"-" json:"-"`
	NanoCPUs    int64 `yaml:"-" json:"-"`
}

// Ulimit is a single rlimit entry
type Ulimit struct {
	Name string `yaml:"name" json:"name"`
	Soft int64  `yaml:"soft" json:"soft"`
	Hard int64  `yaml:"hard" json:"hard"`
}

// ExposeRule makes one container port reachable through the proxy
type ExposeRule struct {
	Kind          ExposeKind `yaml:"kind" json:"kind"`
	ContainerName string     `yaml:"container_name" json:"container_name"`
	ContainerPort int        `yaml:"container_port" json:"container_port"`
}

// ExposeKind selects the proxy entrypoint and router type
type ExposeKind string

const (
	ExposeHTTP  ExposeKind = "http"
	ExposeHTTPS ExposeKind = "https"
	ExposeTCP   ExposeKind = "tcp"
)

// Valid reports whether k is a known kind
func (k ExposeKind) Valid() bool {
	switch k {
	case ExposeHTTP, ExposeHTTPS, ExposeTCP:
		return true
	}
	return false
}

// Instance is the view of a running challenge instance, rebuilt from
// runtime labels on every read
type Instance struct {
	ID        string         `json:"instance_id"`
	Challenge string         `json:"challenge"`
	TeamID    string         `json:"team_id"`
	StartedAt time.Time      `json:"started_at"`
	ExpiresAt time.Time      `json:"expires_at"`
	Hostname  string         `json:"hostname,omitempty"`
	Status    InstanceStatus `json:"status"`
	Endpoints []Endpoint     `json:"endpoints"`
}

// Expired reports whether the instance lifetime has passed at now
func (i *Instance) Expired(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}

// RemainingTime returns the time left before expiry, never negative
func (i *Instance) RemainingTime(now time.Time) time.Duration {
	if d := i.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Hostnames maps each exposed container to its public hostname
func (i *Instance) Hostnames() map[string]string {
	hosts := make(map[string]string)
	for _, ep := range i.Endpoints {
		hosts[ep.Container] = ep.Host
	}
	return hosts
}

// Endpoint is a user-facing address of an instance
type Endpoint struct {
	Kind      ExposeKind `json:"kind"`
	Container string     `json:"-"`
	Host      string     `json:"host"`
	Port      int        `json:"port"`
}

// InstanceStatus represents the observed state of an instance
type InstanceStatus string

const (
	InstanceStatusStopped  InstanceStatus = "stopped"
	InstanceStatusStarting InstanceStatus = "starting"
	InstanceStatusRunning  InstanceStatus = "running"
)
