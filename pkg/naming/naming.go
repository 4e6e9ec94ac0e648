package naming

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Label keys written on every managed network and container
const (
	LabelVendor = "io.cuemby"

	LabelManagedBy  = LabelVendor + ".managed_by"
	LabelExpiresAt  = LabelVendor + ".instancer.expires_at"
	LabelStartedAt  = LabelVendor + ".instancer.started_at"
	LabelTeamID     = LabelVendor + ".instancer.team_id"
	LabelInstanceID = LabelVendor + ".instancer.instance_id"
	LabelChallenge  = LabelVendor + ".instancer.challenge"
	LabelHostname   = LabelVendor + ".instancer.hostname"
)

// DefaultManagedBy is the managed_by label value
const DefaultManagedBy = "tiny-instancer"

// InstanceIDLength is the number of hex characters in an instance id
const InstanceIDLength = 12

// Namer derives every name, hostname and label of an instance from its
// identity. It performs no I/O.
type Namer struct {
	Prefix     string
	BaseDomain string
	ManagedBy  string
}

// NewNamer creates a namer, falling back to the default managed_by value
func NewNamer(prefix, baseDomain, managedBy string) *Namer {
	if managedBy == "" {
		managedBy = DefaultManagedBy
	}
	return &Namer{
		Prefix:     prefix,
		BaseDomain: strings.TrimPrefix(baseDomain, "."),
		ManagedBy:  managedBy,
	}
}

// NewInstanceID returns 12 lowercase hex characters (48 random bits)
func NewInstanceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:InstanceIDLength]
}

// Meta is the identity shared by every resource of one instance
type Meta struct {
	InstanceID string
	Challenge  string
	TeamID     string
	StartedAt  time.Time
	ExpiresAt  time.Time
	Hostname   string
}

// Hostname returns <challenge>-<instance_id>.<base_domain>
func (n *Namer) Hostname(challenge, instanceID string) string {
	return fmt.Sprintf("%s-%s.%s", challenge, instanceID, n.BaseDomain)
}

func (n *Namer) base(challenge, instanceID string) string {
	if n.Prefix == "" {
		return challenge + "-" + instanceID
	}
	return n.Prefix + "-" + challenge + "-" + instanceID
}

// InternalNetwork returns the name of the instance's isolated network
func (n *Namer) InternalNetwork(challenge, instanceID string) string {
	return n.base(challenge, instanceID) + "-svc"
}

// EgressNetwork returns the name of the instance's outbound network
func (n *Namer) EgressNetwork(challenge, instanceID string) string {
	return n.base(challenge, instanceID) + "-eg"
}

// ContainerName returns the runtime name of one container of an instance
func (n *Namer) ContainerName(challenge, instanceID, container string) string {
	return n.base(challenge, instanceID) + "-" + container
}

// Labels returns the label set carried by every resource of an instance
func (n *Namer) Labels(m Meta) map[string]string {
	labels := map[string]string{
		LabelManagedBy:  n.ManagedBy,
		LabelInstanceID: m.InstanceID,
		LabelChallenge:  m.Challenge,
		LabelTeamID:     m.TeamID,
		LabelStartedAt:  FormatTime(m.StartedAt),
		LabelExpiresAt:  FormatTime(m.ExpiresAt),
	}
	if m.Hostname != "" {
		labels[LabelHostname] = m.Hostname
	}
	return labels
}

// ManagedFilter matches every resource owned by this process
func (n *Namer) ManagedFilter() map[string]string {
	return map[string]string{LabelManagedBy: n.ManagedBy}
}

// InstanceFilter matches every resource of one instance
func (n *Namer) InstanceFilter(instanceID string) map[string]string {
	return map[string]string{
		LabelManagedBy:  n.ManagedBy,
		LabelInstanceID: instanceID,
	}
}

// TeamFilter matches a team's resources, narrowed to one challenge when
// challenge is not empty
func (n *Namer) TeamFilter(teamID, challenge string) map[string]string {
	filter := map[string]string{
		LabelManagedBy: n.ManagedBy,
		LabelTeamID:    teamID,
	}
	if challenge != "" {
		filter[LabelChallenge] = challenge
	}
	return filter
}

// FormatTime encodes a timestamp as unix seconds
func FormatTime(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

// ParseTime decodes a unix seconds timestamp
func ParseTime(s string) (time.Time, error) {
	secs, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return time.Unix(secs, 0), nil
}

// ExpiresAt reads the expiry label of a resource
func ExpiresAt(labels map[string]string) (time.Time, bool) {
	v, ok := labels[LabelExpiresAt]
	if !ok {
		return time.Time{}, false
	}
	t, err := ParseTime(v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// ParseLabels reconstructs instance identity from the labels of a single
// resource. It fails if any identity label is missing or malformed.
func ParseLabels(labels map[string]string) (Meta, error) {
	m := Meta{
		InstanceID: labels[LabelInstanceID],
		Challenge:  labels[LabelChallenge],
		TeamID:     labels[LabelTeamID],
		Hostname:   labels[LabelHostname],
	}

	var missing []string
	if m.InstanceID == "" {
		missing = append(missing, LabelInstanceID)
	}
	if m.Challenge == "" {
		missing = append(missing, LabelChallenge)
	}
	if m.TeamID == "" {
		missing = append(missing, LabelTeamID)
	}
	if len(missing) > 0 {
		return m, fmt.Errorf("missing labels: %s", strings.Join(missing, ", "))
	}

	var err error
	if m.StartedAt, err = ParseTime(labels[LabelStartedAt]); err != nil {
		return m, fmt.Errorf("label %s: %w", LabelStartedAt, err)
	}
	if m.ExpiresAt, err = ParseTime(labels[LabelExpiresAt]); err != nil {
		return m, fmt.Errorf("label %s: %w", LabelExpiresAt, err)
	}

	return m, nil
}
