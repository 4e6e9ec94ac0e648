package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testChallenge() *Challenge {
	return &Challenge{
		Name:    "notes",
		Timeout: 600,
		Containers: []*ContainerSpec{
			{Name: "web", Image: "notes/web:latest"},
			{Name: "db", Image: "postgres:16", Egress: false},
		},
		Expose: []*ExposeRule{
			{Kind: ExposeHTTPS, ContainerName: "web", ContainerPort: 8080},
			{Kind: ExposeTCP, ContainerName: "web", ContainerPort: 1337},
			{Kind: ExposeTCP, ContainerName: "db", ContainerPort: 5432},
		},
	}
}

func TestChallengeHelpers(t *testing.T) {
	ch := testChallenge()

	assert.Equal(t, 10*time.Minute, ch.Lifetime())
	assert.Equal(t, "postgres:16", ch.Container("db").Image)
	assert.Nil(t, ch.Container("cache"))

	rules := ch.RulesFor("web")
	if assert.Len(t, rules, 2) {
		assert.Equal(t, ExposeHTTPS, rules[0].Kind)
		assert.Equal(t, ExposeTCP, rules[1].Kind)
	}
	assert.Empty(t, ch.RulesFor("cache"))

	assert.False(t, ch.NeedsEgress())
	ch.Containers[1].Egress = true
	assert.True(t, ch.NeedsEgress())
}

func TestExposeKindValid(t *testing.T) {
	for _, k := range []ExposeKind{ExposeHTTP, ExposeHTTPS, ExposeTCP} {
		assert.True(t, k.Valid(), k)
	}
	assert.False(t, ExposeKind("udp").Valid())
	assert.False(t, ExposeKind("").Valid())
}

func TestInstanceExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	inst := &Instance{ExpiresAt: now.Add(90 * time.Second)}

	assert.False(t, inst.Expired(now))
	assert.Equal(t, 90*time.Second, inst.RemainingTime(now))

	assert.True(t, inst.Expired(inst.ExpiresAt), "expiry is inclusive")
	assert.Zero(t, inst.RemainingTime(inst.ExpiresAt))
	assert.Zero(t, inst.RemainingTime(now.Add(time.Hour)))
}

func TestInstanceHostnames(t *testing.T) {
	inst := &Instance{Endpoints: []Endpoint{
		{Kind: ExposeHTTPS, Container: "web", Host: "notes-abc.ctf.example", Port: 443},
		{Kind: ExposeTCP, Container: "db", Host: "notes-abc.ctf.example", Port: 1337},
	}}
	assert.Equal(t, map[string]string{
		"web": "notes-abc.ctf.example",
		"db":  "notes-abc.ctf.example",
	}, inst.Hostnames())
}
