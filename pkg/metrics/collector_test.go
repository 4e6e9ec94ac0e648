package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/instancer/pkg/naming"
	"github.com/cuemby/instancer/pkg/runtime"
)

type staticLister struct {
	resources []runtime.Resource
	err       error
}

func (s staticLister) ListManaged(ctx context.Context) ([]runtime.Resource, error) {
	return s.resources, s.err
}

func container(id, challenge string) runtime.Resource {
	return runtime.Resource{
		ID:   id + "-" + challenge,
		Kind: runtime.KindContainer,
		Labels: map[string]string{
			naming.LabelInstanceID: id,
			naming.LabelChallenge:  challenge,
		},
	}
}

func TestCollectorCollect(t *testing.T) {
	resetHealth(t)

	lister := staticLister{resources: []runtime.Resource{
		container("aaa", "web"),
		container("aaa", "web"),
		container("bbb", "web"),
		container("ccc", "pwn"),
		{ID: "net1", Kind: runtime.KindNetwork},
		{ID: "stray", Kind: runtime.KindContainer},
	}}

	NewCollector(lister, 0).Collect(context.Background())

	assert.Equal(t, 2.0, testutil.ToFloat64(InstancesActive.WithLabelValues("web")))
	assert.Equal(t, 1.0, testutil.ToFloat64(InstancesActive.WithLabelValues("pwn")))
	assert.Equal(t, 5.0, testutil.ToFloat64(ManagedResources.WithLabelValues(string(runtime.KindContainer))))
	assert.Equal(t, 1.0, testutil.ToFloat64(ManagedResources.WithLabelValues(string(runtime.KindNetwork))))

	comp, ok := Component(ComponentRuntime)
	require.True(t, ok)
	assert.True(t, comp.Healthy)
}

func TestCollectorRuntimeDown(t *testing.T) {
	resetHealth(t)

	NewCollector(staticLister{err: errors.New("connection refused")}, 0).Collect(context.Background())

	comp, ok := Component(ComponentRuntime)
	require.True(t, ok)
	assert.False(t, comp.Healthy)
	assert.Equal(t, "connection refused", comp.Message)
}
