package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestTimer(t *testing.T) {
	timer := NewTimer()
	assert.False(t, timer.start.IsZero())

	time.Sleep(20 * time.Millisecond)
	first := timer.Duration()
	assert.GreaterOrEqual(t, first, 20*time.Millisecond)

	time.Sleep(5 * time.Millisecond)
	assert.Greater(t, timer.Duration(), first)
}

func TestTimerObserve(t *testing.T) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "test_observe_seconds",
		Help: "test",
	})
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "test_observe_vec_seconds",
		Help: "test",
	}, []string{"challenge"})

	timer := NewTimer()
	timer.ObserveDuration(h)
	timer.ObserveDurationVec(vec, "web-easy")

	assert.Equal(t, 1, testutil.CollectAndCount(h))
	assert.Equal(t, 1, testutil.CollectAndCount(vec))
}
