package metrics2

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestGetCounter_SameTagsSameCounter(t *testing.T) {
	c := NewClient(prometheus.NewRegistry())
	a := c.GetCounter("ingest_runs", map[string]string{"status": "success"})
	b := c.GetCounter("ingest_runs", map[string]string{"status": "success"})
	a.Inc(2)
	b.Inc(1)
	assert.Equal(t, int64(3), a.Get())
}

func TestGetCounter_DifferentTagsDifferentCounter(t *testing.T) {
	c := NewClient(prometheus.NewRegistry())
	a := c.GetCounter("ingest_runs", map[string]string{"status": "success"})
	b := c.GetCounter("ingest_runs", map[string]string{"status": "failed"})
	a.Inc(2)
	assert.Equal(t, int64(0), b.Get())
	b.Dec(1)
	assert.Equal(t, int64(-1), b.Get())
	a.Reset()
	assert.Equal(t, int64(0), a.Get())
}

func TestGetInt64Metric_Update(t *testing.T) {
	c := NewClient(prometheus.NewRegistry())
	m := c.GetInt64Metric("queue_depth", map[string]string{"queue": "continuation"})
	m.Update(17)
	assert.Equal(t, int64(17), m.Get())
}

func TestClean(t *testing.T) {
	assert.Equal(t, "a_b_c", clean("a-b.c"))
}
