// Package metrics2 is a thin facade over the Prometheus client library. It
// hands out gauges, counters, and livenesses keyed by measurement name and
// a set of tag key/value pairs, creating the underlying collectors lazily.
package metrics2

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"go.scholarhound.org/scholarhound/go/sklog"
)

// invalidChar is used to force metric and tag names to conform to
// Prometheus's restrictions.
var invalidChar = regexp.MustCompile("([^a-zA-Z0-9_:])")

func clean(s string) string {
	return invalidChar.ReplaceAllLiteralString(s, "_")
}

// Int64Metric is a metric which reports an int64 value.
type Int64Metric interface {
	Get() int64
	Update(v int64)
}

// Counter is a metric with Inc/Dec/Reset semantics.
type Counter interface {
	Int64Metric
	Inc(i int64)
	Dec(i int64)
	Reset()
}

// promInt64 implements the Int64Metric interface.
type promInt64 struct {
	// i tracks the value of the gauge, because the prometheus client lib
	// doesn't support get on Gauge values.
	i     int64
	gauge prometheus.Gauge
}

func (m *promInt64) Get() int64 {
	return atomic.LoadInt64(&m.i)
}

func (m *promInt64) Update(v int64) {
	atomic.StoreInt64(&m.i, v)
	m.gauge.Set(float64(v))
}

// promCounter implements the Counter interface.
type promCounter struct {
	promInt64
}

func (pc *promCounter) Inc(i int64) {
	pc.gauge.Set(float64(atomic.AddInt64(&pc.i, i)))
}

func (pc *promCounter) Dec(i int64) {
	pc.gauge.Set(float64(atomic.AddInt64(&pc.i, -i)))
}

func (pc *promCounter) Reset() {
	pc.Update(0)
}

// Client hands out metrics backed by a prometheus.Registerer.
type Client struct {
	reg prometheus.Registerer

	gaugeVecs map[string]*prometheus.GaugeVec
	gauges    map[string]*promInt64
	counters  map[string]*promCounter
	mutex     sync.Mutex
}

// NewClient returns a Client that registers with the given Registerer.
func NewClient(reg prometheus.Registerer) *Client {
	return &Client{
		reg:       reg,
		gaugeVecs: map[string]*prometheus.GaugeVec{},
		gauges:    map[string]*promInt64{},
		counters:  map[string]*promCounter{},
	}
}

// defaultClient registers with the prometheus default registry.
var defaultClient = NewClient(prometheus.DefaultRegisterer)

// tagKey builds a canonical key for the (measurement, tags) pair, and
// returns the sorted tag names and values.
func tagKey(measurement string, tags map[string]string) (string, []string, []string) {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, clean(k))
	}
	sort.Strings(keys)
	values := make([]string, 0, len(keys))
	for _, k := range keys {
		values = append(values, tags[k])
	}
	return fmt.Sprintf("%s [%s] [%s]", measurement, strings.Join(keys, ","), strings.Join(values, ",")), keys, values
}

func (c *Client) gaugeFor(measurement string, tags map[string]string) (string, prometheus.Gauge) {
	measurement = clean(measurement)
	key, labelNames, labelValues := tagKey(measurement, tags)
	vecKey := fmt.Sprintf("%s [%s]", measurement, strings.Join(labelNames, ","))
	vec, ok := c.gaugeVecs[vecKey]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: measurement}, labelNames)
		if err := c.reg.Register(vec); err != nil {
			// Already registered by a different label ordering; keep going
			// with the existing collector if we can.
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				vec = are.ExistingCollector.(*prometheus.GaugeVec)
			} else {
				sklog.Errorf("Failed to register %q: %s", measurement, err)
			}
		}
		c.gaugeVecs[vecKey] = vec
	}
	return key, vec.WithLabelValues(labelValues...)
}

// GetInt64Metric returns an Int64Metric for the given measurement and tags.
func (c *Client) GetInt64Metric(measurement string, tags map[string]string) Int64Metric {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	key, gauge := c.gaugeFor(measurement, tags)
	m, ok := c.gauges[key]
	if !ok {
		m = &promInt64{gauge: gauge}
		c.gauges[key] = m
	}
	return m
}

// GetCounter returns a Counter for the given measurement and tags.
func (c *Client) GetCounter(measurement string, tags map[string]string) Counter {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	key, gauge := c.gaugeFor(measurement, tags)
	m, ok := c.counters[key]
	if !ok {
		m = &promCounter{promInt64{gauge: gauge}}
		c.counters[key] = m
	}
	return m
}

// GetInt64Metric returns an Int64Metric from the default client.
func GetInt64Metric(measurement string, tags map[string]string) Int64Metric {
	return defaultClient.GetInt64Metric(measurement, tags)
}

// GetCounter returns a Counter from the default client.
func GetCounter(measurement string, tags map[string]string) Counter {
	return defaultClient.GetCounter(measurement, tags)
}
