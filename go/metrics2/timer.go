package metrics2

import (
	"time"
)

// Timer measures the duration of some work and reports it as an Int64Metric
// in milliseconds.
type Timer struct {
	begin time.Time
	m     Int64Metric
}

// NewTimer creates and returns a new started Timer on the given Client.
func (c *Client) NewTimer(measurement string, tags map[string]string) *Timer {
	return &Timer{
		begin: time.Now(),
		m:     c.GetInt64Metric(measurement, tags),
	}
}

// NewTimer creates and returns a new started Timer using the default client.
func NewTimer(measurement string, tags map[string]string) *Timer {
	return defaultClient.NewTimer(measurement, tags)
}

// Start resets the timer.
func (t *Timer) Start() {
	t.begin = time.Now()
}

// Stop records the elapsed time and returns it.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.begin)
	t.m.Update(int64(elapsed / time.Millisecond))
	return elapsed
}
