package metrics2

import (
	"sync"
	"time"
)

const (
	measurementLiveness     = "liveness"
	livenessReportFrequency = time.Minute
)

// Liveness keeps a time-since-last-successful-update metric, in seconds.
//
// It is used to keep track of periodic processes to make sure that they are
// running successfully. Every liveness metric should have a corresponding
// alert set up that will fire if the metric gets too large.
type Liveness struct {
	lastSuccessfulUpdate time.Time
	m                    Int64Metric
	mtx                  sync.Mutex
}

// NewLiveness creates a new Liveness metric helper on the given Client. The
// current value is reported once per minute.
func (c *Client) NewLiveness(name string, tags map[string]string) *Liveness {
	t := make(map[string]string, len(tags)+1)
	for k, v := range tags {
		t[k] = v
	}
	t["name"] = name
	l := &Liveness{
		lastSuccessfulUpdate: time.Now(),
		m:                    c.GetInt64Metric(measurementLiveness, t),
	}
	go func() {
		for range time.Tick(livenessReportFrequency) {
			l.update()
		}
	}()
	return l
}

// NewLiveness creates a new Liveness metric helper using the default client.
func NewLiveness(name string, tags map[string]string) *Liveness {
	return defaultClient.NewLiveness(name, tags)
}

// Get returns the current value of the Liveness.
func (l *Liveness) Get() int64 {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.m.Get()
}

// update records the current time-since-last-successful-update.
func (l *Liveness) update() {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.m.Update(int64(time.Since(l.lastSuccessfulUpdate).Seconds()))
}

// Reset should be called when some work has been successfully completed.
func (l *Liveness) Reset() {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.lastSuccessfulUpdate = time.Now()
	l.m.Update(0)
}
