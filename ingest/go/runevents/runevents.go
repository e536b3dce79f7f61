// Package runevents is the in-memory pub/sub bus carrying live progress
// events for crawl runs. Subscribers get a bounded channel per run;
// publishing never blocks, a full subscriber queue logs and drops. The
// web layer bridges these channels onto SSE streams, so consumers must
// tolerate gaps.
package runevents

import (
	"sync"

	"github.com/google/uuid"

	"go.scholarhound.org/scholarhound/go/metrics2"
	"go.scholarhound.org/scholarhound/go/sklog"
)

// Event types emitted by the ingestion core.
const (
	EventPublicationDiscovered = "publication_discovered"
	EventIdentifierUpdated     = "identifier_updated"
)

// DefaultQueueSize is the per-subscriber channel capacity.
const DefaultQueueSize = 256

// Event is one message delivered to subscribers of a run.
type Event struct {
	RunID int64       `json:"run_id"`
	Type  string      `json:"type"`
	Data  interface{} `json:"data"`
}

// PublicationDiscovered is the payload published when a new
// scholar-publication link is created.
type PublicationDiscovered struct {
	PublicationID    int64  `json:"publication_id"`
	ScholarProfileID int64  `json:"scholar_profile_id"`
	Title            string `json:"title"`
	Year             int    `json:"year,omitempty"`
}

// IdentifierUpdated is the payload published when enrichment discovers or
// changes a canonical identifier.
type IdentifierUpdated struct {
	PublicationID int64   `json:"publication_id"`
	Kind          string  `json:"kind"`
	Value         string  `json:"value"`
	Source        string  `json:"source"`
	Confidence    float64 `json:"confidence"`
}

// Bus is the run-scoped event bus. The zero value is not usable; call New.
type Bus struct {
	mu        sync.Mutex
	queueSize int
	subs      map[int64]map[string]chan Event
	dropped   metrics2.Counter
}

// New returns a Bus with the default queue size.
func New() *Bus {
	return NewWithQueueSize(DefaultQueueSize)
}

// NewWithQueueSize returns a Bus whose subscriber channels hold up to
// queueSize events.
func NewWithQueueSize(queueSize int) *Bus {
	return &Bus{
		queueSize: queueSize,
		subs:      map[int64]map[string]chan Event{},
		dropped:   metrics2.GetCounter("runevents_dropped", nil),
	}
}

// Subscribe registers a new subscriber for the run and returns its id and
// receive channel. The channel is closed on Unsubscribe.
func (b *Bus) Subscribe(runID int64) (string, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := uuid.NewString()
	ch := make(chan Event, b.queueSize)
	if b.subs[runID] == nil {
		b.subs[runID] = map[string]chan Event{}
	}
	b.subs[runID][id] = ch
	return id, ch
}

// Unsubscribe removes the subscriber and closes its channel. Unknown ids
// are a no-op.
func (b *Bus) Unsubscribe(runID int64, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	runSubs, ok := b.subs[runID]
	if !ok {
		return
	}
	ch, ok := runSubs[subID]
	if !ok {
		return
	}
	delete(runSubs, subID)
	if len(runSubs) == 0 {
		delete(b.subs, runID)
	}
	close(ch)
}

// Publish delivers the event to every subscriber of the run without
// blocking. Events to a full queue are dropped.
func (b *Bus) Publish(runID int64, eventType string, data interface{}) {
	evt := Event{
		RunID: runID,
		Type:  eventType,
		Data:  data,
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for subID, ch := range b.subs[runID] {
		select {
		case ch <- evt:
		default:
			b.dropped.Inc(1)
			sklog.Warningf("Dropping %s event for run %d: subscriber %s queue full.", eventType, runID, subID)
		}
	}
}

// NumSubscribers returns how many subscribers the run currently has.
func (b *Bus) NumSubscribers(runID int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[runID])
}
