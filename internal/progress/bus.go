// Package progress fans per-job ingestion events out to SSE subscribers.
// Publication never blocks on a slow client: a subscriber whose buffer
// overflows is dropped and its channel closed.
package progress

import (
	"sync"
	"time"

	"github.com/citetrace-ai/citetrace/internal/observability"
)

// EventKind enumerates the stream event types.
type EventKind string

const (
	EventJobStarted     EventKind = "job_started"
	EventStageStarted   EventKind = "stage_started"
	EventStageProgress  EventKind = "stage_progress"
	EventStageCompleted EventKind = "stage_completed"
	EventJobCompleted   EventKind = "job_completed"
	EventError          EventKind = "error"
	EventHeartbeat      EventKind = "heartbeat"
)

// Result is the payload of a job_completed event.
type Result struct {
	DocID string `json:"doc_id"`
	Tier  string `json:"tier"`
	Title string `json:"title"`
}

// Event is one progress frame. Kind maps to the SSE event name; the rest is
// the JSON data payload.
type Event struct {
	Kind       EventKind `json:"-"`
	JobID      string    `json:"job_id,omitempty"`
	URL        string    `json:"url,omitempty"`
	Stage      string    `json:"stage,omitempty"`
	Percent    int       `json:"percent,omitempty"`
	Message    string    `json:"message,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	Result     *Result   `json:"result,omitempty"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Terminal reports whether the event closes the stream.
func (e Event) Terminal() bool {
	return e.Kind == EventJobCompleted || e.Kind == EventError
}

type subscriber struct {
	ch     chan Event
	closed bool
}

// Bus is the per-process event broker. Subscriber lists are per job; the
// lock is held only for subscribe, unsubscribe and publish.
type Bus struct {
	mu        sync.Mutex
	subs      map[string][]*subscriber
	lastEvent map[string]time.Time // active jobs only

	bufferSize int
	heartbeat  time.Duration
	done       chan struct{}
	logger     *observability.Logger
	metrics    *observability.Metrics
}

// NewBus creates a bus and starts its heartbeat loop.
func NewBus(bufferSize int, heartbeatInterval time.Duration, logger *observability.Logger, metrics *observability.Metrics) *Bus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	if heartbeatInterval <= 0 {
		heartbeatInterval = 15 * time.Second
	}
	b := &Bus{
		subs:       make(map[string][]*subscriber),
		lastEvent:  make(map[string]time.Time),
		bufferSize: bufferSize,
		heartbeat:  heartbeatInterval,
		done:       make(chan struct{}),
		logger:     logger,
		metrics:    metrics,
	}
	go b.heartbeatLoop()
	return b
}

// Close stops the heartbeat loop and closes all subscriber channels.
func (b *Bus) Close() {
	close(b.done)

	b.mu.Lock()
	defer b.mu.Unlock()
	for jobID := range b.subs {
		b.closeJobLocked(jobID)
	}
}

// Subscribe registers a subscriber for jobID. The returned cancel func is
// idempotent and must be called when the client disconnects.
func (b *Bus) Subscribe(jobID string) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, b.bufferSize)}

	b.mu.Lock()
	b.subs[jobID] = append(b.subs[jobID], sub)
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.SSESubscribers.Inc()
	}

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.removeLocked(jobID, sub)
	}
	return sub.ch, cancel
}

// JobStarted publishes the opening event and marks the job active.
func (b *Bus) JobStarted(jobID, url string) {
	b.publish(jobID, Event{Kind: EventJobStarted, JobID: jobID, URL: url}, false)
}

// StageStarted publishes a stage_started event.
func (b *Bus) StageStarted(jobID, stage string) {
	b.publish(jobID, Event{Kind: EventStageStarted, JobID: jobID, Stage: stage}, false)
}

// StageProgress publishes a stage_progress event with the cumulative percent.
func (b *Bus) StageProgress(jobID, stage string, percent int, message string) {
	b.publish(jobID, Event{Kind: EventStageProgress, JobID: jobID, Stage: stage, Percent: percent, Message: message}, false)
}

// StageCompleted publishes a stage_completed event.
func (b *Bus) StageCompleted(jobID, stage string, duration time.Duration) {
	b.publish(jobID, Event{Kind: EventStageCompleted, JobID: jobID, Stage: stage, DurationMS: duration.Milliseconds()}, false)
}

// JobCompleted publishes the terminal success event and closes the stream.
func (b *Bus) JobCompleted(jobID string, duration time.Duration, result Result) {
	b.publish(jobID, Event{Kind: EventJobCompleted, JobID: jobID, DurationMS: duration.Milliseconds(), Result: &result}, true)
}

// JobFailed publishes the terminal error event and closes the stream.
func (b *Bus) JobFailed(jobID, stage, errorKind, message string) {
	b.publish(jobID, Event{Kind: EventError, JobID: jobID, Stage: stage, ErrorKind: errorKind, Message: message}, true)
}

func (b *Bus) publish(jobID string, ev Event, terminal bool) {
	ev.Timestamp = time.Now().UTC()

	b.mu.Lock()
	defer b.mu.Unlock()

	if terminal {
		delete(b.lastEvent, jobID)
	} else {
		b.lastEvent[jobID] = ev.Timestamp
	}

	// Iterate a copy: dropping a subscriber mutates the live list.
	subs := append([]*subscriber(nil), b.subs[jobID]...)
	for _, sub := range subs {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Slow client. Drop it rather than block the pipeline.
			b.removeLocked(jobID, sub)
			if b.logger != nil {
				b.logger.Warn().Str("job_id", jobID).Msg("Dropped slow progress subscriber")
			}
		}
	}

	if terminal {
		b.closeJobLocked(jobID)
	}
}

// removeLocked drops one subscriber and closes its channel.
func (b *Bus) removeLocked(jobID string, sub *subscriber) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)

	subs := b.subs[jobID]
	for i, s := range subs {
		if s == sub {
			b.subs[jobID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[jobID]) == 0 {
		delete(b.subs, jobID)
	}
	if b.metrics != nil {
		b.metrics.SSESubscribers.Dec()
	}
}

func (b *Bus) closeJobLocked(jobID string) {
	for _, sub := range b.subs[jobID] {
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
			if b.metrics != nil {
				b.metrics.SSESubscribers.Dec()
			}
		}
	}
	delete(b.subs, jobID)
	delete(b.lastEvent, jobID)
}

// heartbeatLoop publishes a heartbeat to every active job that has been
// silent for the heartbeat interval, keeping idle SSE connections alive.
func (b *Bus) heartbeatLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case now := <-ticker.C:
			b.mu.Lock()
			for jobID, last := range b.lastEvent {
				if now.Sub(last) < b.heartbeat {
					continue
				}
				ev := Event{Kind: EventHeartbeat, Timestamp: now.UTC()}
				b.lastEvent[jobID] = now
				for _, sub := range append([]*subscriber(nil), b.subs[jobID]...) {
					if sub.closed {
						continue
					}
					select {
					case sub.ch <- ev:
					default:
						b.removeLocked(jobID, sub)
					}
				}
			}
			b.mu.Unlock()
		}
	}
}
