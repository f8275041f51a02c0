package worker

import (
	"log/slog"
	"sync"
	"time"

	"transcription-worker/internal/domain"
)

// EventType classifies messages emitted by the controller toward the host.
type EventType string

const (
	// Loading phase, in order: loading, then per-artifact
	// initiate/progress/done, then exactly one loaded.
	EventLoading  EventType = "loading"
	EventInitiate EventType = "initiate"
	EventProgress EventType = "progress"
	EventDone     EventType = "done"
	EventLoaded   EventType = "loaded"

	// Running phase: transcribing/chunk/progress events interleave, then
	// exactly one update as diarization starts, then exactly one complete
	// or error.
	EventTranscribing       EventType = "transcribing"
	EventChunkStart         EventType = "chunk_start"
	EventChunkEnd           EventType = "chunk_end"
	EventProcessingProgress EventType = "processing_progress"
	EventUpdate             EventType = "update"
	EventComplete           EventType = "complete"
	EventError              EventType = "error"

	// Backup protocol responses.
	EventBackupCheck   EventType = "backup_check"
	EventBackupCleared EventType = "backup_cleared"
)

// Event is a sequenced payload consumed by host subscribers. Generation
// identifies the execution context that produced the event; hosts must
// ignore events whose generation does not match the current context.
type Event struct {
	Seq        int64     `json:"seq"`
	Generation string    `json:"generation"`
	Timestamp  time.Time `json:"timestamp"`
	JobID      string    `json:"jobId,omitempty"`
	Type       EventType `json:"type"`

	Message string `json:"message,omitempty"`

	// Artifact progress fields for initiate/progress/done.
	File   string `json:"file,omitempty"`
	Loaded int64  `json:"loaded,omitempty"`
	Total  int64  `json:"total,omitempty"`

	// Partial text and its wall-clock stamp for transcribing.
	Text           string `json:"text,omitempty"`
	TokenTimestamp int64  `json:"tokenTimestamp,omitempty"`

	// Absolute seconds for chunk_start / chunk_end. A pointer so the
	// first chunk of a run, at 0 seconds, still serializes the field.
	Data *float64 `json:"data,omitempty"`

	Progress *domain.ProgressState       `json:"progress,omitempty"`
	Result   *domain.TranscriptionResult `json:"result,omitempty"`
	TimeMS   int64                       `json:"time,omitempty"`
	Error    string                      `json:"error,omitempty"`

	HasBackup *bool                  `json:"hasBackup,omitempty"`
	Backup    *domain.BackupSnapshot `json:"backup,omitempty"`
}

// subscriberBuffer bounds each live subscriber channel; events beyond it
// are dropped for that subscriber rather than blocking the controller.
const subscriberBuffer = 256

// EventBus stores recent events, provides incremental reads, and fans out
// live events to subscribers.
type EventBus struct {
	mu        sync.RWMutex
	nextSeq   int64
	maxEvents int
	events    []Event
	nextSub   int
	subs      map[int]chan Event
	log       *slog.Logger
}

// NewEventBus creates a bounded in-memory event buffer.
func NewEventBus(maxEvents int, log *slog.Logger) *EventBus {
	if maxEvents <= 0 {
		maxEvents = 500
	}
	if log == nil {
		log = slog.Default()
	}

	return &EventBus{
		maxEvents: maxEvents,
		events:    make([]Event, 0, maxEvents),
		subs:      make(map[int]chan Event),
		log:       log,
	}
}

// Publish appends one event, assigns sequence and timestamp, and fans it
// out to live subscribers.
func (b *EventBus) Publish(event Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	event.Seq = b.nextSeq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.events = append(b.events, event)
	if len(b.events) > b.maxEvents {
		trim := len(b.events) - b.maxEvents
		b.events = append([]Event(nil), b.events[trim:]...)
	}

	// Sends stay under the lock so unsubscribe cannot close a channel
	// mid-send; sends are non-blocking, slow subscribers lose events.
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.log.Warn("dropping event for slow subscriber", "seq", event.Seq, "type", event.Type)
		}
	}

	return event
}

// Since returns events with sequence strictly greater than seq.
func (b *EventBus) Since(seq int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.events) == 0 {
		return nil
	}

	out := make([]Event, 0, len(b.events))
	for _, event := range b.events {
		if event.Seq > seq {
			out = append(out, event)
		}
	}
	return out
}

// Subscribe registers a live event channel and returns it with an
// unsubscribe function. The channel is closed on unsubscribe.
func (b *EventBus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextSub
	b.nextSub++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}
