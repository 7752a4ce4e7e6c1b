// Package events buffers orchestrator notifications so that HTTP clients can
// read them incrementally.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"v360batch/batch"
)

// Type classifies one notification.
type Type string

const (
	TypeLog        Type = "log"
	TypeError      Type = "error"
	TypeProgress   Type = "progress"
	TypeBatchDone  Type = "batch_done"
	TypeFirstFrame Type = "first_frame"
	TypePreviews   Type = "previews"
)

// Event is a sequenced notification.
type Event struct {
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	Type      Type            `json:"type"`
	Message   string          `json:"message,omitempty"`
	Current   float64         `json:"current,omitempty"`
	Total     float64         `json:"total,omitempty"`
	Succeeded int             `json:"succeeded,omitempty"`
	Jobs      int             `json:"jobs,omitempty"`
	Cancelled bool            `json:"cancelled,omitempty"`
	OutputDir string          `json:"outputDir,omitempty"`
	Path      string          `json:"path,omitempty"`
	Previews  []batch.Preview `json:"previews,omitempty"`
	Failed    bool            `json:"failed,omitempty"`

	// Filled in by the HTTP layer when it serves the event.
	URL  string   `json:"url,omitempty"`
	URLs []string `json:"urls,omitempty"`
}

// MarshalJSON always writes the fields a notification kind carries, zero
// values included; fields of other kinds stay omitted.
func (e Event) MarshalJSON() ([]byte, error) {
	type plain Event
	switch e.Type {
	case TypeProgress:
		return json.Marshal(struct {
			plain
			Current float64 `json:"current"`
			Total   float64 `json:"total"`
			Message string  `json:"message"`
		}{plain(e), e.Current, e.Total, e.Message})
	case TypeBatchDone:
		return json.Marshal(struct {
			plain
			Succeeded int    `json:"succeeded"`
			Jobs      int    `json:"jobs"`
			Cancelled bool   `json:"cancelled"`
			OutputDir string `json:"outputDir"`
		}{plain(e), e.Succeeded, e.Jobs, e.Cancelled, e.OutputDir})
	case TypePreviews:
		return json.Marshal(struct {
			plain
			Failed bool `json:"failed"`
		}{plain(e), e.Failed})
	default:
		return json.Marshal(plain(e))
	}
}

// Bus stores recent events and provides incremental reads. It implements
// batch.Sink and is safe for concurrent use.
type Bus struct {
	mu        sync.RWMutex
	nextSeq   int64
	maxEvents int
	events    []Event
}

var _ batch.Sink = (*Bus)(nil)

// NewBus creates a bounded in-memory event buffer.
func NewBus(maxEvents int) *Bus {
	if maxEvents <= 0 {
		maxEvents = 500
	}

	return &Bus{
		maxEvents: maxEvents,
		events:    make([]Event, 0, maxEvents),
	}
}

// Publish appends one event and assigns sequence and timestamp.
func (b *Bus) Publish(event Event) Event {
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

	return event
}

// Since returns events with sequence strictly greater than seq, oldest first.
func (b *Bus) Since(seq int64) []Event {
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

// Last is the sequence number of the newest event, 0 when none was published.
func (b *Bus) Last() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.nextSeq
}

func (b *Bus) Log(text string) {
	b.Publish(Event{Type: TypeLog, Message: text})
}

func (b *Bus) Error(detail string) {
	b.Publish(Event{Type: TypeError, Message: detail})
}

func (b *Bus) Progress(current, total float64, message string) {
	b.Publish(Event{Type: TypeProgress, Current: current, Total: total, Message: message})
}

func (b *Bus) BatchDone(succeeded, total int, cancelled bool, outputDir string) {
	b.Publish(Event{
		Type:      TypeBatchDone,
		Succeeded: succeeded,
		Jobs:      total,
		Cancelled: cancelled,
		OutputDir: outputDir,
	})
}

func (b *Bus) FirstFrameReady(path string) {
	b.Publish(Event{Type: TypeFirstFrame, Path: path})
}

// PreviewsReady publishes the stills; a nil list is published as a failed
// preview run.
func (b *Bus) PreviewsReady(previews []batch.Preview) {
	b.Publish(Event{Type: TypePreviews, Previews: previews, Failed: previews == nil})
}
