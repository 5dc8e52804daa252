// Package events implements the event bus and status store (C12): a
// typed pub/sub fanout that SSE handlers bridge to HTTP, and an atomic
// status snapshot combining local bridge state with polled remote status.
// Grounded on the event emission call sites in api/sessions.rs
// (state.events.outputs_changed() and friends); SSE framing itself is a
// small hand-rolled text/event-stream writer over chi's ResponseWriter,
// justified in DESIGN.md since spec.md §6 names SSE specifically and no
// pack repo serves it natively.
package events

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/drgolem/audio-bridge/internal/hub/types"
	"github.com/prometheus/client_golang/prometheus"
)

// Kind names one of the typed events broadcast on the bus.
type Kind string

const (
	KindStatusChanged   Kind = "status-changed"
	KindQueueChanged    Kind = "queue-changed"
	KindOutputsChanged  Kind = "outputs-changed"
	KindLibraryChanged  Kind = "library-changed"
	KindMetadataChanged Kind = "metadata"
)

// Event is one typed occurrence published on the bus.
type Event struct {
	Kind Kind `json:"kind"`
	Data any  `json:"data,omitempty"`
}

const subscriberBuffer = 32

// Bus is a broadcast channel of typed events. Subscribers receive events
// published from the moment they subscribe onward; a subscriber that falls
// behind has its oldest buffered events dropped rather than blocking
// publishers, and must resynchronize by re-querying the current snapshot
// (per spec.md §4.12 "slow subscribers may lag").
type Bus struct {
	mu          sync.Mutex
	subscribers map[int]chan Event
	nextID      int

	outputSwitches prometheus.Counter
	sessionsTotal  prometheus.Gauge
}

// New constructs an empty event bus with its prometheus counters
// registered against reg.
func New(reg prometheus.Registerer) *Bus {
	b := &Bus{
		subscribers: make(map[int]chan Event),
		outputSwitches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audio_hub_output_switches_total",
			Help: "Number of successful output selections.",
		}),
		sessionsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "audio_hub_sessions",
			Help: "Current number of registered sessions.",
		}),
	}
	if reg != nil {
		reg.MustRegister(b.outputSwitches, b.sessionsTotal)
	}
	return b
}

// RecordOutputSwitch increments the output-switch counter.
func (b *Bus) RecordOutputSwitch() { b.outputSwitches.Inc() }

// SetSessionCount sets the current session-count gauge.
func (b *Bus) SetSessionCount(n int) { b.sessionsTotal.Set(float64(n)) }

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function. The channel is buffered; a full buffer drops the
// oldest pending event to make room rather than blocking Publish.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	b.subscribers[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subscribers[id]; ok {
			close(existing)
			delete(b.subscribers, id)
		}
	}
}

// Publish fans an event out to every current subscriber.
func (b *Bus) Publish(kind Kind, data any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	evt := Event{Kind: kind, Data: data}
	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- evt:
			default:
			}
		}
	}
}

// WriteSSE streams the bus to an HTTP response as Server-Sent Events until
// the request context is cancelled, sending a ": ping\n\n" comment at
// least every 15 seconds of idleness to keep intermediaries from closing
// the connection (spec.md §6).
func WriteSSE(w http.ResponseWriter, r *http.Request, ch <-chan Event) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(evt.Data)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Kind, data)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

// Store holds the atomic now-playing snapshot reconciled from local bridge
// state and polled remote status, per spec.md §4.12.
type Store struct {
	mu       sync.Mutex
	current  types.StatusResponse
	lastDuration *uint64
}

// NewStore constructs an empty status store.
func NewStore() *Store { return &Store{} }

// Snapshot returns a copy of the current status.
func (s *Store) Snapshot() types.StatusResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// ReduceRemoteAndInputs merges a freshly polled remote status into the
// store, falling back to the last known duration when the remote report
// omits one (a mid-track poll that doesn't re-send static track info).
// Returns changed=true if now-playing, paused, duration, source codec or
// resampled differs, the signal that should trigger a status-changed event.
func (s *Store) ReduceRemoteAndInputs(remote types.StatusResponse) (changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := remote
	if merged.DurationMs == nil {
		merged.DurationMs = s.lastDuration
	} else {
		s.lastDuration = merged.DurationMs
	}

	changed = merged.NowPlaying != s.current.NowPlaying ||
		merged.Paused != s.current.Paused ||
		!durationsEqual(merged.DurationMs, s.current.DurationMs) ||
		merged.SourceCodec != s.current.SourceCodec ||
		merged.Resampled != s.current.Resampled
	// ElapsedMs is expected to change continuously during playback and is
	// intentionally excluded from the comparison so we don't emit an event
	// every tick merely because time passed.

	s.current = merged
	return changed
}

func durationsEqual(a, b *uint64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
