// Package feedback implements an asynchronous, buffered event bus that
// fans gateway lifecycle and pipeline-stage transitions out to any number
// of subscribers (structured logging, Prometheus counters, the observer
// bridge) without coupling a publisher to what consumes its events.
// Adapted from the teacher's transcription-queue EventBus
// (internal/feedback/events.go): the publish/subscribe/deliver mechanics
// are kept in shape, but the event taxonomy is re-pointed from Discord
// voice-channel queue-depth/speaker events to this gateway's
// client-lifecycle and pipeline-stage events.
package feedback

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// EventType identifies the kind of gateway event carried by an Event.
type EventType string

const (
	// Client lifecycle events, mirroring the observer bridge's contract.
	EventClientConnected EventType = "client.connected"
	EventClientMigrated  EventType = "client.migrated"
	EventClientReset     EventType = "client.reset"
	EventClientReaped    EventType = "client.reaped"

	// Pipeline events, one per client utterance passing through the
	// worker state machine.
	EventUtteranceHeard    EventType = "pipeline.utterance"
	EventReplyGenerated    EventType = "pipeline.reply_text"
	EventStageChanged      EventType = "pipeline.stage_changed"
	EventChunkInterrupted  EventType = "pipeline.chunk_interrupted"
	EventCollaboratorError EventType = "pipeline.collaborator_error"
)

// Event is one occurrence published to the bus.
type Event struct {
	Type      EventType
	Timestamp time.Time
	ClientIP  string
	Data      interface{}
}

// ClientConnectedData describes a first-contact datagram creating a new
// LogicalClient.
type ClientConnectedData struct {
	SessionID string
}

// ClientMigratedData describes an address-migration observed by the
// registry: the IP stayed the client's identity, only the port moved.
type ClientMigratedData struct {
	NewPort int
}

// UtteranceData carries the transcribed text of one user utterance.
type UtteranceData struct {
	Text string
}

// ReplyTextData carries the generated reply text before synthesis.
type ReplyTextData struct {
	Text string
}

// StageChangedData reports a pipeline worker's transition into a new
// state for one in-flight utterance.
type StageChangedData struct {
	Stage string
}

// ChunkInterruptedData reports an outbound chunk aborted mid-send.
type ChunkInterruptedData struct {
	ChunkIndex     uint32
	FragmentsSent  int
	FragmentsTotal int
}

// CollaboratorErrorData reports a hard failure from ASR/LLM/TTS that the
// worker absorbed rather than propagating.
type CollaboratorErrorData struct {
	Stage string
	Err   string
}

// EventHandler processes one delivered event. Handlers run concurrently
// and a panicking handler is recovered and logged, never crashing the bus.
type EventHandler func(event Event)

// Bus distributes published events to interested subscribers, buffering
// publishes so a slow handler never blocks the publisher (the receive
// loop and pipeline worker, both of which must never stall on anything
// but their own I/O).
type Bus struct {
	mu          sync.RWMutex
	handlers    map[EventType][]EventHandler
	allHandlers []EventHandler
	buffer      chan Event
	stopCh      chan struct{}
	wg          sync.WaitGroup
	metrics     *BusMetrics
}

// BusMetrics tracks aggregate event-bus throughput.
type BusMetrics struct {
	EventsPublished map[EventType]int64
	EventsDelivered int64
	EventsDropped   int64
	mu              sync.Mutex
}

// NewBus returns a running Bus with the given buffer capacity. Call Stop
// to drain and shut it down.
func NewBus(bufferSize int) *Bus {
	b := &Bus{
		handlers: make(map[EventType][]EventHandler),
		buffer:   make(chan Event, bufferSize),
		stopCh:   make(chan struct{}),
		metrics: &BusMetrics{
			EventsPublished: make(map[EventType]int64),
		},
	}

	b.wg.Add(1)
	go b.processEvents()

	return b
}

// Subscribe registers handler for one event type, returning an unsubscribe
// function.
func (b *Bus) Subscribe(eventType EventType, handler EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handler)

	return func() {
		b.Unsubscribe(eventType, handler)
	}
}

// SubscribeAll registers handler for every event type.
func (b *Bus) SubscribeAll(handler EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.allHandlers = append(b.allHandlers, handler)

	return func() {
		b.UnsubscribeAll(handler)
	}
}

// Unsubscribe removes handler from eventType's subscriber list.
func (b *Bus) Unsubscribe(eventType EventType, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	handlers := b.handlers[eventType]
	for i, h := range handlers {
		if &h == &handler {
			b.handlers[eventType] = append(handlers[:i], handlers[i+1:]...)
			break
		}
	}
}

// UnsubscribeAll removes handler from the all-events subscriber list.
func (b *Bus) UnsubscribeAll(handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, h := range b.allHandlers {
		if &h == &handler {
			b.allHandlers = append(b.allHandlers[:i], b.allHandlers[i+1:]...)
			break
		}
	}
}

// Publish queues event for delivery, stamping its timestamp if unset.
// Non-blocking: a full buffer drops the event and counts it, rather than
// stalling the caller (the receive loop or a pipeline worker).
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.metrics.mu.Lock()
	b.metrics.EventsPublished[event.Type]++
	b.metrics.mu.Unlock()

	select {
	case b.buffer <- event:
	default:
		b.metrics.mu.Lock()
		b.metrics.EventsDropped++
		b.metrics.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"event_type": event.Type,
			"client_ip":  event.ClientIP,
		}).Warn("feedback bus buffer full, event dropped")
	}
}

// processEvents drains the buffer and delivers each event until Stop is
// called, then flushes whatever remains.
func (b *Bus) processEvents() {
	defer b.wg.Done()

	for {
		select {
		case event := <-b.buffer:
			b.deliverEvent(event)
		case <-b.stopCh:
			for len(b.buffer) > 0 {
				select {
				case event := <-b.buffer:
					b.deliverEvent(event)
				default:
					return
				}
			}
			return
		}
	}
}

func (b *Bus) deliverEvent(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, handler := range b.handlers[event.Type] {
		b.runHandler(handler, event)
	}
	for _, handler := range b.allHandlers {
		b.runHandler(handler, event)
	}
}

func (b *Bus) runHandler(handler EventHandler, event Event) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logrus.WithFields(logrus.Fields{
					"event_type": event.Type,
					"panic":      r,
				}).Error("feedback bus handler panicked")
			}
		}()

		handler(event)

		b.metrics.mu.Lock()
		b.metrics.EventsDelivered++
		b.metrics.mu.Unlock()
	}()
}

// Stop gracefully shuts down the bus, flushing the remaining buffer.
func (b *Bus) Stop() {
	close(b.stopCh)
	b.wg.Wait()
	close(b.buffer)
}

// Metrics returns a point-in-time copy of the bus's throughput counters.
func (b *Bus) Metrics() BusMetrics {
	b.metrics.mu.Lock()
	defer b.metrics.mu.Unlock()

	out := BusMetrics{
		EventsPublished: make(map[EventType]int64, len(b.metrics.EventsPublished)),
		EventsDelivered: b.metrics.EventsDelivered,
		EventsDropped:   b.metrics.EventsDropped,
	}
	for k, v := range b.metrics.EventsPublished {
		out.EventsPublished[k] = v
	}
	return out
}

// Helper publishers for the gateway's own event taxonomy.

// PublishClientConnected reports a new LogicalClient's first contact.
func (b *Bus) PublishClientConnected(clientIP string, data ClientConnectedData) {
	b.Publish(Event{Type: EventClientConnected, ClientIP: clientIP, Data: data})
}

// PublishClientMigrated reports a source-port change for an existing
// client.
func (b *Bus) PublishClientMigrated(clientIP string, data ClientMigratedData) {
	b.Publish(Event{Type: EventClientMigrated, ClientIP: clientIP, Data: data})
}

// PublishClientReset reports a CONTROL_RESET.
func (b *Bus) PublishClientReset(clientIP string) {
	b.Publish(Event{Type: EventClientReset, ClientIP: clientIP})
}

// PublishClientReaped reports an inactivity reap.
func (b *Bus) PublishClientReaped(clientIP string) {
	b.Publish(Event{Type: EventClientReaped, ClientIP: clientIP})
}

// PublishUtteranceHeard reports a completed ASR transcript.
func (b *Bus) PublishUtteranceHeard(clientIP string, data UtteranceData) {
	b.Publish(Event{Type: EventUtteranceHeard, ClientIP: clientIP, Data: data})
}

// PublishReplyGenerated reports a completed LLM reply, pre-synthesis.
func (b *Bus) PublishReplyGenerated(clientIP string, data ReplyTextData) {
	b.Publish(Event{Type: EventReplyGenerated, ClientIP: clientIP, Data: data})
}

// PublishStageChanged reports a pipeline worker's state transition.
func (b *Bus) PublishStageChanged(clientIP string, data StageChangedData) {
	b.Publish(Event{Type: EventStageChanged, ClientIP: clientIP, Data: data})
}

// PublishChunkInterrupted reports an outbound chunk aborted mid-send.
func (b *Bus) PublishChunkInterrupted(clientIP string, data ChunkInterruptedData) {
	b.Publish(Event{Type: EventChunkInterrupted, ClientIP: clientIP, Data: data})
}

// PublishCollaboratorError reports an absorbed ASR/LLM/TTS hard failure.
func (b *Bus) PublishCollaboratorError(clientIP string, data CollaboratorErrorData) {
	b.Publish(Event{Type: EventCollaboratorError, ClientIP: clientIP, Data: data})
}
