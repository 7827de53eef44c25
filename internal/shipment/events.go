package shipment

import "sync"

type EventType string

const (
	EventDocumentInserted  EventType = "document.inserted"
	EventDocumentReplaced  EventType = "document.replaced"
	EventDocumentDuplicate EventType = "document.duplicate"
	EventBatchCompleted    EventType = "batch.completed"
)

// Event is one observable processing step, suitable for the live feed.
type Event struct {
	Type       EventType `json:"type"`
	OrderKey   string    `json:"orderKey,omitempty"`
	Seq        int       `json:"seq,omitempty"`
	Subject    string    `json:"subject,omitempty"`
	ReceivedAt string    `json:"receivedAt,omitempty"`
	RunID      string    `json:"runId,omitempty"`
	Timestamp  string    `json:"timestamp"`
}

// EventHub fans processing events out to subscribers. Publishing never
// blocks: a subscriber that falls behind loses events rather than stalling
// the store's write path.
type EventHub struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func NewEventHub() *EventHub {
	return &EventHub{subs: map[chan Event]struct{}{}}
}

// Subscribe registers a buffered event channel. The returned cancel func
// must be called exactly once; the channel is closed by it.
func (h *EventHub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

func (h *EventHub) Publish(event Event) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- event:
		default:
		}
	}
}
