package stream

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Topics clients may subscribe to.
const (
	TopicPhases     = "phases"
	TopicOnboarding = "onboarding"
	TopicOperations = "operations"
	TopicReports    = "reports"
)

// Message is the typed frame pushed to subscribers.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewMessage marshals payload into a frame.
func NewMessage(evtType string, payload any) (Message, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: evtType, Payload: b}, nil
}

// ProgressUpdate reports bulk-operation progress. Rapid updates for the
// same operation are coalesced: only the greatest timestamp per operation
// survives a flush window, never a merge of two updates.
type ProgressUpdate struct {
	OperationID string `json:"operation_id"`
	Timestamp   int64  `json:"timestamp"`
	Status      string `json:"status"`
	Progress    int    `json:"progress"`
	Step        string `json:"step,omitempty"`
}

// Hub fans events out to subscribed clients.
type Hub struct {
	Logger *slog.Logger

	mu       sync.Mutex
	subs     map[*Subscription]struct{}
	pending  map[string]ProgressUpdate
	retained map[string]ProgressUpdate
	interval time.Duration
	done     chan struct{}
	wg       sync.WaitGroup
	started  bool
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		Logger:   logger,
		subs:     make(map[*Subscription]struct{}),
		pending:  make(map[string]ProgressUpdate),
		retained: make(map[string]ProgressUpdate),
		interval: 100 * time.Millisecond,
		done:     make(chan struct{}),
	}
}

// Start launches the progress flusher. Safe to call once.
func (h *Hub) Start() {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return
	}
	h.started = true
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-h.done:
				return
			case <-ticker.C:
				h.Flush()
			}
		}
	}()
}

// Close stops the flusher and drops all subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.started {
		select {
		case <-h.done:
		default:
			close(h.done)
		}
	}
	subs := make([]*Subscription, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()
	h.wg.Wait()
	for _, s := range subs {
		s.Close()
	}
}

// Subscription is one client's view of the hub.
type Subscription struct {
	hub    *Hub
	mu     sync.Mutex
	topics map[string]bool
	out    chan Message
	closed bool
}

// C delivers matching messages. Slow consumers lose messages rather than
// blocking delivery to everyone else.
func (s *Subscription) C() <-chan Message { return s.out }

func (s *Subscription) Subscribe(topics ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range topics {
		s.topics[t] = true
	}
}

func (s *Subscription) Unsubscribe(topics ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range topics {
		delete(s.topics, t)
	}
}

func (s *Subscription) wants(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.topics[topic]
}

func (s *Subscription) Close() {
	s.hub.mu.Lock()
	delete(s.hub.subs, s)
	s.hub.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
}

func (s *Subscription) deliver(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.out <- msg:
	default:
		s.hub.Logger.Warn("dropping message for slow subscriber", "type", msg.Type)
	}
}

// Subscribe registers a client for the given topics.
func (h *Hub) Subscribe(topics ...string) *Subscription {
	s := &Subscription{
		hub:    h,
		topics: make(map[string]bool, len(topics)),
		out:    make(chan Message, 64),
	}
	for _, t := range topics {
		s.topics[t] = true
	}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// Publish delivers msg immediately to every subscriber of topic.
func (h *Hub) Publish(topic string, msg Message) {
	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()
	for _, s := range subs {
		if s.wants(topic) {
			s.deliver(msg)
		}
	}
}

// PublishProgress queues a progress update for coalesced delivery. Within a
// flush window, last write (greatest timestamp) wins per operation.
func (h *Hub) PublishProgress(u ProgressUpdate) {
	h.mu.Lock()
	if cur, ok := h.pending[u.OperationID]; !ok || u.Timestamp > cur.Timestamp {
		h.pending[u.OperationID] = u
	}
	if cur, ok := h.retained[u.OperationID]; !ok || u.Timestamp > cur.Timestamp {
		h.retained[u.OperationID] = u
	}
	h.mu.Unlock()
}

// Latest returns the retained newest update for an operation.
func (h *Hub) Latest(operationID string) (ProgressUpdate, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	u, ok := h.retained[operationID]
	return u, ok
}

// Flush delivers all pending progress updates.
func (h *Hub) Flush() {
	h.mu.Lock()
	pending := h.pending
	h.pending = make(map[string]ProgressUpdate)
	h.mu.Unlock()
	for _, u := range pending {
		msg, err := NewMessage("operation.progress", u)
		if err != nil {
			h.Logger.Error("marshal progress update", "err", err)
			continue
		}
		h.Publish(TopicOperations, msg)
	}
}
