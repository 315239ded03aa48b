package stagelinesdk

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

// StreamMessage is one realtime event frame.
type StreamMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Subscriber maintains a websocket connection to the realtime channel,
// reconnecting with exponential backoff and resubscribing to the topics that
// were active before the drop.
type Subscriber struct {
	BaseURL string

	mu     sync.Mutex
	topics map[string]bool
	conn   *websocket.Conn
	out    chan StreamMessage
}

// NewSubscriber returns a subscriber for the given API base URL. Call Run to
// connect; messages arrive on C.
func NewSubscriber(baseURL string, topics ...string) *Subscriber {
	s := &Subscriber{
		BaseURL: baseURL,
		topics:  make(map[string]bool),
		out:     make(chan StreamMessage, 64),
	}
	for _, t := range topics {
		s.topics[t] = true
	}
	return s
}

// C delivers received messages. It is closed when Run returns.
func (s *Subscriber) C() <-chan StreamMessage { return s.out }

// Subscribe adds topics, sending the subscribe frame when connected.
func (s *Subscriber) Subscribe(topics ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range topics {
		s.topics[t] = true
	}
	return s.send("subscribe", topics)
}

// Unsubscribe removes topics.
func (s *Subscriber) Unsubscribe(topics ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range topics {
		delete(s.topics, t)
	}
	return s.send("unsubscribe", topics)
}

// Run connects and reads until ctx is cancelled. Connection drops trigger a
// reconnect with exponential backoff; subscriptions survive the reconnect.
func (s *Subscriber) Run(ctx context.Context) error {
	defer close(s.out)
	bo := reconnectBackOff()
	for {
		err := backoff.Retry(func() error {
			return s.connect(ctx)
		}, backoff.WithContext(bo, ctx))
		if err != nil {
			return err
		}
		if err := s.read(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			bo.Reset()
			continue
		}
		return nil
	}
}

// reconnectBackOff matches the server-side retry policy: delay before
// attempt n is min(30s, 1s*2^n), no jitter.
func reconnectBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	return bo
}

func (s *Subscriber) connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.wsURL(), nil)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.conn = conn
	topics := make([]string, 0, len(s.topics))
	for t := range s.topics {
		topics = append(topics, t)
	}
	err = s.send("subscribe", topics)
	s.mu.Unlock()
	return err
}

func (s *Subscriber) read(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	for {
		var msg StreamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		select {
		case s.out <- msg:
		default:
			// drop on a full buffer to keep the reader live
		}
	}
}

// send writes a command frame; callers hold s.mu.
func (s *Subscriber) send(cmdType string, topics []string) error {
	if s.conn == nil || len(topics) == 0 {
		return nil
	}
	frame := map[string]any{
		"type":    cmdType,
		"payload": map[string]any{"topics": topics},
	}
	return s.conn.WriteJSON(frame)
}

func (s *Subscriber) wsURL() string {
	base := strings.TrimRight(s.BaseURL, "/")
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/v1/ws"
}
