package stagelinesdk

import (
	"context"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconnectBackOffPolicy(t *testing.T) {
	bo := reconnectBackOff()
	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, bo.NextBackOff(), "delay %d", i)
	}
}

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// startStreamStub serves a minimal /v1/ws endpoint on addr, pushing each
// received subscribe frame's topics onto subscribed. The returned stop func
// severs every open connection and frees the port.
func startStreamStub(t *testing.T, addr string, subscribed chan []string) (stop func()) {
	t.Helper()
	var ln net.Listener
	var err error
	// The port may linger briefly after a previous stub released it.
	for deadline := time.Now().Add(2 * time.Second); ; {
		ln, err = net.Listen("tcp", addr)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("listen %s: %v", addr, err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	var mu sync.Mutex
	var conns []*websocket.Conn
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		conns = append(conns, conn)
		mu.Unlock()
		for {
			var frame struct {
				Type    string `json:"type"`
				Payload struct {
					Topics []string `json:"topics"`
				} `json:"payload"`
			}
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if frame.Type == "subscribe" {
				select {
				case subscribed <- frame.Payload.Topics:
				default:
				}
			}
		}
	})
	srv := &http.Server{Handler: mux}
	go srv.Serve(ln)
	return func() {
		mu.Lock()
		for _, c := range conns {
			c.Close()
		}
		mu.Unlock()
		srv.Close()
	}
}

func awaitSubscribe(t *testing.T, subscribed chan []string, topic string) {
	t.Helper()
	select {
	case topics := <-subscribed:
		require.Contains(t, topics, topic)
	case <-time.After(5 * time.Second):
		t.Fatal("no subscribe frame received")
	}
}

func TestSubscriberReconnectsAndResubscribes(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	subscribed := make(chan []string, 4)
	stop := startStreamStub(t, addr, subscribed)

	s := NewSubscriber("http://"+addr, "phases")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(ctx) }()

	awaitSubscribe(t, subscribed, "phases")

	// Sever every connection and the listener; the subscriber should back
	// off, reconnect once the endpoint is back, and resubscribe on its own.
	stop()
	stop2 := startStreamStub(t, addr, subscribed)
	defer stop2()

	awaitSubscribe(t, subscribed, "phases")

	cancel()
	select {
	case err := <-runDone:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
