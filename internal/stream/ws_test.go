package stream

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	return conn
}

func TestServeWSSurvivesMalformedFrames(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	defer srv.Close()

	conn := dialWS(t, srv)
	defer conn.Close()

	// Garbage and unknown commands are logged and dropped; the connection
	// stays up and later subscriptions still work.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "resubscribe"}))
	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":    "subscribe",
		"payload": map[string]any{"topics": []string{TopicPhases}},
	}))

	msg, err := NewMessage("phase.started", map[string]any{"phase_id": "pilot"})
	require.NoError(t, err)

	// The subscribe frame lands asynchronously; publish until it does.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				h.Publish(TopicPhases, msg)
			}
		}
	}()
	defer wg.Wait()
	defer close(stop)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var got Message
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "phase.started", got.Type)
}

func TestServeWSUnsubscribe(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	defer srv.Close()

	conn := dialWS(t, srv)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":    "subscribe",
		"payload": map[string]any{"topics": []string{TopicPhases, TopicReports}},
	}))

	phaseMsg, err := NewMessage("phase.started", nil)
	require.NoError(t, err)
	reportMsg, err := NewMessage("report.generated", nil)
	require.NoError(t, err)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				h.Publish(TopicPhases, phaseMsg)
			}
		}
	}()
	defer wg.Wait()
	defer close(stop)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var got Message
	require.NoError(t, conn.ReadJSON(&got))
	require.Equal(t, "phase.started", got.Type)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":    "unsubscribe",
		"payload": map[string]any{"topics": []string{TopicPhases}},
	}))

	// After the unsubscribe lands, phase events stop and only the report
	// topic delivers. Reads skip the phase frames still in flight.
	deadline := time.Now().Add(3 * time.Second)
	for {
		h.Publish(TopicReports, reportMsg)
		conn.SetReadDeadline(time.Now().Add(time.Second))
		require.NoError(t, conn.ReadJSON(&got))
		if got.Type == "report.generated" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("still receiving %s after unsubscribe", got.Type)
		}
	}
}
