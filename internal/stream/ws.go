package stream

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// subscribeCommand is the inbound frame shape: {type, payload}.
type subscribeCommand struct {
	Type    string `json:"type"`
	Payload struct {
		Topics []string `json:"topics"`
	} `json:"payload"`
}

const writeTimeout = 10 * time.Second

// ServeWS upgrades the request and bridges the connection to a hub
// subscription. Malformed inbound frames are logged and dropped; they never
// tear the connection down or block delivery of valid events.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	sub := h.Subscribe()
	defer sub.Close()
	defer conn.Close()

	go func() {
		for msg := range sub.C() {
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd subscribeCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			h.Logger.Warn("dropping malformed frame", "err", err)
			continue
		}
		switch cmd.Type {
		case "subscribe":
			sub.Subscribe(cmd.Payload.Topics...)
		case "unsubscribe":
			sub.Unsubscribe(cmd.Payload.Topics...)
		default:
			h.Logger.Warn("dropping unknown command", "type", cmd.Type)
		}
	}
}
