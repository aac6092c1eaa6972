package relay

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

// Configure the websocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,

	// The relay carries only opaque envelopes; any origin may connect.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeWS returns an http.HandlerFunc that upgrades websocket requests
// and attaches them to the hub. Clients identify their room and peer id
// through query parameters; the room value is expected to be a hashed
// room tag, not the room id itself.
func ServeWS(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		room := r.URL.Query().Get("room")
		peer := r.URL.Query().Get("peer")
		if room == "" || peer == "" {
			http.Error(w, "room and peer query parameters are required", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Error("failed to upgrade connection", "error", err)
			return
		}

		client := &Client{
			Hub:  hub,
			Conn: conn,
			Room: room,
			Peer: peer,
			Send: make(chan *Frame, 256),
		}
		client.Hub.Register <- client

		go client.WritePump()
		go client.ReadPump()
	}
}

// HealthHandler reports liveness for load balancers.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("relay is healthy."))
}
