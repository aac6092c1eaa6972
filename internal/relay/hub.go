package relay

import "log/slog"

// Hub is the central brain of the relay. It tracks which clients are in
// which room and forwards envelopes between room members. All state is
// owned by the Run goroutine; the channels are the only way in.
type Hub struct {
	// rooms maps room tags to their member sets.
	rooms map[string]map[*Client]bool

	// Register adds a client to its room.
	Register chan *Client

	// Unregister removes a client from its room.
	Unregister chan *Client

	// Forward routes an envelope from a client to its room peers.
	Forward chan *inboundFrame
}

type inboundFrame struct {
	client *Client
	frame  *Frame
}

// NewHub creates a new Hub instance.
func NewHub() *Hub {
	return &Hub{
		rooms:      make(map[string]map[*Client]bool),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		Forward:    make(chan *inboundFrame),
	}
}

// Run starts the hub's main processing loop. This is the single goroutine
// that safely manages all room state.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.Register:
			members := h.rooms[client.Room]
			if members == nil {
				members = make(map[*Client]bool)
				h.rooms[client.Room] = members
				slog.Debug("room created", "room", client.Room)
			}

			// Tell existing members someone arrived. They respond with
			// authenticated announces that the relay cannot read.
			h.broadcast(client, &Frame{Type: FramePeerJoined, Peer: client.Peer})

			members[client] = true
			slog.Info("client joined", "room", client.Room, "peer", client.Peer, "members", len(members))

		case client := <-h.Unregister:
			members, ok := h.rooms[client.Room]
			if !ok || !members[client] {
				continue
			}
			delete(members, client)
			close(client.Send)

			if len(members) == 0 {
				delete(h.rooms, client.Room)
				slog.Debug("room deleted", "room", client.Room)
			} else {
				h.broadcast(client, &Frame{Type: FramePeerLeft, Peer: client.Peer})
			}
			slog.Info("client left", "room", client.Room, "peer", client.Peer)

		case in := <-h.Forward:
			if in.frame.Type != FrameEnvelope {
				in.client.trySend(&Frame{Type: FrameError, Error: "unsupported frame type"})
				continue
			}

			// Stamp the sender and pass the envelope through untouched.
			out := &Frame{
				Type:    FrameEnvelope,
				Peer:    in.client.Peer,
				Payload: in.frame.Payload,
				AuthTag: in.frame.AuthTag,
			}
			h.broadcast(in.client, out)
		}
	}
}

// broadcast sends a frame to every member of from's room except from
// itself. Clients with a full send queue are skipped rather than blocking
// the hub.
func (h *Hub) broadcast(from *Client, frame *Frame) {
	for member := range h.rooms[from.Room] {
		if member == from {
			continue
		}
		member.trySend(frame)
	}
}
