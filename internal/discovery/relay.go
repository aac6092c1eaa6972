package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"

	"github.com/posix4e/bar123-sub002/internal/relay"
	"github.com/posix4e/bar123-sub002/internal/roomcrypto"
)

const (
	relayHeartbeat      = 30 * time.Second
	relayReconnectDelay = 5 * time.Second
	relayConnectTimeout = 10 * time.Second
	relayWriteWait      = 10 * time.Second
	relayPongWait       = 90 * time.Second
	relayMaxMessage     = 64 * 1024
)

// RelayConfig configures a RelayStrategy.
type RelayConfig struct {
	// URL is the relay websocket endpoint, e.g. wss://host/ws.
	URL    string
	RoomID string
	Secret string
	Self   PeerInfo
	Clock  clock.Clock
}

// RelayStrategy discovers peers through a rendezvous relay. The relay only
// routes opaque envelopes within a room; peers authenticate each other
// with HMAC tags under the room key, and envelopes failing verification
// are dropped as noise. The socket is kept alive with heartbeats and
// redialed with a fixed backoff after unexpected closes.
type RelayStrategy struct {
	cfg     RelayConfig
	key     []byte
	roomTag string
	events  *Events

	mu      sync.Mutex
	started bool
	done    chan struct{}
	conn    *websocket.Conn
	peers   map[string]PeerInfo

	// outgoing belongs to the current connection's write pump; nil while
	// disconnected, so frames are refused instead of queued into a pump
	// that can no longer deliver them.
	outgoing chan relay.Frame
}

// relayPayload is the authenticated content of an envelope frame. The
// auth tag is computed over these exact serialized bytes, so producers
// and verifiers must agree on the encoding byte for byte.
type relayPayload struct {
	Kind   string            `json:"kind"` // "announce" | "signal"
	From   string            `json:"from"`
	Info   *PeerInfo         `json:"info,omitempty"`
	Signal *SignalingMessage `json:"signal,omitempty"`
}

// NewRelayStrategy creates a relay-backed discovery strategy.
func NewRelayStrategy(cfg RelayConfig) *RelayStrategy {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &RelayStrategy{
		cfg:     cfg,
		key:     roomcrypto.DeriveKey(cfg.Secret, cfg.RoomID),
		roomTag: roomcrypto.RoomTag(cfg.RoomID),
		events:  newEvents(),
	}
}

func (s *RelayStrategy) Events() *Events {
	return s.events
}

// Start dials the relay and joins the room. A connection that cannot be
// established within the connect timeout fails Start, which lets the
// manager advance its fallback chain. Start on a running strategy is a
// no-op.
func (s *RelayStrategy) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	conn, err := s.dial(ctx)
	if err != nil {
		return newError("connect to relay", err)
	}

	s.started = true
	s.done = make(chan struct{})
	s.conn = conn
	s.peers = make(map[string]PeerInfo)
	s.outgoing = make(chan relay.Frame, 64)

	go s.readPump(conn, s.done)
	go s.writePump(conn, s.outgoing, s.done)

	s.announceLocked()
	return nil
}

func (s *RelayStrategy) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("room", s.roomTag)
	q.Set("peer", s.cfg.Self.ID)
	u.RawQuery = q.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, relayConnectTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: relayConnectTimeout}
	conn, _, err := dialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		return nil, err
	}

	conn.SetReadLimit(relayMaxMessage)
	conn.SetReadDeadline(time.Now().Add(relayPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(relayPongWait))
		return nil
	})
	return conn, nil
}

// Stop is idempotent. It closes the socket, cancels the heartbeat and any
// scheduled reconnect, and discards peer state. Reads completing after
// Stop are ignored.
func (s *RelayStrategy) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.started = false
	close(s.done)
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.outgoing = nil
	s.peers = nil
}

// Send ferries a signaling message to a peer through the relay.
func (s *RelayStrategy) Send(peerID string, msg SignalingMessage) error {
	msg.From = s.cfg.Self.ID
	msg.To = peerID

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return ErrNotStarted
	}
	return s.enqueueLocked(relayPayload{Kind: "signal", From: s.cfg.Self.ID, Signal: &msg})
}

// announceLocked queues an authenticated announce envelope. Callers hold mu.
func (s *RelayStrategy) announceLocked() {
	info := s.cfg.Self
	info.LastSeen = s.cfg.Clock.Now()
	if err := s.enqueueLocked(relayPayload{Kind: "announce", From: info.ID, Info: &info}); err != nil {
		slog.Debug("relay announce dropped", "error", err)
	}
}

func (s *RelayStrategy) enqueueLocked(payload relayPayload) error {
	if s.outgoing == nil {
		return newError("send to relay", errors.New("reconnecting"))
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return newError("encode envelope", err)
	}
	frame := relay.Frame{
		Type:    relay.FrameEnvelope,
		Payload: string(raw),
		AuthTag: roomcrypto.AuthTag(s.key, raw),
	}
	select {
	case s.outgoing <- frame:
		return nil
	case <-s.done:
		return ErrNotStarted
	}
}

func (s *RelayStrategy) readPump(conn *websocket.Conn, done chan struct{}) {
	defer conn.Close()

	for {
		var frame relay.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			s.handleDisconnect(conn, done)
			return
		}

		switch frame.Type {
		case relay.FramePeerJoined:
			// Someone arrived; introduce ourselves. Identity comes from
			// their authenticated announce, not from this hint.
			s.mu.Lock()
			if s.started {
				s.announceLocked()
			}
			s.mu.Unlock()

		case relay.FramePeerLeft:
			s.dropPeer(frame.Peer, done)

		case relay.FrameEnvelope:
			s.handleEnvelope(frame, done)

		case relay.FrameError:
			s.events.sendError(done, newError("relay", errors.New(frame.Error)))
		}
	}
}

func (s *RelayStrategy) writePump(conn *websocket.Conn, outgoing chan relay.Frame, done chan struct{}) {
	ticker := s.cfg.Clock.Ticker(relayHeartbeat)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case frame := <-outgoing:
			conn.SetWriteDeadline(time.Now().Add(relayWriteWait))
			if err := conn.WriteJSON(frame); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(relayWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-done:
			conn.SetWriteDeadline(time.Now().Add(relayWriteWait))
			conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// handleEnvelope verifies and dispatches one envelope. Envelopes that fail
// authentication belong to another room or an impostor; they are dropped
// silently rather than surfaced as errors.
func (s *RelayStrategy) handleEnvelope(frame relay.Frame, done chan struct{}) {
	raw := []byte(frame.Payload)
	if !roomcrypto.VerifyTag(s.key, raw, frame.AuthTag) {
		slog.Debug("dropping envelope with bad auth tag", "peer", frame.Peer)
		return
	}

	var payload relayPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		slog.Debug("dropping malformed envelope", "peer", frame.Peer, "error", err)
		return
	}

	switch payload.Kind {
	case "announce":
		if payload.Info == nil || payload.Info.ID == s.cfg.Self.ID {
			return
		}
		s.mu.Lock()
		if !s.started {
			s.mu.Unlock()
			return
		}
		_, known := s.peers[payload.Info.ID]
		s.peers[payload.Info.ID] = *payload.Info
		if !known {
			// Announce back so a newcomer learns us exactly once.
			s.announceLocked()
		}
		s.mu.Unlock()
		if !known {
			s.events.peerDiscovered(done, *payload.Info)
		}

	case "signal":
		sig := payload.Signal
		if sig == nil || (sig.To != "" && sig.To != s.cfg.Self.ID) {
			return
		}
		if sig.Type == SignalLeave {
			s.dropPeer(sig.From, done)
			return
		}
		s.events.signal(done, sig.From, *sig)
	}
}

func (s *RelayStrategy) dropPeer(peerID string, done chan struct{}) {
	s.mu.Lock()
	_, known := s.peers[peerID]
	if known {
		delete(s.peers, peerID)
	}
	s.mu.Unlock()
	if known {
		s.events.peerLost(done, peerID)
	}
}

// handleDisconnect reacts to a socket failure: peer state is cleared and
// the relay is redialed after a fixed backoff, forever, until Stop. A
// disconnect noticed by a superseded connection's reader is ignored.
func (s *RelayStrategy) handleDisconnect(conn *websocket.Conn, done chan struct{}) {
	s.mu.Lock()
	if !s.started || s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.outgoing = nil
	lost := make([]string, 0, len(s.peers))
	for id := range s.peers {
		lost = append(lost, id)
	}
	s.peers = make(map[string]PeerInfo)
	s.mu.Unlock()

	for _, id := range lost {
		s.events.peerLost(done, id)
	}

	go s.reconnectLoop(done)
}

func (s *RelayStrategy) reconnectLoop(done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-s.cfg.Clock.After(relayReconnectDelay):
		}

		conn, err := s.dial(context.Background())

		s.mu.Lock()
		if !s.started {
			// Torn down while dialing; the result is stale.
			s.mu.Unlock()
			if conn != nil {
				conn.Close()
			}
			return
		}
		if err != nil {
			s.mu.Unlock()
			slog.Warn("relay reconnect failed", "error", err)
			continue
		}
		s.conn = conn
		s.outgoing = make(chan relay.Frame, 64)
		go s.readPump(conn, done)
		go s.writePump(conn, s.outgoing, done)
		s.announceLocked()
		s.mu.Unlock()
		return
	}
}
