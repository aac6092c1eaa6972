package history

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/posix4e/bar123-sub002/internal/negotiate"
)

// Data channel message types.
const (
	MsgHistoryBatch = "history-batch"
	MsgBatchAck     = "batch-ack"
)

// Message frames all data channel traffic.
type Message struct {
	Type    string             `msgpack:"type"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// DecodePayload decodes the message payload into the provided struct.
func (m Message) DecodePayload(v any) error {
	return msgpack.Unmarshal(m.Payload, v)
}

// NewMessage creates a new Message with the given type and payload.
func NewMessage(t string, payload any) (Message, error) {
	b, err := msgpack.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: t, Payload: b}, nil
}

// BatchPayload carries one batch of history entries.
type BatchPayload struct {
	DeviceID string    `msgpack:"deviceId"`
	SentAt   time.Time `msgpack:"sentAt"`
	Entries  []Entry   `msgpack:"entries"`
}

// AckPayload confirms a batch was merged. UpTo echoes the latest visit
// time in the batch so the sender can advance its cursor.
type AckPayload struct {
	DeviceID string    `msgpack:"deviceId"`
	Applied  int       `msgpack:"applied"`
	UpTo     time.Time `msgpack:"upTo"`
}

// Syncer exchanges history batches with connected peers over their data
// channels. Each side pushes everything past its last-sync cursor when a
// channel attaches, then merges whatever arrives.
type Syncer struct {
	store      Store
	reconciler *Reconciler
	deviceID   string
	clock      clock.Clock

	mu        sync.Mutex
	channels  map[string]negotiate.DataChannel
	onApplied func(peerID string, applied int)
}

func NewSyncer(store Store, deviceID string, clk clock.Clock) *Syncer {
	if clk == nil {
		clk = clock.New()
	}
	return &Syncer{
		store:      store,
		reconciler: NewReconciler(store),
		deviceID:   deviceID,
		clock:      clk,
		channels:   make(map[string]negotiate.DataChannel),
	}
}

// SetOnApplied registers a callback invoked whenever a peer's batch
// changed the store, with the number of entries that took effect. It runs
// on the channel's delivery goroutine, after the ack went out.
func (s *Syncer) SetOnApplied(fn func(peerID string, applied int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onApplied = fn
}

// Attach wires a freshly opened data channel: inbound messages are
// handled, and the local backlog past the cursor is pushed immediately.
func (s *Syncer) Attach(ctx context.Context, peerID string, dc negotiate.DataChannel) error {
	s.mu.Lock()
	s.channels[peerID] = dc
	s.mu.Unlock()

	dc.OnMessage(func(data []byte) {
		if err := s.handle(ctx, peerID, data); err != nil {
			slog.Warn("failed to handle sync message", "peer", peerID, "error", err)
		}
	})

	return s.Push(ctx, peerID)
}

// Detach forgets a peer's channel, e.g. after the peer is lost.
func (s *Syncer) Detach(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, peerID)
}

// Push sends every entry past the last-sync cursor to one peer.
func (s *Syncer) Push(ctx context.Context, peerID string) error {
	s.mu.Lock()
	dc, ok := s.channels[peerID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("push to %s: no channel attached", peerID)
	}

	cursor, err := s.store.Cursor(ctx)
	if err != nil {
		return err
	}
	entries, err := s.store.Since(ctx, cursor)
	if err != nil {
		return err
	}

	return s.send(dc, MsgHistoryBatch, BatchPayload{
		DeviceID: s.deviceID,
		SentAt:   s.clock.Now(),
		Entries:  entries,
	})
}

// Broadcast pushes the backlog to every attached peer.
func (s *Syncer) Broadcast(ctx context.Context) {
	s.mu.Lock()
	peers := make([]string, 0, len(s.channels))
	for id := range s.channels {
		peers = append(peers, id)
	}
	s.mu.Unlock()

	for _, id := range peers {
		if err := s.Push(ctx, id); err != nil {
			slog.Warn("failed to push history", "peer", id, "error", err)
		}
	}
}

func (s *Syncer) handle(ctx context.Context, peerID string, data []byte) error {
	var msg Message
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}

	switch msg.Type {
	case MsgHistoryBatch:
		var batch BatchPayload
		if err := msg.DecodePayload(&batch); err != nil {
			return fmt.Errorf("decode batch: %w", err)
		}
		applied, err := s.reconciler.Apply(ctx, batch.Entries)
		if err != nil {
			return fmt.Errorf("merge batch: %w", err)
		}
		slog.Debug("merged history batch",
			"peer", peerID, "device", batch.DeviceID, "entries", len(batch.Entries), "applied", applied)

		var upTo time.Time
		for _, entry := range batch.Entries {
			if entry.VisitTime.After(upTo) {
				upTo = entry.VisitTime
			}
		}

		s.mu.Lock()
		dc, ok := s.channels[peerID]
		cb := s.onApplied
		s.mu.Unlock()
		if ok {
			if err := s.send(dc, MsgBatchAck, AckPayload{DeviceID: s.deviceID, Applied: applied, UpTo: upTo}); err != nil {
				return err
			}
		}
		if applied > 0 && cb != nil {
			cb(peerID, applied)
		}
		return nil

	case MsgBatchAck:
		var ack AckPayload
		if err := msg.DecodePayload(&ack); err != nil {
			return fmt.Errorf("decode ack: %w", err)
		}
		slog.Debug("history batch acknowledged", "peer", peerID, "applied", ack.Applied)
		if ack.UpTo.IsZero() {
			return nil
		}
		cursor, err := s.store.Cursor(ctx)
		if err != nil {
			return err
		}
		if ack.UpTo.After(cursor) {
			return s.store.SetCursor(ctx, ack.UpTo)
		}
		return nil

	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
}

func (s *Syncer) send(dc negotiate.DataChannel, t string, payload any) error {
	msg, err := NewMessage(t, payload)
	if err != nil {
		return err
	}
	raw, err := encodeFrame(msg)
	if err != nil {
		return err
	}
	return dc.Send(raw)
}

func encodeFrame(msg Message) ([]byte, error) {
	return msgpack.Marshal(msg)
}
