package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/posix4e/bar123-sub002/internal/record"
	"github.com/posix4e/bar123-sub002/internal/roomcrypto"
)

const (
	rendezvousPollInterval = 5 * time.Second
	rendezvousRecordTTL    = 30 * time.Second
	rendezvousMessageTTL   = 60 * time.Second

	// A peer whose announcement has not been refreshed within this window
	// is presumed gone. Twice the record TTL tolerates one missed refresh.
	rendezvousStaleness = 60 * time.Second
)

// RendezvousConfig configures a RendezvousStrategy.
type RendezvousConfig struct {
	RoomID string
	Secret string
	Self   PeerInfo
	Store  record.Store
	Clock  clock.Clock

	// Sealed selects the encrypted variant: record content is encrypted
	// under the room key and record names are obfuscated. The cleartext
	// variant is a legacy/debug mode; device names and signaling data are
	// visible to anyone who can list the store.
	Sealed bool
}

// RendezvousStrategy discovers peers through an externally hosted keyed
// record store with TTLs, polling on a fixed interval. Each peer upserts
// one announcement record under a deterministic name and addresses
// signaling messages to other peers as one-shot records that the consumer
// deletes after pickup.
type RendezvousStrategy struct {
	cfg     RendezvousConfig
	codec   *record.Codec
	prefix  string
	selfTag string
	events  *Events

	mu      sync.Mutex
	started bool
	done    chan struct{}

	// seen maps peer id to the last poll time its announcement was live.
	seen map[string]time.Time
}

// NewRendezvousStrategy creates a record-store-backed discovery strategy.
func NewRendezvousStrategy(cfg RendezvousConfig) *RendezvousStrategy {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	s := &RendezvousStrategy{
		cfg:    cfg,
		events: newEvents(),
	}
	if cfg.Sealed {
		s.codec = record.NewSealedCodec(roomcrypto.DeriveKey(cfg.Secret, cfg.RoomID))
		s.prefix = roomcrypto.RoomTag(cfg.RoomID)
		s.selfTag = roomcrypto.PeerTag(cfg.Self.ID)
	} else {
		s.codec = record.NewLegacyCodec()
		s.prefix = cfg.RoomID
		s.selfTag = cfg.Self.ID
	}
	return s
}

func (s *RendezvousStrategy) Events() *Events {
	return s.events
}

// Start announces this peer and begins the poll loop. The initial
// announcement is done synchronously so a store that rejects writes fails
// Start and advances the manager's fallback chain.
func (s *RendezvousStrategy) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.done = make(chan struct{})
	s.seen = make(map[string]time.Time)
	done := s.done
	s.mu.Unlock()

	if err := s.announce(ctx); err != nil {
		s.Stop()
		return newError("announce to record store", err)
	}

	go s.pollLoop(done)
	return nil
}

// Stop is idempotent. It cancels the poll timer and removes this peer's
// announcement record; message records addressed to us simply expire.
func (s *RendezvousStrategy) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.done)
	s.seen = nil
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.cfg.Store.Delete(ctx, s.announceName()); err != nil {
		slog.Debug("announce cleanup failed", "error", err)
	}
}

// Send writes a one-shot message record addressed to peerID. The receiver
// deletes it after successful consumption; otherwise it expires.
func (s *RendezvousStrategy) Send(peerID string, msg SignalingMessage) error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return ErrNotStarted
	}

	msg.From = s.cfg.Self.ID
	msg.To = peerID

	raw, err := json.Marshal(msg)
	if err != nil {
		return newError("encode signaling message", err)
	}
	content, err := s.codec.Encode(raw)
	if err != nil {
		return newError("encode signaling message", err)
	}

	name := fmt.Sprintf("%s.msg.%s.%s.%d",
		s.prefix, s.tag(peerID), s.selfTag, s.cfg.Clock.Now().UnixNano())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.cfg.Store.Put(ctx, record.Record{
		Name:    name,
		Content: content,
		TTL:     rendezvousMessageTTL,
	}); err != nil {
		return newError("write message record", err)
	}
	return nil
}

func (s *RendezvousStrategy) tag(peerID string) string {
	if s.cfg.Sealed {
		return roomcrypto.PeerTag(peerID)
	}
	return peerID
}

func (s *RendezvousStrategy) announceName() string {
	return fmt.Sprintf("%s.peer.%s", s.prefix, s.selfTag)
}

// announce upserts this peer's announcement record, refreshing its TTL.
func (s *RendezvousStrategy) announce(ctx context.Context) error {
	info := s.cfg.Self
	info.LastSeen = s.cfg.Clock.Now()

	raw, err := json.Marshal(info)
	if err != nil {
		return err
	}
	content, err := s.codec.Encode(raw)
	if err != nil {
		return err
	}
	return s.cfg.Store.Put(ctx, record.Record{
		Name:    s.announceName(),
		Content: content,
		TTL:     rendezvousRecordTTL,
	})
}

func (s *RendezvousStrategy) pollLoop(done chan struct{}) {
	ticker := s.cfg.Clock.Ticker(rendezvousPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), rendezvousPollInterval)
		// A failed cycle is retried on the next tick, never escalated.
		if err := s.announce(ctx); err != nil {
			slog.Warn("rendezvous announce failed", "error", err)
		}
		if err := s.poll(ctx, done); err != nil {
			slog.Warn("rendezvous poll failed", "error", err)
		}
		cancel()
	}
}

// poll scans the room's records once: new announcements become
// peerDiscovered, message records addressed to us are consumed in
// timestamp order per sender, and peers missing beyond the staleness
// window become peerLost.
func (s *RendezvousStrategy) poll(ctx context.Context, done chan struct{}) error {
	recs, err := s.cfg.Store.List(ctx, s.prefix+".")
	if err != nil {
		return err
	}

	now := s.cfg.Clock.Now()
	var inbound []inboundRecord

	for _, rec := range recs {
		rest := strings.TrimPrefix(rec.Name, s.prefix+".")
		switch {
		case strings.HasPrefix(rest, "peer."):
			s.handleAnnouncement(rec, now, done)
		case strings.HasPrefix(rest, "msg."):
			if in, ok := s.parseMessage(rest, rec); ok {
				inbound = append(inbound, in)
			}
		}
	}

	// Arrival order per sender is the record timestamp order.
	sort.Slice(inbound, func(i, j int) bool { return inbound[i].ts < inbound[j].ts })
	for _, in := range inbound {
		s.events.signal(done, in.msg.From, in.msg)
		if err := s.cfg.Store.Delete(ctx, in.name); err != nil {
			slog.Debug("message record cleanup failed", "name", in.name, "error", err)
		}
	}

	s.expireStale(now, done)
	return nil
}

func (s *RendezvousStrategy) handleAnnouncement(rec record.Record, now time.Time, done chan struct{}) {
	tag := strings.TrimPrefix(strings.TrimPrefix(rec.Name, s.prefix+"."), "peer.")
	if tag == s.selfTag {
		return
	}

	raw, err := s.codec.Decode(rec.Content)
	if err != nil {
		// Sealed mode: a record that does not decrypt under our key
		// belongs to a different room sharing the store. Not an error.
		if !errors.Is(err, roomcrypto.ErrDecryptFailed) {
			slog.Debug("skipping undecodable announcement", "name", rec.Name, "error", err)
		}
		return
	}

	var info PeerInfo
	if err := json.Unmarshal(raw, &info); err != nil || info.ID == "" {
		slog.Debug("skipping malformed announcement", "name", rec.Name)
		return
	}
	if info.ID == s.cfg.Self.ID {
		return
	}
	// Announcements older than the staleness window can linger in stores
	// without native TTL support; ignore them.
	if !info.LastSeen.IsZero() && now.Sub(info.LastSeen) > rendezvousStaleness {
		return
	}

	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	_, known := s.seen[info.ID]
	s.seen[info.ID] = now
	s.mu.Unlock()

	if !known {
		s.events.peerDiscovered(done, info)
	}
}

type inboundRecord struct {
	name string
	ts   int64
	msg  SignalingMessage
}

// parseMessage decodes a message record if it is addressed to us.
// Record name layout: <prefix>.msg.<toTag>.<fromTag>.<unixnano>.
func (s *RendezvousStrategy) parseMessage(rest string, rec record.Record) (inboundRecord, bool) {
	parts := strings.Split(strings.TrimPrefix(rest, "msg."), ".")
	if len(parts) != 3 || parts[0] != s.selfTag {
		return inboundRecord{}, false
	}
	ts, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return inboundRecord{}, false
	}

	raw, err := s.codec.Decode(rec.Content)
	if err != nil {
		if !errors.Is(err, roomcrypto.ErrDecryptFailed) {
			slog.Debug("skipping undecodable message record", "name", rec.Name, "error", err)
		}
		return inboundRecord{}, false
	}

	var msg SignalingMessage
	if err := json.Unmarshal(raw, &msg); err != nil || msg.From == "" {
		slog.Debug("skipping malformed message record", "name", rec.Name)
		return inboundRecord{}, false
	}
	return inboundRecord{name: rec.Name, ts: ts, msg: msg}, true
}

func (s *RendezvousStrategy) expireStale(now time.Time, done chan struct{}) {
	s.mu.Lock()
	var lost []string
	for id, last := range s.seen {
		if now.Sub(last) > rendezvousStaleness {
			delete(s.seen, id)
			lost = append(lost, id)
		}
	}
	s.mu.Unlock()

	for _, id := range lost {
		s.events.peerLost(done, id)
	}
}
