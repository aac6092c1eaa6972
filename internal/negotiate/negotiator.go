// Package negotiate drives WebRTC offer/answer/candidate exchange for
// discovered peers, independent of which discovery strategy carries the
// signaling messages.
package negotiate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/posix4e/bar123-sub002/internal/discovery"
)

// State tracks one peer's progress through negotiation.
type State int

const (
	StateDiscovered State = iota
	StateOfferSent
	StateOfferReceived
	StateAnswered
	StateConnected
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateOfferSent:
		return "offer-sent"
	case StateOfferReceived:
		return "offer-received"
	case StateAnswered:
		return "answered"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) terminal() bool { return s == StateClosed || s == StateFailed }

// DataChannel is the byte pipe handed to the caller once a peer reaches
// StateConnected.
type DataChannel interface {
	Label() string
	Send(data []byte) error
	OnMessage(fn func(data []byte))
	Close() error
}

// LinkHooks are invoked by a PeerLink as its underlying connection makes
// progress. Hooks may be called from the transport's own goroutines.
type LinkHooks struct {
	OnCandidate func(candidate json.RawMessage)
	OnOpen      func(dc DataChannel)
	OnFailure   func(err error)
}

// PeerLink is one peer connection attempt. The negotiator speaks to the
// transport only through this interface.
type PeerLink interface {
	// Offer creates the local data channel and returns the local offer SDP.
	Offer(ctx context.Context) (string, error)
	// Answer applies a remote offer and returns the local answer SDP.
	Answer(ctx context.Context, offerSDP string) (string, error)
	// AcceptAnswer applies the remote answer to a link created via Offer.
	AcceptAnswer(answerSDP string) error
	// AddCandidate applies a remote ICE candidate. The remote description
	// must already be set.
	AddCandidate(candidate json.RawMessage) error
	Close() error
}

// LinkFactory builds a fresh link wired to the given hooks.
type LinkFactory func(hooks LinkHooks) (PeerLink, error)

// DefaultConnectTimeout bounds how long a peer may sit between the first
// offer and an open data channel before the attempt is failed.
const DefaultConnectTimeout = 10 * time.Second

// Config wires a Negotiator to its collaborators.
type Config struct {
	LocalID string

	// Send delivers a signaling message to a peer through the active
	// discovery strategy.
	Send func(peerID string, msg discovery.SignalingMessage) error

	Links          LinkFactory
	Clock          clock.Clock
	ConnectTimeout time.Duration

	// OnChannel receives the open data channel for each connected peer.
	OnChannel func(peerID string, dc DataChannel)
}

type peer struct {
	state     State
	link      PeerLink
	remoteSet bool
	// Candidates that arrived before the remote description. Replayed in
	// arrival order once it is applied.
	pending []json.RawMessage
	timer   *clock.Timer
}

// Negotiator runs one state machine per peer id. All transitions happen
// under a single lock, so signals arriving from multiple strategies or
// transport goroutines serialize cleanly.
type Negotiator struct {
	cfg Config

	mu    sync.Mutex
	peers map[string]*peer
}

func NewNegotiator(cfg Config) *Negotiator {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	return &Negotiator{
		cfg:   cfg,
		peers: make(map[string]*peer),
	}
}

// PeerState reports the current state for a peer id.
func (n *Negotiator) PeerState(peerID string) (State, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	p, ok := n.peers[peerID]
	if !ok {
		return 0, false
	}
	return p.state, true
}

// Connect starts an outbound attempt: create a link, send our offer and
// wait for the answer to arrive via HandleSignal. A peer already past
// StateDiscovered is left alone.
func (n *Negotiator) Connect(ctx context.Context, peerID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if p, ok := n.peers[peerID]; ok && !p.state.terminal() && p.state != StateDiscovered {
		return nil
	}

	p, err := n.newPeerLocked(peerID)
	if err != nil {
		return err
	}

	sdp, err := p.link.Offer(ctx)
	if err != nil {
		n.failLocked(peerID, p, err)
		return fmt.Errorf("create offer for %s: %w", peerID, err)
	}
	if err := n.cfg.Send(peerID, discovery.SignalingMessage{Type: discovery.SignalOffer, SDP: sdp}); err != nil {
		n.failLocked(peerID, p, err)
		return fmt.Errorf("send offer to %s: %w", peerID, err)
	}

	p.state = StateOfferSent
	n.armTimeoutLocked(peerID, p)
	return nil
}

// HandleSignal feeds an inbound signaling message into the peer's state
// machine.
func (n *Negotiator) HandleSignal(ctx context.Context, ev discovery.SignalEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch ev.Message.Type {
	case discovery.SignalOffer:
		return n.handleOfferLocked(ctx, ev.From, ev.Message.SDP)
	case discovery.SignalAnswer:
		return n.handleAnswerLocked(ev.From, ev.Message.SDP)
	case discovery.SignalCandidate:
		return n.handleCandidateLocked(ev.From, ev.Message.Candidate)
	case discovery.SignalLeave:
		n.closeLocked(ev.From, StateClosed)
		return nil
	default:
		return fmt.Errorf("signal from %s: unknown type %q", ev.From, ev.Message.Type)
	}
}

func (n *Negotiator) handleOfferLocked(ctx context.Context, from, sdp string) error {
	if p, ok := n.peers[from]; ok && p.state == StateOfferSent {
		// Glare: both sides offered at once. The offer from the id that
		// sorts greater wins; the smaller side rolls back its own attempt
		// and answers, the greater side ignores the crossing offer.
		if n.cfg.LocalID > from {
			slog.Debug("ignoring crossing offer", "peer", from)
			return nil
		}
		slog.Debug("rolling back local offer", "peer", from)
		n.releaseLocked(p)
	}

	p, err := n.newPeerLocked(from)
	if err != nil {
		return err
	}
	p.state = StateOfferReceived

	answer, err := p.link.Answer(ctx, sdp)
	if err != nil {
		n.failLocked(from, p, err)
		return fmt.Errorf("answer offer from %s: %w", from, err)
	}
	p.remoteSet = true
	n.flushCandidatesLocked(from, p)

	if err := n.cfg.Send(from, discovery.SignalingMessage{Type: discovery.SignalAnswer, SDP: answer}); err != nil {
		n.failLocked(from, p, err)
		return fmt.Errorf("send answer to %s: %w", from, err)
	}

	p.state = StateAnswered
	n.armTimeoutLocked(from, p)
	return nil
}

func (n *Negotiator) handleAnswerLocked(from, sdp string) error {
	p, ok := n.peers[from]
	if !ok || p.state != StateOfferSent {
		return fmt.Errorf("answer from %s: no offer outstanding", from)
	}
	if err := p.link.AcceptAnswer(sdp); err != nil {
		n.failLocked(from, p, err)
		return fmt.Errorf("accept answer from %s: %w", from, err)
	}
	p.remoteSet = true
	p.state = StateAnswered
	n.flushCandidatesLocked(from, p)
	return nil
}

func (n *Negotiator) handleCandidateLocked(from string, candidate json.RawMessage) error {
	p, ok := n.peers[from]
	if !ok || p.state.terminal() {
		// Candidates can outrun the offer; park them until a link exists.
		p = &peer{state: StateDiscovered}
		n.peers[from] = p
	}
	if !p.remoteSet {
		p.pending = append(p.pending, candidate)
		return nil
	}
	if err := p.link.AddCandidate(candidate); err != nil {
		return fmt.Errorf("candidate from %s: %w", from, err)
	}
	return nil
}

// ClosePeer gracefully tears down one peer.
func (n *Negotiator) ClosePeer(peerID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closeLocked(peerID, StateClosed)
}

// Close tears down every peer, telling each live one we are leaving so
// removal on their side is immediate instead of waiting for a staleness
// timeout. The negotiator stays usable for new peers.
func (n *Negotiator) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for id, p := range n.peers {
		if !p.state.terminal() {
			if err := n.cfg.Send(id, discovery.SignalingMessage{Type: discovery.SignalLeave}); err != nil {
				slog.Debug("leave not delivered", "peer", id, "error", err)
			}
		}
		n.closeLocked(id, StateClosed)
	}
}

// newPeerLocked builds a fresh link for the peer, carrying over any parked
// candidates from a previous placeholder entry.
func (n *Negotiator) newPeerLocked(peerID string) (*peer, error) {
	var pending []json.RawMessage
	if prev, ok := n.peers[peerID]; ok {
		pending = prev.pending
		n.releaseLocked(prev)
	}

	p := &peer{state: StateDiscovered, pending: pending}
	link, err := n.cfg.Links(LinkHooks{
		OnCandidate: func(candidate json.RawMessage) {
			n.sendCandidate(peerID, p, candidate)
		},
		OnOpen: func(dc DataChannel) {
			n.channelOpened(peerID, p, dc)
		},
		OnFailure: func(err error) {
			n.linkFailed(peerID, p, err)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create link for %s: %w", peerID, err)
	}
	p.link = link
	n.peers[peerID] = p
	return p, nil
}

func (n *Negotiator) sendCandidate(peerID string, p *peer, candidate json.RawMessage) {
	n.mu.Lock()
	stale := n.peers[peerID] != p || p.state.terminal()
	n.mu.Unlock()
	if stale {
		return
	}
	msg := discovery.SignalingMessage{Type: discovery.SignalCandidate, Candidate: candidate}
	if err := n.cfg.Send(peerID, msg); err != nil {
		slog.Warn("failed to send candidate", "peer", peerID, "error", err)
	}
}

func (n *Negotiator) channelOpened(peerID string, p *peer, dc DataChannel) {
	n.mu.Lock()
	if n.peers[peerID] != p || p.state.terminal() {
		n.mu.Unlock()
		_ = dc.Close()
		return
	}
	p.state = StateConnected
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	n.mu.Unlock()

	slog.Info("peer connected", "peer", peerID, "channel", dc.Label())
	if n.cfg.OnChannel != nil {
		n.cfg.OnChannel(peerID, dc)
	}
}

func (n *Negotiator) linkFailed(peerID string, p *peer, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.peers[peerID] != p || p.state.terminal() {
		return
	}
	slog.Warn("peer link failed", "peer", peerID, "error", err)
	n.failLocked(peerID, p, err)
}

func (n *Negotiator) flushCandidatesLocked(peerID string, p *peer) {
	for _, candidate := range p.pending {
		if err := p.link.AddCandidate(candidate); err != nil {
			slog.Warn("failed to apply queued candidate", "peer", peerID, "error", err)
		}
	}
	p.pending = nil
}

func (n *Negotiator) armTimeoutLocked(peerID string, p *peer) {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = n.cfg.Clock.AfterFunc(n.cfg.ConnectTimeout, func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if n.peers[peerID] != p || p.state.terminal() || p.state == StateConnected {
			return
		}
		slog.Warn("negotiation timed out", "peer", peerID, "state", p.state)
		n.failLocked(peerID, p, errors.New("negotiation timed out"))
	})
}

func (n *Negotiator) closeLocked(peerID string, final State) {
	p, ok := n.peers[peerID]
	if !ok {
		return
	}
	n.releaseLocked(p)
	p.state = final
}

func (n *Negotiator) failLocked(peerID string, p *peer, err error) {
	if n.peers[peerID] != p {
		return
	}
	n.releaseLocked(p)
	p.state = StateFailed
}

// releaseLocked frees a peer's resources without touching its state.
func (n *Negotiator) releaseLocked(p *peer) {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if p.link != nil {
		_ = p.link.Close()
		p.link = nil
	}
	p.remoteSet = false
}
