package discovery

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	pion "github.com/pion/webrtc/v4"
)

const (
	// OfferTTL is embedded in every ConnectionOffer. Expired codes are
	// rejected, never silently accepted.
	OfferTTL = 5 * time.Minute

	offerProtocolVersion = 1

	// ICE gathering is raced against this timeout so a slow network
	// cannot block code creation indefinitely.
	iceGatherTimeout = 3 * time.Second

	// manualResponseTimeout bounds the wait for the data channel to open
	// after a response is processed.
	manualResponseTimeout = 30 * time.Second
)

// ConnectionOffer is the payload behind a pairing code. Immutable once
// created and consumable exactly once.
type ConnectionOffer struct {
	ProtocolVersion int       `json:"protocolVersion"`
	PeerID          string    `json:"peerId"`
	PeerName        string    `json:"peerName"`
	SDP             string    `json:"sdp"`
	ICECandidates   []string  `json:"iceCandidates"`
	CreatedAt       time.Time `json:"createdAt"`
	ExpiresAt       time.Time `json:"expiresAt"`
}

// ConnectionResponse answers a ConnectionOffer. Same schema, same
// single-use and expiry rules.
type ConnectionResponse = ConnectionOffer

// Encode serializes the offer as URL-safe base64 of its JSON form, the
// shape users copy between devices.
func (o ConnectionOffer) Encode() (string, error) {
	raw, err := json.Marshal(o)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeOffer parses an encoded offer or response without validating it.
func DecodeOffer(encoded string) (ConnectionOffer, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return ConnectionOffer{}, wrapError("decode pairing code", err, "not base64")
	}
	var offer ConnectionOffer
	if err := json.Unmarshal(raw, &offer); err != nil {
		return ConnectionOffer{}, wrapError("decode pairing code", err, "not a connection offer")
	}
	return offer, nil
}

// validate checks schema and expiry against the given instant.
func (o ConnectionOffer) validate(now time.Time) error {
	if o.ProtocolVersion != offerProtocolVersion {
		return wrapError("validate pairing code", ErrNoPendingOffer,
			fmt.Sprintf("unsupported protocol version %d", o.ProtocolVersion))
	}
	if o.PeerID == "" || o.SDP == "" {
		return wrapError("validate pairing code", ErrNoPendingOffer, "missing peer id or sdp")
	}
	if now.After(o.ExpiresAt) {
		return ErrOfferExpired
	}
	return nil
}

// consumeKey identifies an offer for single-use accounting.
func (o ConnectionOffer) consumeKey() string {
	return fmt.Sprintf("%s/%d", o.PeerID, o.CreatedAt.UnixNano())
}

// ManualConfig configures a ManualStrategy.
type ManualConfig struct {
	Self       PeerInfo
	ICEServers []pion.ICEServer
	Clock      clock.Clock
}

// ManualStrategy pairs two peers through a human-mediated code exchange:
// one side creates an offer code, the other turns it into a response
// code, and the first side completes the connection from the response.
// No network rendezvous is involved, so Start never fails; this strategy
// is the terminal fallback.
type ManualStrategy struct {
	cfg    ManualConfig
	events *Events

	// onChannel receives the opened data channel; the manual strategy
	// negotiates its own connection rather than going through the
	// per-peer negotiator.
	onChannel func(peer PeerInfo, dc *pion.DataChannel)

	mu       sync.Mutex
	started  bool
	done     chan struct{}
	consumed map[string]bool
	session  *manualSession
}

// manualSession is the local negotiation context behind one pending offer.
type manualSession struct {
	pc     *pion.PeerConnection
	opened chan PeerInfo

	mu   sync.Mutex
	info PeerInfo
}

func (s *manualSession) peer(info PeerInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info = info
}

func (s *manualSession) peerInfo() PeerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// NewManualStrategy creates a manual pairing strategy.
func NewManualStrategy(cfg ManualConfig) *ManualStrategy {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &ManualStrategy{
		cfg:    cfg,
		events: newEvents(),
	}
}

func (s *ManualStrategy) Events() *Events {
	return s.events
}

// SetChannelHandler registers the callback invoked once a pairing
// completes and the data channel opens.
func (s *ManualStrategy) SetChannelHandler(fn func(peer PeerInfo, dc *pion.DataChannel)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChannel = fn
}

func (s *ManualStrategy) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true
	s.done = make(chan struct{})
	s.consumed = make(map[string]bool)
	return nil
}

// Stop tears down any pending negotiation context. Idempotent.
func (s *ManualStrategy) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.started = false
	close(s.done)
	s.closeSessionLocked()
}

func (s *ManualStrategy) closeSessionLocked() {
	if s.session != nil {
		s.session.pc.Close()
		s.session = nil
	}
}

// Send is unsupported: with manual pairing the humans are the signaling
// channel.
func (s *ManualStrategy) Send(string, SignalingMessage) error {
	return ErrManualTransport
}

// CreateOffer opens a local negotiation context, gathers ICE candidates
// for at most iceGatherTimeout, and returns the encoded offer code with
// the expiry embedded. Any previous pending offer is discarded.
func (s *ManualStrategy) CreateOffer(ctx context.Context) (string, error) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return "", ErrNotStarted
	}
	s.closeSessionLocked()
	s.mu.Unlock()

	pc, err := pion.NewPeerConnection(pion.Configuration{ICEServers: s.cfg.ICEServers})
	if err != nil {
		return "", newError("create peer connection", err)
	}

	session := &manualSession{pc: pc, opened: make(chan PeerInfo, 1)}

	candidates := s.collectCandidates(pc)

	ordered := true
	dc, err := pc.CreateDataChannel("sync", &pion.DataChannelInit{Ordered: &ordered})
	if err != nil {
		pc.Close()
		return "", newError("create data channel", err)
	}

	offerDesc, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return "", newError("create offer", err)
	}
	if err := pc.SetLocalDescription(offerDesc); err != nil {
		pc.Close()
		return "", newError("set local description", err)
	}

	gathered := s.waitForCandidates(ctx, pc, candidates)

	now := s.cfg.Clock.Now()
	offer := ConnectionOffer{
		ProtocolVersion: offerProtocolVersion,
		PeerID:          s.cfg.Self.ID,
		PeerName:        s.cfg.Self.DisplayName,
		SDP:             pc.LocalDescription().SDP,
		ICECandidates:   gathered,
		CreatedAt:       now,
		ExpiresAt:       now.Add(OfferTTL),
	}
	encoded, err := offer.Encode()
	if err != nil {
		pc.Close()
		return "", newError("encode offer", err)
	}

	s.watchChannel(session, dc)

	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		pc.Close()
		return "", ErrNotStarted
	}
	s.session = session
	s.mu.Unlock()
	return encoded, nil
}

// ProcessOffer validates a received offer code and produces the encoded
// response code. Expired offers fail with ErrOfferExpired; a code may be
// processed only once.
func (s *ManualStrategy) ProcessOffer(ctx context.Context, encoded string) (string, error) {
	offer, err := DecodeOffer(encoded)
	if err != nil {
		return "", err
	}
	if err := offer.validate(s.cfg.Clock.Now()); err != nil {
		return "", err
	}
	if err := s.markConsumed(offer); err != nil {
		return "", err
	}

	pc, err := pion.NewPeerConnection(pion.Configuration{ICEServers: s.cfg.ICEServers})
	if err != nil {
		return "", newError("create peer connection", err)
	}

	session := &manualSession{pc: pc, opened: make(chan PeerInfo, 1)}
	peer := PeerInfo{ID: offer.PeerID, DisplayName: offer.PeerName, DeviceType: "manual", LastSeen: s.cfg.Clock.Now()}

	pc.OnDataChannel(func(dc *pion.DataChannel) {
		s.channelOpened(session, peer, dc)
	})

	candidates := s.collectCandidates(pc)

	if err := pc.SetRemoteDescription(pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		pc.Close()
		return "", newError("set remote description", err)
	}
	for _, c := range offer.ICECandidates {
		if err := pc.AddICECandidate(pion.ICECandidateInit{Candidate: c}); err != nil {
			slog.Debug("skipping bad remote candidate", "error", err)
		}
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return "", newError("create answer", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return "", newError("set local description", err)
	}

	gathered := s.waitForCandidates(ctx, pc, candidates)

	now := s.cfg.Clock.Now()
	response := ConnectionResponse{
		ProtocolVersion: offerProtocolVersion,
		PeerID:          s.cfg.Self.ID,
		PeerName:        s.cfg.Self.DisplayName,
		SDP:             pc.LocalDescription().SDP,
		ICECandidates:   gathered,
		CreatedAt:       now,
		ExpiresAt:       now.Add(OfferTTL),
	}
	encodedResponse, err := response.Encode()
	if err != nil {
		pc.Close()
		return "", newError("encode response", err)
	}

	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		pc.Close()
		return "", ErrNotStarted
	}
	s.closeSessionLocked()
	s.session = session
	s.mu.Unlock()

	s.events.peerDiscovered(s.done, peer)
	return encodedResponse, nil
}

// ProcessResponse completes the pending local offer with a response code.
// It blocks until the data channel opens or fails with
// ErrConnectionTimeout after manualResponseTimeout.
func (s *ManualStrategy) ProcessResponse(ctx context.Context, encoded string) error {
	response, err := DecodeOffer(encoded)
	if err != nil {
		return err
	}
	if err := response.validate(s.cfg.Clock.Now()); err != nil {
		return err
	}
	if err := s.markConsumed(response); err != nil {
		return err
	}

	s.mu.Lock()
	session := s.session
	s.mu.Unlock()
	if session == nil {
		return ErrNoPendingOffer
	}

	peer := PeerInfo{ID: response.PeerID, DisplayName: response.PeerName, DeviceType: "manual", LastSeen: s.cfg.Clock.Now()}
	session.peer(peer)

	if err := session.pc.SetRemoteDescription(pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: response.SDP}); err != nil {
		return newError("set remote description", err)
	}
	for _, c := range response.ICECandidates {
		if err := session.pc.AddICECandidate(pion.ICECandidateInit{Candidate: c}); err != nil {
			slog.Debug("skipping bad remote candidate", "error", err)
		}
	}

	select {
	case info := <-session.opened:
		s.events.peerDiscovered(s.done, info)
		return nil
	case <-s.cfg.Clock.After(manualResponseTimeout):
		s.mu.Lock()
		s.closeSessionLocked()
		s.mu.Unlock()
		return ErrConnectionTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrNotStarted
	}
}

func (s *ManualStrategy) markConsumed(offer ConnectionOffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return ErrNotStarted
	}
	key := offer.consumeKey()
	if s.consumed[key] {
		return ErrOfferConsumed
	}
	s.consumed[key] = true
	return nil
}

// collectCandidates accumulates local ICE candidates as they trickle in.
func (s *ManualStrategy) collectCandidates(pc *pion.PeerConnection) *candidateSet {
	set := &candidateSet{}
	pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			return
		}
		set.add(c.ToJSON().Candidate)
	})
	return set
}

// waitForCandidates races gathering completion against the bounded wait.
func (s *ManualStrategy) waitForCandidates(ctx context.Context, pc *pion.PeerConnection, set *candidateSet) []string {
	select {
	case <-pion.GatheringCompletePromise(pc):
	case <-s.cfg.Clock.After(iceGatherTimeout):
		slog.Debug("ICE gathering cut off at timeout")
	case <-ctx.Done():
	}
	return set.snapshot()
}

// watchChannel wires the offerer-side channel open into the session.
func (s *ManualStrategy) watchChannel(session *manualSession, dc *pion.DataChannel) {
	dc.OnOpen(func() {
		info := session.peerInfo()
		s.channelOpened(session, info, dc)
	})
}

func (s *ManualStrategy) channelOpened(session *manualSession, peer PeerInfo, dc *pion.DataChannel) {
	select {
	case session.opened <- peer:
	default:
	}

	s.mu.Lock()
	handler := s.onChannel
	stale := s.session != session
	s.mu.Unlock()
	if stale {
		// A superseded session must not surface its channel.
		dc.Close()
		return
	}
	if handler != nil {
		handler(peer, dc)
	}
}

type candidateSet struct {
	mu         sync.Mutex
	candidates []string
}

func (c *candidateSet) add(candidate string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.candidates = append(c.candidates, candidate)
}

func (c *candidateSet) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.candidates))
	copy(out, c.candidates)
	return out
}
