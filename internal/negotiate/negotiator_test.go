package negotiate

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posix4e/bar123-sub002/internal/discovery"
)

type fakeLink struct {
	hooks LinkHooks

	mu         sync.Mutex
	offered    bool
	answered   string
	accepted   string
	candidates []string
	closed     bool
}

func (l *fakeLink) Offer(context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.offered = true
	return "offer-sdp", nil
}

func (l *fakeLink) Answer(_ context.Context, offerSDP string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.answered = offerSDP
	return "answer-sdp", nil
}

func (l *fakeLink) AcceptAnswer(answerSDP string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accepted = answerSDP
	return nil
}

func (l *fakeLink) AddCandidate(candidate json.RawMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.candidates = append(l.candidates, string(candidate))
	return nil
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakeLink) open(dc DataChannel) { l.hooks.OnOpen(dc) }

type fakeLinks struct {
	mu    sync.Mutex
	links []*fakeLink
}

func (f *fakeLinks) factory(hooks LinkHooks) (PeerLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := &fakeLink{hooks: hooks}
	f.links = append(f.links, l)
	return l, nil
}

func (f *fakeLinks) link(i int) *fakeLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.links[i]
}

func (f *fakeLinks) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.links)
}

type fakeChannel struct{ sent [][]byte }

func (c *fakeChannel) Label() string { return "sync" }

func (c *fakeChannel) Send(data []byte) error {
	c.sent = append(c.sent, data)
	return nil
}

func (c *fakeChannel) OnMessage(func(data []byte)) {}

func (c *fakeChannel) Close() error { return nil }

// outbox captures signaling messages a negotiator tries to send.
type outbox struct {
	mu   sync.Mutex
	msgs []discovery.SignalingMessage
	to   []string
}

func (o *outbox) send(peerID string, msg discovery.SignalingMessage) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.to = append(o.to, peerID)
	o.msgs = append(o.msgs, msg)
	return nil
}

func (o *outbox) take() (string, discovery.SignalingMessage, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.msgs) == 0 {
		return "", discovery.SignalingMessage{}, false
	}
	to, msg := o.to[0], o.msgs[0]
	o.to, o.msgs = o.to[1:], o.msgs[1:]
	return to, msg, true
}

type testPeer struct {
	n     *Negotiator
	links *fakeLinks
	out   *outbox
	open  []string
}

func newTestPeer(t *testing.T, id string, clk clock.Clock) *testPeer {
	t.Helper()
	p := &testPeer{links: &fakeLinks{}, out: &outbox{}}
	p.n = NewNegotiator(Config{
		LocalID: id,
		Send:    p.out.send,
		Links:   p.links.factory,
		Clock:   clk,
		OnChannel: func(peerID string, _ DataChannel) {
			p.open = append(p.open, peerID)
		},
	})
	return p
}

// pump delivers queued outbound messages between two peers until both
// outboxes drain.
func pump(t *testing.T, peers map[string]*testPeer) {
	t.Helper()
	ctx := context.Background()
	for {
		progressed := false
		for from, p := range peers {
			to, msg, ok := p.out.take()
			if !ok {
				continue
			}
			progressed = true
			require.NoError(t, peers[to].n.HandleSignal(ctx, discovery.SignalEvent{From: from, Message: msg}))
		}
		if !progressed {
			return
		}
	}
}

func TestOfferAnswerHappyPath(t *testing.T) {
	ctx := context.Background()
	a := newTestPeer(t, "peer-a", nil)
	b := newTestPeer(t, "peer-b", nil)

	require.NoError(t, a.n.Connect(ctx, "peer-b"))
	state, ok := a.n.PeerState("peer-b")
	require.True(t, ok)
	assert.Equal(t, StateOfferSent, state)

	pump(t, map[string]*testPeer{"peer-a": a, "peer-b": b})

	// B answered A's offer; A accepted B's answer.
	assert.Equal(t, "offer-sdp", b.links.link(0).answered)
	assert.Equal(t, "answer-sdp", a.links.link(0).accepted)

	state, _ = a.n.PeerState("peer-b")
	assert.Equal(t, StateAnswered, state)
	state, _ = b.n.PeerState("peer-a")
	assert.Equal(t, StateAnswered, state)

	// Channel open completes both sides.
	a.links.link(0).open(&fakeChannel{})
	b.links.link(0).open(&fakeChannel{})
	state, _ = a.n.PeerState("peer-b")
	assert.Equal(t, StateConnected, state)
	assert.Equal(t, []string{"peer-b"}, a.open)
	assert.Equal(t, []string{"peer-a"}, b.open)
}

func TestGlareConvergence(t *testing.T) {
	ctx := context.Background()
	a := newTestPeer(t, "peer-a", nil) // sorts smaller
	b := newTestPeer(t, "peer-b", nil)

	// Both sides offer before either hears the other.
	require.NoError(t, a.n.Connect(ctx, "peer-b"))
	require.NoError(t, b.n.Connect(ctx, "peer-a"))

	pump(t, map[string]*testPeer{"peer-a": a, "peer-b": b})

	// The greater id's offer wins: A rolled back its own attempt and
	// answered B's offer; B ignored the crossing offer from A.
	require.Equal(t, 2, a.links.count())
	assert.True(t, a.links.link(0).closed)
	assert.Equal(t, "offer-sdp", a.links.link(1).answered)

	require.Equal(t, 1, b.links.count())
	assert.False(t, b.links.link(0).closed)
	assert.Empty(t, b.links.link(0).answered)
	assert.Equal(t, "answer-sdp", b.links.link(0).accepted)

	// Exactly one connected pair.
	a.links.link(1).open(&fakeChannel{})
	b.links.link(0).open(&fakeChannel{})
	state, _ := a.n.PeerState("peer-b")
	assert.Equal(t, StateConnected, state)
	state, _ = b.n.PeerState("peer-a")
	assert.Equal(t, StateConnected, state)
	assert.Equal(t, []string{"peer-b"}, a.open)
	assert.Equal(t, []string{"peer-a"}, b.open)
}

func TestCandidatesQueuedUntilRemoteDescription(t *testing.T) {
	ctx := context.Background()
	b := newTestPeer(t, "peer-b", nil)

	c1 := json.RawMessage(`{"candidate":"c1"}`)
	c2 := json.RawMessage(`{"candidate":"c2"}`)

	// Candidates outrun the offer entirely; nothing is dropped.
	require.NoError(t, b.n.HandleSignal(ctx, discovery.SignalEvent{
		From:    "peer-a",
		Message: discovery.SignalingMessage{Type: discovery.SignalCandidate, Candidate: c1},
	}))
	require.NoError(t, b.n.HandleSignal(ctx, discovery.SignalEvent{
		From:    "peer-a",
		Message: discovery.SignalingMessage{Type: discovery.SignalCandidate, Candidate: c2},
	}))

	require.NoError(t, b.n.HandleSignal(ctx, discovery.SignalEvent{
		From:    "peer-a",
		Message: discovery.SignalingMessage{Type: discovery.SignalOffer, SDP: "offer-sdp"},
	}))

	// Replayed in arrival order once the remote description is applied.
	link := b.links.link(0)
	assert.Equal(t, []string{string(c1), string(c2)}, link.candidates)

	// Later candidates are applied directly.
	c3 := json.RawMessage(`{"candidate":"c3"}`)
	require.NoError(t, b.n.HandleSignal(ctx, discovery.SignalEvent{
		From:    "peer-a",
		Message: discovery.SignalingMessage{Type: discovery.SignalCandidate, Candidate: c3},
	}))
	assert.Equal(t, []string{string(c1), string(c2), string(c3)}, link.candidates)
}

func TestOutboundCandidatesForwarded(t *testing.T) {
	ctx := context.Background()
	a := newTestPeer(t, "peer-a", nil)

	require.NoError(t, a.n.Connect(ctx, "peer-b"))
	_, _, _ = a.out.take() // the offer

	a.links.link(0).hooks.OnCandidate(json.RawMessage(`{"candidate":"local"}`))

	to, msg, ok := a.out.take()
	require.True(t, ok)
	assert.Equal(t, "peer-b", to)
	assert.Equal(t, discovery.SignalCandidate, msg.Type)
	assert.JSONEq(t, `{"candidate":"local"}`, string(msg.Candidate))
}

func TestLeaveClosesPeer(t *testing.T) {
	ctx := context.Background()
	a := newTestPeer(t, "peer-a", nil)

	require.NoError(t, a.n.Connect(ctx, "peer-b"))
	require.NoError(t, a.n.HandleSignal(ctx, discovery.SignalEvent{
		From:    "peer-b",
		Message: discovery.SignalingMessage{Type: discovery.SignalLeave},
	}))

	state, ok := a.n.PeerState("peer-b")
	require.True(t, ok)
	assert.Equal(t, StateClosed, state)
	assert.True(t, a.links.link(0).closed)
}

func TestConnectTimeout(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	a := newTestPeer(t, "peer-a", clk)

	require.NoError(t, a.n.Connect(ctx, "peer-b"))

	// No answer ever arrives; the attempt fails at the deadline and the
	// link is released.
	clk.Add(DefaultConnectTimeout + time.Second)
	assert.Eventually(t, func() bool {
		state, ok := a.n.PeerState("peer-b")
		return ok && state == StateFailed
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, a.links.link(0).closed)
}

func TestTimeoutCanceledOnConnect(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	a := newTestPeer(t, "peer-a", clk)
	b := newTestPeer(t, "peer-b", clk)

	require.NoError(t, a.n.Connect(ctx, "peer-b"))
	pump(t, map[string]*testPeer{"peer-a": a, "peer-b": b})
	a.links.link(0).open(&fakeChannel{})

	clk.Add(DefaultConnectTimeout + time.Minute)
	state, _ := a.n.PeerState("peer-b")
	assert.Equal(t, StateConnected, state)
}

func TestUnexpectedAnswerRejected(t *testing.T) {
	ctx := context.Background()
	a := newTestPeer(t, "peer-a", nil)

	err := a.n.HandleSignal(ctx, discovery.SignalEvent{
		From:    "peer-b",
		Message: discovery.SignalingMessage{Type: discovery.SignalAnswer, SDP: "answer-sdp"},
	})
	assert.Error(t, err)
}

func TestStaleChannelOpenIgnored(t *testing.T) {
	ctx := context.Background()
	a := newTestPeer(t, "peer-a", nil)

	require.NoError(t, a.n.Connect(ctx, "peer-b"))
	old := a.links.link(0)
	a.n.ClosePeer("peer-b")

	// An open racing the teardown must not resurrect the peer.
	old.open(&fakeChannel{})
	state, _ := a.n.PeerState("peer-b")
	assert.Equal(t, StateClosed, state)
	assert.Empty(t, a.open)
}

func TestCloseSendsLeaveToLivePeers(t *testing.T) {
	ctx := context.Background()
	a := newTestPeer(t, "peer-a", nil)

	require.NoError(t, a.n.Connect(ctx, "peer-b"))
	require.NoError(t, a.n.Connect(ctx, "peer-c"))
	_, _, _ = a.out.take() // the offers
	_, _, _ = a.out.take()

	a.n.Close()

	leaves := map[string]bool{}
	for {
		to, msg, ok := a.out.take()
		if !ok {
			break
		}
		assert.Equal(t, discovery.SignalLeave, msg.Type)
		leaves[to] = true
	}
	assert.Equal(t, map[string]bool{"peer-b": true, "peer-c": true}, leaves)

	// Closing again stays quiet; the peers are already gone.
	a.n.Close()
	_, _, ok := a.out.take()
	assert.False(t, ok)
}

func TestCloseTearsDownAllPeers(t *testing.T) {
	ctx := context.Background()
	a := newTestPeer(t, "peer-a", nil)

	require.NoError(t, a.n.Connect(ctx, "peer-b"))
	require.NoError(t, a.n.Connect(ctx, "peer-c"))
	a.n.Close()

	for _, id := range []string{"peer-b", "peer-c"} {
		state, ok := a.n.PeerState(id)
		require.True(t, ok)
		assert.Equal(t, StateClosed, state)
	}
	assert.True(t, a.links.link(0).closed)
	assert.True(t, a.links.link(1).closed)
}
