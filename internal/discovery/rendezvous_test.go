package discovery

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posix4e/bar123-sub002/internal/record"
)

func newRendezvousPair(t *testing.T, sealed bool) (*RendezvousStrategy, *RendezvousStrategy, *record.MemoryStore, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := record.NewMemoryStore(clk)

	mk := func(id, name string) *RendezvousStrategy {
		return NewRendezvousStrategy(RendezvousConfig{
			RoomID: "kitchen",
			Secret: "hunter2",
			Self:   PeerInfo{ID: id, DisplayName: name, DeviceType: "cli"},
			Store:  store,
			Clock:  clk,
			Sealed: sealed,
		})
	}
	p1 := mk("peer-1111-aaaa", "laptop")
	p2 := mk("peer-2222-bbbb", "phone")
	t.Cleanup(p1.Stop)
	t.Cleanup(p2.Stop)
	return p1, p2, store, clk
}

func drainDiscovered(s *RendezvousStrategy) []PeerEvent {
	var out []PeerEvent
	for {
		select {
		case e := <-s.Events().PeerDiscovered:
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestRendezvousDiscoveryScenario(t *testing.T) {
	for _, sealed := range []bool{true, false} {
		name := "legacy"
		if sealed {
			name = "sealed"
		}
		t.Run(name, func(t *testing.T) {
			p1, p2, _, _ := newRendezvousPair(t, sealed)
			ctx := context.Background()

			require.NoError(t, p1.Start(ctx))
			require.NoError(t, p2.Start(ctx))

			// After one poll each discovers exactly one PeerInfo for the other.
			require.NoError(t, p1.poll(ctx, p1.done))
			require.NoError(t, p2.poll(ctx, p2.done))

			got1 := drainDiscovered(p1)
			require.Len(t, got1, 1)
			assert.Equal(t, "peer-2222-bbbb", got1[0].ID)
			assert.Equal(t, "phone", got1[0].Info.DisplayName)

			got2 := drainDiscovered(p2)
			require.Len(t, got2, 1)
			assert.Equal(t, "peer-1111-aaaa", got2[0].ID)

			// A second poll with no changes must not emit a duplicate.
			require.NoError(t, p1.poll(ctx, p1.done))
			assert.Empty(t, drainDiscovered(p1))
		})
	}
}

func TestRendezvousStartIsIdempotent(t *testing.T) {
	p1, _, _, _ := newRendezvousPair(t, true)
	ctx := context.Background()

	require.NoError(t, p1.Start(ctx))
	require.NoError(t, p1.Start(ctx))
}

func TestRendezvousSignalingMessages(t *testing.T) {
	p1, p2, store, clk := newRendezvousPair(t, true)
	ctx := context.Background()

	require.NoError(t, p1.Start(ctx))
	require.NoError(t, p2.Start(ctx))

	require.NoError(t, p1.Send("peer-2222-bbbb", SignalingMessage{Type: SignalOffer, SDP: "sdp-1"}))
	clk.Add(time.Millisecond)
	require.NoError(t, p1.Send("peer-2222-bbbb", SignalingMessage{Type: SignalCandidate, Candidate: json.RawMessage(`{"candidate":"c1"}`)}))

	require.NoError(t, p2.poll(ctx, p2.done))

	// Delivered in write order, addressed and attributed correctly.
	first := <-p2.Events().Signal
	assert.Equal(t, SignalOffer, first.Message.Type)
	assert.Equal(t, "peer-1111-aaaa", first.From)
	assert.Equal(t, "peer-2222-bbbb", first.Message.To)

	second := <-p2.Events().Signal
	assert.Equal(t, SignalCandidate, second.Message.Type)

	// Consumed records are deleted, so a second poll redelivers nothing.
	require.NoError(t, p2.poll(ctx, p2.done))
	select {
	case e := <-p2.Events().Signal:
		t.Fatalf("unexpected redelivery: %+v", e)
	default:
	}

	// And the sender's poll must not pick up messages addressed to p2.
	require.NoError(t, p1.poll(ctx, p1.done))
	select {
	case e := <-p1.Events().Signal:
		t.Fatalf("message leaked to sender: %+v", e)
	default:
	}

	recs, err := store.List(ctx, p1.prefix+".msg.")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestRendezvousStaleness(t *testing.T) {
	p1, p2, _, clk := newRendezvousPair(t, true)
	ctx := context.Background()

	require.NoError(t, p1.Start(ctx))
	require.NoError(t, p2.Start(ctx))
	require.NoError(t, p1.poll(ctx, p1.done))
	require.Len(t, drainDiscovered(p1), 1)

	// p2 goes away: its announcement stops being refreshed and its record
	// expires. After the staleness window p1 raises peerLost.
	p2.Stop()
	clk.Add(61 * time.Second)

	require.NoError(t, p1.announce(ctx))
	require.NoError(t, p1.poll(ctx, p1.done))

	select {
	case id := <-p1.Events().PeerLost:
		assert.Equal(t, "peer-2222-bbbb", id)
	case <-time.After(2 * time.Second):
		t.Fatal("expected peerLost")
	}
}

func TestRendezvousIgnoresForeignRooms(t *testing.T) {
	p1, _, store, clk := newRendezvousPair(t, true)
	ctx := context.Background()
	require.NoError(t, p1.Start(ctx))

	// A peer in a different room that happens to share the record store.
	foreign := NewRendezvousStrategy(RendezvousConfig{
		RoomID: "kitchen", // same room id, wrong secret: same name prefix
		Secret: "wrong-secret",
		Self:   PeerInfo{ID: "peer-3333-cccc", DisplayName: "intruder"},
		Store:  store,
		Clock:  clk,
		Sealed: true,
	})
	require.NoError(t, foreign.Start(ctx))
	defer foreign.Stop()

	require.NoError(t, p1.poll(ctx, p1.done))

	// Undecryptable records are ignored, not surfaced as errors.
	assert.Empty(t, drainDiscovered(p1))
	select {
	case err := <-p1.Events().Errors:
		t.Fatalf("unexpected error event: %v", err)
	default:
	}
}

func TestRendezvousSealedNamesLeakNothing(t *testing.T) {
	p1, _, store, _ := newRendezvousPair(t, true)
	ctx := context.Background()
	require.NoError(t, p1.Start(ctx))

	recs, err := store.List(ctx, "")
	require.NoError(t, err)
	require.NotEmpty(t, recs)
	for _, rec := range recs {
		assert.NotContains(t, rec.Name, "kitchen")
		assert.NotContains(t, rec.Name, "peer-1111-aaaa")
		assert.NotContains(t, rec.Content, "laptop")
	}
}

func TestRendezvousStopCleansUp(t *testing.T) {
	p1, _, store, _ := newRendezvousPair(t, true)
	ctx := context.Background()
	require.NoError(t, p1.Start(ctx))

	recs, err := store.List(ctx, p1.prefix+".peer.")
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	p1.Stop()
	p1.Stop() // idempotent

	recs, err = store.List(ctx, p1.prefix+".peer.")
	require.NoError(t, err)
	assert.Empty(t, recs)

	assert.ErrorIs(t, p1.Send("x", SignalingMessage{Type: SignalOffer}), ErrNotStarted)
}
