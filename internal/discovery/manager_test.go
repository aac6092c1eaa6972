package discovery

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubStrategy counts lifecycle calls and can be told to fail Start.
type stubStrategy struct {
	events   *Events
	startErr error
	starts   int
	stops    int
	onStop   func()
}

func newStubStrategy(startErr error) *stubStrategy {
	return &stubStrategy{events: newEvents(), startErr: startErr}
}

func (s *stubStrategy) Start(context.Context) error {
	s.starts++
	return s.startErr
}

func (s *stubStrategy) Stop() {
	s.stops++
	if s.onStop != nil {
		s.onStop()
	}
}

func (s *stubStrategy) Send(string, SignalingMessage) error { return nil }

func (s *stubStrategy) Events() *Events { return s.events }

func stubFactory(strategies map[Method]*stubStrategy) Factory {
	return func(method Method, _ Options) (Strategy, error) {
		strat, ok := strategies[method]
		if !ok {
			return nil, errors.New("no stub for " + string(method))
		}
		return strat, nil
	}
}

func TestManagerStartHappyPath(t *testing.T) {
	primary := newStubStrategy(nil)
	m := NewManager(Options{
		Fallback: []Method{MethodRelay, MethodRendezvous, MethodManual},
		Factory:  stubFactory(map[Method]*stubStrategy{MethodRelay: primary}),
	})

	require.NoError(t, m.Initialize(MethodRelay))
	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, 1, primary.starts)

	method, active := m.Active()
	assert.Equal(t, MethodRelay, method)
	assert.Same(t, primary, active)
}

func TestManagerFallbackAdvance(t *testing.T) {
	bootErr := errors.New("relay unreachable")
	primary := newStubStrategy(bootErr)
	fallback := newStubStrategy(nil)

	m := NewManager(Options{
		Fallback: []Method{MethodRelay, MethodRendezvous, MethodManual},
		Factory: stubFactory(map[Method]*stubStrategy{
			MethodRelay:      primary,
			MethodRendezvous: fallback,
		}),
	})

	require.NoError(t, m.Initialize(MethodRelay))
	require.NoError(t, m.Start(context.Background()))

	// The failed primary is stopped; the first fallback is started
	// exactly once and becomes active.
	assert.Equal(t, 1, primary.starts)
	assert.Equal(t, 1, primary.stops)
	assert.Equal(t, 1, fallback.starts)

	method, _ := m.Active()
	assert.Equal(t, MethodRendezvous, method)
}

func TestManagerFallbackExhausted(t *testing.T) {
	relayErr := errors.New("relay down")
	rdzvErr := errors.New("store down")
	manualErr := errors.New("cannot happen, but say it does")

	strategies := map[Method]*stubStrategy{
		MethodRelay:      newStubStrategy(relayErr),
		MethodRendezvous: newStubStrategy(rdzvErr),
		MethodManual:     newStubStrategy(manualErr),
	}
	m := NewManager(Options{
		Fallback: []Method{MethodRelay, MethodRendezvous, MethodManual},
		Factory:  stubFactory(strategies),
	})

	require.NoError(t, m.Initialize(MethodRelay))
	err := m.Start(context.Background())

	// The last error in the chain propagates.
	assert.ErrorIs(t, err, manualErr)
	assert.Equal(t, 1, strategies[MethodRelay].starts)
	assert.Equal(t, 1, strategies[MethodRendezvous].starts)
	assert.Equal(t, 1, strategies[MethodManual].starts)

	// Every failed strategy was torn down; nothing is active.
	_, active := m.Active()
	assert.Nil(t, active)
}

func TestManagerInitializeTearsDownPrevious(t *testing.T) {
	first := newStubStrategy(nil)
	second := newStubStrategy(nil)

	m := NewManager(Options{
		Factory: stubFactory(map[Method]*stubStrategy{
			MethodRelay:      first,
			MethodRendezvous: second,
		}),
	})

	require.NoError(t, m.Initialize(MethodRelay))
	require.NoError(t, m.Start(context.Background()))

	require.NoError(t, m.Initialize(MethodRendezvous))
	assert.Equal(t, 1, first.stops)

	method, active := m.Active()
	assert.Equal(t, MethodRendezvous, method)
	assert.Same(t, second, active)
}

func TestManagerInitializeStopsPreviousFirst(t *testing.T) {
	var calls []string
	first := newStubStrategy(nil)
	first.onStop = func() { calls = append(calls, "stop:previous") }
	second := newStubStrategy(nil)

	m := NewManager(Options{
		Factory: func(method Method, _ Options) (Strategy, error) {
			calls = append(calls, "build:"+string(method))
			if method == MethodRelay {
				return first, nil
			}
			return second, nil
		},
	})

	require.NoError(t, m.Initialize(MethodRelay))
	require.NoError(t, m.Initialize(MethodRendezvous))

	// The old strategy must be fully torn down before the replacement is
	// even constructed.
	assert.Equal(t, []string{"build:relay", "stop:previous", "build:rendezvous"}, calls)
}

func TestManagerEventsSurviveSwap(t *testing.T) {
	first := newStubStrategy(nil)
	second := newStubStrategy(nil)

	m := NewManager(Options{
		Factory: stubFactory(map[Method]*stubStrategy{
			MethodRelay:      first,
			MethodRendezvous: second,
		}),
	})

	require.NoError(t, m.Initialize(MethodRelay))
	first.events.PeerDiscovered <- PeerEvent{ID: "p1", Info: PeerInfo{ID: "p1"}}
	e := <-m.Events().PeerDiscovered
	assert.Equal(t, "p1", e.ID)

	require.NoError(t, m.Initialize(MethodRendezvous))
	second.events.PeerDiscovered <- PeerEvent{ID: "p2", Info: PeerInfo{ID: "p2"}}
	e = <-m.Events().PeerDiscovered
	assert.Equal(t, "p2", e.ID)
}

func TestManagerStartWithoutInitialize(t *testing.T) {
	m := NewManager(Options{Factory: stubFactory(nil)})
	assert.Error(t, m.Start(context.Background()))
}

func TestManagerSendWithoutStrategy(t *testing.T) {
	m := NewManager(Options{Factory: stubFactory(nil)})
	assert.ErrorIs(t, m.Send("p", SignalingMessage{}), ErrNotStarted)
}

func TestDefaultFactoryUnknownMethod(t *testing.T) {
	_, err := defaultFactory("bogus", Options{})
	assert.ErrorIs(t, err, ErrUnknownMethod)
}
