package discovery

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/benbjohnson/clock"
	pion "github.com/pion/webrtc/v4"

	"github.com/posix4e/bar123-sub002/internal/record"
)

// Method names a discovery strategy for the factory and fallback chain.
type Method string

const (
	MethodRelay            Method = "relay"
	MethodRendezvous       Method = "rendezvous"
	MethodRendezvousLegacy Method = "rendezvous-legacy"
	MethodManual           Method = "manual"
)

// DefaultFallback is the statically configured order tried when a
// strategy fails to start. Manual pairing comes last: it always starts,
// so the chain never ends without an active strategy.
var DefaultFallback = []Method{MethodRelay, MethodRendezvous, MethodManual}

// Factory constructs a strategy for a method.
type Factory func(method Method, opts Options) (Strategy, error)

// Options carries everything any strategy might need. Unused fields are
// ignored by strategies that do not need them.
type Options struct {
	RoomID     string
	Secret     string
	Self       PeerInfo
	RelayURL   string
	Store      record.Store
	ICEServers []pion.ICEServer
	Clock      clock.Clock

	// Fallback overrides DefaultFallback; Factory overrides the built-in
	// strategy constructors (used by tests).
	Fallback []Method
	Factory  Factory
}

// Manager owns the active discovery strategy for one room. It swaps
// strategies cleanly and drives the fallback chain when a start fails.
// Exactly one strategy is active at a time, and the manager's event
// streams survive strategy swaps.
type Manager struct {
	opts    Options
	factory Factory
	events  *Events

	mu          sync.Mutex
	method      Method
	active      Strategy
	forwardStop chan struct{}
}

// NewManager creates a manager; call Initialize before Start.
func NewManager(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Fallback == nil {
		opts.Fallback = DefaultFallback
	}
	factory := opts.Factory
	if factory == nil {
		factory = defaultFactory
	}
	return &Manager{
		opts:    opts,
		factory: factory,
		events:  newEvents(),
	}
}

// Events returns the manager-owned event streams. Unlike a strategy's own
// streams these remain valid across Initialize and fallback swaps.
func (m *Manager) Events() *Events {
	return m.events
}

// Initialize tears down the previous strategy, if any, before
// constructing and installing the new one. The new strategy is not
// started.
func (m *Manager) Initialize(method Method) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownLocked()

	strat, err := m.factory(method, m.opts)
	if err != nil {
		return err
	}
	m.installLocked(method, strat)
	return nil
}

// Start starts the active strategy. On failure the failed strategy is
// stopped and each fallback candidate is initialized and started in
// order until one succeeds; if the chain is exhausted the last error
// propagates.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return newError("start discovery", errors.New("no strategy initialized"))
	}

	err := m.active.Start(ctx)
	if err == nil {
		return nil
	}
	slog.Warn("discovery strategy failed to start", "method", m.method, "error", err)

	failed := m.method
	m.teardownLocked()
	lastErr := err

	for _, candidate := range m.opts.Fallback {
		if candidate == failed {
			continue
		}
		strat, err := m.factory(candidate, m.opts)
		if err != nil {
			lastErr = err
			continue
		}
		m.installLocked(candidate, strat)
		if err := strat.Start(ctx); err != nil {
			slog.Warn("fallback strategy failed to start", "method", candidate, "error", err)
			m.teardownLocked()
			lastErr = err
			continue
		}
		slog.Info("discovery fell back", "from", failed, "to", candidate)
		return nil
	}
	return lastErr
}

// Stop tears down the active strategy. Idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownLocked()
}

// Active returns the current method and strategy, or "" and nil.
func (m *Manager) Active() (Method, Strategy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.method, m.active
}

// Send forwards to the active strategy.
func (m *Manager) Send(peerID string, msg SignalingMessage) error {
	m.mu.Lock()
	strat := m.active
	m.mu.Unlock()
	if strat == nil {
		return ErrNotStarted
	}
	return strat.Send(peerID, msg)
}

func (m *Manager) installLocked(method Method, strat Strategy) {
	m.method = method
	m.active = strat
	m.forwardStop = make(chan struct{})
	go m.forward(strat.Events(), m.forwardStop)
}

func (m *Manager) teardownLocked() {
	if m.active == nil {
		return
	}
	close(m.forwardStop)
	m.active.Stop()
	m.active = nil
	m.method = ""
}

// forward copies a strategy's events onto the manager streams until the
// strategy is superseded. Events from a superseded strategy must never
// reach the consumer after the swap.
func (m *Manager) forward(ev *Events, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case e := <-ev.PeerDiscovered:
			select {
			case m.events.PeerDiscovered <- e:
			case <-stop:
				return
			}
		case id := <-ev.PeerLost:
			select {
			case m.events.PeerLost <- id:
			case <-stop:
				return
			}
		case e := <-ev.Signal:
			select {
			case m.events.Signal <- e:
			case <-stop:
				return
			}
		case err := <-ev.Errors:
			select {
			case m.events.Errors <- err:
			case <-stop:
				return
			}
		}
	}
}

// defaultFactory builds the production strategies.
func defaultFactory(method Method, opts Options) (Strategy, error) {
	switch method {
	case MethodRelay:
		return NewRelayStrategy(RelayConfig{
			URL:    opts.RelayURL,
			RoomID: opts.RoomID,
			Secret: opts.Secret,
			Self:   opts.Self,
			Clock:  opts.Clock,
		}), nil

	case MethodRendezvous, MethodRendezvousLegacy:
		if opts.Store == nil {
			return nil, newError("create strategy", errors.New("no record store configured"))
		}
		return NewRendezvousStrategy(RendezvousConfig{
			RoomID: opts.RoomID,
			Secret: opts.Secret,
			Self:   opts.Self,
			Store:  opts.Store,
			Clock:  opts.Clock,
			Sealed: method == MethodRendezvous,
		}), nil

	case MethodManual:
		return NewManualStrategy(ManualConfig{
			Self:       opts.Self,
			ICEServers: opts.ICEServers,
			Clock:      opts.Clock,
		}), nil

	default:
		return nil, wrapError("create strategy", ErrUnknownMethod, string(method))
	}
}
