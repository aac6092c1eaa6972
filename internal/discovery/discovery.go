// Package discovery provides the pluggable peer-discovery strategies and
// the manager that drives them. A strategy introduces peers in one room to
// each other and ferries connection-negotiation messages between them; it
// never carries application data.
package discovery

import (
	"context"
	"encoding/json"
	"time"
)

// PeerInfo describes a discovered peer. Entries are created on first
// discovery, refreshed on re-announce and removed on explicit leave or
// staleness timeout.
type PeerInfo struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	DeviceType  string    `json:"deviceType"`
	LastSeen    time.Time `json:"lastSeen"`
	Connected   bool      `json:"-"`
}

// SignalType tags a SignalingMessage variant.
type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "candidate"
	SignalLeave     SignalType = "leave"
)

// SignalingMessage is a connection-negotiation message ferried between two
// peers by whichever strategy is active. An empty To addresses the whole
// room (used only by leave).
type SignalingMessage struct {
	Type      SignalType      `json:"type"`
	From      string          `json:"from"`
	To        string          `json:"to,omitempty"`
	SDP       string          `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// PeerEvent announces a discovered or refreshed peer.
type PeerEvent struct {
	ID   string
	Info PeerInfo
}

// SignalEvent delivers an inbound signaling message.
type SignalEvent struct {
	From    string
	Message SignalingMessage
}

// Events carries a strategy's outbound event streams. Consumers must
// drain all channels; strategies drop events only when the consumer has
// gone away (their done channel closed).
type Events struct {
	PeerDiscovered chan PeerEvent
	PeerLost       chan string
	Signal         chan SignalEvent
	Errors         chan error
}

func newEvents() *Events {
	return &Events{
		PeerDiscovered: make(chan PeerEvent, 16),
		PeerLost:       make(chan string, 16),
		Signal:         make(chan SignalEvent, 64),
		Errors:         make(chan error, 8),
	}
}

func (e *Events) peerDiscovered(done <-chan struct{}, info PeerInfo) {
	select {
	case e.PeerDiscovered <- PeerEvent{ID: info.ID, Info: info}:
	case <-done:
	}
}

func (e *Events) peerLost(done <-chan struct{}, id string) {
	select {
	case e.PeerLost <- id:
	case <-done:
	}
}

func (e *Events) signal(done <-chan struct{}, from string, msg SignalingMessage) {
	select {
	case e.Signal <- SignalEvent{From: from, Message: msg}:
	case <-done:
	}
}

func (e *Events) sendError(done <-chan struct{}, err error) {
	select {
	case e.Errors <- err:
	case <-done:
	}
}

// Strategy is the common contract for all discovery transports.
//
// Start on a running strategy is a no-op. Stop is idempotent and releases
// every timer and socket the strategy owns; in-flight requests become
// no-ops when they complete after teardown.
type Strategy interface {
	Start(ctx context.Context) error
	Stop()
	Send(peerID string, msg SignalingMessage) error
	Events() *Events
}
