package ui

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posix4e/bar123-sub002/internal/discovery"
)

func TestPeerTableEmpty(t *testing.T) {
	view := NewPeerTable(nil, time.Now()).View()
	assert.Contains(t, view, "No peers discovered yet")
}

func TestPeerTableRows(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	peers := []discovery.PeerInfo{
		{ID: "peer-aaaa", DisplayName: "laptop", DeviceType: "cli", LastSeen: now.Add(-30 * time.Second), Connected: true},
		{ID: "peer-bbbb", DeviceType: "extension"},
	}

	view := NewPeerTable(peers, now).View()

	assert.Contains(t, view, "Peer")
	assert.Contains(t, view, "laptop")
	assert.Contains(t, view, "30s ago")
	assert.Contains(t, view, "connected")
	// A peer without a display name falls back to its id; one that never
	// announced a last-seen time shows a placeholder.
	assert.Contains(t, view, "peer-bbbb")
	assert.Contains(t, view, "discovered")
	assert.Contains(t, view, "-")
}

func TestRoomViewRendersPeerTable(t *testing.T) {
	ui := NewRoomUI("kitchen")
	m := ui.model

	view := m.View()
	assert.Contains(t, view, "waiting for peers...")

	m.Update(roomUpdate{peer: &discovery.PeerInfo{ID: "peer-bbbb", DisplayName: "phone", DeviceType: "cli"}})
	m.Update(roomUpdate{connected: "peer-bbbb"})
	m.Update(roomUpdate{merged: 3})

	view = m.View()
	require.Contains(t, view, "kitchen")
	// The peer list renders as a table, with the connection state in the
	// status column and the merged counter below.
	assert.Contains(t, view, "Peer")
	assert.Contains(t, view, "phone")
	assert.Contains(t, view, "connected")
	assert.Contains(t, view, "3")
	assert.NotContains(t, view, "waiting for peers")
}
