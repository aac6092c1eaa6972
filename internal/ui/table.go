package ui

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/posix4e/bar123-sub002/internal/discovery"
)

// PeerTable renders the peers known to a room
type PeerTable struct {
	peers []discovery.PeerInfo
	now   time.Time
}

func NewPeerTable(peers []discovery.PeerInfo, now time.Time) *PeerTable {
	return &PeerTable{peers: peers, now: now}
}

// View renders the table as a string
func (t *PeerTable) View() string {
	if len(t.peers) == 0 {
		return MutedStyle.Render("No peers discovered yet")
	}

	w := table.NewWriter()
	w.SetStyle(table.StyleRounded)
	w.Style().Format.Header = text.FormatTitle
	w.AppendHeader(table.Row{"#", "Peer", "Device", "Last Seen", "Status"})

	for i, peer := range t.peers {
		status := MutedStyle.Render("discovered")
		if peer.Connected {
			status = SuccessStyle.Render("connected")
		}
		lastSeen := "-"
		if !peer.LastSeen.IsZero() {
			lastSeen = fmt.Sprintf("%ds ago", int(t.now.Sub(peer.LastSeen).Seconds()))
		}
		name := truncateString(peer.DisplayName, 30)
		if name == "" {
			name = truncateString(peer.ID, 30)
		}
		w.AppendRow(table.Row{i + 1, name, peer.DeviceType, lastSeen, status})
	}

	return w.Render()
}

type RoomInfo struct {
	RoomID   string
	Method   string
	DeviceID string
}

func (r RoomInfo) View() string {
	content := fmt.Sprintf("%s Joined Room\n\n%s Room:    %s\n%s Method:  %s\n%s Device:  %s",
		IconRoom,
		IconKey, BoldStyle.Foreground(Primary).Render(r.RoomID),
		IconConnect, SubtitleStyle.Render(r.Method),
		IconPeer, MutedStyle.Render(r.DeviceID),
	)
	return BoxStyle.Render(content)
}

func RenderRoomInfo(info RoomInfo) {
	fmt.Println(info.View())
}

// PairingCodeView frames a manual pairing code for copy-paste exchange.
func PairingCodeView(kind, code string) string {
	content := fmt.Sprintf("%s %s\n\n%s\n\n%s",
		IconCopy, BoldStyle.Render(kind),
		code,
		MutedStyle.Render("Share this code with the other device"),
	)
	return CodeBoxStyle.Render(content)
}
