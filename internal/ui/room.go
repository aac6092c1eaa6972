package ui

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/posix4e/bar123-sub002/internal/discovery"
)

// RoomUI shows a live view of one room: the active discovery method, the
// peer table and a running count of merged history entries.
type RoomUI struct {
	program    *tea.Program
	model      *roomModel
	updateChan chan roomUpdate
	wg         sync.WaitGroup
}

type roomUpdate struct {
	state     string
	method    string
	peer      *discovery.PeerInfo
	lostPeer  string
	connected string
	merged    int
}

type roomPeer struct {
	info      discovery.PeerInfo
	connected bool
}

// roomModel is the internal bubbletea model behind RoomUI
type roomModel struct {
	roomID     string
	method     string
	state      string
	peers      map[string]*roomPeer
	merged     int
	spinner    spinner.Model
	updateChan chan roomUpdate
	mu         sync.RWMutex
	quitting   bool
}

// NewRoomUI creates a live room view
func NewRoomUI(roomID string) *RoomUI {
	updateChan := make(chan roomUpdate, 100)

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle

	model := &roomModel{
		roomID:     roomID,
		state:      "Starting discovery...",
		peers:      make(map[string]*roomPeer),
		spinner:    s,
		updateChan: updateChan,
	}

	return &RoomUI{model: model, updateChan: updateChan}
}

// Start starts the UI in a goroutine
func (ui *RoomUI) Start() {
	ui.wg.Add(1)
	go func() {
		defer ui.wg.Done()
		// Inline mode without alt screen keeps previous terminal output
		// visible.
		ui.program = tea.NewProgram(ui.model)
		if _, err := ui.program.Run(); err != nil {
			fmt.Printf("UI error: %v\n", err)
		}
	}()
}

// Stop stops the UI
func (ui *RoomUI) Stop() {
	if ui.program != nil {
		ui.program.Quit()
	}
	ui.wg.Wait()
}

func (ui *RoomUI) push(u roomUpdate) {
	select {
	case ui.updateChan <- u:
	default:
	}
}

func (ui *RoomUI) SetState(state string)   { ui.push(roomUpdate{state: state}) }
func (ui *RoomUI) SetMethod(method string) { ui.push(roomUpdate{method: method}) }
func (ui *RoomUI) PeerLost(id string)      { ui.push(roomUpdate{lostPeer: id}) }
func (ui *RoomUI) PeerConnected(id string) { ui.push(roomUpdate{connected: id}) }
func (ui *RoomUI) Merged(entries int)      { ui.push(roomUpdate{merged: entries}) }

func (ui *RoomUI) PeerDiscovered(p discovery.PeerInfo) { ui.push(roomUpdate{peer: &p}) }

// Model methods
func (m *roomModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.listenForUpdates())
}

func (m *roomModel) listenForUpdates() tea.Cmd {
	return func() tea.Msg {
		return <-m.updateChan
	}
}

func (m *roomModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case roomUpdate:
		m.mu.Lock()
		switch {
		case msg.peer != nil:
			existing, ok := m.peers[msg.peer.ID]
			if ok {
				existing.info = *msg.peer
			} else {
				m.peers[msg.peer.ID] = &roomPeer{info: *msg.peer}
			}
		case msg.lostPeer != "":
			delete(m.peers, msg.lostPeer)
		case msg.connected != "":
			if p, ok := m.peers[msg.connected]; ok {
				p.connected = true
			}
		case msg.merged > 0:
			m.merged += msg.merged
		case msg.state != "":
			m.state = msg.state
		case msg.method != "":
			m.method = msg.method
		}
		m.mu.Unlock()
		cmds = append(cmds, m.listenForUpdates())
	}

	return m, tea.Batch(cmds...)
}

func (m *roomModel) View() string {
	if m.quitting {
		return ""
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var b strings.Builder

	b.WriteString(fmt.Sprintf("\n%s Room %s", IconRoom, BoldStyle.Render(m.roomID)))
	if m.method != "" {
		b.WriteString(MutedStyle.Render(fmt.Sprintf("  via %s", m.method)))
	}
	b.WriteString("\n\n")

	b.WriteString(fmt.Sprintf("%s %s\n\n", m.spinner.View(), m.state))

	if len(m.peers) == 0 {
		b.WriteString(MutedStyle.Render("  waiting for peers...") + "\n")
	} else {
		peers := make([]discovery.PeerInfo, 0, len(m.peers))
		for _, p := range m.peers {
			info := p.info
			info.Connected = p.connected
			peers = append(peers, info)
		}
		sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
		b.WriteString(NewPeerTable(peers, time.Now()).View() + "\n")
	}

	b.WriteString(fmt.Sprintf("\n%s %s entries merged\n", IconHistory,
		BoldStyle.Render(fmt.Sprintf("%d", m.merged))))
	b.WriteString("\n" + MutedStyle.Render("Press q to quit"))

	return b.String()
}
