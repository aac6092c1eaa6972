package cmd

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	pion "github.com/pion/webrtc/v4"

	"github.com/posix4e/bar123-sub002/internal/config"
	"github.com/posix4e/bar123-sub002/internal/discovery"
	"github.com/posix4e/bar123-sub002/internal/history"
	"github.com/posix4e/bar123-sub002/internal/negotiate"
	"github.com/posix4e/bar123-sub002/internal/record"
	"github.com/posix4e/bar123-sub002/internal/roomcrypto"
	"github.com/posix4e/bar123-sub002/internal/ui"
)

// Session bundles everything one joined room needs: discovery, per-peer
// negotiation and the history syncer, wired to shared event plumbing.
type Session struct {
	Config     *config.Config
	RoomID     string
	Self       discovery.PeerInfo
	Manager    *discovery.Manager
	Negotiator *negotiate.Negotiator
	Syncer     *history.Syncer
	History    history.Store
	Records    record.Store
	UI         *ui.RoomUI
}

func LoadConfig(opts config.Options) (*config.Config, error) {
	cfg, err := config.Load(opts)
	if err != nil {
		return nil, err
	}
	if cfg.Secret == "" {
		return nil, fmt.Errorf("no room secret configured (use --secret or ROOM_SECRET)")
	}
	return cfg, nil
}

// NewSession builds a session for a room. An empty roomID derives one
// from the secret, so devices sharing a secret land in the same room
// without further coordination.
func NewSession(ctx context.Context, cfg *config.Config, roomID string) (*Session, error) {
	if roomID == "" {
		roomID = roomcrypto.RoomTag(cfg.Secret)
	}

	self := discovery.PeerInfo{
		ID:          uuid.NewString(),
		DisplayName: cfg.DeviceName,
		DeviceType:  "cli",
	}

	records, err := newRecordStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	manager := discovery.NewManager(discovery.Options{
		RoomID:     roomID,
		Secret:     cfg.Secret,
		Self:       self,
		RelayURL:   cfg.WebSocketURL,
		Store:      records,
		ICEServers: iceServers(cfg),
	})

	historyStore := history.NewMemoryStore()
	syncer := history.NewSyncer(historyStore, self.ID, nil)
	roomUI := ui.NewRoomUI(roomID)
	syncer.SetOnApplied(func(peerID string, applied int) {
		roomUI.Merged(applied)
		// Pass merged entries onward so devices that never met the source
		// still converge.
		syncer.Broadcast(ctx)
	})

	s := &Session{
		Config:  cfg,
		RoomID:  roomID,
		Self:    self,
		Manager: manager,
		Syncer:  syncer,
		History: historyStore,
		Records: records,
		UI:      roomUI,
	}

	s.Negotiator = negotiate.NewNegotiator(negotiate.Config{
		LocalID: self.ID,
		Send:    manager.Send,
		Links:   negotiate.NewPionLinks(iceServers(cfg)),
		OnChannel: func(peerID string, dc negotiate.DataChannel) {
			roomUI.PeerConnected(peerID)
			if err := syncer.Attach(ctx, peerID, dc); err != nil {
				roomUI.SetState(fmt.Sprintf("sync with %s failed: %v", peerID, err))
			}
		},
	})

	return s, nil
}

// Run starts discovery and drives the event loop until the context is
// canceled.
func (s *Session) Run(ctx context.Context, method discovery.Method) error {
	if err := s.Manager.Initialize(method); err != nil {
		return err
	}
	if err := s.Manager.Start(ctx); err != nil {
		return fmt.Errorf("start discovery: %w", err)
	}
	defer s.close()

	active, _ := s.Manager.Active()
	s.UI.SetMethod(string(active))
	s.UI.SetState("Looking for peers...")

	events := s.Manager.Events()
	for {
		select {
		case <-ctx.Done():
			return nil

		case e := <-events.PeerDiscovered:
			s.UI.PeerDiscovered(e.Info)
			s.UI.SetState(fmt.Sprintf("Connecting to %s...", displayName(e.Info)))
			if err := s.Negotiator.Connect(ctx, e.ID); err != nil {
				s.UI.SetState(fmt.Sprintf("connect to %s failed: %v", displayName(e.Info), err))
			}

		case id := <-events.PeerLost:
			s.UI.PeerLost(id)
			s.Negotiator.ClosePeer(id)
			s.Syncer.Detach(id)

		case sig := <-events.Signal:
			if err := s.Negotiator.HandleSignal(ctx, sig); err != nil {
				s.UI.SetState(fmt.Sprintf("signaling error: %v", err))
			}

		case err := <-events.Errors:
			s.UI.SetState(fmt.Sprintf("discovery error: %v", err))
		}
	}
}

func (s *Session) close() {
	s.Negotiator.Close()
	s.Manager.Stop()
	if closer, ok := s.Records.(interface{ Close() error }); ok {
		closer.Close()
	}
}

func newRecordStore(ctx context.Context, cfg *config.Config) (record.Store, error) {
	if cfg.RedisAddr == "" {
		return record.NewMemoryStore(nil), nil
	}
	store, err := record.NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		return nil, fmt.Errorf("connect to record store: %w", err)
	}
	return store, nil
}

func iceServers(cfg *config.Config) []pion.ICEServer {
	servers := []pion.ICEServer{{URLs: cfg.GetSTUNServers()}}
	if turn := cfg.GetTURNServers(); turn != nil {
		user, pass := cfg.GetTURNCredentials()
		servers = append(servers, pion.ICEServer{
			URLs:       turn,
			Username:   user,
			Credential: pass,
		})
	}
	return servers
}

func displayName(info discovery.PeerInfo) string {
	if info.DisplayName != "" {
		return info.DisplayName
	}
	return info.ID
}
