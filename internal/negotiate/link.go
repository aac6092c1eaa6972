package negotiate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	pion "github.com/pion/webrtc/v4"
)

// syncChannelLabel names the single data channel carried by every peer
// connection. Both sides expect it; the offerer creates it.
const syncChannelLabel = "sync"

// NewPionLinks returns a LinkFactory backed by pion peer connections.
func NewPionLinks(iceServers []pion.ICEServer) LinkFactory {
	return func(hooks LinkHooks) (PeerLink, error) {
		pc, err := pion.NewPeerConnection(pion.Configuration{ICEServers: iceServers})
		if err != nil {
			return nil, fmt.Errorf("create peer connection: %w", err)
		}

		link := &pionLink{pc: pc, hooks: hooks}

		pc.OnICECandidate(func(c *pion.ICECandidate) {
			if c == nil || hooks.OnCandidate == nil {
				return
			}
			raw, err := json.Marshal(c.ToJSON())
			if err != nil {
				return
			}
			hooks.OnCandidate(raw)
		})

		pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
			if hooks.OnFailure == nil {
				return
			}
			switch state {
			case pion.PeerConnectionStateFailed:
				hooks.OnFailure(errors.New("peer connection failed"))
			case pion.PeerConnectionStateClosed:
				hooks.OnFailure(errors.New("peer connection closed"))
			}
		})

		// The answering side receives the channel from the offerer.
		pc.OnDataChannel(func(dc *pion.DataChannel) {
			link.watch(dc)
		})

		return link, nil
	}
}

type pionLink struct {
	pc    *pion.PeerConnection
	hooks LinkHooks
}

func (l *pionLink) Offer(ctx context.Context) (string, error) {
	ordered := true
	dc, err := l.pc.CreateDataChannel(syncChannelLabel, &pion.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return "", fmt.Errorf("create data channel: %w", err)
	}
	l.watch(dc)

	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return l.pc.LocalDescription().SDP, nil
}

func (l *pionLink) Answer(ctx context.Context, offerSDP string) (string, error) {
	remote := pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: offerSDP}
	if err := l.pc.SetRemoteDescription(remote); err != nil {
		return "", fmt.Errorf("set remote description: %w", err)
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return l.pc.LocalDescription().SDP, nil
}

func (l *pionLink) AcceptAnswer(answerSDP string) error {
	remote := pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: answerSDP}
	if err := l.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (l *pionLink) AddCandidate(candidate json.RawMessage) error {
	var init pion.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("parse candidate: %w", err)
	}
	if err := l.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

func (l *pionLink) Close() error {
	return l.pc.Close()
}

func (l *pionLink) watch(dc *pion.DataChannel) {
	dc.OnOpen(func() {
		if l.hooks.OnOpen != nil {
			l.hooks.OnOpen(&pionChannel{dc: dc})
		}
	})
}

// WrapChannel adapts a raw pion data channel to the DataChannel
// interface. Used by callers that negotiate outside the state machine,
// such as manual pairing.
func WrapChannel(dc *pion.DataChannel) DataChannel {
	return &pionChannel{dc: dc}
}

// pionChannel adapts a pion data channel to the DataChannel interface.
type pionChannel struct {
	dc *pion.DataChannel
}

func (c *pionChannel) Label() string { return c.dc.Label() }

func (c *pionChannel) Send(data []byte) error { return c.dc.Send(data) }

func (c *pionChannel) OnMessage(fn func(data []byte)) {
	c.dc.OnMessage(func(msg pion.DataChannelMessage) {
		fn(msg.Data)
	})
}

func (c *pionChannel) Close() error { return c.dc.Close() }
