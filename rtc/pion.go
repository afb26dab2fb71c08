package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/jjwprotozoa/kidscallhome-sub003/media"
	"github.com/jjwprotozoa/kidscallhome-sub003/signaling"
)

// LocalTrackProvider bridges a media track into the webrtc layer. Device
// adapters that can feed RTP implement it; tracks that cannot are attached
// as receive-only.
type LocalTrackProvider interface {
	RTPTrack() webrtc.TrackLocal
}

// PionFactory creates pion-backed peer connections with a fixed ICE server
// configuration.
type PionFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

// NewPionFactory builds a factory using the given STUN/TURN server URLs.
func NewPionFactory(iceServers []string) *PionFactory {
	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return &PionFactory{
		api:    webrtc.NewAPI(),
		config: cfg,
	}
}

// NewPeerConnection creates one pion transport.
func (f *PionFactory) NewPeerConnection() (PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	return newPionPeer(pc), nil
}

// pionPeer adapts *webrtc.PeerConnection to the engine's PeerConnection.
type pionPeer struct {
	pc *webrtc.PeerConnection

	mu            sync.Mutex
	closed        bool
	appliedAnswer string
	onCandidate   func(signaling.Candidate)
	onState       func(ConnState)
	onTrack       func(RemoteTrack)
}

func newPionPeer(pc *webrtc.PeerConnection) *pionPeer {
	p := &pionPeer{pc: pc}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		p.mu.Lock()
		fn := p.onCandidate
		p.mu.Unlock()
		if fn == nil {
			return
		}
		if c == nil {
			// End of gathering.
			fn(signaling.Candidate{})
			return
		}
		init := c.ToJSON()
		out := signaling.Candidate{Payload: init.Candidate}
		if init.SDPMid != nil {
			out.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			out.SDPMLineIndex = *init.SDPMLineIndex
		}
		fn(out)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.mu.Lock()
		fn := p.onState
		p.mu.Unlock()
		if fn != nil {
			fn(mapConnState(state))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.mu.Lock()
		fn := p.onTrack
		p.mu.Unlock()
		if fn != nil {
			fn(RemoteTrack{ID: track.ID(), Kind: track.Kind().String()})
		}
	})

	return p
}

func mapConnState(state webrtc.PeerConnectionState) ConnState {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return ConnStateNew
	case webrtc.PeerConnectionStateConnecting:
		return ConnStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return ConnStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return ConnStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return ConnStateFailed
	default:
		return ConnStateClosed
	}
}

// AddMedia attaches local capture tracks that can provide RTP. Tracks
// without an RTP bridge are skipped; the connection still receives.
func (p *pionPeer) AddMedia(handle media.Handle) error {
	for _, t := range handle.Tracks() {
		provider, ok := t.(LocalTrackProvider)
		if !ok {
			logrus.WithFields(logrus.Fields{
				"function": "AddMedia",
				"kind":     t.Kind(),
			}).Debug("Track has no RTP bridge, receive-only")
			continue
		}
		if _, err := p.pc.AddTrack(provider.RTPTrack()); err != nil {
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
	}
	return nil
}

// CreateOffer produces and locally applies the offer description.
func (p *pionPeer) CreateOffer(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("apply local offer: %w", err)
	}
	return offer.SDP, nil
}

// AcceptOffer applies the remote offer and produces the local answer.
func (p *pionPeer) AcceptOffer(ctx context.Context, offer string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}
	if err := p.pc.SetRemoteDescription(remote); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadDescription, err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("apply local answer: %w", err)
	}
	return answer.SDP, nil
}

// AcceptAnswer applies the remote answer. Replaying the already-applied
// answer is a no-op.
func (p *pionPeer) AcceptAnswer(ctx context.Context, answer string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	if p.appliedAnswer == answer {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}
	if err := p.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("%w: %v", ErrBadDescription, err)
	}

	p.mu.Lock()
	p.appliedAnswer = answer
	p.mu.Unlock()
	return nil
}

// AddRemoteCandidate feeds one remote candidate into the transport.
func (p *pionPeer) AddRemoteCandidate(c signaling.Candidate) error {
	init := webrtc.ICECandidateInit{Candidate: c.Payload}
	if c.SDPMid != "" {
		mid := c.SDPMid
		init.SDPMid = &mid
	}
	if !c.Terminal() && c.SDPMLineIndex != 0 {
		idx := c.SDPMLineIndex
		init.SDPMLineIndex = &idx
	}
	if err := p.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

// RestartICE produces a fresh offer with new transport credentials.
func (p *pionPeer) RestartICE(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	offer, err := p.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
	if err != nil {
		return "", fmt.Errorf("restart offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("apply restart offer: %w", err)
	}

	// The previous answer no longer matches the restarted transport.
	p.mu.Lock()
	p.appliedAnswer = ""
	p.mu.Unlock()
	return offer.SDP, nil
}

// OnLocalCandidate registers the gathering callback.
func (p *pionPeer) OnLocalCandidate(fn func(signaling.Candidate)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCandidate = fn
}

// OnStateChange registers the connectivity callback.
func (p *pionPeer) OnStateChange(fn func(ConnState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = fn
}

// OnRemoteTrack registers the inbound-track callback.
func (p *pionPeer) OnRemoteTrack(fn func(RemoteTrack)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = fn
}

// State returns the current connectivity state.
func (p *pionPeer) State() ConnState {
	return mapConnState(p.pc.ConnectionState())
}

// Close tears the transport down. Idempotent.
func (p *pionPeer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	return p.pc.Close()
}
