package rtc

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/meadow-game/meadow/internal/domain"
)

// ErrVoiceUnavailable wraps audio-source failures. It is fatal to
// voice only: a factory built without a track still carries messages.
var ErrVoiceUnavailable = errors.New("voice unavailable")

// MediaSource provides the local audio track attached to every peer
// transport. Acquisition failure is reported once, at factory build.
type MediaSource interface {
	AudioTrack() (webrtc.TrackLocal, error)
}

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
			{URLs: []string{"stun:stun1.l.google.com:19302"}},
		},
	}
}

// PionFactory builds pion-backed transports sharing one local track.
type PionFactory struct {
	Config webrtc.Configuration
	track  webrtc.TrackLocal
}

// NewPionFactory acquires the audio source once. When media is nil or
// acquisition fails, the returned factory is still usable for
// data-channel-only transports and the error describes the lost voice.
func NewPionFactory(media MediaSource) (*PionFactory, error) {
	f := &PionFactory{Config: DefaultWebRTCConfig()}
	if media == nil {
		return f, nil
	}
	track, err := media.AudioTrack()
	if err != nil {
		return f, errors.Join(ErrVoiceUnavailable, err)
	}
	f.track = track
	return f, nil
}

func (f *PionFactory) NewTransport(peerID string) (Transport, error) {
	pc, err := webrtc.NewPeerConnection(f.Config)
	if err != nil {
		return nil, err
	}
	t := &pionTransport{pc: pc, peerID: peerID}

	if f.track != nil {
		if _, err := pc.AddTrack(f.track); err != nil {
			_ = pc.Close()
			return nil, err
		}
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		t.mu.Lock()
		fn := t.onCandidate
		t.mu.Unlock()
		if fn != nil {
			fn(fromPionCandidate(cand.ToJSON()))
		}
	})

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debug().Str("module", "rtc").Str("peer", peerID).Str("ice_state", s.String()).Msg("ICE state")
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("peer", peerID).Str("peer_connection_state", s.String()).Msg("peer state")
		t.mu.Lock()
		fn := t.onState
		t.mu.Unlock()
		if fn == nil {
			return
		}
		switch s {
		case webrtc.PeerConnectionStateConnected:
			fn(ConnConnected)
		case webrtc.PeerConnectionStateDisconnected:
			fn(ConnDisconnected)
		case webrtc.PeerConnectionStateFailed:
			fn(ConnFailed)
		case webrtc.PeerConnectionStateClosed:
			fn(ConnClosed)
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		t.bindChannel(dc)
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("peer", peerID).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Msg("remote track")
	})

	return t, nil
}

type pionTransport struct {
	pc     *webrtc.PeerConnection
	peerID string

	mu          sync.Mutex
	dc          *webrtc.DataChannel
	onCandidate func(domain.ICECandidate)
	onMessage   func([]byte)
	onState     func(ConnState)
	closed      bool
}

func (t *pionTransport) bindChannel(dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		log.Info().Str("module", "rtc").Str("peer", t.peerID).Str("label", dc.Label()).Msg("channel open")
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.mu.Lock()
		fn := t.onMessage
		t.mu.Unlock()
		if fn != nil {
			fn(msg.Data)
		}
	})
	t.mu.Lock()
	t.dc = dc
	t.mu.Unlock()
}

func (t *pionTransport) CreateOffer(iceRestart bool) (domain.SessionDesc, error) {
	t.mu.Lock()
	needChannel := t.dc == nil && !iceRestart
	t.mu.Unlock()
	if needChannel {
		// offerer side creates the message channel; the answerer
		// receives it through OnDataChannel
		dc, err := t.pc.CreateDataChannel("game", nil)
		if err != nil {
			return domain.SessionDesc{}, err
		}
		t.bindChannel(dc)
	}

	offer, err := t.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		return domain.SessionDesc{}, err
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return domain.SessionDesc{}, err
	}
	return domain.SessionDesc{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (t *pionTransport) AcceptOffer(offer domain.SessionDesc) (domain.SessionDesc, error) {
	if err := t.pc.SetRemoteDescription(toPionDesc(offer)); err != nil {
		return domain.SessionDesc{}, err
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDesc{}, err
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return domain.SessionDesc{}, err
	}
	return domain.SessionDesc{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (t *pionTransport) AcceptAnswer(answer domain.SessionDesc) error {
	return t.pc.SetRemoteDescription(toPionDesc(answer))
}

func (t *pionTransport) AddCandidate(cand domain.ICECandidate) error {
	return t.pc.AddICECandidate(toPionCandidate(cand))
}

func (t *pionTransport) HasRemoteDescription() bool {
	return t.pc.RemoteDescription() != nil
}

func (t *pionTransport) Send(payload []byte) error {
	t.mu.Lock()
	dc := t.dc
	t.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return nil
	}
	return dc.Send(payload)
}

func (t *pionTransport) OnCandidate(fn func(domain.ICECandidate)) {
	t.mu.Lock()
	t.onCandidate = fn
	t.mu.Unlock()
}

func (t *pionTransport) OnMessage(fn func([]byte)) {
	t.mu.Lock()
	t.onMessage = fn
	t.mu.Unlock()
}

func (t *pionTransport) OnStateChange(fn func(ConnState)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

func (t *pionTransport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()
	if err := t.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("peer", t.peerID).Msg("close error")
	} else {
		log.Info().Str("module", "rtc").Str("peer", t.peerID).Msg("transport closed")
	}
}

func toPionDesc(d domain.SessionDesc) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP}
}

func toPionCandidate(c domain.ICECandidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMLineIndex:    c.SDPMLineIndex,
		SDPMid:           c.SDPMid,
		UsernameFragment: c.UsernameFragment,
	}
}

func fromPionCandidate(c webrtc.ICECandidateInit) domain.ICECandidate {
	return domain.ICECandidate{
		Candidate:        c.Candidate,
		SDPMLineIndex:    c.SDPMLineIndex,
		SDPMid:           c.SDPMid,
		UsernameFragment: c.UsernameFragment,
	}
}
