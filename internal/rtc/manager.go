package rtc

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/meadow-game/meadow/internal/domain"
	"github.com/meadow-game/meadow/internal/signal"
)

// State is the per-peer negotiation state.
type State int

const (
	StateAbsent State = iota
	StateOffering
	StateAnswering
	StateConnected
	StateRestarting
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateOffering:
		return "negotiating-offer"
	case StateAnswering:
		return "negotiating-answer"
	case StateConnected:
		return "connected"
	case StateRestarting:
		return "restarting"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Events are the manager's outward contract. Callbacks run outside the
// manager lock and may call back into it.
type Events struct {
	OnPeerConnected func(peerID string)
	OnPeerLost      func(peerID string)
	OnMessage       func(peerID string, payload []byte)
}

// link is the state machine for one remote peer. At most one live
// transport exists per peer id; all transitions are guarded by the
// manager lock.
type link struct {
	peerID    string
	state     State
	transport Transport
	attempts  int
	announced bool
	lastICE   []byte
}

// Manager owns the mesh: one link per live remote peer, fed by full
// peers-map snapshots and by transport-level connectivity callbacks.
type Manager struct {
	selfID        string
	ch            *signal.Channel
	newTransport  TransportFactory
	maxReconnects int
	events        Events

	mu     sync.Mutex
	links  map[string]*link
	closed bool
}

func NewManager(selfID string, ch *signal.Channel, factory TransportFactory, maxReconnects int, ev Events) *Manager {
	return &Manager{
		selfID:        selfID,
		ch:            ch,
		newTransport:  factory,
		maxReconnects: maxReconnects,
		events:        ev,
		links:         make(map[string]*link),
	}
}

// Sync reconciles the link set against the current live peers map.
// Records for peers in an unusable state are dropped, not errored: the
// sender re-publishes its current fields on its next change.
func (m *Manager) Sync(peers map[string]domain.PeerRecord) {
	var actions []func()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	for id, l := range m.links {
		if _, ok := peers[id]; !ok {
			actions = append(actions, m.dropLocked(l, "peer departed"))
		}
	}
	for id, rec := range peers {
		actions = append(actions, m.applyLocked(id, rec)...)
	}
	m.mu.Unlock()

	for _, fn := range actions {
		if fn != nil {
			fn()
		}
	}
}

// applyLocked routes one peer record through the transition guards and
// returns the side effects to run after unlock (publishes, events).
func (m *Manager) applyLocked(id string, rec domain.PeerRecord) []func() {
	var actions []func()

	l, ok := m.links[id]
	if !ok {
		l = &link{peerID: id}
		t, err := m.newTransport(id)
		if err != nil {
			log.Error().Err(err).Str("module", "rtc").Str("peer", id).Msg("transport create failed")
			return nil
		}
		l.transport = t
		m.links[id] = l
		m.bindTransport(l, t)

		if rec.Offer != nil {
			// the peer already published an offer for us; answer it
			// instead of initiating our own
			actions = append(actions, m.answerLocked(l, *rec.Offer))
		} else {
			actions = append(actions, m.offerLocked(l, false))
		}
		return actions
	}

	switch {
	case rec.Offer != nil && l.state == StateAbsent && !l.transport.HasRemoteDescription():
		actions = append(actions, m.answerLocked(l, *rec.Offer))
	case rec.Answer != nil && (l.state == StateOffering || l.state == StateRestarting):
		if err := l.transport.AcceptAnswer(*rec.Answer); err != nil {
			log.Warn().Err(err).Str("module", "rtc").Str("peer", id).Msg("answer rejected")
		} else {
			m.transition(l, StateConnected)
		}
	}

	if rec.ICE != nil && l.transport.HasRemoteDescription() {
		raw, _ := json.Marshal(rec.ICE)
		if string(raw) != string(l.lastICE) {
			l.lastICE = raw
			if err := l.transport.AddCandidate(*rec.ICE); err != nil {
				log.Debug().Err(err).Str("module", "rtc").Str("peer", id).Msg("candidate rejected")
			}
		}
	}
	return actions
}

func (m *Manager) offerLocked(l *link, restart bool) func() {
	desc, err := l.transport.CreateOffer(restart)
	if err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("peer", l.peerID).Msg("offer failed")
		return nil
	}
	if restart {
		m.transition(l, StateRestarting)
	} else {
		m.transition(l, StateOffering)
	}
	return func() {
		_ = m.ch.PublishOffer(context.Background(), desc)
	}
}

func (m *Manager) answerLocked(l *link, offer domain.SessionDesc) func() {
	answer, err := l.transport.AcceptOffer(offer)
	if err != nil {
		log.Warn().Err(err).Str("module", "rtc").Str("peer", l.peerID).Msg("offer rejected")
		return nil
	}
	m.transition(l, StateAnswering)
	return func() {
		_ = m.ch.PublishAnswer(context.Background(), answer)
	}
}

// dropLocked tears a link down and returns the lost event, if owed.
func (m *Manager) dropLocked(l *link, reason string) func() {
	delete(m.links, l.peerID)
	m.transition(l, StateClosed)
	t := l.transport
	announced := l.announced
	peerID := l.peerID
	log.Info().Str("module", "rtc").Str("peer", peerID).Str("reason", reason).Msg("link dropped")
	return func() {
		t.Close()
		if announced && m.events.OnPeerLost != nil {
			m.events.OnPeerLost(peerID)
		}
	}
}

func (m *Manager) bindTransport(l *link, t Transport) {
	peerID := l.peerID
	t.OnCandidate(func(cand domain.ICECandidate) {
		_ = m.ch.PublishCandidate(context.Background(), cand)
	})
	t.OnMessage(func(payload []byte) {
		if m.events.OnMessage != nil {
			m.events.OnMessage(peerID, payload)
		}
	})
	t.OnStateChange(func(s ConnState) {
		m.onTransportState(l, s)
	})
	log.Info().Str("module", "rtc").Str("peer", peerID).Msg("transport created")
}

func (m *Manager) onTransportState(l *link, s ConnState) {
	var action func()

	m.mu.Lock()
	if m.closed || m.links[l.peerID] != l {
		m.mu.Unlock()
		return
	}
	switch s {
	case ConnConnected:
		l.attempts = 0
		m.transition(l, StateConnected)
		if !l.announced {
			l.announced = true
			if m.events.OnPeerConnected != nil {
				peerID := l.peerID
				action = func() { m.events.OnPeerConnected(peerID) }
			}
		}
	case ConnDisconnected, ConnFailed:
		if l.state == StateClosed || l.state == StateFailed {
			break
		}
		l.attempts++
		if l.attempts > m.maxReconnects {
			m.transition(l, StateFailed)
			action = m.dropLocked(l, "reconnect attempts exhausted")
		} else {
			log.Info().Str("module", "rtc").Str("peer", l.peerID).
				Int("attempt", l.attempts).Int("max", m.maxReconnects).Msg("ICE restart")
			action = m.offerLocked(l, true)
		}
	case ConnClosed:
		if l.state != StateClosed {
			action = m.dropLocked(l, "transport closed")
		}
	}
	m.mu.Unlock()

	if action != nil {
		action()
	}
}

func (m *Manager) transition(l *link, to State) {
	if l.state == to {
		return
	}
	log.Debug().Str("module", "rtc").Str("peer", l.peerID).
		Str("from", l.state.String()).Str("to", to.String()).Msg("transition")
	l.state = to
}

// Send writes one payload to a peer. Silently dropped when the peer or
// its message channel is not ready.
func (m *Manager) Send(peerID string, payload []byte) {
	m.mu.Lock()
	l, ok := m.links[peerID]
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := l.transport.Send(payload); err != nil {
		log.Debug().Err(err).Str("module", "rtc").Str("peer", peerID).Msg("send failed")
	}
}

// Broadcast sends one payload to every peer, fire-and-forget.
func (m *Manager) Broadcast(payload []byte) {
	m.mu.Lock()
	links := make([]*link, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.mu.Unlock()
	for _, l := range links {
		if err := l.transport.Send(payload); err != nil {
			log.Debug().Err(err).Str("module", "rtc").Str("peer", l.peerID).Msg("send failed")
		}
	}
}

// PeerState reports a peer's current negotiation state.
func (m *Manager) PeerState(peerID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.links[peerID]; ok {
		return l.state
	}
	return StateAbsent
}

// Close tears down every link without emitting lost events.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	links := m.links
	m.links = map[string]*link{}
	m.mu.Unlock()

	for _, l := range links {
		l.transport.Close()
	}
	log.Info().Str("module", "rtc").Int("links", len(links)).Msg("manager closed")
}
