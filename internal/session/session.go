// Package session wires the coordination layer together for one
// room/user pair: presence, signaling, the peer mesh, and the coin
// ledger, with state-change events fanned out to external
// collaborators. One Session replaces the process-wide singletons of
// older designs; its lifetime is the room connection.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meadow-game/meadow/internal/coins"
	"github.com/meadow-game/meadow/internal/domain"
	"github.com/meadow-game/meadow/internal/presence"
	"github.com/meadow-game/meadow/internal/rtc"
	"github.com/meadow-game/meadow/internal/signal"
	"github.com/meadow-game/meadow/internal/store"
)

type Phase int

const (
	PhaseUninitialized Phase = iota
	PhaseConnecting
	PhaseActive
	PhaseDisconnecting
	PhaseClosed
)

var ErrNotActive = errors.New("session not active")

// Events are the callbacks rendering/UI collaborators consume. All are
// optional. Callbacks may arrive from store or transport goroutines.
type Events struct {
	OnPlayers       func([]domain.Player)
	OnCoins         func(domain.CoinPool)
	OnMusic         func(domain.MusicState)
	OnPeerConnected func(peerID string)
	OnPeerLost      func(peerID string)
	OnPeerMessage   func(peerID string, update CharacterUpdate)
}

// Options tune a session. Zero values fall back to the recommended
// intervals.
type Options struct {
	HeartbeatInterval time.Duration
	SweepInterval     time.Duration
	StaleWindow       time.Duration
	PlayerLiveWindow  time.Duration
	PeerLiveWindow    time.Duration
	RespawnDelay      time.Duration
	UpdateThrottle    time.Duration
	MaxReconnects     int

	// Media provides the local voice track. Nil runs data-only.
	Media rtc.MediaSource
	// TransportFactory overrides the pion transport, used by tests.
	TransportFactory rtc.TransportFactory
}

func (o *Options) applyDefaults() {
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = 5 * time.Second
	}
	if o.SweepInterval == 0 {
		o.SweepInterval = 10 * time.Second
	}
	if o.StaleWindow == 0 {
		o.StaleWindow = 30 * time.Second
	}
	if o.PlayerLiveWindow == 0 {
		o.PlayerLiveWindow = 10 * time.Second
	}
	if o.PeerLiveWindow == 0 {
		o.PeerLiveWindow = 15 * time.Second
	}
	if o.RespawnDelay == 0 {
		o.RespawnDelay = 5 * time.Second
	}
	if o.UpdateThrottle == 0 {
		o.UpdateThrottle = 50 * time.Millisecond
	}
	if o.MaxReconnects == 0 {
		o.MaxReconnects = 3
	}
}

// Session coordinates one user's participation in one room.
type Session struct {
	st     store.Store
	events Events
	opts   Options

	mu      sync.Mutex
	phase   Phase
	room    domain.RoomID
	selfID  domain.PlayerID
	profile domain.Profile
	self    domain.Player

	channel *signal.Channel
	tracker *presence.Tracker
	ledger  *coins.Ledger
	mesh    *rtc.Manager

	cancels  []store.CancelFunc
	throttle *throttle
}

func New(st store.Store, events Events, opts Options) *Session {
	opts.applyDefaults()
	return &Session{st: st, events: events, opts: opts, phase: PhaseUninitialized}
}

// Connect joins the room: ensures the room, player, coin, and music
// documents exist, then starts heartbeat, sweep, signaling, the peer
// mesh, and the coin watch. A voice acquisition failure is returned as
// an error wrapping rtc.ErrVoiceUnavailable while the session stays
// active without voice; any other error leaves the session closed.
func (s *Session) Connect(ctx context.Context, room domain.RoomID, selfID domain.PlayerID, profile domain.Profile) error {
	s.mu.Lock()
	if s.phase != PhaseUninitialized {
		s.mu.Unlock()
		return fmt.Errorf("connect in phase %d", s.phase)
	}
	s.phase = PhaseConnecting
	s.room = room
	s.selfID = selfID
	s.profile = profile
	s.mu.Unlock()

	fail := func(err error) error {
		s.mu.Lock()
		s.phase = PhaseClosed
		s.mu.Unlock()
		return err
	}

	self, err := domain.NewPlayer(selfID, profile, time.Now())
	if err != nil {
		return fail(err)
	}

	if err := s.ensureRoom(ctx); err != nil {
		return fail(fmt.Errorf("ensure room: %w", err))
	}
	selfDoc, err := store.Encode(self)
	if err != nil {
		return fail(err)
	}
	if err := s.st.Set(ctx, domain.PlayerPath(room, selfID), selfDoc); err != nil {
		return fail(fmt.Errorf("create player record: %w", err))
	}

	s.mu.Lock()
	s.self = *self
	s.throttle = newThrottle(s.opts.UpdateThrottle)
	s.channel = signal.NewChannel(s.st, room, string(selfID))
	s.tracker = presence.NewTracker(s.st, room, selfID)
	s.tracker.LastKnown = s.lastKnownSelf
	s.ledger = coins.NewLedger(s.st, room, selfID, s.opts.RespawnDelay)
	s.mu.Unlock()

	// voice is best-effort: a missing microphone degrades to
	// data-channel-only, reported to the caller, never retried here
	var voiceErr error
	factory := s.opts.TransportFactory
	if factory == nil {
		pf, err := rtc.NewPionFactory(s.opts.Media)
		if err != nil {
			if !errors.Is(err, rtc.ErrVoiceUnavailable) {
				return fail(err)
			}
			voiceErr = err
		}
		factory = pf.NewTransport
	}

	s.mu.Lock()
	s.mesh = rtc.NewManager(string(selfID), s.channel, factory, s.opts.MaxReconnects, rtc.Events{
		OnPeerConnected: s.events.OnPeerConnected,
		OnPeerLost:      s.events.OnPeerLost,
		OnMessage:       s.onPeerPayload,
	})
	mesh := s.mesh
	tracker := s.tracker
	channel := s.channel
	ledger := s.ledger
	s.mu.Unlock()

	// announce our signaling slot before anyone can see us as live
	_ = channel.Publish(ctx, store.Doc{
		"lastHeartbeat": time.Now(),
		"isMuted":       false,
		"isSpeaking":    false,
	})

	cancels := []store.CancelFunc{
		tracker.BeginHeartbeat(s.opts.HeartbeatInterval, func(now time.Time) {
			_ = channel.PublishHeartbeat(context.Background(), now)
		}),
		tracker.BeginSweep(s.opts.SweepInterval, s.opts.StaleWindow),
		channel.Subscribe(func(peers map[string]domain.PeerRecord) {
			mesh.Sync(tracker.LivePeers(peers, s.opts.PeerLiveWindow))
		}),
		s.st.WatchPrefix(domain.PlayersPrefix(room), func(store.Snapshot) {
			s.publishPlayers(context.Background())
		}),
		ledger.Watch(func(pool domain.CoinPool) {
			if s.events.OnCoins != nil {
				s.events.OnCoins(pool)
			}
		}),
		s.watchMusic(),
	}

	if err := ledger.EnsureSeeded(ctx); err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("coin seed failed")
	}

	s.mu.Lock()
	s.cancels = cancels
	s.phase = PhaseActive
	s.mu.Unlock()

	log.Info().Str("module", "session").Str("room", string(room)).Str("self", string(selfID)).Msg("connected")
	return voiceErr
}

func (s *Session) ensureRoom(ctx context.Context) error {
	path := domain.RoomPath(s.room)
	_, exists, err := s.st.Get(ctx, path)
	if err != nil {
		return err
	}
	now := time.Now()
	if !exists {
		return s.st.Set(ctx, path, store.Doc{
			"created":      now,
			"lastActivity": now,
			"peers":        map[string]any{},
		})
	}
	return s.st.Merge(ctx, path, store.Doc{"lastActivity": now})
}

// lastKnownSelf rebuilds the own player document for heartbeat
// recovery after a lost record.
func (s *Session) lastKnownSelf() store.Doc {
	s.mu.Lock()
	self := s.self
	s.mu.Unlock()
	doc, err := store.Encode(self)
	if err != nil {
		return store.Doc{}
	}
	return doc
}

func (s *Session) publishPlayers(ctx context.Context) {
	if s.events.OnPlayers == nil {
		return
	}
	docs, err := s.st.List(ctx, domain.PlayersPrefix(s.room))
	if err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("player list failed")
		return
	}
	players := make([]domain.Player, 0, len(docs))
	for _, doc := range docs {
		var p domain.Player
		if err := store.Decode(doc, &p); err != nil || p.ID == "" {
			continue
		}
		players = append(players, p)
	}
	live := s.tracker.LivePlayers(players, s.opts.PlayerLiveWindow)
	sort.Slice(live, func(i, j int) bool { return live[i].ID < live[j].ID })
	s.events.OnPlayers(live)
}

func (s *Session) watchMusic() store.CancelFunc {
	path := domain.MusicPath(s.room)
	return s.st.Watch(path, func(snap store.Snapshot) {
		if !snap.Exists {
			return
		}
		var ms domain.MusicState
		if err := store.Decode(snap.Doc, &ms); err != nil {
			return
		}
		if s.events.OnMusic != nil {
			s.events.OnMusic(ms)
		}
	})
}

// UpdateState publishes own position/rotation/movement, throttled to
// one write per interval; suppressed calls are dropped because the
// next one carries fresher state anyway. The update is also fanned out
// to every connected peer over the low-latency channel.
func (s *Session) UpdateState(ctx context.Context, pos, rot domain.Vec3, isMoving bool) error {
	s.mu.Lock()
	if s.phase != PhaseActive {
		s.mu.Unlock()
		return ErrNotActive
	}
	s.self.Position = pos
	s.self.Rotation = rot
	s.self.IsMoving = isMoving
	self := s.self
	th := s.throttle
	mesh := s.mesh
	s.mu.Unlock()

	if payload, err := EncodeCharacterUpdate(CharacterUpdate{
		ID:              self.ID,
		CharacterType:   self.CharacterType,
		Position:        pos,
		Rotation:        rot,
		IsMoving:        isMoving,
		Accessories:     self.Accessories,
		AccessoryColors: self.AccessoryColors,
		Username:        self.Username,
		IsSpeaking:      self.IsSpeaking,
	}); err == nil {
		mesh.Broadcast(payload)
	}

	if !th.allow() {
		return nil
	}
	return s.st.Merge(ctx, domain.PlayerPath(s.room, s.selfID), store.Doc{
		"position":   pos,
		"rotation":   rot,
		"isMoving":   isMoving,
		"lastUpdate": time.Now(),
	})
}

// SetMuted flips the local mute flag on the player record and the
// signaling slot so peers can render it.
func (s *Session) SetMuted(ctx context.Context, muted bool) error {
	return s.setFlags(ctx, "isMuted", muted)
}

// SetSpeaking publishes the voice-activity flag.
func (s *Session) SetSpeaking(ctx context.Context, speaking bool) error {
	return s.setFlags(ctx, "isSpeaking", speaking)
}

func (s *Session) setFlags(ctx context.Context, field string, val bool) error {
	s.mu.Lock()
	if s.phase != PhaseActive {
		s.mu.Unlock()
		return ErrNotActive
	}
	switch field {
	case "isMuted":
		s.self.IsMuted = val
	case "isSpeaking":
		s.self.IsSpeaking = val
	}
	channel := s.channel
	s.mu.Unlock()

	if err := channel.Publish(ctx, store.Doc{field: val}); err != nil {
		return err
	}
	return s.st.Merge(ctx, domain.PlayerPath(s.room, s.selfID), store.Doc{field: val})
}

// CollectCoin forwards to the ledger.
func (s *Session) CollectCoin(ctx context.Context, coinID string) (bool, error) {
	s.mu.Lock()
	if s.phase != PhaseActive {
		s.mu.Unlock()
		return false, ErrNotActive
	}
	ledger := s.ledger
	s.mu.Unlock()
	return ledger.Collect(ctx, coinID)
}

// SetMusicState merge-writes the shared jukebox state. Playback is the
// playlist collaborator's business.
func (s *Session) SetMusicState(ctx context.Context, playing bool, songIndex int) error {
	s.mu.Lock()
	if s.phase != PhaseActive {
		s.mu.Unlock()
		return ErrNotActive
	}
	s.mu.Unlock()
	return s.st.Merge(ctx, domain.MusicPath(s.room), store.Doc{
		"isPlaying":        playing,
		"currentSongIndex": songIndex,
		"lastUpdate":       time.Now(),
	})
}

// SendToPeer writes one payload to a single peer, fire-and-forget.
func (s *Session) SendToPeer(peerID string, update CharacterUpdate) {
	s.mu.Lock()
	mesh := s.mesh
	phase := s.phase
	s.mu.Unlock()
	if phase != PhaseActive || mesh == nil {
		return
	}
	if payload, err := EncodeCharacterUpdate(update); err == nil {
		mesh.Send(peerID, payload)
	}
}

func (s *Session) onPeerPayload(peerID string, payload []byte) {
	if s.events.OnPeerMessage == nil {
		return
	}
	if update, ok := DecodeCharacterUpdate(payload); ok {
		s.events.OnPeerMessage(peerID, update)
	}
}

// Phase reports the lifecycle phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Disconnect stops all periodic tasks, releases every peer connection,
// and best-effort deletes the caller's own player and peer records.
// Failures are logged, not retried: the records will be swept as stale
// eventually.
func (s *Session) Disconnect(ctx context.Context) {
	s.mu.Lock()
	if s.phase != PhaseActive && s.phase != PhaseConnecting {
		s.mu.Unlock()
		return
	}
	s.phase = PhaseDisconnecting
	cancels := s.cancels
	s.cancels = nil
	mesh := s.mesh
	ledger := s.ledger
	channel := s.channel
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if mesh != nil {
		mesh.Close()
	}
	if ledger != nil {
		ledger.Close()
	}

	if err := s.st.Delete(ctx, domain.PlayerPath(s.room, s.selfID)); err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("player record cleanup failed")
	}
	if channel != nil {
		if err := channel.RemoveSelf(ctx); err != nil {
			log.Warn().Err(err).Str("module", "session").Msg("peer record cleanup failed")
		}
	}

	s.mu.Lock()
	s.phase = PhaseClosed
	s.mu.Unlock()
	log.Info().Str("module", "session").Str("self", string(s.selfID)).Msg("disconnected")
}
