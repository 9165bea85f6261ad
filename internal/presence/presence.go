// Package presence infers liveness without disconnect notifications:
// every client heartbeats its own records, filters peers by heartbeat
// age for display, and sweeps records nobody has refreshed for long
// enough. Liveness is lenient and fast; the sweep is conservative and
// slow, so a peer that is merely late to heartbeat disappears from view
// before anyone deletes it.
package presence

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meadow-game/meadow/internal/domain"
	"github.com/meadow-game/meadow/internal/store"
)

// Tracker heartbeats one player's record and evaluates everyone else's.
type Tracker struct {
	st     store.Store
	room   domain.RoomID
	selfID domain.PlayerID

	// Now is swappable for tests.
	Now func() time.Time

	// LastKnown rebuilds the caller's own player document when the
	// heartbeat finds it missing.
	LastKnown func() store.Doc
}

func NewTracker(st store.Store, room domain.RoomID, selfID domain.PlayerID) *Tracker {
	return &Tracker{st: st, room: room, selfID: selfID, Now: time.Now}
}

// BeginHeartbeat merge-writes the caller's own lastHeartbeat on a fixed
// period. onBeat, when set, runs after every publish so callers can
// piggyback other periodic writes (the voice peer heartbeat rides on
// it). The returned cancel stops the ticker.
func (t *Tracker) BeginHeartbeat(interval time.Duration, onBeat func(now time.Time)) store.CancelFunc {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := t.Now()
				t.beat(ctx, now)
				if onBeat != nil {
					onBeat(now)
				}
			}
		}
	}()
	return store.CancelFunc(cancel)
}

func (t *Tracker) beat(ctx context.Context, now time.Time) {
	path := domain.PlayerPath(t.room, t.selfID)
	_, exists, err := t.st.Get(ctx, path)
	if err != nil {
		log.Warn().Err(err).Str("module", "presence").Msg("heartbeat read failed")
		return
	}
	if !exists {
		// transient write failures can lose the record; recreate it
		// from the last known state rather than erroring
		if t.LastKnown == nil {
			log.Warn().Str("module", "presence").Str("self", string(t.selfID)).Msg("own record missing, no recovery state")
			return
		}
		log.Info().Str("module", "presence").Str("self", string(t.selfID)).Msg("recreating own player record")
		doc := t.LastKnown()
		doc["lastHeartbeat"] = now
		if err := t.st.Set(ctx, path, doc); err != nil {
			log.Warn().Err(err).Str("module", "presence").Msg("recreate failed")
		}
		return
	}
	if err := t.st.Merge(ctx, path, store.Doc{"lastHeartbeat": now}); err != nil {
		log.Warn().Err(err).Str("module", "presence").Msg("heartbeat write failed")
	}
}

// LivePlayers filters a player set down to records heartbeated within
// the window. Order carries no meaning.
func (t *Tracker) LivePlayers(players []domain.Player, window time.Duration) []domain.Player {
	now := t.Now()
	out := make([]domain.Player, 0, len(players))
	for _, p := range players {
		hb := p.LastHeartbeat
		if hb.IsZero() {
			hb = p.LastUpdate
		}
		if hb.IsZero() || now.Sub(hb) > window {
			continue
		}
		out = append(out, p)
	}
	return out
}

// LivePeers filters voice peer records the same way.
func (t *Tracker) LivePeers(peers map[string]domain.PeerRecord, window time.Duration) map[string]domain.PeerRecord {
	now := t.Now()
	out := make(map[string]domain.PeerRecord, len(peers))
	for id, rec := range peers {
		if rec.LastHeartbeat.IsZero() || now.Sub(rec.LastHeartbeat) > window {
			continue
		}
		out[id] = rec
	}
	return out
}

// BeginSweep deletes stale player records on its own period,
// independent of the liveness filter. Any client may run it; deleting
// an already-deleted record is a no-op, so concurrent sweeps are safe.
func (t *Tracker) BeginSweep(period, staleWindow time.Duration) store.CancelFunc {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.SweepOnce(ctx, staleWindow)
			}
		}
	}()
	return store.CancelFunc(cancel)
}

// SweepOnce removes every non-self player record whose heartbeat is
// older than the stale window. Returns the removed ids.
func (t *Tracker) SweepOnce(ctx context.Context, staleWindow time.Duration) []domain.PlayerID {
	docs, err := t.st.List(ctx, domain.PlayersPrefix(t.room))
	if err != nil {
		log.Warn().Err(err).Str("module", "presence").Msg("sweep list failed")
		return nil
	}
	now := t.Now()
	var removed []domain.PlayerID
	for path, doc := range docs {
		var p domain.Player
		if err := store.Decode(doc, &p); err != nil || p.ID == "" || p.ID == t.selfID {
			continue
		}
		hb := p.LastHeartbeat
		if hb.IsZero() {
			hb = p.LastUpdate
		}
		if now.Sub(hb) <= staleWindow {
			continue
		}
		if err := t.st.Delete(ctx, path); err != nil {
			log.Warn().Err(err).Str("module", "presence").Str("player", string(p.ID)).Msg("evict failed")
			continue
		}
		log.Info().Str("module", "presence").Str("player", string(p.ID)).Msg("stale player evicted")
		removed = append(removed, p.ID)
	}
	return removed
}
