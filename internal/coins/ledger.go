// Package coins arbitrates the shared coin pool: at most one collector
// is granted a coin, and every collected coin reappears exactly once
// after a fixed delay. Granting is a read-immediately-before-write
// check; true exactly-once needs the store to serialize writes to the
// coins document, which the bundled relay store does.
package coins

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meadow-game/meadow/internal/domain"
	"github.com/meadow-game/meadow/internal/store"
)

// Ledger manages one room's coin pool on behalf of one collector.
type Ledger struct {
	st     store.Store
	room   domain.RoomID
	selfID domain.PlayerID

	RespawnDelay time.Duration
	Now          func() time.Time

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

func NewLedger(st store.Store, room domain.RoomID, selfID domain.PlayerID, respawnDelay time.Duration) *Ledger {
	return &Ledger{
		st:           st,
		room:         room,
		selfID:       selfID,
		RespawnDelay: respawnDelay,
		Now:          time.Now,
		timers:       make(map[string]*time.Timer),
	}
}

// EnsureSeeded populates an empty or missing pool with the default
// layout. Idempotent: it only acts when the pool is observably empty,
// so redundant calls from multiple clients are safe.
func (l *Ledger) EnsureSeeded(ctx context.Context) error {
	pool, err := l.readPool(ctx)
	if err != nil {
		return err
	}
	if len(pool.Coins) > 0 {
		return nil
	}
	seeded := domain.CoinPool{
		Coins:       make([]domain.Coin, 0, len(domain.SeedPositions)),
		LastRespawn: l.Now(),
	}
	for _, pos := range domain.SeedPositions {
		seeded.Coins = append(seeded.Coins, domain.NewCoin(pos))
	}
	doc, err := store.Encode(seeded)
	if err != nil {
		return err
	}
	log.Info().Str("module", "coins").Int("count", len(seeded.Coins)).Msg("seeding coin pool")
	return l.st.Set(ctx, domain.CoinsPath(l.room), doc)
}

// Collect grants the coin to this client if it is still in the pool.
// A stale id is a no-op, not an error; that is what makes racing
// collectors safe when the store serializes the two writes. On success
// the collector's score is incremented and a respawn is scheduled.
func (l *Ledger) Collect(ctx context.Context, coinID string) (bool, error) {
	pool, err := l.readPool(ctx)
	if err != nil {
		return false, err
	}
	coin, ok := pool.Find(coinID)
	if !ok {
		log.Debug().Str("module", "coins").Str("coin", coinID).Msg("coin already gone")
		return false, nil
	}

	remaining := pool.Without(coinID)
	if err := l.st.Merge(ctx, domain.CoinsPath(l.room), store.Doc{
		"coins":       remaining,
		"lastRespawn": l.Now(),
	}); err != nil {
		return false, err
	}

	playerPath := domain.PlayerPath(l.room, l.selfID)
	playerDoc, exists, err := l.st.Get(ctx, playerPath)
	if err != nil {
		return false, err
	}
	score := 0
	if exists {
		var p domain.Player
		if err := store.Decode(playerDoc, &p); err == nil {
			score = p.Coins
		}
	}
	if err := l.st.Merge(ctx, playerPath, store.Doc{
		"coins":      score + 1,
		"lastUpdate": l.Now(),
	}); err != nil {
		log.Warn().Err(err).Str("module", "coins").Msg("score write failed")
	}

	l.ScheduleRespawn(coin.Position)
	log.Info().Str("module", "coins").Str("coin", coinID).Int("score", score+1).Msg("coin collected")
	return true, nil
}

// ScheduleRespawn arms a timer that inserts a freshly minted coin at
// the position after the respawn delay. Re-scheduling the same
// position replaces the pending timer: last write wins on the timer,
// not the coin.
func (l *Ledger) ScheduleRespawn(pos [3]float64) {
	key := domain.PositionKey(pos)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if old, ok := l.timers[key]; ok {
		old.Stop()
	}
	l.timers[key] = time.AfterFunc(l.RespawnDelay, func() {
		l.mu.Lock()
		delete(l.timers, key)
		closed := l.closed
		l.mu.Unlock()
		if closed {
			return
		}
		l.respawn(pos)
	})
}

func (l *Ledger) respawn(pos [3]float64) {
	ctx := context.Background()
	pool, err := l.readPool(ctx)
	if err != nil {
		log.Warn().Err(err).Str("module", "coins").Msg("respawn read failed")
		return
	}
	coin := domain.NewCoin(pos)
	if err := l.st.Merge(ctx, domain.CoinsPath(l.room), store.Doc{
		"coins":       append(pool.Coins, coin),
		"lastRespawn": l.Now(),
	}); err != nil {
		log.Warn().Err(err).Str("module", "coins").Msg("respawn write failed")
		return
	}
	log.Info().Str("module", "coins").Str("coin", coin.ID).Msg("coin respawned")
}

// Watch subscribes to the pool document. An observably empty pool is
// re-seeded; otherwise the decoded pool is handed to the callback.
func (l *Ledger) Watch(onPool func(domain.CoinPool)) store.CancelFunc {
	return l.st.Watch(domain.CoinsPath(l.room), func(snap store.Snapshot) {
		if !snap.Exists {
			return
		}
		var pool domain.CoinPool
		if err := store.Decode(snap.Doc, &pool); err != nil {
			log.Debug().Err(err).Str("module", "coins").Msg("malformed pool, skipped")
			return
		}
		if len(pool.Coins) == 0 {
			if err := l.EnsureSeeded(context.Background()); err != nil {
				log.Warn().Err(err).Str("module", "coins").Msg("reseed failed")
			}
			return
		}
		if onPool != nil {
			onPool(pool)
		}
	})
}

// Close cancels every pending respawn timer.
func (l *Ledger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	for key, timer := range l.timers {
		timer.Stop()
		delete(l.timers, key)
	}
}

func (l *Ledger) readPool(ctx context.Context) (domain.CoinPool, error) {
	doc, exists, err := l.st.Get(ctx, domain.CoinsPath(l.room))
	if err != nil || !exists {
		return domain.CoinPool{}, err
	}
	var pool domain.CoinPool
	if err := store.Decode(doc, &pool); err != nil {
		return domain.CoinPool{}, err
	}
	return pool, nil
}
