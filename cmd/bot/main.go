// Command bot is a headless room client: it joins a room through the
// relay, wanders the meadow, and collects any coin it walks over.
// Useful for smoke-testing a relay and for populating a room.
package main

import (
	"context"
	"math"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/meadow-game/meadow/internal/config"
	"github.com/meadow-game/meadow/internal/domain"
	"github.com/meadow-game/meadow/internal/session"
	"github.com/meadow-game/meadow/internal/store"
)

const collectRadius = 1.5

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
	}

	st, err := store.DialWS(ctx, cfg.StoreURL)
	if err != nil {
		log.Fatal().Err(err).Str("url", cfg.StoreURL).Msg("store relay unreachable")
	}
	defer func() { _ = st.Close() }()

	var mu sync.Mutex
	var pool domain.CoinPool

	sess := session.New(st, session.Events{
		OnPlayers: func(players []domain.Player) {
			log.Debug().Int("count", len(players)).Msg("players")
		},
		OnCoins: func(p domain.CoinPool) {
			mu.Lock()
			pool = p
			mu.Unlock()
		},
		OnPeerConnected: func(peerID string) {
			log.Info().Str("peer", peerID).Msg("peer connected")
		},
		OnPeerLost: func(peerID string) {
			log.Info().Str("peer", peerID).Msg("peer lost")
		},
	}, session.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		SweepInterval:     cfg.SweepInterval,
		StaleWindow:       cfg.StaleWindow,
		PlayerLiveWindow:  cfg.PlayerLiveWindow,
		PeerLiveWindow:    cfg.PeerLiveWindow,
		RespawnDelay:      cfg.RespawnDelay,
		UpdateThrottle:    cfg.UpdateThrottle,
		MaxReconnects:     cfg.MaxReconnects,
	})

	selfID := domain.NewPlayerID()
	err = sess.Connect(ctx, domain.RoomID(cfg.Room), selfID, domain.Profile{
		Username:      "bot-" + string(selfID)[:4],
		CharacterType: domain.DefaultCharacterType,
	})
	if err != nil {
		// voice failures are expected headless; anything else is fatal
		if sess.Phase() != session.PhaseActive {
			log.Fatal().Err(err).Msg("connect failed")
		}
		log.Warn().Err(err).Msg("running without voice")
	}

	go wander(ctx, sess, &mu, &pool)

	<-ctx.Done()
	sess.Disconnect(context.Background())
}

// wander walks a slow circle and collects coins in reach.
func wander(ctx context.Context, sess *session.Session, mu *sync.Mutex, pool *domain.CoinPool) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t := time.Since(start).Seconds() * 0.2
			pos := domain.Vec3{X: 8 * math.Cos(t), Y: 0, Z: 8 * math.Sin(t)}
			rot := domain.Vec3{Y: t + math.Pi/2}
			if err := sess.UpdateState(ctx, pos, rot, true); err != nil {
				return
			}

			mu.Lock()
			coins := append([]domain.Coin(nil), pool.Coins...)
			mu.Unlock()
			for _, c := range coins {
				dx := pos.X - c.Position[0]
				dz := pos.Z - c.Position[2]
				if math.Hypot(dx, dz) <= collectRadius {
					if ok, _ := sess.CollectCoin(ctx, c.ID); ok {
						log.Info().Str("coin", c.ID).Msg("collected")
					}
				}
			}
		}
	}
}
