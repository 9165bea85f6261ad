package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Coin is one collectible in the shared pool. Ids are unique and never
// reused: a respawned coin at the same position carries a fresh id.
type Coin struct {
	ID       string     `json:"id"`
	Position [3]float64 `json:"position"`
}

// CoinPool is the room's shared coin document. A coin is either present
// in the pool or removed pending respawn, never both.
type CoinPool struct {
	Coins       []Coin    `json:"coins"`
	LastRespawn time.Time `json:"lastRespawn"`
}

// SeedPositions is the default coin layout for a fresh room.
var SeedPositions = [][3]float64{
	{-8, 0.5, -8},
	{8, 0.5, -8},
	{-8, 0.5, 8},
	{8, 0.5, 8},
}

// NewCoin mints a coin with a fresh id at the given position.
func NewCoin(pos [3]float64) Coin {
	return Coin{ID: uuid.NewString(), Position: pos}
}

// PositionKey collapses a position into a map key so respawn timers can
// be deduplicated per spot.
func PositionKey(pos [3]float64) string {
	return fmt.Sprintf("%g,%g,%g", pos[0], pos[1], pos[2])
}

// Find returns the coin with the given id, if present.
func (p CoinPool) Find(id string) (Coin, bool) {
	for _, c := range p.Coins {
		if c.ID == id {
			return c, true
		}
	}
	return Coin{}, false
}

// Without returns the pool's coins with the given id removed.
func (p CoinPool) Without(id string) []Coin {
	out := make([]Coin, 0, len(p.Coins))
	for _, c := range p.Coins {
		if c.ID != id {
			out = append(out, c)
		}
	}
	return out
}
