// Package domain contains entity types without logic, just meta-data.
package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	MaxPlayerIDLen = 36
	MaxUsernameLen = 36

	DefaultCharacterType = "cow"
)

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrPlayerIDEmpty   = errors.New("player id empty")
)

type (
	PlayerID string
	RoomID   string
)

// Vec3 is a world-space coordinate triple.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Profile is what a client chooses before joining: name and appearance.
type Profile struct {
	Username        string            `json:"username"`
	CharacterType   string            `json:"characterType"`
	Accessories     map[string]bool   `json:"accessories"`
	AccessoryColors map[string]string `json:"accessoryColors"`
}

// Player is one user's record in the room's players collection.
// Single-writer: only the owning client updates it (any client may
// delete it once it has gone stale).
type Player struct {
	ID              PlayerID          `json:"id"`
	Username        string            `json:"username"`
	Position        Vec3              `json:"position"`
	Rotation        Vec3              `json:"rotation"`
	IsMoving        bool              `json:"isMoving"`
	CharacterType   string            `json:"characterType"`
	Accessories     map[string]bool   `json:"accessories"`
	AccessoryColors map[string]string `json:"accessoryColors"`
	IsSpeaking      bool              `json:"isSpeaking"`
	IsMuted         bool              `json:"isMuted"`
	Coins           int               `json:"coins"`
	LastUpdate      time.Time         `json:"lastUpdate"`
	LastHeartbeat   time.Time         `json:"lastHeartbeat"`
}

// NewPlayer builds a joining player's initial record from a profile,
// filling the same defaults for every absent field so a half-filled
// profile never produces a half-filled document.
func NewPlayer(id PlayerID, p Profile, now time.Time) (*Player, error) {
	if id == "" {
		return nil, ErrPlayerIDEmpty
	}
	if len(p.Username) > MaxUsernameLen {
		return nil, ErrUsernameTooLong
	}
	username := p.Username
	if username == "" {
		username = DefaultUsername(id)
	}
	charType := p.CharacterType
	if charType == "" {
		charType = DefaultCharacterType
	}
	accessories := p.Accessories
	if accessories == nil {
		accessories = map[string]bool{}
	}
	colors := p.AccessoryColors
	if colors == nil {
		colors = map[string]string{}
	}
	return &Player{
		ID:              id,
		Username:        username,
		CharacterType:   charType,
		Accessories:     accessories,
		AccessoryColors: colors,
		LastUpdate:      now,
		LastHeartbeat:   now,
	}, nil
}

// DefaultUsername derives a display name for players who never picked one.
func DefaultUsername(id PlayerID) string {
	s := string(id)
	if len(s) > 4 {
		s = s[:4]
	}
	return fmt.Sprintf("Player %s", s)
}

// NewPlayerID mints a fresh player id.
func NewPlayerID() PlayerID {
	return PlayerID(uuid.NewString())
}
