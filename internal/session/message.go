package session

import (
	"encoding/json"

	"github.com/meadow-game/meadow/internal/domain"
)

// CharacterUpdate is the peer-channel wire message: one JSON record per
// change, fire-and-forget, no acknowledgement.
type CharacterUpdate struct {
	ID              domain.PlayerID   `json:"id"`
	CharacterType   string            `json:"characterType"`
	Position        domain.Vec3       `json:"position"`
	Rotation        domain.Vec3       `json:"rotation"`
	IsMoving        bool              `json:"isMoving"`
	Accessories     map[string]bool   `json:"accessories"`
	AccessoryColors map[string]string `json:"accessoryColors"`
	Username        string            `json:"username"`
	IsSpeaking      bool              `json:"isSpeaking"`
}

type wireEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

const msgCharacterUpdate = "characterUpdate"

// EncodeCharacterUpdate wraps an update in its wire envelope.
func EncodeCharacterUpdate(u CharacterUpdate) ([]byte, error) {
	data, err := json.Marshal(u)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEnvelope{Type: msgCharacterUpdate, Data: data})
}

// DecodeCharacterUpdate unwraps a peer-channel payload. The second
// return is false for unknown or malformed message types, which are
// dropped by receivers.
func DecodeCharacterUpdate(payload []byte) (CharacterUpdate, bool) {
	var env wireEnvelope
	if err := json.Unmarshal(payload, &env); err != nil || env.Type != msgCharacterUpdate {
		return CharacterUpdate{}, false
	}
	var u CharacterUpdate
	if err := json.Unmarshal(env.Data, &u); err != nil {
		return CharacterUpdate{}, false
	}
	return u, true
}
