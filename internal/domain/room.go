package domain

import "time"

// RoomDoc is the top-level room document: creation metadata plus the
// per-peer signaling records keyed by peer id.
type RoomDoc struct {
	Created      time.Time             `json:"created"`
	LastActivity time.Time             `json:"lastActivity"`
	Peers        map[string]PeerRecord `json:"peers"`
}

// MusicState is the shared jukebox flag. Playback itself is handled by
// an external collaborator; this layer only reads and writes the state.
type MusicState struct {
	IsPlaying        bool      `json:"isPlaying"`
	CurrentSongIndex int       `json:"currentSongIndex"`
	LastUpdate       time.Time `json:"lastUpdate"`
}
