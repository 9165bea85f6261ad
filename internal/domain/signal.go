package domain

import "time"

// SessionDesc is an opaque transport session description exchanged
// during negotiation.
type SessionDesc struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate is a serialized connectivity candidate.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// PeerRecord is one peer's slot in the room document. Written only by
// the peer it describes, read by everyone else. Each signaling field
// holds the latest value; stale duplicates are filtered by the
// receiver's state machine, not here.
type PeerRecord struct {
	Offer         *SessionDesc  `json:"offer,omitempty"`
	Answer        *SessionDesc  `json:"answer,omitempty"`
	ICE           *ICECandidate `json:"ice,omitempty"`
	IsMuted       bool          `json:"isMuted"`
	IsSpeaking    bool          `json:"isSpeaking"`
	LastHeartbeat time.Time     `json:"lastHeartbeat"`
}
