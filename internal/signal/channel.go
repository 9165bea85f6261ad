// Package signal moves offer/answer/candidate messages between peers
// through per-peer fields on the shared room document. It owns the
// encode/decode boundary: loosely-typed store fields become validated
// PeerRecord variants here, and anything malformed is skipped, never
// surfaced.
package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meadow-game/meadow/internal/domain"
	"github.com/meadow-game/meadow/internal/store"
)

// Channel is bound to one room document and one self id. All publishes
// land under peers.<selfId>; subscribers see the whole peers map.
type Channel struct {
	st     store.Store
	path   string
	selfID string

	mu      sync.Mutex
	prevRaw []byte
}

func NewChannel(st store.Store, room domain.RoomID, selfID string) *Channel {
	return &Channel{st: st, path: domain.RoomPath(room), selfID: selfID}
}

// Publish merge-writes fields under the caller's own peer record.
// Failures are non-fatal: merge-writes are idempotent per field, so
// the next publish supersedes a lost one.
func (c *Channel) Publish(ctx context.Context, fields store.Doc) error {
	prefixed := make(store.Doc, len(fields))
	for k, v := range fields {
		prefixed[fmt.Sprintf("peers.%s.%s", c.selfID, k)] = v
	}
	if err := c.st.Merge(ctx, c.path, prefixed); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("self", c.selfID).Msg("publish failed")
		return err
	}
	return nil
}

func (c *Channel) PublishOffer(ctx context.Context, desc domain.SessionDesc) error {
	return c.Publish(ctx, store.Doc{"offer": desc})
}

func (c *Channel) PublishAnswer(ctx context.Context, desc domain.SessionDesc) error {
	return c.Publish(ctx, store.Doc{"answer": desc})
}

func (c *Channel) PublishCandidate(ctx context.Context, cand domain.ICECandidate) error {
	return c.Publish(ctx, store.Doc{"ice": cand})
}

func (c *Channel) PublishHeartbeat(ctx context.Context, now time.Time) error {
	return c.Publish(ctx, store.Doc{"lastHeartbeat": now})
}

func (c *Channel) PublishFlags(ctx context.Context, muted, speaking bool) error {
	return c.Publish(ctx, store.Doc{"isMuted": muted, "isSpeaking": speaking})
}

// RemoveSelf deletes the caller's peer record on graceful departure.
func (c *Channel) RemoveSelf(ctx context.Context) error {
	return c.st.Merge(ctx, c.path, store.Doc{"peers." + c.selfID: nil})
}

// Subscribe watches the room document and delivers the decoded peers
// map, self excluded. Snapshots identical to the previous one are
// dropped so re-deliveries from the store don't re-trigger the peer
// state machines for nothing.
func (c *Channel) Subscribe(onPeers func(map[string]domain.PeerRecord)) store.CancelFunc {
	return c.st.Watch(c.path, func(snap store.Snapshot) {
		if !snap.Exists {
			return
		}
		rawPeers, ok := snap.Doc["peers"].(map[string]any)
		if !ok {
			return
		}
		raw, err := json.Marshal(rawPeers)
		if err != nil {
			return
		}
		c.mu.Lock()
		if bytes.Equal(raw, c.prevRaw) {
			c.mu.Unlock()
			return
		}
		c.prevRaw = raw
		c.mu.Unlock()

		peers := make(map[string]domain.PeerRecord, len(rawPeers))
		for id, rv := range rawPeers {
			if id == c.selfID {
				continue
			}
			var rec domain.PeerRecord
			if err := store.Decode(asDoc(rv), &rec); err != nil {
				log.Debug().Err(err).Str("module", "signal").Str("peer", id).Msg("malformed peer record, skipped")
				continue
			}
			peers[id] = rec
		}
		onPeers(peers)
	})
}

func asDoc(v any) store.Doc {
	if m, ok := v.(map[string]any); ok {
		return store.Doc(m)
	}
	return store.Doc{}
}
