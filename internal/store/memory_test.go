package store

import (
	"context"
	"testing"
)

func TestMergeKeepsSiblingFields(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.Set(ctx, "rooms/r", Doc{"created": "now", "peers": map[string]any{}}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := m.Merge(ctx, "rooms/r", Doc{"lastActivity": "later"}); err != nil {
		t.Fatalf("merge: %v", err)
	}

	doc, ok, err := m.Get(ctx, "rooms/r")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if doc["created"] != "now" {
		t.Errorf("created clobbered: %v", doc["created"])
	}
	if doc["lastActivity"] != "later" {
		t.Errorf("lastActivity missing: %v", doc["lastActivity"])
	}
}

func TestMergeDotPathDescends(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.Merge(ctx, "rooms/r", Doc{"peers.alice.offer": "sdp-a"}); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if err := m.Merge(ctx, "rooms/r", Doc{"peers.bob.offer": "sdp-b"}); err != nil {
		t.Fatalf("merge: %v", err)
	}

	doc, _, _ := m.Get(ctx, "rooms/r")
	peers := doc["peers"].(map[string]any)
	if len(peers) != 2 {
		t.Fatalf("want 2 peers, got %d", len(peers))
	}
	alice := peers["alice"].(map[string]any)
	if alice["offer"] != "sdp-a" {
		t.Errorf("alice offer = %v", alice["offer"])
	}
}

func TestMergeNilDeletesField(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_ = m.Merge(ctx, "rooms/r", Doc{"peers.alice.offer": "sdp", "peers.bob.offer": "sdp"})
	if err := m.Merge(ctx, "rooms/r", Doc{"peers.alice": nil}); err != nil {
		t.Fatalf("merge: %v", err)
	}

	doc, _, _ := m.Get(ctx, "rooms/r")
	peers := doc["peers"].(map[string]any)
	if _, ok := peers["alice"]; ok {
		t.Error("alice still present after nil merge")
	}
	if _, ok := peers["bob"]; !ok {
		t.Error("bob removed by sibling delete")
	}
}

func TestDeleteMissingIsNoop(t *testing.T) {
	m := NewMemory()
	if err := m.Delete(context.Background(), "rooms/nope"); err != nil {
		t.Fatalf("delete of missing doc should be a no-op, got %v", err)
	}
}

func TestWatchDeliversEveryChange(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	var got []Snapshot
	cancel := m.Watch("rooms/r", func(s Snapshot) { got = append(got, s) })
	defer cancel()

	_ = m.Set(ctx, "rooms/r", Doc{"v": "1"})
	_ = m.Merge(ctx, "rooms/r", Doc{"v": "2"})
	_ = m.Delete(ctx, "rooms/r")

	if len(got) != 3 {
		t.Fatalf("want 3 notifications, got %d", len(got))
	}
	if got[0].Doc["v"] != "1" || got[1].Doc["v"] != "2" {
		t.Errorf("unexpected snapshots: %+v", got)
	}
	if got[2].Exists {
		t.Error("delete notification should report Exists=false")
	}
}

func TestWatchDeliversCurrentStateOnSubscribe(t *testing.T) {
	m := NewMemory()
	_ = m.Set(context.Background(), "rooms/r", Doc{"v": "1"})

	var got []Snapshot
	cancel := m.Watch("rooms/r", func(s Snapshot) { got = append(got, s) })
	defer cancel()

	if len(got) != 1 || got[0].Doc["v"] != "1" {
		t.Fatalf("want initial snapshot, got %+v", got)
	}
}

func TestWatchPrefixAndList(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	var paths []string
	cancel := m.WatchPrefix("rooms/r/players/", func(s Snapshot) { paths = append(paths, s.Path) })
	defer cancel()

	_ = m.Set(ctx, "rooms/r/players/a", Doc{"id": "a"})
	_ = m.Set(ctx, "rooms/r/players/b", Doc{"id": "b"})
	_ = m.Set(ctx, "rooms/r/state/coins", Doc{"coins": []any{}})

	if len(paths) != 2 {
		t.Fatalf("want 2 prefix notifications, got %d (%v)", len(paths), paths)
	}

	docs, err := m.List(ctx, "rooms/r/players/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("want 2 players, got %d", len(docs))
	}
}

func TestWatchCancelStopsDelivery(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	n := 0
	cancel := m.Watch("rooms/r", func(Snapshot) { n++ })
	_ = m.Set(ctx, "rooms/r", Doc{"v": "1"})
	cancel()
	cancel() // second cancel is harmless
	_ = m.Set(ctx, "rooms/r", Doc{"v": "2"})

	if n != 1 {
		t.Fatalf("want 1 delivery, got %d", n)
	}
}

func TestSnapshotsAreCopies(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_ = m.Set(ctx, "rooms/r", Doc{"peers": map[string]any{"a": "x"}})

	doc, _, _ := m.Get(ctx, "rooms/r")
	doc["peers"].(map[string]any)["a"] = "mutated"

	fresh, _, _ := m.Get(ctx, "rooms/r")
	if fresh["peers"].(map[string]any)["a"] != "x" {
		t.Error("caller mutation leaked into the store")
	}
}

func TestClosedStoreRejectsWrites(t *testing.T) {
	m := NewMemory()
	_ = m.Close()
	if err := m.Set(context.Background(), "p", Doc{}); err != ErrClosed {
		t.Fatalf("want ErrClosed, got %v", err)
	}
}

func TestNormalizeTypedValues(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	type pos struct {
		X float64 `json:"x"`
	}
	_ = m.Merge(ctx, "p", Doc{"position": pos{X: 3}})

	doc, _, _ := m.Get(ctx, "p")
	got, ok := doc["position"].(map[string]any)
	if !ok {
		t.Fatalf("typed value not normalized: %T", doc["position"])
	}
	if got["x"] != 3.0 {
		t.Errorf("x = %v", got["x"])
	}
}
