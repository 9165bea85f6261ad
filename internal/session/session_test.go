package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/meadow-game/meadow/internal/domain"
	"github.com/meadow-game/meadow/internal/rtc"
	"github.com/meadow-game/meadow/internal/store"
)

// fakeNet pairs in-memory transports by (self, peer) so two sessions
// sharing the store can exchange payloads without real WebRTC.
type fakeNet struct {
	mu  sync.Mutex
	eps map[string]*fakeConn
}

func newFakeNet() *fakeNet { return &fakeNet{eps: map[string]*fakeConn{}} }

func (n *fakeNet) factory(self string) rtc.TransportFactory {
	return func(peerID string) (rtc.Transport, error) {
		c := &fakeConn{net: n, self: self, peer: peerID}
		n.mu.Lock()
		n.eps[self+"->"+peerID] = c
		n.mu.Unlock()
		return c, nil
	}
}

func (n *fakeNet) lookup(key string) *fakeConn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.eps[key]
}

type fakeConn struct {
	net  *fakeNet
	self string
	peer string

	mu        sync.Mutex
	hasRemote bool
	closed    bool
	onMsg     func([]byte)
	onState   func(rtc.ConnState)
}

func (c *fakeConn) CreateOffer(bool) (domain.SessionDesc, error) {
	return domain.SessionDesc{Type: "offer", SDP: "sdp-" + c.self}, nil
}

func (c *fakeConn) AcceptOffer(domain.SessionDesc) (domain.SessionDesc, error) {
	c.mu.Lock()
	c.hasRemote = true
	c.mu.Unlock()
	c.fireConnected()
	return domain.SessionDesc{Type: "answer", SDP: "sdp-" + c.self}, nil
}

func (c *fakeConn) AcceptAnswer(domain.SessionDesc) error {
	c.mu.Lock()
	c.hasRemote = true
	c.mu.Unlock()
	c.fireConnected()
	return nil
}

// fireConnected runs the state callback on its own goroutine; the real
// transport never delivers state changes on the caller's stack either.
func (c *fakeConn) fireConnected() {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		go fn(rtc.ConnConnected)
	}
}

func (c *fakeConn) AddCandidate(domain.ICECandidate) error { return nil }

func (c *fakeConn) HasRemoteDescription() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasRemote
}

func (c *fakeConn) Send(payload []byte) error {
	other := c.net.lookup(c.peer + "->" + c.self)
	if other == nil {
		return nil
	}
	other.mu.Lock()
	fn := other.onMsg
	closed := other.closed
	other.mu.Unlock()
	if fn != nil && !closed {
		go fn(append([]byte(nil), payload...))
	}
	return nil
}

func (c *fakeConn) OnCandidate(func(domain.ICECandidate)) {}
func (c *fakeConn) OnMessage(fn func([]byte)) {
	c.mu.Lock()
	c.onMsg = fn
	c.mu.Unlock()
}
func (c *fakeConn) OnStateChange(fn func(rtc.ConnState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}
func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

const testRoom = domain.RoomID("meadow")

func connect(t *testing.T, mem *store.Memory, net *fakeNet, id domain.PlayerID, ev Events, opts Options) *Session {
	t.Helper()
	opts.TransportFactory = net.factory(string(id))
	s := New(mem, ev, opts)
	if err := s.Connect(context.Background(), testRoom, id, domain.Profile{Username: string(id)}); err != nil {
		t.Fatalf("connect %s: %v", id, err)
	}
	t.Cleanup(func() { s.Disconnect(context.Background()) })
	return s
}

func getDoc(t *testing.T, mem *store.Memory, path string) (store.Doc, bool) {
	t.Helper()
	doc, ok, err := mem.Get(context.Background(), path)
	if err != nil {
		t.Fatalf("get %s: %v", path, err)
	}
	return doc, ok
}

func TestConnectCreatesRoomPlayerAndCoinDocuments(t *testing.T) {
	mem := store.NewMemory()
	s := connect(t, mem, newFakeNet(), "alice", Events{}, Options{})

	if s.Phase() != PhaseActive {
		t.Fatalf("phase = %d", s.Phase())
	}

	roomDoc, ok := getDoc(t, mem, domain.RoomPath(testRoom))
	if !ok {
		t.Fatal("room document missing")
	}
	var room domain.RoomDoc
	if err := store.Decode(roomDoc, &room); err != nil {
		t.Fatalf("decode room: %v", err)
	}
	if _, ok := room.Peers["alice"]; !ok {
		t.Error("own signaling slot missing from room document")
	}

	playerDoc, ok := getDoc(t, mem, domain.PlayerPath(testRoom, "alice"))
	if !ok {
		t.Fatal("player record missing")
	}
	var p domain.Player
	if err := store.Decode(playerDoc, &p); err != nil {
		t.Fatalf("decode player: %v", err)
	}
	if p.Username != "alice" || p.CharacterType != domain.DefaultCharacterType {
		t.Errorf("player record = %+v", p)
	}

	coinsDoc, ok := getDoc(t, mem, domain.CoinsPath(testRoom))
	if !ok {
		t.Fatal("coin pool not seeded")
	}
	var pool domain.CoinPool
	if err := store.Decode(coinsDoc, &pool); err != nil {
		t.Fatalf("decode pool: %v", err)
	}
	if len(pool.Coins) != 4 {
		t.Errorf("seeded %d coins", len(pool.Coins))
	}
}

func TestConnectRejectedWhileAlreadyConnected(t *testing.T) {
	mem := store.NewMemory()
	s := connect(t, mem, newFakeNet(), "alice", Events{}, Options{})
	if err := s.Connect(context.Background(), testRoom, "alice", domain.Profile{}); err == nil {
		t.Fatal("second connect accepted")
	}
	if s.Phase() != PhaseActive {
		t.Errorf("rejected connect changed phase to %d", s.Phase())
	}
}

func TestOperationsRequireActiveSession(t *testing.T) {
	s := New(store.NewMemory(), Events{}, Options{})
	ctx := context.Background()

	if err := s.UpdateState(ctx, domain.Vec3{}, domain.Vec3{}, false); !errors.Is(err, ErrNotActive) {
		t.Errorf("UpdateState err = %v", err)
	}
	if _, err := s.CollectCoin(ctx, "c"); !errors.Is(err, ErrNotActive) {
		t.Errorf("CollectCoin err = %v", err)
	}
	if err := s.SetMuted(ctx, true); !errors.Is(err, ErrNotActive) {
		t.Errorf("SetMuted err = %v", err)
	}
	if err := s.SetMusicState(ctx, true, 0); !errors.Is(err, ErrNotActive) {
		t.Errorf("SetMusicState err = %v", err)
	}
}

func TestUpdateStateThrottlesStoreWrites(t *testing.T) {
	mem := store.NewMemory()
	s := connect(t, mem, newFakeNet(), "alice", Events{}, Options{UpdateThrottle: time.Hour})
	ctx := context.Background()

	first := domain.Vec3{X: 1, Y: 0, Z: 1}
	if err := s.UpdateState(ctx, first, domain.Vec3{}, true); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if err := s.UpdateState(ctx, domain.Vec3{X: 9, Y: 0, Z: 9}, domain.Vec3{}, true); err != nil {
		t.Fatalf("second update: %v", err)
	}

	doc, _ := getDoc(t, mem, domain.PlayerPath(testRoom, "alice"))
	var p domain.Player
	if err := store.Decode(doc, &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// the second call lands inside the throttle window and is dropped
	if p.Position != first {
		t.Errorf("stored position = %+v, want %+v", p.Position, first)
	}
}

func TestSetMutedWritesRecordAndSignalingSlot(t *testing.T) {
	mem := store.NewMemory()
	s := connect(t, mem, newFakeNet(), "alice", Events{}, Options{})

	if err := s.SetMuted(context.Background(), true); err != nil {
		t.Fatalf("set muted: %v", err)
	}

	playerDoc, _ := getDoc(t, mem, domain.PlayerPath(testRoom, "alice"))
	var p domain.Player
	if err := store.Decode(playerDoc, &p); err != nil {
		t.Fatalf("decode player: %v", err)
	}
	if !p.IsMuted {
		t.Error("player record not muted")
	}

	roomDoc, _ := getDoc(t, mem, domain.RoomPath(testRoom))
	var room domain.RoomDoc
	if err := store.Decode(roomDoc, &room); err != nil {
		t.Fatalf("decode room: %v", err)
	}
	if !room.Peers["alice"].IsMuted {
		t.Error("signaling slot not muted")
	}
}

func TestMusicStateRoundTrip(t *testing.T) {
	mem := store.NewMemory()
	music := make(chan domain.MusicState, 8)
	s := connect(t, mem, newFakeNet(), "alice", Events{
		OnMusic: func(ms domain.MusicState) { music <- ms },
	}, Options{})

	if err := s.SetMusicState(context.Background(), true, 2); err != nil {
		t.Fatalf("set music: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		select {
		case ms := <-music:
			if ms.IsPlaying && ms.CurrentSongIndex == 2 {
				return
			}
		case <-deadline:
			t.Fatal("music state never delivered")
		}
	}
}

func TestPlayersEventTracksJoiners(t *testing.T) {
	mem := store.NewMemory()
	net := newFakeNet()
	lists := make(chan []domain.Player, 32)
	connect(t, mem, net, "alice", Events{
		OnPlayers: func(ps []domain.Player) { lists <- ps },
	}, Options{})

	waitForPlayers := func(want int) []domain.Player {
		deadline := time.After(2 * time.Second)
		for {
			select {
			case ps := <-lists:
				if len(ps) == want {
					return ps
				}
			case <-deadline:
				t.Fatalf("never saw %d players", want)
			}
		}
	}

	if ps := waitForPlayers(1); ps[0].ID != "alice" {
		t.Fatalf("first roster = %+v", ps)
	}

	connect(t, mem, net, "bob", Events{}, Options{})
	ps := waitForPlayers(2)
	// roster is sorted by id
	if ps[0].ID != "alice" || ps[1].ID != "bob" {
		t.Fatalf("roster = %v, %v", ps[0].ID, ps[1].ID)
	}
}

func TestTwoSessionsNegotiateAndExchangeUpdates(t *testing.T) {
	mem := store.NewMemory()
	net := newFakeNet()

	aPeers := make(chan string, 8)
	aLost := make(chan string, 8)
	a := connect(t, mem, net, "alice", Events{
		OnPeerConnected: func(id string) { aPeers <- id },
		OnPeerLost:      func(id string) { aLost <- id },
	}, Options{})

	bPeers := make(chan string, 8)
	bMsgs := make(chan CharacterUpdate, 8)
	b := connect(t, mem, net, "bob", Events{
		OnPeerConnected: func(id string) { bPeers <- id },
		OnPeerMessage:   func(_ string, u CharacterUpdate) { bMsgs <- u },
	}, Options{})

	waitPeer := func(ch chan string, want string) {
		t.Helper()
		select {
		case id := <-ch:
			if id != want {
				t.Fatalf("peer connected = %q, want %q", id, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("no connection to %q", want)
		}
	}
	waitPeer(aPeers, "bob")
	waitPeer(bPeers, "alice")

	pos := domain.Vec3{X: 3, Y: 0, Z: -2}
	if err := a.UpdateState(context.Background(), pos, domain.Vec3{}, true); err != nil {
		t.Fatalf("update: %v", err)
	}

	select {
	case u := <-bMsgs:
		if u.ID != "alice" || u.Position != pos {
			t.Fatalf("update = %+v", u)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("character update never arrived")
	}

	b.Disconnect(context.Background())
	select {
	case id := <-aLost:
		if id != "bob" {
			t.Fatalf("lost peer = %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("departure never reported")
	}
}

func TestDisconnectRemovesOwnRecords(t *testing.T) {
	mem := store.NewMemory()
	s := connect(t, mem, newFakeNet(), "alice", Events{}, Options{})

	s.Disconnect(context.Background())
	if s.Phase() != PhaseClosed {
		t.Fatalf("phase = %d", s.Phase())
	}

	if _, ok := getDoc(t, mem, domain.PlayerPath(testRoom, "alice")); ok {
		t.Error("player record survived disconnect")
	}
	roomDoc, _ := getDoc(t, mem, domain.RoomPath(testRoom))
	var room domain.RoomDoc
	if err := store.Decode(roomDoc, &room); err != nil {
		t.Fatalf("decode room: %v", err)
	}
	if _, ok := room.Peers["alice"]; ok {
		t.Error("signaling slot survived disconnect")
	}

	if err := s.UpdateState(context.Background(), domain.Vec3{}, domain.Vec3{}, false); !errors.Is(err, ErrNotActive) {
		t.Errorf("post-disconnect update err = %v", err)
	}
}

func TestCollectCoinThroughSession(t *testing.T) {
	mem := store.NewMemory()
	pools := make(chan domain.CoinPool, 16)
	s := connect(t, mem, newFakeNet(), "alice", Events{
		OnCoins: func(p domain.CoinPool) { pools <- p },
	}, Options{RespawnDelay: time.Hour})

	coinsDoc, _ := getDoc(t, mem, domain.CoinsPath(testRoom))
	var pool domain.CoinPool
	if err := store.Decode(coinsDoc, &pool); err != nil {
		t.Fatalf("decode pool: %v", err)
	}

	ok, err := s.CollectCoin(context.Background(), pool.Coins[0].ID)
	if err != nil || !ok {
		t.Fatalf("collect: ok=%v err=%v", ok, err)
	}

	deadline := time.After(time.Second)
	for {
		select {
		case p := <-pools:
			if len(p.Coins) == 3 {
				return
			}
		case <-deadline:
			t.Fatal("shrunk pool never delivered")
		}
	}
}
