package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrBackpressure = errors.New("backpressure")

const sendBuffer = 64

// WSClient speaks the wire protocol to a relay server. One goroutine
// owns the socket writer, one owns the reader; calls block on a reply
// channel keyed by request id. A dropped socket fails in-flight calls
// and silences watches; callers' periodic writes supersede, there is
// no internal replay queue.
type WSClient struct {
	conn *websocket.Conn
	send chan WireMsg

	mu        sync.Mutex
	closed    bool
	nextReq   uint64
	nextWatch uint64
	pending   map[uint64]chan WireMsg
	watches   map[uint64]func(Snapshot)
}

// DialWS connects to a relay's websocket endpoint, e.g.
// "ws://localhost:8080/ws".
func DialWS(ctx context.Context, url string) (*WSClient, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial store relay: %w", err)
	}
	c := &WSClient{
		conn:    conn,
		send:    make(chan WireMsg, sendBuffer),
		pending: make(map[uint64]chan WireMsg),
		watches: make(map[uint64]func(Snapshot)),
	}
	go c.writePump()
	go c.readPump()
	return c, nil
}

func (c *WSClient) writePump() {
	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			log.Error().Err(err).Str("module", "store.ws").Msg("write failed")
			c.teardown(err)
			return
		}
	}
}

func (c *WSClient) readPump() {
	for {
		var msg WireMsg
		if err := c.conn.ReadJSON(&msg); err != nil {
			c.teardown(err)
			return
		}
		switch msg.Op {
		case OpChange:
			c.mu.Lock()
			fn := c.watches[msg.WatchID]
			c.mu.Unlock()
			if fn != nil {
				fn(Snapshot{Path: msg.Path, Doc: msg.Doc, Exists: msg.Exists})
			}
		case OpResult:
			c.mu.Lock()
			ch := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.mu.Unlock()
			if ch != nil {
				ch <- msg
			}
		default:
			log.Warn().Str("module", "store.ws").Str("op", msg.Op).Msg("unexpected frame")
		}
	}
}

// teardown fails all in-flight calls after a socket error.
func (c *WSClient) teardown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = map[uint64]chan WireMsg{}
	c.watches = map[uint64]func(Snapshot){}
	c.mu.Unlock()

	close(c.send)
	_ = c.conn.Close()
	for _, ch := range pending {
		ch <- WireMsg{Op: OpResult, Error: ErrClosed.Error()}
	}
	if err != nil {
		log.Warn().Err(err).Str("module", "store.ws").Msg("connection lost")
	}
}

func (c *WSClient) call(ctx context.Context, msg WireMsg) (WireMsg, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return WireMsg{}, ErrClosed
	}
	c.nextReq++
	msg.ID = c.nextReq
	reply := make(chan WireMsg, 1)
	c.pending[msg.ID] = reply
	// the send stays under the lock so teardown cannot close the
	// channel between the closed check and the send
	select {
	case c.send <- msg:
	default:
		delete(c.pending, msg.ID)
		c.mu.Unlock()
		return WireMsg{}, ErrBackpressure
	}
	c.mu.Unlock()

	select {
	case res := <-reply:
		if res.Error != "" {
			return res, errors.New(res.Error)
		}
		return res, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, msg.ID)
		c.mu.Unlock()
		return WireMsg{}, ctx.Err()
	}
}

func (c *WSClient) Get(ctx context.Context, path string) (Doc, bool, error) {
	res, err := c.call(ctx, WireMsg{Op: OpGet, Path: path})
	if err != nil {
		return nil, false, err
	}
	return res.Doc, res.Exists, nil
}

func (c *WSClient) Set(ctx context.Context, path string, doc Doc) error {
	nd, _ := Encode(doc)
	_, err := c.call(ctx, WireMsg{Op: OpSet, Path: path, Doc: nd})
	return err
}

func (c *WSClient) Merge(ctx context.Context, path string, fields Doc) error {
	nf := make(Doc, len(fields))
	for k, v := range fields {
		nf[k] = normalize(v)
	}
	_, err := c.call(ctx, WireMsg{Op: OpMerge, Path: path, Fields: nf})
	return err
}

func (c *WSClient) Delete(ctx context.Context, path string) error {
	_, err := c.call(ctx, WireMsg{Op: OpDelete, Path: path})
	return err
}

func (c *WSClient) List(ctx context.Context, prefix string) (map[string]Doc, error) {
	res, err := c.call(ctx, WireMsg{Op: OpList, Prefix: prefix})
	if err != nil {
		return nil, err
	}
	return res.Docs, nil
}

func (c *WSClient) Watch(path string, fn func(Snapshot)) CancelFunc {
	return c.watch(WireMsg{Op: OpWatch, Path: path}, fn)
}

func (c *WSClient) WatchPrefix(prefix string, fn func(Snapshot)) CancelFunc {
	return c.watch(WireMsg{Op: OpWatch, Prefix: prefix}, fn)
}

func (c *WSClient) watch(msg WireMsg, fn func(Snapshot)) CancelFunc {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return func() {}
	}
	c.nextWatch++
	id := c.nextWatch
	c.watches[id] = fn
	c.mu.Unlock()

	msg.WatchID = id
	if _, err := c.call(context.Background(), msg); err != nil {
		log.Error().Err(err).Str("module", "store.ws").Str("path", msg.Path+msg.Prefix).Msg("watch failed")
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.watches, id)
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				_, _ = c.call(context.Background(), WireMsg{Op: OpUnwatch, WatchID: id})
			}
		})
	}
}

func (c *WSClient) Close() error {
	c.teardown(nil)
	return nil
}
