// Package relay exposes an in-memory document store over websocket so
// every client in a room converges on the same documents. It is the
// serialization point for multi-writer documents: all writes funnel
// through one store, so read-modify-write races between clients are
// ordered here.
package relay

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/meadow-game/meadow/internal/config"
	"github.com/meadow-game/meadow/internal/store"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Server struct {
	store *store.Memory
}

func NewServer(st *store.Memory) *Server {
	return &Server{store: st}
}

func SetupRouter(ctx context.Context, cfg *config.Config, srv *Server) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ws", func(c *gin.Context) {
		srv.HandleWS(ctx, c)
	})

	log.Info().Str("module", "relay").Msg("router setup")
	return r
}

// conn wraps one client socket. The send pump owns the writer; a full
// send buffer drops the connection rather than blocking the store.
type conn struct {
	ws   *websocket.Conn
	send chan store.WireMsg

	mu      sync.Mutex
	closed  bool
	watches map[uint64]store.CancelFunc
}

func (c *conn) trySend(msg store.WireMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
		log.Warn().Str("module", "relay").Msg("send buffer full, dropping client")
		c.closeLocked()
	}
}

func (c *conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *conn) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	for _, cancel := range c.watches {
		cancel()
	}
	c.watches = map[uint64]store.CancelFunc{}
	close(c.send)
	_ = c.ws.Close()
}

func (s *Server) HandleWS(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("ws upgrade")
		return
	}
	id := uuid.NewString()
	log.Info().Str("module", "relay").Str("conn", id).Msg("client connected")

	cn := &conn{
		ws:      ws,
		send:    make(chan store.WireMsg, 256),
		watches: make(map[uint64]store.CancelFunc),
	}

	go s.writePump(cn)
	go s.readPump(ctx, id, cn)
}

func (s *Server) writePump(cn *conn) {
	for msg := range cn.send {
		if err := cn.ws.WriteJSON(msg); err != nil {
			cn.close()
			return
		}
	}
}

func (s *Server) readPump(ctx context.Context, id string, cn *conn) {
	defer func() {
		cn.close()
		log.Info().Str("module", "relay").Str("conn", id).Msg("client disconnected")
	}()

	for {
		var msg store.WireMsg
		if err := cn.ws.ReadJSON(&msg); err != nil {
			return
		}
		s.handle(ctx, cn, msg)
	}
}

func (s *Server) handle(ctx context.Context, cn *conn, msg store.WireMsg) {
	res := store.WireMsg{ID: msg.ID, Op: store.OpResult}

	switch msg.Op {
	case store.OpGet:
		doc, exists, err := s.store.Get(ctx, msg.Path)
		res.Doc, res.Exists = doc, exists
		res.Error = errString(err)
	case store.OpSet:
		res.Error = errString(s.store.Set(ctx, msg.Path, msg.Doc))
	case store.OpMerge:
		res.Error = errString(s.store.Merge(ctx, msg.Path, msg.Fields))
	case store.OpDelete:
		res.Error = errString(s.store.Delete(ctx, msg.Path))
	case store.OpList:
		docs, err := s.store.List(ctx, msg.Prefix)
		res.Docs = docs
		res.Error = errString(err)
	case store.OpWatch:
		s.registerWatch(cn, msg)
	case store.OpUnwatch:
		cn.mu.Lock()
		if cancel, ok := cn.watches[msg.WatchID]; ok {
			delete(cn.watches, msg.WatchID)
			cn.mu.Unlock()
			cancel()
		} else {
			cn.mu.Unlock()
		}
	default:
		res.Error = "unknown op"
	}

	cn.trySend(res)
}

func (s *Server) registerWatch(cn *conn, msg store.WireMsg) {
	watchID := msg.WatchID
	fn := func(snap store.Snapshot) {
		cn.trySend(store.WireMsg{
			Op:      store.OpChange,
			WatchID: watchID,
			Path:    snap.Path,
			Doc:     snap.Doc,
			Exists:  snap.Exists,
		})
	}
	var cancel store.CancelFunc
	if msg.Prefix != "" {
		cancel = s.store.WatchPrefix(msg.Prefix, fn)
	} else {
		cancel = s.store.Watch(msg.Path, fn)
	}
	cn.mu.Lock()
	if cn.closed {
		cn.mu.Unlock()
		cancel()
		return
	}
	cn.watches[watchID] = cancel
	cn.mu.Unlock()
}

func errString(err error) string {
	if err != nil {
		return err.Error()
	}
	return ""
}
