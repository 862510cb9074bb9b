package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/rooms"
)

var (
	ErrBackpressure = errors.New("send buffer full")
	ErrClosed       = errors.New("connection closed")
)

const writeWait = 5 * time.Second

// WSConfig tunes the websocket transport.
type WSConfig struct {
	SendBuffer     int
	ReadLimit      int64
	PingPeriod     time.Duration
	AllowedOrigins []string
}

func (c WSConfig) withDefaults() WSConfig {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 64 << 10
	}
	if c.PingPeriod <= 0 {
		c.PingPeriod = 30 * time.Second
	}
	return c
}

// WSConn adapts a websocket to rooms.Conn. Send never blocks: a full buffer
// drops the event.
type WSConn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *WSConn) ID() string { return c.id }

func (c *WSConn) Send(ev rooms.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- b:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *WSConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	_ = c.ws.Close()
}

// Verifier authenticates the upgrade request.
type Verifier interface {
	Verify(token string) (models.Actor, error)
}

// WSServer upgrades HTTP requests and runs a Session per connection.
type WSServer struct {
	handler  *Handler
	verifier Verifier
	cfg      WSConfig
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewWSServer builds the /ws endpoint. A nil verifier accepts anonymous
// connections.
func NewWSServer(h *Handler, v Verifier, cfg WSConfig, logger *slog.Logger) *WSServer {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	s := &WSServer{handler: h, verifier: v, cfg: cfg, logger: logger.With("component", "ws")}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *WSServer) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range s.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var verified *models.Actor
	if s.verifier != nil {
		a, err := s.verifier.Verify(auth.TokenFromRequest(r))
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		verified = &a
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}
	conn := &WSConn{id: uuid.NewString(), ws: ws, send: make(chan []byte, s.cfg.SendBuffer)}
	sess := s.handler.Open(conn, verified)

	ctx, cancel := context.WithCancel(context.Background())
	go s.writePump(ctx, conn)
	go func() {
		defer cancel()
		defer conn.close()
		defer sess.Close()
		s.readPump(ctx, conn, sess)
	}()
}

func (s *WSServer) readPump(ctx context.Context, c *WSConn, sess *Session) {
	c.ws.SetReadLimit(s.cfg.ReadLimit)
	deadline := func() error { return c.ws.SetReadDeadline(time.Now().Add(2 * s.cfg.PingPeriod)) }
	_ = deadline()
	c.ws.SetPongHandler(func(string) error { return deadline() })

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("ws read error", "conn_id", c.id, "error", err)
			}
			return
		}
		sess.Handle(ctx, data)
		if sess.Closed() {
			return
		}
	}
}

func (s *WSServer) writePump(ctx context.Context, c *WSConn) {
	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug("ws write error", "conn_id", c.id, "error", err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
