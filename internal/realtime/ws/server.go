// Package ws carries dashboard sessions over websocket connections.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"fleet-mission-service/internal/dashboard"
	"fleet-mission-service/internal/model"
)

const (
	pingInterval   = 30 * time.Second
	pongWait       = 60 * time.Second
	writeWait      = 10 * time.Second
	maxMessageSize = 8192
	sendBuffer     = 256
	openTimeout    = 15 * time.Second
)

// SessionFactory builds the dashboard session of one connection. notify must
// be handed to the session.
type SessionFactory func(principal model.Principal, notify func(dashboard.Update)) (*dashboard.Session, error)

type Server struct {
	upgrader websocket.Upgrader
	sessions SessionFactory
	poller   *dashboard.Poller
	log      zerolog.Logger

	mu    sync.Mutex
	conns map[*conn]struct{}
}

// NewServer accepts any origin; the bearer token already authenticated the
// request. poller may be nil.
func NewServer(sessions SessionFactory, poller *dashboard.Poller, log zerolog.Logger) *Server {
	return &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sessions: sessions,
		poller:   poller,
		log:      log.With().Str("component", "realtime_ws").Logger(),
		conns:    make(map[*conn]struct{}),
	}
}

type message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type snapshot struct {
	Missions   []model.Mission         `json:"missions"`
	Breakdowns []model.BreakdownReport `json:"breakdowns"`
	Positions  []model.PositionSample  `json:"positions"`
}

type conn struct {
	ws      *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	session *dashboard.Session
	log     zerolog.Logger
}

// Serve upgrades the request and runs the connection until either side
// closes it.
func (s *Server) Serve(w http.ResponseWriter, r *http.Request, principal model.Principal) {
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &conn{
		ws:   wsConn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
		log:  s.log.With().Str("user_id", principal.UserID.String()).Logger(),
	}

	session, err := s.sessions(principal, c.notify)
	if err != nil {
		c.log.Warn().Err(err).Msg("dashboard session refused")
		_ = wsConn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
			time.Now().Add(writeWait))
		_ = wsConn.Close()
		return
	}
	c.session = session

	go c.writePump()

	ctx, cancel := context.WithTimeout(context.Background(), openTimeout)
	err = session.Open(ctx)
	cancel()
	if err != nil {
		c.log.Error().Err(err).Msg("dashboard session open failed")
		session.Close()
		c.shutdown()
		return
	}

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	if s.poller != nil {
		s.poller.Add(session)
	}
	c.log.Info().Str("role", string(principal.Role)).Msg("dashboard connected")

	go func() {
		c.readPump()
		if s.poller != nil {
			s.poller.Remove(session)
		}
		session.Close()
		c.shutdown()

		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		c.log.Info().Msg("dashboard disconnected")
	}()
}

// Count returns the number of open connections.
func (s *Server) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close asks every connection to shut down.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.shutdown()
	}
}

func (c *conn) shutdown() {
	c.once.Do(func() { close(c.done) })
}

// notify runs on hub and poller goroutines. It never blocks: a client that
// cannot keep up is disconnected and reconciles when it comes back.
func (c *conn) notify(u dashboard.Update) {
	var msg message
	switch u.Kind {
	case dashboard.UpdateSnapshot:
		msg = message{Type: "snapshot", Data: snapshot{
			Missions:   c.session.Missions.Items(),
			Breakdowns: c.session.Breakdowns.Items(),
			Positions:  c.session.Positions.Items(),
		}}
	case dashboard.UpdatePositions:
		msg = message{Type: "positions", Data: c.session.Positions.Items()}
	case dashboard.UpdateEvent:
		msg = message{Type: "event", Data: u.Event}
	default:
		return
	}
	c.enqueue(msg)
}

func (c *conn) enqueue(msg message) {
	b, err := json.Marshal(msg)
	if err != nil {
		c.log.Error().Err(err).Str("type", msg.Type).Msg("encode message failed")
		return
	}
	select {
	case <-c.done:
	case c.send <- b:
	default:
		c.log.Warn().Msg("send buffer full, closing connection")
		c.shutdown()
	}
}

func (c *conn) readPump() {
	defer func() { _ = c.ws.Close() }()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn().Err(err).Msg("websocket read failed")
			}
			return
		}

		var in struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &in); err != nil {
			c.log.Debug().Err(err).Msg("unreadable client message")
			continue
		}
		switch in.Type {
		case "ping":
			c.enqueue(message{Type: "pong"})
		case "reconcile":
			ctx, cancel := context.WithTimeout(context.Background(), openTimeout)
			if err := c.session.Reconcile(ctx); err != nil {
				c.enqueue(message{Type: "error", Data: map[string]string{"error": "reconciliation failed"}})
			}
			cancel()
		}
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case b := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				c.shutdown()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		}
	}
}
