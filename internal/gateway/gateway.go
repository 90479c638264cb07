// Package gateway terminates session channel WebSocket connections and
// routes their commands.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/buildkite/coderoom/internal/broadcast"
	"github.com/buildkite/coderoom/internal/ids"
	"github.com/buildkite/coderoom/internal/protocol"
	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

var ErrTransportDisconnected = errors.New("transport disconnected")

const (
	DefaultMaxMessageBytes = 512 * 1024
	DefaultPongWait        = 60 * time.Second
	DefaultWriteWait       = 10 * time.Second
)

// Config configures a Gateway.
type Config struct {
	Dispatcher *Dispatcher
	Logger     *log.Logger

	MaxMessageBytes int64
	// AllowedOrigins lists permitted Origin hosts. Empty allows same-host
	// requests only; "*" allows any origin.
	AllowedOrigins []string
	PongWait       time.Duration
	WriteWait      time.Duration
	QueueSize      int
}

// Gateway is the /ws handler. Each connection runs a read loop and a write
// loop in one errgroup scope; when either ends the connection leaves its
// session.
type Gateway struct {
	cfg      Config
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	conns map[string]*websocket.Conn
	wg    sync.WaitGroup
}

func New(cfg Config) *Gateway {
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = DefaultPongWait
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = DefaultWriteWait
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = broadcast.DefaultQueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		conns:  map[string]*websocket.Conn{},
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		if g.cfg.Logger != nil {
			g.cfg.Logger.Debug("websocket upgrade failed", "remote_ip", extractSourceIP(r.RemoteAddr), "error", err)
		}
		return
	}

	connID := ids.NewConnectionID()
	if !g.track(connID, ws) {
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}
	defer g.untrack(connID)

	logger := g.cfg.Logger
	if logger != nil {
		logger = logger.With("conn_id", connID)
		logger.Debug("connection opened", "remote_ip", extractSourceIP(r.RemoteAddr))
	}
	c := &conn{
		gateway: g,
		ws:      ws,
		logger:  logger,
		queue:   broadcast.NewQueue(g.cfg.QueueSize, logger),
	}
	err = c.run(g.ctx, connID)
	if logger != nil {
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) && websocket.IsUnexpectedCloseError(closeErr, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
			logger.Warn("connection closed", "error", err)
		} else {
			logger.Debug("connection closed", "error", err)
		}
	}
}

// Close ends every open connection and waits for their cleanup.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.cancel()
	g.mu.Unlock()
	g.wg.Wait()
}

// Connections returns the number of open connections.
func (g *Gateway) Connections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

func (g *Gateway) track(id string, ws *websocket.Conn) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ctx.Err() != nil {
		return false
	}
	g.conns[id] = ws
	g.wg.Add(1)
	return true
}

func (g *Gateway) untrack(id string) {
	g.mu.Lock()
	delete(g.conns, id)
	g.mu.Unlock()
	g.wg.Done()
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range g.cfg.AllowedOrigins {
		allowed = strings.TrimSpace(allowed)
		if allowed == "*" || strings.EqualFold(allowed, u.Host) || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return strings.EqualFold(u.Host, r.Host)
}

type conn struct {
	gateway *Gateway
	ws      *websocket.Conn
	logger  *log.Logger
	queue   *broadcast.Queue
}

func (c *conn) run(parent context.Context, connID string) error {
	group, ctx := errgroup.WithContext(parent)
	peer := NewPeer(ctx, connID, c.queue)

	group.Go(func() error {
		return c.readLoop(ctx, peer)
	})
	group.Go(func() error {
		return c.writeLoop(ctx)
	})
	err := group.Wait()

	c.gateway.cfg.Dispatcher.Leave(peer)
	c.queue.Close()
	return err
}

func (c *conn) readLoop(ctx context.Context, peer *Peer) error {
	pongWait := c.gateway.cfg.PongWait
	c.ws.SetReadLimit(c.gateway.cfg.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrTransportDisconnected, err)
		}

		cmd, err := protocol.Decode(data)
		if err != nil {
			if c.logger != nil {
				c.logger.Warn("dropping malformed frame", "error", err)
			}
			c.queue.Deliver(errorMessage(err, ""))
			continue
		}
		if err := c.gateway.cfg.Dispatcher.Dispatch(ctx, peer, cmd); err != nil {
			if c.logger != nil {
				c.logger.Debug("command failed", "type", cmd.Kind(), "session_id", peer.SessionID, "user_id", peer.UserID, "error", err)
			}
			c.queue.Deliver(errorMessage(err, cmd.Kind()))
		}
	}
}

func (c *conn) writeLoop(ctx context.Context) error {
	writeWait := c.gateway.cfg.WriteWait
	ticker := time.NewTicker(c.gateway.cfg.PongWait * 9 / 10)
	defer ticker.Stop()
	// Closing the socket unblocks the read loop.
	defer c.ws.Close()

	for {
		select {
		case <-ctx.Done():
			_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return ctx.Err()
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return fmt.Errorf("%w: ping: %w", ErrTransportDisconnected, err)
			}
		case <-c.queue.Ready():
			for {
				msg, ok := c.queue.TryNext()
				if !ok {
					break
				}
				_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.ws.WriteJSON(msg); err != nil {
					return fmt.Errorf("%w: write: %w", ErrTransportDisconnected, err)
				}
			}
		}
	}
}

// extractSourceIP returns the IP portion of a RemoteAddr, unwrapping
// IPv6-mapped IPv4 addresses.
func extractSourceIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return strings.TrimSpace(remoteAddr)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return host
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ip.String()
}
