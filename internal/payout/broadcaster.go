package payout

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stitchmarket/stitchmarket/internal/events"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// Broadcaster relays payout and payment transition events to connected
// websocket clients, typically seller dashboards watching for "your item
// sold" in real time. Delivery is best effort; a client that disconnects
// simply misses events.
type Broadcaster struct {
	log      *zap.Logger
	bus      *events.Bus
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func NewBroadcaster(log *zap.Logger, bus *events.Bus) *Broadcaster {
	return &Broadcaster{
		log: log.Named("payout.broadcaster"),
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

// Run consumes the event bus until ctx is cancelled.
func (b *Broadcaster) Run(ctx context.Context) {
	sub := b.bus.Subscribe(
		events.KindPayoutScheduled,
		events.KindPaymentSettled,
		events.KindPaymentFailed,
		events.KindPaymentRefunded,
	)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			b.closeAll()
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			b.broadcast(event)
		}
	}
}

func (b *Broadcaster) broadcast(event events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for conn := range b.conns {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(event); err != nil {
			b.log.Debug("dropping websocket client", zap.Error(err))
			_ = conn.Close()
			delete(b.conns, conn)
		}
	}
}

func (b *Broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.conns {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		delete(b.conns, conn)
	}
}

// HandleWS upgrades the request and registers the client for event delivery.
func (b *Broadcaster) HandleWS(c *gin.Context) {
	conn, err := b.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		b.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	b.mu.Lock()
	b.conns[conn] = struct{}{}
	total := len(b.conns)
	b.mu.Unlock()
	b.log.Info("websocket client connected", zap.Int("clients", total))

	go b.readLoop(conn)
	go b.pingLoop(conn)
}

// readLoop drains client frames so pong handling runs and closed connections
// are noticed promptly.
func (b *Broadcaster) readLoop(conn *websocket.Conn) {
	defer b.drop(conn)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (b *Broadcaster) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for range ticker.C {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
			return
		}
	}
}

func (b *Broadcaster) drop(conn *websocket.Conn) {
	b.mu.Lock()
	if _, ok := b.conns[conn]; ok {
		delete(b.conns, conn)
	}
	b.mu.Unlock()
	_ = conn.Close()
}
