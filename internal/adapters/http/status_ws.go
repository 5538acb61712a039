package http

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/eagleeye/liveview/internal/app/status"
)

var errConnClosed = errors.New("connection closed")

// WsStatusConn is a status.Subscriber backed by a websocket.
type WsStatusConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *WsStatusConn) TrySend(b []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errConnClosed
	}
	select {
	case c.send <- b:
	default:
		return status.ErrBackpressure
	}
	return nil
}

func (c *WsStatusConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

type StatusWSController struct {
	Hub          *status.Hub
	SendBuffer   int
	WriteTimeout time.Duration
	ReadLimit    int64
	PingPeriod   time.Duration
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (ctl *StatusWSController) HandleStatus(ctx context.Context, c *gin.Context) {
	client := c.GetString("client_token")
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "status_ws").Msg("ws upgrade")
		return
	}

	conn := &WsStatusConn{
		conn: ws,
		send: make(chan []byte, max(ctl.SendBuffer, 1)),
	}
	if err := ctl.Hub.Subscribe(conn); err != nil {
		log.Warn().Err(err).Str("module", "status_ws").Str("client", client).Msg("snapshot did not fit send buffer")
		conn.Close()
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, client, conn)
}

func (ctl *StatusWSController) writePump(ctx context.Context, c *WsStatusConn) {
	ping := time.NewTicker(ctl.pingPeriod())
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "status_ws").Msg("writePump ctx done")
			c.Close()
			return
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "status_ws").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.writeTimeout())); err != nil {
				log.Error().Err(err).Str("module", "status_ws").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "status_ws").Msg("writePump write error")
				return
			}
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ctl.writeTimeout())); err != nil {
				log.Debug().Err(err).Str("module", "status_ws").Msg("writePump ping error")
				return
			}
		}
	}
}

// readPump only drains control frames; the status feed is one-way.
func (ctl *StatusWSController) readPump(ctx context.Context, cancel context.CancelFunc, client string, c *WsStatusConn) {
	defer func() {
		log.Info().Str("module", "status_ws").Str("client", client).Msg("readPump closing")
		ctl.Hub.Unsubscribe(c)
		cancel()
		c.Close()
	}()

	wait := ctl.pingPeriod() * 10 / 9
	if ctl.ReadLimit > 0 {
		c.conn.SetReadLimit(ctl.ReadLimit)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(wait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		if ctx.Err() != nil {
			return
		}
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("module", "status_ws").Str("client", client).Msg("readPump read error")
			}
			return
		}
	}
}

func (ctl *StatusWSController) pingPeriod() time.Duration {
	if ctl.PingPeriod <= 0 {
		return 54 * time.Second
	}
	return ctl.PingPeriod
}

func (ctl *StatusWSController) writeTimeout() time.Duration {
	if ctl.WriteTimeout <= 0 {
		return 5 * time.Second
	}
	return ctl.WriteTimeout
}
