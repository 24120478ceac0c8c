package websocket

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// HeaderClientID carries the connecting client's WebSocketClientAddress id.
const HeaderClientID = "X-Msgroute-Client-Id"

const defaultWriteTimeout = 10 * time.Second

// conn serializes writes to a gorilla connection, which allows only one
// concurrent writer.
type conn struct {
	ws   *websocket.Conn
	wmu  sync.Mutex
	once sync.Once
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{ws: ws}
}

func (c *conn) write(ctx context.Context, data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	deadline := time.Now().Add(defaultWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// readLoop hands every text frame to receive until the connection fails.
func (c *conn) readLoop(logger *slog.Logger, receive func([]byte)) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				logger.Warn("WebSocket connection error", "addr", c.ws.RemoteAddr().String(), "error", err)
			}
			return
		}
		receive(data)
	}
}

func (c *conn) close() error {
	return c.closeWith(websocket.CloseNormalClosure, "")
}

// closeWith sends a close frame with code and text, then closes the socket.
func (c *conn) closeWith(code int, text string) error {
	var err error
	c.once.Do(func() {
		c.wmu.Lock()
		werr := c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, text),
			time.Now().Add(time.Second))
		c.wmu.Unlock()
		if werr != nil {
			slog.Debug("Failed to send close message", "error", werr)
		}
		err = c.ws.Close()
	})
	return err
}
