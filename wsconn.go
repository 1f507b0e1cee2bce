package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsClientConn adapts a gorilla connection to ClientConn. Writes are
// mutex-serialized because gorilla allows only one concurrent writer.
type wsClientConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

var _ ClientConn = (*wsClientConn)(nil)

func NewClientConn(conn *websocket.Conn) ClientConn {
	return &wsClientConn{conn: conn}
}

func (c *wsClientConn) ReadMessage() (int, []byte, error) {
	return c.conn.ReadMessage()
}

func (c *wsClientConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}

func (c *wsClientConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	return c.conn.Close()
}
