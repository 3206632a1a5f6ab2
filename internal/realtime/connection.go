package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"angira/api/internal/util"
)

const (
	writeWait   = 10 * time.Second
	pingPeriod  = 30 * time.Second
	sendBacklog = 128
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSlowConsumer     = errors.New("connection buffer exceeded")
)

// Peer is the delivery side of a live connection as the Hub sees it.
type Peer interface {
	ID() string
	Send(frame []byte) error
	Close(code int, reason string)
}

// Connection wraps a websocket and serialises outbound writes through a
// buffered channel drained by a single write loop. Send and Close are safe
// for concurrent use; reads belong to the Server's read loop.
type Connection struct {
	id     string
	userID int64

	ws         *websocket.Conn
	pingPeriod time.Duration
	send       chan []byte
	once       sync.Once
	done       chan struct{}
}

func NewConnection(userID int64, ws *websocket.Conn, ping time.Duration) *Connection {
	if ping <= 0 {
		ping = pingPeriod
	}
	return &Connection{
		id:         util.NewID("conn"),
		userID:     userID,
		ws:         ws,
		pingPeriod: ping,
		send:       make(chan []byte, sendBacklog),
		done:       make(chan struct{}),
	}
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) UserID() int64 { return c.userID }

// Start launches the write loop. It must be called exactly once.
func (c *Connection) Start() {
	go c.writeLoop()
}

// Send enqueues frame without blocking. A full buffer means the client is not
// keeping up, so the connection is closed instead.
func (c *Connection) Send(frame []byte) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		// Closing writes a control frame; keep that off the broadcaster.
		go c.Close(websocket.ClosePolicyViolation, "send buffer full")
		return ErrSlowConsumer
	}
}

// Close sends a close frame and releases the socket. Later calls are no-ops.
func (c *Connection) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

func (c *Connection) write(kind int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(kind, payload)
}
