// CytoSync - Collaborative Annotation Sync for Whole-Slide Pathology Images
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cytosync/cytosync

package collab

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cytosync/cytosync/internal/logging"
	"github.com/cytosync/cytosync/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	sendBuffer = 256
)

var errConnClosed = errors.New("connection closed")
var errSendBufferFull = errors.New("send buffer full")

// wsConn adapts a gorilla websocket connection to the session's Sender
// contract: a buffered outbound queue drained by a write pump, so the session
// loop never blocks on a slow socket.
type wsConn struct {
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		closed: make(chan struct{}),
	}
}

// Send queues a frame for the write pump. A member that cannot keep up
// surfaces as errSendBufferFull and gets culled rather than stalling the
// whole session.
func (c *wsConn) Send(frame []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	case c.send <- frame:
		return nil
	default:
		return errSendBufferFull
	}
}

// Close stops both pumps. Safe to call more than once.
func (c *wsConn) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}

// ServeMember joins the connection to the session under name and runs the
// read and write pumps. It returns when the connection dies; the member has
// left the session by then.
func ServeMember(session *Session, conn *websocket.Conn, name string, maxMessageSize int64) {
	c := newWSConn(conn)
	m, err := session.Join(name, c)
	if err != nil {
		logging.Warn().Str("session", session.ID()).Err(err).
			Msg("closing connection joined to a dead session")
		c.Close()
		_ = conn.Close()
		return
	}
	go c.writePump()
	c.readPump(session, m, maxMessageSize)
}

func (c *wsConn) readPump(session *Session, m *Member, maxMessageSize int64) {
	defer func() {
		session.Leave(m)
		c.Close()
		_ = c.conn.Close()
	}()

	if maxMessageSize > 0 {
		c.conn.SetReadLimit(maxMessageSize)
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logging.Error().Err(err).Msg("failed to set read deadline")
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				logging.Warn().Str("member", m.ID()).Err(err).Msg("unexpected websocket close")
			}
			return
		}

		// Application-level liveness probe, answered here so it works even
		// while the session loop is busy.
		if string(data) == protocol.PingLiteral {
			if err := c.Send([]byte(protocol.PongLiteral)); err != nil {
				return
			}
			continue
		}

		session.Deliver(m, data)
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logging.Error().Err(err).Msg("failed to set write deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.closed:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
