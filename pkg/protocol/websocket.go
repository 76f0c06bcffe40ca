package protocol

import (
	"errors"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConn carries one line per text frame.
type WebSocketConn struct {
	conn   *websocket.Conn
	remote string
}

// NewWebSocketConn wraps an upgraded WebSocket connection. The read limit is set
// to MaxLineLength so an oversized frame ends the session.
func NewWebSocketConn(conn *websocket.Conn, remote string) *WebSocketConn {
	conn.SetReadLimit(MaxLineLength)
	return &WebSocketConn{conn: conn, remote: remote}
}

func (c *WebSocketConn) ReadLine() (string, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if errors.Is(err, websocket.ErrReadLimit) {
			return "", ErrLineTooLong
		}
		return "", err
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}

// Write sends p as a single text frame, trailing newline removed.
func (c *WebSocketConn) Write(p []byte) (int, error) {
	_ = c.conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
	text := strings.TrimSuffix(string(p), "\n")
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *WebSocketConn) Interrupt() error {
	return c.conn.SetReadDeadline(time.Now())
}

// Close sends a normal-closure frame best-effort and closes the connection.
func (c *WebSocketConn) Close() error {
	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), deadline)
	return c.conn.Close()
}

func (c *WebSocketConn) RemoteAddr() string {
	return c.remote
}

func isWebSocketClose(err error) bool {
	var ce *websocket.CloseError
	return errors.As(err, &ce)
}
