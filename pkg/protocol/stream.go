package protocol

import (
	"bufio"
	"net"
	"time"
)

// StreamConn carries newline-terminated lines over a net.Conn (TCP, net.Pipe).
type StreamConn struct {
	conn net.Conn
	r    *bufio.Reader
}

// NewStreamConn wraps a connection accepted by the TCP listener.
func NewStreamConn(conn net.Conn) *StreamConn {
	return &StreamConn{
		conn: conn,
		r:    bufio.NewReaderSize(conn, MaxLineLength),
	}
}

// ReadLine returns the next line without its "\n" or "\r\n" terminator.
// A final unterminated line before end-of-stream is returned as a line.
func (c *StreamConn) ReadLine() (string, error) {
	line, isPrefix, err := c.r.ReadLine()
	if err != nil {
		return "", err
	}
	if isPrefix {
		return "", ErrLineTooLong
	}
	return string(line), nil
}

func (c *StreamConn) Write(p []byte) (int, error) {
	_ = c.conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
	return c.conn.Write(p)
}

// Interrupt unblocks a pending ReadLine by moving the read deadline into the past.
// Writes keep working so a shutdown notice can still be flushed.
func (c *StreamConn) Interrupt() error {
	return c.conn.SetReadDeadline(time.Now())
}

func (c *StreamConn) Close() error {
	return c.conn.Close()
}

func (c *StreamConn) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
