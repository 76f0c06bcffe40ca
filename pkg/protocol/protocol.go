// Package protocol defines the line-oriented wire format and the transports
// sessions read and write lines over.
package protocol

import (
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"time"
)

const (
	// CommandPrefix marks a line as a command invocation.
	CommandPrefix = '/'

	// MaxLineLength is the maximum accepted input line in bytes.
	MaxLineLength = 4096

	// WriteTimeout bounds a single write to a peer.
	WriteTimeout = 30 * time.Second
)

// ErrLineTooLong is returned by ReadLine when a peer sends more than MaxLineLength
// bytes without a newline.
var ErrLineTooLong = errors.New("protocol: line too long")

// Line is one parsed input line.
//
// For a command line ("/help who") Command is true, Token holds the command
// name as typed ("help") and Arg everything after the first space ("who").
// For a chat line Command is false and Arg holds the whole line.
type Line struct {
	Command bool
	Token   string
	Arg     string
}

// ParseLine splits a raw input line per the command recognition rule: a line
// starting with '/' is a command whose token runs up to the first space and whose
// argument is the remainder after that space.
func ParseLine(s string) Line {
	if len(s) == 0 || s[0] != CommandPrefix {
		return Line{Arg: s}
	}
	rest := s[1:]
	if i := strings.IndexByte(rest, ' '); i >= 0 {
		return Line{Command: true, Token: rest[:i], Arg: rest[i+1:]}
	}
	return Line{Command: true, Token: rest}
}

// Conn is a bidirectional line transport owned by one session.
//
// ReadLine is called from the session's handler goroutine only. Write is called
// from whoever owns output for the session: the handler during login, the
// session writer afterwards. Interrupt may be called from any goroutine and makes
// a pending or future ReadLine return promptly with an error.
type Conn interface {
	ReadLine() (string, error)
	Write(p []byte) (int, error)
	Interrupt() error
	Close() error
	RemoteAddr() string
}

// IsDisconnect reports whether err means the peer went away or the read was
// interrupted, as opposed to a protocol violation worth logging.
func IsDisconnect(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrDeadlineExceeded) ||
		isWebSocketClose(err)
}
