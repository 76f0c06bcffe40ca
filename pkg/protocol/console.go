package protocol

import (
	"bufio"
	"io"
	"sync"
)

// ConsoleConn binds the operator session to the process's own input and output.
// It cannot be interrupted or closed: the operator session lives as long as the
// process.
type ConsoleConn struct {
	r  *bufio.Reader
	mu sync.Mutex
	w  io.Writer
}

// NewConsoleConn creates the operator transport over in (usually os.Stdin) and
// out (usually os.Stdout).
func NewConsoleConn(in io.Reader, out io.Writer) *ConsoleConn {
	return &ConsoleConn{r: bufio.NewReader(in), w: out}
}

func (c *ConsoleConn) ReadLine() (string, error) {
	line, isPrefix, err := c.r.ReadLine()
	if err != nil {
		return "", err
	}
	if isPrefix {
		return "", ErrLineTooLong
	}
	return string(line), nil
}

func (c *ConsoleConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.w.Write(p)
}

func (c *ConsoleConn) Interrupt() error { return nil }

func (c *ConsoleConn) Close() error { return nil }

func (c *ConsoleConn) RemoteAddr() string { return "console" }
