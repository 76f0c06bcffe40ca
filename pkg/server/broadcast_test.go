package server

import (
	"errors"
	"testing"
	"time"

	"github.com/NicolasHaas/gotalk/pkg/model"
)

// blockingConn blocks every Write until release is closed.
type blockingConn struct {
	recordConn
	writing chan struct{}
	release chan struct{}
}

func newBlockingConn() *blockingConn {
	return &blockingConn{writing: make(chan struct{}, 1), release: make(chan struct{})}
}

func (c *blockingConn) Write(p []byte) (int, error) {
	select {
	case c.writing <- struct{}{}:
	default:
	}
	<-c.release
	return c.recordConn.Write(p)
}

// drain closes sess and returns everything its writer produced.
func drain(t *testing.T, sess *Session, conn *recordConn) string {
	t.Helper()
	sess.close()
	select {
	case <-sess.Flushed():
	case <-time.After(waitLimit):
		t.Fatal("session writer did not flush")
	}
	return conn.String()
}

func TestBroadcastSendExcluding(t *testing.T) {
	r := NewRegistry()
	conns := map[string]*recordConn{}
	sessions := map[string]*Session{}
	for _, name := range []string{"Alice", "Bob", "Carol"} {
		conns[name] = &recordConn{}
		sess, err := r.Insert(name, model.RoleUser, Endpoint{Conn: conns[name]})
		if err != nil {
			t.Fatal(err)
		}
		sessions[name] = sess
	}

	b := NewBroadcaster(NewMetrics())
	if n := b.SendExcluding(model.Notice("Bob has connected"), r.Snapshot(), sessions["Bob"]); n != 2 {
		t.Fatalf("delivered = %d, want 2", n)
	}

	for name, sess := range sessions {
		got := drain(t, sess, conns[name])
		want := "*** Bob has connected\n"
		if name == "Bob" {
			want = ""
		}
		if got != want {
			t.Errorf("%s received %q, want %q", name, got, want)
		}
	}
}

func TestBroadcastSurvivesFailedRecipient(t *testing.T) {
	m := NewMetrics()
	b := NewBroadcaster(m)

	goodConn := &recordConn{}
	good := newSession("Alice", model.RoleUser, Endpoint{Conn: goodConn})
	gone := newSession("Bob", model.RoleUser, Endpoint{Conn: &recordConn{}})
	gone.close()
	broken := newSession("Carol", model.RoleUser, Endpoint{Conn: &recordConn{fail: true}})

	n := b.Send(model.Chat("Dave", model.RoleUser, "hi"), []*Session{gone, broken, good})
	if n != 2 {
		t.Fatalf("delivered = %d, want 2 (closed session refuses)", n)
	}
	if got := m.DeliveryFailures.Load(); got != 1 {
		t.Fatalf("DeliveryFailures = %d, want 1", got)
	}
	if got := drain(t, good, goodConn); got != "[Dave] hi\n" {
		t.Fatalf("Alice received %q", got)
	}
	broken.close()
}

func TestSessionSendAfterClose(t *testing.T) {
	sess := newSession("Alice", model.RoleUser, Endpoint{Conn: &recordConn{}})
	sess.close()
	sess.close()
	if err := sess.Send(model.Notice("late")); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Send after close err = %v, want ErrSessionClosed", err)
	}
	if !sess.Closed() {
		t.Fatal("Closed() = false")
	}
}

func TestSessionOutboxFull(t *testing.T) {
	conn := newBlockingConn()
	sess := newSession("Alice", model.RoleUser, Endpoint{Conn: conn, Outbox: 1})

	if err := sess.Send(model.Notice("one")); err != nil {
		t.Fatal(err)
	}
	<-conn.writing // the writer holds "one"
	if err := sess.Send(model.Notice("two")); err != nil {
		t.Fatalf("second Send: %v", err)
	}

	start := time.Now()
	if err := sess.Send(model.Notice("three")); !errors.Is(err, ErrOutboxFull) {
		t.Fatalf("third Send err = %v, want ErrOutboxFull", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("Send blocked on a stalled writer")
	}

	close(conn.release)
	if got := drain(t, sess, &conn.recordConn); got != "*** one\n*** two\n" {
		t.Fatalf("written = %q", got)
	}
}
