package server

import (
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/NicolasHaas/gotalk/pkg/command"
	"github.com/NicolasHaas/gotalk/pkg/model"
	"github.com/NicolasHaas/gotalk/pkg/protocol"
)

const waitLimit = 3 * time.Second

// recordConn is a protocol.Conn that records everything written to it.
type recordConn struct {
	mu     sync.Mutex
	buf    strings.Builder
	fail   bool
	closed bool
}

func (c *recordConn) ReadLine() (string, error) { return "", io.EOF }
func (c *recordConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return 0, errors.New("write failed")
	}
	c.buf.Write(p)
	return len(p), nil
}
func (c *recordConn) Interrupt() error { return nil }
func (c *recordConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}
func (c *recordConn) RemoteAddr() string { return "record" }

func (c *recordConn) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

// syncBuffer is a concurrency-safe io.Writer for console output.
type syncBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// testClient is the peer end of a net.Pipe handed to the server.
type testClient struct {
	t    *testing.T
	conn net.Conn

	mu     sync.Mutex
	out    strings.Builder
	offset int
	eof    chan struct{}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.Color = false
	cfg.ShutdownTimeout = 2 * time.Second
	cfg.MetricsLogInterval = 0
	return cfg
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return newTestServerWith(t, testConfig(), Dependencies{})
}

func newTestServerWith(t *testing.T, cfg Config, deps Dependencies) *Server {
	t.Helper()
	srv, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { srv.Shutdown("test finished") })
	return srv
}

// connect attaches a new pipe connection to srv without logging in.
func connect(t *testing.T, srv *Server) *testClient {
	t.Helper()
	client, server := net.Pipe()
	c := newTestClient(t, client)
	srv.spawn(protocol.NewStreamConn(server))
	return c
}

// newTestClient starts collecting everything the server writes to conn.
func newTestClient(t *testing.T, conn net.Conn) *testClient {
	c := &testClient{t: t, conn: conn, eof: make(chan struct{})}
	go c.readLoop()
	t.Cleanup(func() { _ = conn.Close() })
	return c
}

// login connects and completes the handshake as name.
func login(t *testing.T, srv *Server, name string) *testClient {
	t.Helper()
	c := connect(t, srv)
	c.handshake(name)
	return c
}

func (c *testClient) handshake(name string) {
	c.t.Helper()
	c.expect(namePrompt)
	c.send(name)
	c.expect("Welcome, " + name + "!")
}

func (c *testClient) readLoop() {
	defer close(c.eof)
	buf := make([]byte, 1024)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.mu.Lock()
			c.out.Write(buf[:n])
			c.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (c *testClient) send(line string) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(waitLimit))
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		c.t.Fatalf("send %q: %v", line, err)
	}
}

// expect waits until output past the last match contains substr.
func (c *testClient) expect(substr string) {
	c.t.Helper()
	deadline := time.Now().Add(waitLimit)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		rest := c.out.String()[c.offset:]
		if i := strings.Index(rest, substr); i >= 0 {
			c.offset += i + len(substr)
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	c.t.Fatalf("timed out waiting for %q; output so far:\n%s", substr, c.output())
}

func (c *testClient) output() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.String()
}

func (c *testClient) count(substr string) int {
	return strings.Count(c.output(), substr)
}

// expectClosed waits for the server to close the connection.
func (c *testClient) expectClosed() {
	c.t.Helper()
	select {
	case <-c.eof:
	case <-time.After(waitLimit):
		c.t.Fatalf("connection was not closed; output so far:\n%s", c.output())
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitLimit)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestLoginAndChat(t *testing.T) {
	srv := newTestServer(t)

	alice := login(t, srv, "alice")
	bob := login(t, srv, "bob")
	alice.expect("*** bob has connected")

	bob.send("hello there")
	alice.expect("[bob] hello there")
	bob.expect("[bob] hello there")
	bob.expect("> ")

	if got := srv.Metrics().SuccessfulLogins.Load(); got != 2 {
		t.Fatalf("SuccessfulLogins = %d, want 2", got)
	}
	if bob.count("bob has connected") != 0 {
		t.Fatal("bob must not be told about his own connection")
	}
}

func TestLoginRejectsTakenAndInvalidNames(t *testing.T) {
	srv := newTestServer(t)
	login(t, srv, "alice")

	c := connect(t, srv)
	c.expect(namePrompt)
	c.send("alice")
	c.expect(`The name "alice" is already taken`)
	c.expect(namePrompt)
	c.send("not valid")
	c.expect("Invalid name")
	c.expect(namePrompt)
	c.send("carol")
	c.expect("Welcome, carol!")

	if got := srv.Metrics().RejectedNames.Load(); got != 2 {
		t.Fatalf("RejectedNames = %d, want 2", got)
	}
	if srv.Registry().Count() != 3 {
		t.Fatalf("registry has %v, want admin, alice, carol", srv.Registry().Names())
	}
}

func TestConcurrentLoginSameName(t *testing.T) {
	srv := newTestServer(t)

	clients := []*testClient{connect(t, srv), connect(t, srv)}
	for _, c := range clients {
		c.expect(namePrompt)
	}

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *testClient) {
			defer wg.Done()
			_ = c.conn.SetWriteDeadline(time.Now().Add(waitLimit))
			_, _ = c.conn.Write([]byte("Alice\n"))
		}(c)
	}
	wg.Wait()

	eventually(t, "one welcome and one rejection", func() bool {
		welcomed, rejected := 0, 0
		for _, c := range clients {
			welcomed += c.count("Welcome, Alice!")
			rejected += c.count("already taken")
		}
		return welcomed == 1 && rejected == 1
	})

	n := 0
	for _, name := range srv.Registry().Names() {
		if name == "Alice" {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("registry holds %d sessions named Alice", n)
	}
}

func TestLoginEndOfStreamLeavesNoTrace(t *testing.T) {
	srv := newTestServer(t)
	alice := login(t, srv, "alice")

	c := connect(t, srv)
	c.expect(namePrompt)
	_ = c.conn.Close()

	eventually(t, "handler exit", func() bool { return srv.Metrics().ActiveConnections.Load() == 1 })

	if srv.Registry().Count() != 2 {
		t.Fatalf("registry = %v, want admin and alice only", srv.Registry().Names())
	}
	if alice.count("disconnected") != 0 {
		t.Fatalf("alice saw a disconnect notice for a session that never logged in:\n%s", alice.output())
	}
	if got := srv.Metrics().TotalDisconnects.Load(); got != 0 {
		t.Fatalf("TotalDisconnects = %d, want 0", got)
	}
}

func TestWho(t *testing.T) {
	srv := newTestServer(t)
	alice := login(t, srv, "Alice")
	bob := login(t, srv, "Bob")

	alice.send("/who")
	alice.expect("\tadmin\tAlice\tBob\n")
	bob.send("/w")
	bob.expect("\tadmin\tAlice\tBob\n")
}

func TestWhoWithoutOperator(t *testing.T) {
	srv := newTestServer(t)
	srv.Registry().Remove(srv.Operator())
	for _, name := range []string{"Alice", "Bob"} {
		if _, err := srv.Registry().Insert(name, model.RoleUser, Endpoint{Conn: &recordConn{}}); err != nil {
			t.Fatalf("Insert(%s): %v", name, err)
		}
	}

	conn := &recordConn{}
	asker := newSession("asker", model.RoleUser, Endpoint{Conn: conn})
	srv.cmdWho("", asker)
	asker.close()
	<-asker.Flushed()

	if got := conn.String(); got != "\tAlice\tBob\n" {
		t.Fatalf("who = %q, want %q", got, "\tAlice\tBob\n")
	}
}

func TestQuitLogsOut(t *testing.T) {
	srv := newTestServer(t)
	alice := login(t, srv, "Alice")
	bob := login(t, srv, "Bob")

	bob.send("/quit")
	bob.expect("Goodbye!")
	bob.expectClosed()
	alice.expect("*** Bob has disconnected")

	if _, ok := srv.Registry().Lookup("Bob"); ok {
		t.Fatal("Bob still registered after /quit")
	}

	alice.send("still here")
	alice.expect("[Alice] still here")
	if n := alice.count("Bob has disconnected"); n != 1 {
		t.Fatalf("Alice saw %d disconnect notices, want 1", n)
	}
}

func TestAbruptDisconnect(t *testing.T) {
	srv := newTestServer(t)
	alice := login(t, srv, "Alice")
	bob := login(t, srv, "Bob")

	_ = bob.conn.Close()
	alice.expect("*** Bob has disconnected")
	eventually(t, "Bob unregistered", func() bool {
		_, ok := srv.Registry().Lookup("Bob")
		return !ok
	})
}

func TestUnknownAndAdminOnlyCommands(t *testing.T) {
	srv := newTestServer(t)
	alice := login(t, srv, "Alice")
	bob := login(t, srv, "Bob")

	bob.send("/stats")
	bob.expect("Command not recognized: /stats")
	bob.send("/zzz")
	bob.expect("Command not recognized: /zzz")
	bob.send("/")
	bob.expect("Command not recognized: /\n")

	m := srv.Metrics()
	if m.DeniedCommands.Load() != 1 || m.UnknownCommands.Load() != 2 {
		t.Fatalf("denied=%d unknown=%d, want 1 and 2", m.DeniedCommands.Load(), m.UnknownCommands.Load())
	}
	if alice.count("not recognized") != 0 {
		t.Fatal("command errors leaked to another session")
	}
}

func TestHelpHidesAdminCommands(t *testing.T) {
	srv := newTestServer(t)
	bob := login(t, srv, "Bob")

	bob.send("/help")
	bob.expect("Available commands:")
	bob.expect("/who - list connected users")
	if strings.Contains(bob.output(), "/kick") {
		t.Fatalf("admin-only command listed for a normal user:\n%s", bob.output())
	}

	bob.send("/help kick")
	bob.expect("Command not recognized: /kick")
	bob.send("/help q")
	bob.expect("/quit - leave the chat")
}

func TestMeAction(t *testing.T) {
	srv := newTestServer(t)
	alice := login(t, srv, "Alice")
	bob := login(t, srv, "Bob")

	bob.send("/me waves")
	alice.expect("* Bob waves")
}

func TestChatIsSanitized(t *testing.T) {
	srv := newTestServer(t)
	alice := login(t, srv, "Alice")
	bob := login(t, srv, "Bob")

	bob.send("\x1b[2Jgotcha")
	alice.expect("[Bob] [2Jgotcha")
	if strings.Contains(alice.output(), "\x1b") {
		t.Fatal("escape sequence forwarded to another session")
	}
}

func TestOperatorStats(t *testing.T) {
	conn := &recordConn{}
	srv := newTestServerWith(t, testConfig(), Dependencies{Console: conn})
	login(t, srv, "Alice")

	srv.processLine(srv.Operator(), "/stats")
	eventually(t, "stats reply", func() bool {
		return strings.Contains(conn.String(), `"successful_logins": 1`)
	})
}

func TestCommandPanicReleasesSession(t *testing.T) {
	srv := newTestServer(t)
	if err := srv.Commands().Register(command.Command{
		Name: "boom",
		Help: "/boom - panic",
		Run:  func(string, command.Caller) command.Action { panic("boom") },
	}); err != nil {
		t.Fatal(err)
	}
	alice := login(t, srv, "alice")
	bob := login(t, srv, "bob")

	bob.send("/boom")
	bob.expectClosed()
	alice.expect("*** bob has disconnected")

	if _, ok := srv.Registry().Lookup("bob"); ok {
		t.Fatalf("bob still registered after his handler panicked: %v", srv.Registry().Names())
	}
	login(t, srv, "bob")
}

func TestOperatorCommandPanicKeepsConsole(t *testing.T) {
	conn := &recordConn{}
	srv := newTestServerWith(t, testConfig(), Dependencies{Console: conn})
	if err := srv.Commands().Register(command.Command{
		Name: "boom",
		Help: "/boom - panic",
		Run:  func(string, command.Caller) command.Action { panic("boom") },
	}); err != nil {
		t.Fatal(err)
	}

	if action := srv.operatorLine(srv.Operator(), "/boom"); action != command.Continue {
		t.Fatalf("action = %v, want Continue", action)
	}
	srv.operatorLine(srv.Operator(), "/who")
	eventually(t, "console output", func() bool {
		out := conn.String()
		return strings.Contains(out, "Command failed") && strings.Contains(out, "\tadmin\n")
	})
}

func TestBufferedInputAfterKickIsDropped(t *testing.T) {
	srv := newTestServer(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	if err := srv.Commands().Register(command.Command{
		Name: "wait",
		Help: "/wait - block until released",
		Run: func(string, command.Caller) command.Action {
			close(entered)
			<-release
			return command.Continue
		},
	}); err != nil {
		t.Fatal(err)
	}
	alice := login(t, srv, "alice")

	// Name, a blocking command and a chat line arrive in one write, so the
	// chat line sits in the read buffer when the kick lands.
	bob := connect(t, srv)
	bob.send("bob\n/wait\nlate-chat")
	select {
	case <-entered:
	case <-time.After(waitLimit):
		t.Fatal("/wait never ran")
	}

	srv.processLine(srv.Operator(), "/kick bob")
	close(release)

	alice.expect("*** bob was kicked")
	bob.expectClosed()
	if strings.Contains(alice.output(), "late-chat") {
		t.Fatalf("chat read after the kick was broadcast:\n%s", alice.output())
	}
}
