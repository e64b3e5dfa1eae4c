package feed

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"
)

type fakeBroker struct {
	listener net.Listener
	conns    chan net.Conn
}

func newFakeBroker(t *testing.T) *fakeBroker {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	broker := &fakeBroker{listener: listener, conns: make(chan net.Conn, 1)}
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			close(broker.conns)
			return
		}
		broker.conns <- conn
	}()
	t.Cleanup(func() {
		_ = listener.Close()
	})

	return broker
}

func (b *fakeBroker) accept(t *testing.T) (net.Conn, *bufio.Reader) {
	t.Helper()

	select {
	case conn, ok := <-b.conns:
		if !ok {
			t.Fatal("broker accept failed")
		}
		t.Cleanup(func() {
			_ = conn.Close()
		})
		return conn, bufio.NewReader(conn)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for feed connection")
		return nil, nil
	}
}

func readCommand(t *testing.T, conn net.Conn, reader *bufio.Reader) string {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		frame, err := reader.ReadString(0)
		if err != nil {
			t.Fatalf("broker read failed: %v", err)
		}
		frame = strings.TrimLeft(frame, "\n")
		if frame == "" {
			continue
		}
		command, _, _ := strings.Cut(frame, "\n")
		return command
	}
}

func pump(t *testing.T, link *Link, target LinkTarget, done func() bool) {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for !done() {
		select {
		case event := <-link.Events():
			link.Dispatch(event, target)
		case <-deadline:
			t.Fatal("timed out pumping link events")
		}
	}
}

// TestLinkSessionOverLoopback verifies a full session against a loopback broker.
func TestLinkSessionOverLoopback(t *testing.T) {
	t.Parallel()

	broker := newFakeBroker(t)
	link := NewLink(LinkConfig{Address: broker.listener.Addr().String(), DialTimeout: time.Second, TxQueueSize: 4096}, nil)
	sink := &fakeSink{}
	manager, err := NewManager(Config{
		User:              "user",
		ClientName:        "test",
		HeartbeatHeader:   "20000,20000",
		InactivityTimeout: time.Minute,
		MaxHeader:         1024,
		MaxBody:           1024,
		Topics:            []Subscription{{Name: "A"}},
	}, link, sink, NewHoldoff(time.Second, 4))
	if err != nil {
		t.Fatalf("new manager failed: %v", err)
	}
	defer func() {
		link.Close()
		link.Wait()
	}()

	manager.Start()
	conn, reader := broker.accept(t)
	pump(t, link, manager, func() bool { return link.conn != nil })
	if got := readCommand(t, conn, reader); got != CommandConnect {
		t.Fatalf("first frame = %s, want CONNECT", got)
	}

	if _, err := conn.Write([]byte("CONNECTED\n\n\x00")); err != nil {
		t.Fatalf("write CONNECTED failed: %v", err)
	}
	pump(t, link, manager, func() bool { return manager.State() == StateRunning })
	if got := readCommand(t, conn, reader); got != CommandSubscribe {
		t.Fatalf("frame = %s, want SUBSCRIBE", got)
	}

	if _, err := conn.Write([]byte("MESSAGE\nsubscription:A\nmessage-id:m1\n\nhello\x00")); err != nil {
		t.Fatalf("write MESSAGE failed: %v", err)
	}
	pump(t, link, manager, func() bool { return len(sink.messages) == 1 })
	if got := readCommand(t, conn, reader); got != CommandAck {
		t.Fatalf("frame = %s, want ACK", got)
	}
	if string(sink.messages[0].Body) != "hello" {
		t.Fatalf("body = %q, want hello", sink.messages[0].Body)
	}

	manager.Shutdown()
	pump(t, link, manager, manager.Closed)
	if got := readCommand(t, conn, reader); got != CommandDisconnect {
		t.Fatalf("frame = %s, want DISCONNECT", got)
	}
}

// TestLinkDialFailureReportsSocketError verifies that an unreachable broker leads to Held.
func TestLinkDialFailureReportsSocketError(t *testing.T) {
	t.Parallel()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	address := listener.Addr().String()
	_ = listener.Close()

	link := NewLink(LinkConfig{Address: address, DialTimeout: time.Second}, nil)
	manager, err := NewManager(Config{
		InactivityTimeout: time.Minute,
		MaxHeader:         64,
		MaxBody:           64,
		Topics:            []Subscription{{Name: "A"}},
	}, link, &fakeSink{}, NewHoldoff(time.Hour, 1))
	if err != nil {
		t.Fatalf("new manager failed: %v", err)
	}
	defer func() {
		link.Close()
		link.Wait()
	}()

	manager.Start()
	pump(t, link, manager, func() bool { return manager.State() == StateHeld })
	if link.Open() {
		t.Fatal("link open after dial failure")
	}
}
