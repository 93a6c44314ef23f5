package conn

import (
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"servis-go/internal/envelope"
	"servis-go/internal/protocol"
)

// pair returns a connected server/client Conn over loopback TCP.
func pair(t *testing.T) (server, client *Conn) {
	t.Helper()
	ln, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	accepted := make(chan *Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()

	client, err = Dial(ln.Addr().String(), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	server = <-accepted
	if server == nil {
		t.Fatal("accept failed")
	}
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return server, client
}

func TestSendRecv(t *testing.T) {
	server, client := pair(t)

	if err := client.Send([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 16)
	n, err := server.RecvTimeout(buf, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "hello" {
		t.Errorf("got %q", buf[:n])
	}
}

func TestRecvTimeoutIsRetryable(t *testing.T) {
	server, client := pair(t)

	buf := make([]byte, 16)
	_, err := server.RecvTimeout(buf, 20*time.Millisecond)
	if !errors.Is(err, protocol.ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
	if !server.Connected() {
		t.Fatal("timeout marked connection dead")
	}

	client.Send([]byte("x"))
	if _, err := server.RecvTimeout(buf, time.Second); err != nil {
		t.Fatalf("recv after timeout: %v", err)
	}
}

func TestPeerCloseMarksDisconnected(t *testing.T) {
	server, client := pair(t)
	client.Close()

	buf := make([]byte, 16)
	_, err := server.Recv(buf)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("got %v, want EOF", err)
	}
	if server.Connected() {
		t.Error("still connected after peer closed")
	}
}

func TestEnvelopeExchange(t *testing.T) {
	server, client := pair(t)

	if err := client.WriteEnvelope(envelope.New(envelope.CommandRequest{Text: "play some jazz music"})); err != nil {
		t.Fatal(err)
	}
	env, err := server.ReadEnvelope(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if env.Type != envelope.TypeCommand {
		t.Errorf("type = %s", env.Type)
	}
}

func TestReadEnvelopeSurvivesBadFrame(t *testing.T) {
	server, client := pair(t)

	var raw []byte
	raw = append(raw, 0, 0, 0, 1, 0x2A) // body is msgpack int 42
	if err := client.Send(raw); err != nil {
		t.Fatal(err)
	}
	if err := client.WriteEnvelope(envelope.New(envelope.ShutdownRequest{})); err != nil {
		t.Fatal(err)
	}

	if _, err := server.ReadEnvelope(time.Second); !errors.Is(err, protocol.ErrUnsupportedCommand) {
		t.Fatalf("first frame err = %v, want ErrUnsupportedCommand", err)
	}
	if !server.Connected() {
		t.Fatal("bad frame dropped the connection")
	}
	env, err := server.ReadEnvelope(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if env.Type != envelope.TypeShutdown {
		t.Errorf("type = %s, want Shutdown", env.Type)
	}
}

func TestReadEnvelopeTimeout(t *testing.T) {
	server, _ := pair(t)
	if _, err := server.ReadEnvelope(20 * time.Millisecond); !errors.Is(err, protocol.ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
}

func TestAcceptAfterClose(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := ln.Accept()
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	ln.Close()

	select {
	case err := <-done:
		if !errors.Is(err, net.ErrClosed) {
			t.Errorf("got %v, want net.ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Accept not unblocked by Close")
	}
}
