// ABOUTME: Tests for consumer sinks
// ABOUTME: Exercises full writes, backlog overflow, peer closure and draining
package server

import (
	"bytes"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func waitErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for sink failure")
		return nil
	}
}

func waitDone(t *testing.T, s Sink) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for sink writer to exit")
	}
}

func TestConnSinkWritesPayloads(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	sink := NewConnSink(server, 4, func(err error) {})
	defer sink.Close()

	payloads := [][]byte{[]byte("RIFF-header"), []byte("audio-1"), []byte("audio-2")}
	for _, p := range payloads {
		if err := sink.Enqueue(p); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	want := bytes.Join(payloads, nil)
	got := make([]byte, len(want))
	if _, err := io.ReadFull(client, got); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestConnSinkBacklogFull(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	sink := NewConnSink(server, 1, func(err error) {})
	defer sink.Close()

	// Nobody reads the pipe: one payload blocks in the writer, one waits in
	// the queue and the next overflows
	var err error
	for i := 0; i < 4 && err == nil; i++ {
		err = sink.Enqueue([]byte("payload"))
	}
	if !errors.Is(err, ErrBacklogFull) {
		t.Errorf("expected ErrBacklogFull, got %v", err)
	}
}

func TestConnSinkDetectsPeerClose(t *testing.T) {
	server, client := net.Pipe()

	failures := make(chan error, 1)
	sink := NewConnSink(server, 4, func(err error) { failures <- err })
	defer sink.Close()

	client.Close()

	if err := waitErr(t, failures); err == nil {
		t.Error("expected a failure when the peer closes")
	}
	if sink.Err() == nil {
		t.Error("Err should report the failure")
	}
}

func TestConnSinkRejectsPeerData(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	failures := make(chan error, 1)
	sink := NewConnSink(server, 4, func(err error) { failures <- err })
	defer sink.Close()

	go client.Write([]byte("hello"))

	if err := waitErr(t, failures); !errors.Is(err, errPeerReadable) {
		t.Errorf("expected errPeerReadable, got %v", err)
	}
}

func TestConnSinkCloseIsSilent(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	failures := make(chan error, 1)
	sink := NewConnSink(server, 4, func(err error) { failures <- err })

	sink.Close()
	waitDone(t, sink)

	select {
	case err := <-failures:
		t.Errorf("deliberate close reported a failure: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	if err := sink.Enqueue([]byte("late")); !errors.Is(err, ErrSinkClosed) {
		t.Errorf("expected ErrSinkClosed after close, got %v", err)
	}
}

func TestConnSinkFinishDrains(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	sink := NewConnSink(server, 8, func(err error) {})
	sink.Enqueue([]byte("one"))
	sink.Enqueue([]byte("two"))
	sink.Finish()

	got, err := io.ReadAll(client)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(got) != "onetwo" {
		t.Errorf("got %q, want %q", got, "onetwo")
	}

	waitDone(t, sink)
	if sink.Written() != 6 {
		t.Errorf("expected 6 bytes written, got %d", sink.Written())
	}
	if err := sink.Enqueue([]byte("late")); !errors.Is(err, ErrSinkClosed) {
		t.Errorf("expected ErrSinkClosed after finish, got %v", err)
	}
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) { return 0, io.ErrClosedPipe }

func TestWriterSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewWriterSink("stdout", &buf, 4, func(err error) {})

	sink.Enqueue([]byte("abc"))
	sink.Enqueue([]byte("def"))
	sink.Finish()
	waitDone(t, sink)

	if buf.String() != "abcdef" {
		t.Errorf("got %q, want %q", buf.String(), "abcdef")
	}
	if sink.Remote() != "stdout" {
		t.Errorf("unexpected remote %q", sink.Remote())
	}
}

func TestWriterSinkReportsWriteError(t *testing.T) {
	failures := make(chan error, 1)
	sink := NewWriterSink("stdout", failingWriter{}, 4, func(err error) { failures <- err })
	defer sink.Close()

	sink.Enqueue([]byte("abc"))

	if err := waitErr(t, failures); !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("expected io.ErrClosedPipe, got %v", err)
	}
}

func TestWebSocketSink(t *testing.T) {
	sinks := make(chan Sink, 1)
	failures := make(chan error, 1)

	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		sinks <- NewWebSocketSink(conn, 4, func(err error) { failures <- err })
	}))
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}

	sink := <-sinks
	defer sink.Close()

	sink.Enqueue([]byte("header"))
	sink.Enqueue([]byte("audio"))

	for _, want := range []string{"header", "audio"} {
		typ, msg, err := client.ReadMessage()
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if typ != websocket.BinaryMessage {
			t.Errorf("expected binary message, got type %d", typ)
		}
		if string(msg) != want {
			t.Errorf("got %q, want %q", msg, want)
		}
	}

	client.Close()
	if err := waitErr(t, failures); err == nil {
		t.Error("expected a failure when the WebSocket peer goes away")
	}
}
