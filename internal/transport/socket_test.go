package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func echoServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return srv, wsURL
}

func TestConnectSendReceive(t *testing.T) {
	srv, url := echoServer(t)
	defer srv.Close()

	s := New(nil, 2*time.Second)

	var mu sync.Mutex
	var received []byte
	opened := make(chan struct{}, 1)
	gotMsg := make(chan struct{}, 1)

	err := s.Connect(context.Background(), url, nil, Handlers{
		OnOpen: func() { opened <- struct{}{} },
		OnMessage: func(raw []byte) {
			mu.Lock()
			received = raw
			mu.Unlock()
			gotMsg <- struct{}{}
		},
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	select {
	case <-opened:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for open")
	}

	if !s.IsConnected() {
		t.Fatal("expected IsConnected to be true after open")
	}

	if err := s.Send([]byte(`{"hello":"world"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case <-gotMsg:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for echoed message")
	}

	mu.Lock()
	got := string(received)
	mu.Unlock()
	if got != `{"hello":"world"}` {
		t.Fatalf("unexpected echo: %s", got)
	}

	if err := s.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
}

func TestSendWhileNotConnectedFails(t *testing.T) {
	s := New(nil, time.Second)
	if err := s.Send([]byte("x")); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestOnCloseInvoked(t *testing.T) {
	// httptest.Server.Close does not close hijacked (websocket) connections,
	// so this server closes its side itself once told to.
	closeServer := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		<-closeServer
		_ = conn.Close()
	}))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	s := New(nil, 2*time.Second)
	closed := make(chan struct{}, 1)
	opened := make(chan struct{}, 1)

	if err := s.Connect(context.Background(), url, nil, Handlers{
		OnOpen:  func() { opened <- struct{}{} },
		OnClose: func(code int, reason string, wasClean bool) { closed <- struct{}{} },
	}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	<-opened
	close(closeServer) // closes the server side, which surfaces as a read error client-side

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close callback")
	}
}
