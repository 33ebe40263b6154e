package consoleclient

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// echoServer upgrades the connection and echoes every binary message
// back to the client, uppercased, so the test can observe a round trip
// through Pump without a real console backend.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade: %v", err)
			return
		}
		defer ws.Close()
		for {
			msgType, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if msgType != websocket.BinaryMessage {
				continue
			}
			if err := ws.WriteMessage(websocket.BinaryMessage, bytes.ToUpper(data)); err != nil {
				return
			}
		}
	}))
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestAttachAndPumpRoundTrip(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Attach(ctx, wsURL(srv.URL))
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer conn.Close()

	stdin := strings.NewReader("hello console")
	var stdout bytes.Buffer

	pumpCtx, pumpCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer pumpCancel()

	done := make(chan error, 1)
	go func() { done <- conn.Pump(pumpCtx, stdin, &stdout) }()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		pumpCancel()
		<-done
	}

	if got := stdout.String(); got != "HELLO CONSOLE" {
		t.Errorf("stdout = %q, want %q", got, "HELLO CONSOLE")
	}
}

func TestAttachFailsOnBadURL(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := Attach(ctx, "ws://127.0.0.1:0/nope"); err == nil {
		t.Fatal("expected error dialing unreachable console endpoint")
	}
}
