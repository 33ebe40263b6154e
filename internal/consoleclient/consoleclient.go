// Package consoleclient attaches an interactive terminal to a VM's
// console endpoint. The process backend exposes a Unix socket
// (handled directly by callers); the zone backend exposes a WebSocket
// serial stream at ws://127.0.0.1:12400/instance/serial, which this
// package knows how to pump bytes over.
package consoleclient

import (
	"context"
	"fmt"
	"io"

	"github.com/gorilla/websocket"
)

// Conn is an attached console WebSocket connection.
type Conn struct {
	ws *websocket.Conn
}

// Attach dials url and returns an attached console connection.
func Attach(ctx context.Context, url string) (*Conn, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, fmt.Errorf("dial console at %s (status %d): %w", url, status, err)
	}
	return &Conn{ws: ws}, nil
}

// Close closes the underlying WebSocket connection.
func (c *Conn) Close() error { return c.ws.Close() }

// Pump bidirectionally copies bytes between the console connection and
// stdin/stdout until the console side closes, a read or write fails, or
// ctx is cancelled; EOF on stdin alone does not end the session. It
// blocks until the session ends.
func (c *Conn) Pump(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	readDone := make(chan error, 1)
	go func() {
		for {
			msgType, data, err := c.ws.ReadMessage()
			if err != nil {
				readDone <- err
				return
			}
			if msgType == websocket.BinaryMessage || msgType == websocket.TextMessage {
				if _, err := stdout.Write(data); err != nil {
					readDone <- err
					return
				}
			}
		}
	}()

	writeDone := make(chan error, 1)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := stdin.Read(buf)
			if n > 0 {
				if werr := c.ws.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
					writeDone <- werr
					return
				}
			}
			if err != nil {
				writeDone <- err
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			c.ws.Close()
			return ctx.Err()
		case err := <-readDone:
			if err == io.EOF || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		case err := <-writeDone:
			// stdin closing (e.g. piped input, EOF) doesn't end the
			// session by itself: output may still be arriving. Keep
			// waiting on the read side and ctx.
			if err != io.EOF {
				return err
			}
			writeDone = nil
		}
	}
}
