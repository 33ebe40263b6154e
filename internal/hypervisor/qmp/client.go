// Package qmp implements the machine-control protocol client described in
// spec §4.5: line-delimited JSON commands and responses over a local
// stream socket, with event demultiplexing and a capability handshake.
package qmp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/Toasterson/vm-manager/internal/vmerr"
)

const (
	connectBackoffStart = 100 * time.Millisecond
	connectBackoffCap   = 1 * time.Second
)

// Client is a connected machine-control protocol session. A Client is
// single-use: each backend method opens a fresh connection and discards
// it afterwards (spec §5 "control socket is single-client by
// construction").
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
}

// Connect dials sockPath, retrying with exponential backoff (doubling,
// capped at 1s, saturating) until deadline elapses, then performs the
// greeting read and qmp_capabilities handshake.
func Connect(ctx context.Context, sockPath string, deadline time.Duration) (*Client, error) {
	absDeadline := time.Now().Add(deadline)
	backoff := connectBackoffStart

	var conn net.Conn
	var lastErr error
	for {
		var d net.Dialer
		dialCtx, cancel := context.WithTimeout(ctx, backoff)
		c, err := d.DialContext(dialCtx, "unix", sockPath)
		cancel()
		if err == nil {
			conn = c
			break
		}
		lastErr = err

		if time.Now().After(absDeadline) {
			return nil, vmerr.Wrap(vmerr.KindControlConnectFailed, lastErr, "connecting to %s", sockPath)
		}
		select {
		case <-ctx.Done():
			return nil, vmerr.Wrap(vmerr.KindControlConnectFailed, ctx.Err(), "connecting to %s", sockPath)
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > connectBackoffCap {
			backoff = connectBackoffCap
		}
	}

	cl := &Client{conn: conn, reader: bufio.NewReader(conn)}

	// Greeting: one object, shape inspected but not validated.
	if _, err := cl.readNonEventLine(); err != nil {
		cl.conn.Close()
		return nil, vmerr.Wrap(vmerr.KindControlConnectFailed, err, "reading greeting from %s", sockPath)
	}

	resp, err := cl.call("qmp_capabilities", nil)
	if err != nil {
		cl.conn.Close()
		return nil, vmerr.Wrap(vmerr.KindControlConnectFailed, err, "negotiating capabilities with %s", sockPath)
	}
	if _, hasErr := resp["error"]; hasErr {
		cl.conn.Close()
		return nil, vmerr.New(vmerr.KindControlConnectFailed, "qmp_capabilities rejected: %v", resp["error"])
	}

	return cl, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

type command struct {
	Execute   string `json:"execute"`
	Arguments any    `json:"arguments,omitempty"`
}

// call writes one command line and reads the first non-event response.
func (c *Client) call(execute string, args any) (map[string]any, error) {
	line, err := json.Marshal(command{Execute: execute, Arguments: args})
	if err != nil {
		return nil, err
	}
	line = append(line, '\n')

	if _, err := c.conn.Write(line); err != nil {
		return nil, vmerr.Wrap(vmerr.KindControlCommandFailed, err, "writing command %q", execute)
	}

	return c.readNonEventLine()
}

// readNonEventLine reads lines until one decodes to an object without an
// "event" key, silently discarding any events seen along the way.
func (c *Client) readNonEventLine() (map[string]any, error) {
	for {
		raw, err := c.reader.ReadBytes('\n')
		if err != nil {
			return nil, vmerr.Wrap(vmerr.KindControlCommandFailed, err, "reading response")
		}

		var obj map[string]any
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, vmerr.New(vmerr.KindControlCommandFailed, "invalid JSON line %q: %v", string(raw), err)
		}
		if _, isEvent := obj["event"]; isEvent {
			continue
		}
		return obj, nil
	}
}

// sendOnly writes a command without waiting for a response; used for
// qmp where the socket may close immediately after (e.g. quit).
func (c *Client) sendOnly(execute string, args any) error {
	line, err := json.Marshal(command{Execute: execute, Arguments: args})
	if err != nil {
		return err
	}
	line = append(line, '\n')
	_, err = c.conn.Write(line)
	return err
}

// SystemPowerdown requests an ACPI-style graceful guest shutdown.
func (c *Client) SystemPowerdown() error {
	_, err := c.call("system_powerdown", nil)
	return err
}

// Quit requests immediate VMM termination. No response is expected; the
// socket may close before one arrives, so the write error (if any) is
// the only thing reported.
func (c *Client) Quit() error {
	return c.sendOnly("quit", nil)
}

// Stop pauses the guest's vCPUs.
func (c *Client) Stop() error {
	_, err := c.call("stop", nil)
	return err
}

// Cont resumes the guest's vCPUs.
func (c *Client) Cont() error {
	_, err := c.call("cont", nil)
	return err
}

// QueryStatus returns the string at JSON path /return/status, or
// "unknown" if missing.
func (c *Client) QueryStatus() (string, error) {
	resp, err := c.call("query-status", nil)
	if err != nil {
		return "", err
	}
	ret, _ := resp["return"].(map[string]any)
	status, ok := ret["status"].(string)
	if !ok {
		return "unknown", nil
	}
	return status, nil
}

// QueryVNC returns "host:service" when /return/enabled is true, else
// ("", false).
func (c *Client) QueryVNC() (string, bool, error) {
	resp, err := c.call("query-vnc", nil)
	if err != nil {
		return "", false, err
	}
	ret, _ := resp["return"].(map[string]any)
	enabled, _ := ret["enabled"].(bool)
	if !enabled {
		return "", false, nil
	}
	host, _ := ret["host"].(string)
	service, _ := ret["service"].(string)
	return fmt.Sprintf("%s:%s", host, service), true, nil
}
