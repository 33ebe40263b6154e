package propolis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const (
	controlAddr    = "127.0.0.1:12400"
	readyPollEvery = 500 * time.Millisecond
	readyTimeout   = 30 * time.Second
)

// vmmClient talks to the in-zone VMM daemon's HTTP control API. No REST
// client library appears anywhere in the retrieval pack for this
// concern, so it is built directly on net/http.
type vmmClient struct {
	http *http.Client
	base string
}

func newVMMClient() *vmmClient {
	return &vmmClient{http: &http.Client{Timeout: 5 * time.Second}, base: "http://" + controlAddr}
}

// waitReady polls GET /instance until it returns 2xx or 404 (both count
// as "daemon is up"), or readyTimeout elapses.
func (c *vmmClient) waitReady(ctx context.Context) error {
	deadline := time.Now().Add(readyTimeout)
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/instance", nil)
		if err == nil {
			resp, err := c.http.Do(req)
			if err == nil {
				resp.Body.Close()
				if (resp.StatusCode >= 200 && resp.StatusCode < 300) || resp.StatusCode == http.StatusNotFound {
					return nil
				}
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("propolis-server at %s did not become ready", c.base)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(readyPollEvery):
		}
	}
}

func (c *vmmClient) put(ctx context.Context, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.base+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("PUT %s: unexpected status %d", path, resp.StatusCode)
	}
	return nil
}

func (c *vmmClient) createInstance(ctx context.Context, id, name string) error {
	return c.put(ctx, "/instance", map[string]any{
		"properties": map[string]any{
			"id":          id,
			"name":        name,
			"description": "managed by vmctl",
		},
		"nics":  []any{},
		"disks": []any{},
		"boot_settings": map[string]any{
			"order": []map[string]string{{"name": "disk0"}},
		},
	})
}

func (c *vmmClient) setState(ctx context.Context, state string) error {
	return c.put(ctx, "/instance/state", state)
}
