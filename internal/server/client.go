package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"

	"github.com/nvayro/gobfd/internal/bfd"
)

// Client is a thin HTTP client for the JSON request API exposed by
// NewJSONHandler. It is used by cmd/gobfdctl, cmd/gobfd-exabgp-bridge and
// cmd/gobfd-haproxy-agent to reach a running gobfd daemon.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient creates a Client talking to the daemon's JSON API at baseURL
// (e.g. "http://127.0.0.1:50051").
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{httpClient: httpClient, baseURL: baseURL}
}

// AddSession creates a new BFD session on the remote daemon.
func (c *Client) AddSession(ctx context.Context, cfg bfd.SessionConfig) (bfd.SessionSnapshot, error) {
	body, err := json.Marshal(cfg)
	if err != nil {
		return bfd.SessionSnapshot{}, fmt.Errorf("marshal session config: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/sessions", bytes.NewReader(body))
	if err != nil {
		return bfd.SessionSnapshot{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	var snap bfd.SessionSnapshot
	err = c.do(req, http.StatusCreated, &snap)
	return snap, err
}

// DeleteSession removes a session by local discriminator.
func (c *Client) DeleteSession(ctx context.Context, localDiscr uint32) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		fmt.Sprintf("%s/v1/sessions/%d", c.baseURL, localDiscr), nil)
	if err != nil {
		return err
	}
	return c.do(req, http.StatusNoContent, nil)
}

// ListSessions returns every active session known to the daemon.
func (c *Client) ListSessions(ctx context.Context) ([]bfd.SessionSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/sessions", nil)
	if err != nil {
		return nil, err
	}

	var snaps []bfd.SessionSnapshot
	err = c.do(req, http.StatusOK, &snaps)
	return snaps, err
}

// GetSessionByDiscriminator looks up a session by local discriminator.
func (c *Client) GetSessionByDiscriminator(ctx context.Context, discr uint32) (bfd.SessionSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/v1/sessions/%d", c.baseURL, discr), nil)
	if err != nil {
		return bfd.SessionSnapshot{}, err
	}

	var snap bfd.SessionSnapshot
	err = c.do(req, http.StatusOK, &snap)
	return snap, err
}

// GetSessionByPeerAddress looks up a session by peer IP address.
func (c *Client) GetSessionByPeerAddress(ctx context.Context, addr netip.Addr) (bfd.SessionSnapshot, error) {
	u := fmt.Sprintf("%s/v1/sessions/peer?peer_address=%s", c.baseURL, url.QueryEscape(addr.String()))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return bfd.SessionSnapshot{}, err
	}

	var snap bfd.SessionSnapshot
	err = c.do(req, http.StatusOK, &snap)
	return snap, err
}

// WatchSessionEvents opens a streaming NDJSON connection and decodes
// bfd.StateChange records onto the returned channel until ctx is done or
// the server closes the stream. The channel is closed when the stream ends.
func (c *Client) WatchSessionEvents(ctx context.Context, includeCurrent bool) (<-chan bfd.StateChange, error) {
	u := fmt.Sprintf("%s/v1/sessions/events?include_current=%v", c.baseURL, includeCurrent)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("watch session events: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, fmt.Errorf("watch session events: unexpected status %s", resp.Status)
	}

	out := make(chan bfd.StateChange)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		dec := json.NewDecoder(bufio.NewReader(resp.Body))
		for {
			var sc bfd.StateChange
			if err := dec.Decode(&sc); err != nil {
				return
			}
			select {
			case out <- sc:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *Client) do(req *http.Request, wantStatus int, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		var body jsonErrorBody
		_ = json.NewDecoder(resp.Body).Decode(&body)
		if body.Error != "" {
			return fmt.Errorf("%s %s: %s (status %s)", req.Method, req.URL.Path, body.Error, resp.Status)
		}
		return fmt.Errorf("%s %s: unexpected status %s", req.Method, req.URL.Path, resp.Status)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
