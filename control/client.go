package control

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/juju/errors"

	"cad-bridge/message"
)

// Client drives a control surface from another process.
type Client struct {
	base string
	http *http.Client
}

// NewClient talks to the control surface at addr ("host:port" or a URL).
func NewClient(addr string, hc *http.Client) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{base: strings.TrimSuffix(addr, "/"), http: hc}
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodGet, "/status", &st)
	return st, err
}

// Start asks the host to start its bridge. A refusal comes back as a
// *message.Error of its kind, alongside the host's message.
func (c *Client) Start(ctx context.Context) (string, error) {
	return c.action(ctx, "/start")
}

func (c *Client) Stop(ctx context.Context) (string, error) {
	return c.action(ctx, "/stop")
}

func (c *Client) action(ctx context.Context, path string) (string, error) {
	var res ActionResult
	if err := c.do(ctx, http.MethodPost, path, &res); err != nil {
		return "", err
	}
	if res.Kind != "" {
		return res.Message, &message.Error{Kind: res.Kind, Message: res.Message}
	}
	return res.Message, nil
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return errors.Trace(err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Annotatef(err, "reaching control surface at %s", c.base)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusServiceUnavailable {
		var res ActionResult
		json.NewDecoder(resp.Body).Decode(&res)
		return errors.Errorf("control surface unavailable: %s", res.Message)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Annotatef(err, "decoding %s response", path)
	}
	return nil
}
