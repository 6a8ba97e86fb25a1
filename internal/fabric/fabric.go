// Package fabric implements C4: the cluster-fabric (HaaS-equivalent)
// controller client — attach/detach a node NIC to a project network,
// resolve a node's MAC, and validate project membership (spec §4.4).
package fabric

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/bmi-project/bmi/internal/bmierr"
	"github.com/cenkalti/backoff/v5"
)

// Fabric is the capability interface the orchestrator depends on; never
// the concrete HTTP client, per the Design Notes (§9).
type Fabric interface {
	AttachNodeToProjectNetwork(ctx context.Context, node, network, channel, nic string) error
	DetachNodeFromProjectNetwork(ctx context.Context, node, network, nic string) error
	NodeMAC(ctx context.Context, node string) (string, error)
	ValidateProject(ctx context.Context, name string) error
}

// Client is the HTTP-backed implementation. Transient transport errors
// (connection failures, 5xx, context deadline) are retried up to
// MaxRetries times with exponential backoff (spec §6, §7); semantic
// failures (401/404/409) are never retried.
type Client struct {
	BaseURL    string
	Username   string
	Password   string
	HTTPClient *http.Client
	MaxRetries uint
}

func NewClient(baseURL, username, password string) *Client {
	return &Client{
		BaseURL:    baseURL,
		Username:   username,
		Password:   password,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		MaxRetries: 3,
	}
}

func (c *Client) AttachNodeToProjectNetwork(ctx context.Context, node, network, channel, nic string) error {
	body := map[string]string{"node": node, "network": network, "channel": channel, "nic": nic}
	_, err := c.doRetrying(ctx, http.MethodPost, fmt.Sprintf("/node/%s/network/attach", node), body)
	return err
}

func (c *Client) DetachNodeFromProjectNetwork(ctx context.Context, node, network, nic string) error {
	body := map[string]string{"node": node, "network": network, "nic": nic}
	_, err := c.doRetrying(ctx, http.MethodPost, fmt.Sprintf("/node/%s/network/detach", node), body)
	return err
}

func (c *Client) NodeMAC(ctx context.Context, node string) (string, error) {
	resp, err := c.doRetrying(ctx, http.MethodGet, fmt.Sprintf("/node/%s/mac", node), nil)
	if err != nil {
		return "", err
	}
	var payload struct {
		MAC string `json:"mac"`
	}
	if err := json.Unmarshal(resp, &payload); err != nil {
		return "", bmierr.Wrap(bmierr.FabricProtocol, "decoding node mac response", err)
	}
	mac, err := net.ParseMAC(payload.MAC)
	if err != nil {
		return "", bmierr.Wrap(bmierr.FabricProtocol, "node reported an unparseable MAC", err)
	}
	return mac.String(), nil
}

func (c *Client) ValidateProject(ctx context.Context, name string) error {
	_, err := c.doRetrying(ctx, http.MethodGet, fmt.Sprintf("/project/%s/validate", name), nil)
	return err
}

// doRetrying wraps a single request attempt in backoff.Retry, giving up
// immediately (no retry) on any response that isn't a transient transport
// failure — spec §4.4: "retried by the caller only on transient transport
// errors, never on semantic errors".
func (c *Client) doRetrying(ctx context.Context, method, path string, body any) ([]byte, error) {
	op := func() ([]byte, error) {
		data, err := c.do(ctx, method, path, body)
		if err != nil && bmierr.IsTransient(err) {
			return nil, err
		} else if err != nil {
			return nil, backoff.Permanent(err)
		}
		return data, nil
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(c.retries()),
	)
}

func (c *Client) retries() uint {
	if c.MaxRetries == 0 {
		return 3
	}
	return c.MaxRetries
}

func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, bmierr.Wrap(bmierr.FabricProtocol, "encoding request body", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return nil, bmierr.Wrap(bmierr.FabricProtocol, "building request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.Username, c.Password)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, bmierr.Wrap(bmierr.FabricTransient, "fabric controller unreachable", err)
	}
	defer resp.Body.Close()

	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, bmierr.Wrap(bmierr.FabricProtocol, "reading response body", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return buf.Bytes(), nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, bmierr.New(bmierr.FabricUnauthorized, buf.String())
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusConflict:
		return nil, bmierr.New(bmierr.FabricNotFound, buf.String())
	case resp.StatusCode >= 500:
		return nil, bmierr.New(bmierr.FabricTransient, buf.String())
	default:
		return nil, bmierr.New(bmierr.FabricProtocol, buf.String())
	}
}
