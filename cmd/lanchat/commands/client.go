package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/lanchat/lanchat/internal/config"
	"github.com/lanchat/lanchat/internal/deviceid"
	"github.com/lanchat/lanchat/internal/gateway"
	"github.com/lanchat/lanchat/internal/protocol"
)

// errNodeNotFound is returned when no local node answers in the port range
var errNodeNotFound = errors.New("no running node found; start one with `lanchat run`")

// apiError is a non-2xx answer of the local API
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
}

// apiClient talks to the command API of a node on this machine
type apiClient struct {
	base   string
	token  string
	selfID string
	http   *http.Client
}

// statusResponse is the body of GET /status
type statusResponse struct {
	OK         bool           `json:"ok"`
	APIEnabled bool           `json:"api_enabled"`
	BaseURL    string         `json:"api_base_url"`
	Self       gateway.Status `json:"self"`
}

func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().Int("port", 0, "HTTP port of the local node (default: configured port, else scan the range)")
	cmd.Flags().Duration("timeout", 15*time.Second, "Request timeout")
}

// newClient builds a client from the config and flags. With no fixed port it
// probes the configured range for the node owning this state directory.
func newClient(cmd *cobra.Command) (*apiClient, error) {
	paths, cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")
	c := &apiClient{
		token: cfg.API.Token,
		http:  &http.Client{Timeout: timeout},
	}
	c.selfID, _ = deviceid.Get(paths.PeerIDFile)

	port := cfg.HTTP.Port
	if cmd.Flags().Changed("port") {
		port, _ = cmd.Flags().GetInt("port")
	}
	if port != 0 {
		c.base = apiBase(port)
		return c, nil
	}
	port, err = c.findNode(cmd.Context(), cfg.HTTP)
	if err != nil {
		return nil, err
	}
	c.base = apiBase(port)
	return c, nil
}

func apiBase(port int) string {
	return "http://127.0.0.1:" + strconv.Itoa(port) + protocol.APIPrefix
}

// findNode returns the first port in the range whose node reports our peer id.
// Without a peer id any answering node is accepted.
func (c *apiClient) findNode(ctx context.Context, hc config.HTTPConfig) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	probe := &apiClient{http: &http.Client{Timeout: 300 * time.Millisecond}}
	for port := hc.PortRangeStart; port <= hc.PortRangeEnd; port++ {
		probe.base = apiBase(port)
		st, err := probe.status(ctx)
		if err != nil {
			continue
		}
		if c.selfID == "" || st.Self.PeerID == c.selfID {
			return port, nil
		}
	}
	return 0, errNodeNotFound
}

func (c *apiClient) status(ctx context.Context) (statusResponse, error) {
	var st statusResponse
	err := c.do(ctx, http.MethodGet, "/status", nil, nil, &st)
	return st, err
}

// do sends one request. body is JSON-encoded when non-nil; out receives the
// decoded response.
func (c *apiClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set(protocol.TokenHeader, c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e protocol.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err == nil && e.Error != "" {
			return &apiError{Status: resp.StatusCode, Message: e.Error}
		}
		return &apiError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
