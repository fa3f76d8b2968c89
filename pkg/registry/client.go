package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/querylens/querylens/pkg/models"
)

// Client talks to the registry service. Resolve round-robins across the
// healthy endpoints of a role so load spreads over replicas.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu      sync.Mutex
	rrIndex map[string]int
}

// NewClient creates a registry client against baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		rrIndex:    make(map[string]int),
	}
}

// Register announces a tool server endpoint. Also used as the heartbeat.
func (c *Client) Register(ctx context.Context, desc models.ToolDescriptor) error {
	body, err := json.Marshal(map[string]any{
		"role":         desc.Role,
		"endpoint":     desc.Endpoint,
		"capabilities": desc.Capabilities,
	})
	if err != nil {
		return fmt.Errorf("encode registration: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/register", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("register with %s: %w", c.baseURL, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("register with %s: status %d", c.baseURL, resp.StatusCode)
	}
	return nil
}

// Resolve returns a healthy endpoint for the role, rotating across replicas
// on successive calls. Returns ErrNoLiveTool when none are available.
func (c *Client) Resolve(ctx context.Context, role string) (string, error) {
	servers, err := c.fetchServers(ctx, role, true)
	if err != nil {
		return "", err
	}
	if len(servers) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoLiveTool, role)
	}

	c.mu.Lock()
	idx := c.rrIndex[role] % len(servers)
	c.rrIndex[role] = idx + 1
	c.mu.Unlock()

	return servers[idx].Endpoint, nil
}

// Servers lists all registered endpoints for a role.
func (c *Client) Servers(ctx context.Context, role string) ([]models.ToolDescriptor, error) {
	return c.fetchServers(ctx, role, false)
}

func (c *Client) fetchServers(ctx context.Context, role string, healthyOnly bool) ([]models.ToolDescriptor, error) {
	url := c.baseURL + "/servers?role=" + role
	if healthyOnly {
		url += "&healthy=true"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build servers request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list servers from %s: %w", c.baseURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list servers from %s: status %d", c.baseURL, resp.StatusCode)
	}

	var payload struct {
		Servers []models.ToolDescriptor `json:"servers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode servers response: %w", err)
	}
	return payload.Servers, nil
}

// Heartbeat re-registers desc on the interval until ctx is cancelled.
// Intended to run as a goroutine from a tool server's main.
func (c *Client) Heartbeat(ctx context.Context, desc models.ToolDescriptor, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := c.Register(ctx, desc); err != nil {
		logger.Warn("Initial registration failed, will retry on next heartbeat",
			"role", desc.Role, "endpoint", desc.Endpoint, "error", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Register(ctx, desc); err != nil {
				logger.Warn("Heartbeat failed", "role", desc.Role, "endpoint", desc.Endpoint, "error", err)
			}
		}
	}
}
