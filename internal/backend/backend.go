// Package backend implements the cloud.Backend protocol over HTTP and
// websocket against a sync server.
//
// Pushes and bulk downloads are plain HTTP requests; the continuous
// update stream rides a websocket that the client keeps alive across
// connection failures, resuming from the last delivered cursor.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/pagevault/pagevault/internal/auth"
	"github.com/pagevault/pagevault/internal/cloud"
)

// Config configures a Client.
type Config struct {
	// BaseURL is the sync server root, e.g. "https://sync.example.com".
	BaseURL string

	// Auth supplies the bearer token for every request.
	Auth auth.Provider

	// HTTPClient overrides the default HTTP client. Optional.
	HTTPClient *http.Client

	// ReconnectInterval is the wait between stream reconnect attempts
	// (default: 10 seconds).
	ReconnectInterval time.Duration

	// Logger for protocol activity (default: stderr logger).
	Logger *log.Logger
}

// Client talks the sync protocol to a remote server. It implements
// cloud.Backend and cloud.UsageQuerier.
type Client struct {
	config Config
	http   *http.Client
	logger *log.Logger

	mu        sync.Mutex
	listener  cloud.ChangeListener
	continued chan struct{} // signalled on TriggerSyncContinuation
}

// New creates a client for the given server.
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if config.Auth == nil {
		return nil, fmt.Errorf("auth provider is required")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if config.ReconnectInterval == 0 {
		config.ReconnectInterval = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[backend] ", log.LstdFlags)
	}

	return &Client{
		config:    config,
		http:      config.HTTPClient,
		logger:    config.Logger,
		continued: make(chan struct{}, 1),
	}, nil
}

func (c *Client) endpoint(path string) string {
	return c.config.BaseURL + path
}

// authorize attaches the current bearer token to a request.
func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	token, err := c.config.Auth.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to read auth token: %w", err)
	}
	if token == "" {
		return cloud.ErrUnauthenticated
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

type pushResponse struct {
	ClientInstructions []cloud.ClientInstruction `json:"clientInstructions"`
}

// PushUpdates implements cloud.Backend.
func (c *Client) PushUpdates(ctx context.Context, updates []cloud.Update) (cloud.PushResult, error) {
	body, err := cloud.EncodeUpdates(updates)
	if err != nil {
		return cloud.PushResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/sync/push"), bytes.NewReader(body))
	if err != nil {
		return cloud.PushResult{}, fmt.Errorf("failed to build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.authorize(ctx, req); err != nil {
		return cloud.PushResult{}, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return cloud.PushResult{}, fmt.Errorf("failed to push updates: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return cloud.PushResult{}, cloud.ErrUnauthenticated
	}
	if resp.StatusCode != http.StatusOK {
		return cloud.PushResult{}, fmt.Errorf("push rejected with status %d", resp.StatusCode)
	}

	var decoded pushResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return cloud.PushResult{}, fmt.Errorf("failed to decode push response: %w", err)
	}
	return cloud.PushResult{ClientInstructions: decoded.ClientInstructions}, nil
}

type batchResponse struct {
	Batch    json.RawMessage `json:"batch"`
	LastSeen int64           `json:"lastSeen"`
}

func decodeBatch(data []byte) (cloud.UpdateBatch, error) {
	var decoded batchResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		return cloud.UpdateBatch{}, fmt.Errorf("failed to decode update batch: %w", err)
	}
	var updates []cloud.Update
	if len(decoded.Batch) > 0 {
		var err error
		updates, err = cloud.DecodeUpdates(decoded.Batch)
		if err != nil {
			return cloud.UpdateBatch{}, err
		}
	}
	return cloud.UpdateBatch{Batch: updates, LastSeen: decoded.LastSeen}, nil
}

// BulkDownloadUpdates implements cloud.Backend.
func (c *Client) BulkDownloadUpdates(ctx context.Context, since int64) (cloud.UpdateBatch, error) {
	u := c.endpoint("/sync/bulk") + "?since=" + strconv.FormatInt(since, 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return cloud.UpdateBatch{}, fmt.Errorf("failed to build bulk request: %w", err)
	}
	if err := c.authorize(ctx, req); err != nil {
		return cloud.UpdateBatch{}, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return cloud.UpdateBatch{}, fmt.Errorf("failed to bulk download updates: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return cloud.UpdateBatch{}, cloud.ErrUnauthenticated
	}
	if resp.StatusCode != http.StatusOK {
		return cloud.UpdateBatch{}, fmt.Errorf("bulk download rejected with status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return cloud.UpdateBatch{}, fmt.Errorf("failed to read bulk response: %w", err)
	}
	return decodeBatch(data)
}

// TriggerSyncContinuation implements cloud.Backend. The hint is
// forwarded over the active stream; without one it is a no-op beyond
// the buffered signal.
func (c *Client) TriggerSyncContinuation() {
	select {
	case c.continued <- struct{}{}:
	default:
	}
}

// SetChangeListener implements cloud.Backend.
func (c *Client) SetChangeListener(l cloud.ChangeListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = l
}

func (c *Client) changeListener() cloud.ChangeListener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listener
}

type usageResponse struct {
	UsedBlocks int `json:"usedBlocks"`
}

// UsedBlocks implements cloud.UsageQuerier.
func (c *Client) UsedBlocks(ctx context.Context, userID string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/sync/usage"), nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build usage request: %w", err)
	}
	if err := c.authorize(ctx, req); err != nil {
		return 0, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to query usage: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return 0, cloud.ErrUnauthenticated
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("usage query rejected with status %d", resp.StatusCode)
	}

	var decoded usageResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return 0, fmt.Errorf("failed to decode usage response: %w", err)
	}
	return decoded.UsedBlocks, nil
}
