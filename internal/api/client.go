package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/pagemill/pagemill/internal/pages"
	"github.com/pagemill/pagemill/internal/pipeline"
)

// Client is an HTTP client for the pagemill API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Minute, // Long timeout for large file uploads
		},
	}
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) error {
	return c.get(ctx, "/health", nil)
}

// ImportFile uploads a source file for rendering.
func (c *Client) ImportFile(ctx context.Context, path string) (*pages.Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, fmt.Errorf("failed to build upload: %w", err)
	}
	if _, err := fw.Write(data); err != nil {
		return nil, fmt.Errorf("failed to build upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to build upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/import", &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var src pages.Source
	if err := c.handleResponse(resp, &src); err != nil {
		return nil, err
	}
	return &src, nil
}

// Pages lists all pages.
func (c *Client) Pages(ctx context.Context) ([]*pages.Page, error) {
	var out []*pages.Page
	if err := c.get(ctx, "/api/pages", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Page fetches one page by ID.
func (c *Client) Page(ctx context.Context, id string) (*pages.Page, error) {
	var pg pages.Page
	if err := c.get(ctx, "/api/pages/"+id, &pg); err != nil {
		return nil, err
	}
	return &pg, nil
}

// Recognize queues a page for recognition.
func (c *Client) Recognize(ctx context.Context, id string) error {
	return c.send(ctx, http.MethodPost, "/api/pages/"+id+"/recognize", nil, nil)
}

// Generate queues a page for artifact generation.
func (c *Client) Generate(ctx context.Context, id string) error {
	return c.send(ctx, http.MethodPost, "/api/pages/"+id+"/generate", nil, nil)
}

// DeletePages removes the given pages.
func (c *Client) DeletePages(ctx context.Context, ids []string) error {
	return c.send(ctx, http.MethodDelete, "/api/pages", map[string][]string{"ids": ids}, nil)
}

// Reorder renumbers pages into the given order.
func (c *Client) Reorder(ctx context.Context, ids []string) error {
	return c.send(ctx, http.MethodPost, "/api/pages/reorder", map[string][]string{"ids": ids}, nil)
}

// Stats fetches pipeline statistics.
func (c *Client) Stats(ctx context.Context) (*pipeline.Stats, error) {
	var st pipeline.Stats
	if err := c.get(ctx, "/api/stats", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) get(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return c.handleResponse(resp, result)
}

func (c *Client) send(ctx context.Context, method, path string, body any, result any) error {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return c.handleResponse(resp, result)
}

func (c *Client) handleResponse(resp *http.Response, result any) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp ErrorResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("server error (%d): %s", resp.StatusCode, errResp.Error)
		}
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, string(body))
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}

// ErrorResponse matches the server's error response format.
type ErrorResponse struct {
	Error string `json:"error"`
}
