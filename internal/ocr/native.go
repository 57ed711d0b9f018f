package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const NativeName = "native"

// resultSchema validates the service's /ocr payload before it is trusted.
// The service is a separate process the user runs; a version mismatch should
// fail loudly here, not as a corrupt page artifact later.
const resultSchema = `{
	"type": "object",
	"required": ["success", "text", "raw_text"],
	"properties": {
		"success": {"type": "boolean"},
		"text": {"type": "string"},
		"raw_text": {"type": "string"},
		"boxes": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["label", "box"],
				"properties": {
					"label": {"type": "string"},
					"box": {"type": "array", "items": {"type": "number"}, "minItems": 4, "maxItems": 4}
				}
			}
		},
		"image_dims": {
			"type": "object",
			"properties": {"w": {"type": "integer"}, "h": {"type": "integer"}}
		},
		"prompt_type": {"type": "string"}
	}
}`

var compiledResultSchema = jsonschema.MustCompileString("ocr_result.json", resultSchema)

// NativeClientConfig configures the native /ocr transport.
type NativeClientConfig struct {
	// Endpoint is the service base URL (e.g. http://127.0.0.1:8000).
	Endpoint string
	// PromptType selects the service-side prompt ("document", "ocr",
	// "free", "find", "custom"). Default "document".
	PromptType   string
	CustomPrompt string
	Grounding    bool
	MaxTokens    int
	Temperature  float64
	Timeout      time.Duration
	HTTPClient   *http.Client
}

// NativeClient speaks the service's multipart /ocr endpoint.
type NativeClient struct {
	endpoint     string
	promptType   string
	customPrompt string
	grounding    bool
	maxTokens    int
	temperature  float64
	client       *http.Client
}

// NewNativeClient creates a native-transport client.
func NewNativeClient(cfg NativeClientConfig) *NativeClient {
	if cfg.PromptType == "" {
		cfg.PromptType = "document"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 8192
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 300 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	return &NativeClient{
		endpoint:     strings.TrimSuffix(cfg.Endpoint, "/"),
		promptType:   cfg.PromptType,
		customPrompt: cfg.CustomPrompt,
		grounding:    cfg.Grounding,
		maxTokens:    cfg.MaxTokens,
		temperature:  cfg.Temperature,
		client:       client,
	}
}

// Name returns the transport identifier.
func (c *NativeClient) Name() string {
	return NativeName
}

// HealthCheck verifies the service's /health endpoint responds.
func (c *NativeClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Recognize extracts text from one page image via the /ocr endpoint.
func (c *NativeClient) Recognize(ctx context.Context, image []byte, pageNum int) (*Result, error) {
	start := time.Now()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", fmt.Sprintf("page_%04d.png", pageNum))
	if err != nil {
		return nil, fmt.Errorf("failed to build form: %w", err)
	}
	if _, err := fw.Write(image); err != nil {
		return nil, fmt.Errorf("failed to build form: %w", err)
	}

	fields := map[string]string{
		"prompt_type": c.promptType,
		"grounding":   strconv.FormatBool(c.grounding),
		"max_tokens":  strconv.Itoa(c.maxTokens),
		"temperature": strconv.FormatFloat(c.temperature, 'f', -1, 64),
	}
	if c.customPrompt != "" {
		fields["custom_prompt"] = c.customPrompt
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("failed to build form: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to build form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/ocr", &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyRemoteError(resp.StatusCode, respBody)
	}

	var raw any
	if err := json.Unmarshal(respBody, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if err := compiledResultSchema.Validate(raw); err != nil {
		return nil, fmt.Errorf("ocr response failed validation: %w", err)
	}

	var res Result
	if err := json.Unmarshal(respBody, &res); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if !res.Success {
		return nil, fmt.Errorf("ocr failed for page %d", pageNum)
	}
	res.ExecutionTime = time.Since(start)
	return &res, nil
}

// classifyRemoteError maps a non-200 response to an error class. A "queue
// full" detail in the body is the authoritative backpressure trigger; other
// 4xx/5xx are fatal.
func classifyRemoteError(statusCode int, body []byte) error {
	detail := strings.ToLower(string(body))
	if strings.Contains(detail, "queue full") || strings.Contains(detail, "queue is full") {
		return fmt.Errorf("%w (status %d)", ErrQueueFull, statusCode)
	}
	if statusCode == http.StatusTooManyRequests || statusCode == http.StatusServiceUnavailable {
		return fmt.Errorf("%w (status %d)", ErrQueueFull, statusCode)
	}
	return fmt.Errorf("ocr service error (status %d): %s", statusCode, truncate(string(body), 200))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Verify interface compliance
var _ Client = (*NativeClient)(nil)
