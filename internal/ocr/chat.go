package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const (
	ChatName         = "chat"
	chatDefaultModel = "deepseek-ai/DeepSeek-OCR-2"
)

// ChatClientConfig configures the OpenAI-compatible transport.
type ChatClientConfig struct {
	// Endpoint is the service base URL (e.g. http://127.0.0.1:8000).
	Endpoint string
	Model    string
	// Prompt is sent alongside the page image. Default is the service's
	// grounding document prompt.
	Prompt      string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// ChatClient speaks the service's /v1/chat/completions endpoint with the
// page image inlined as a data URL. The recognition response carries the
// model's raw grounded text; box parsing and marker stripping happen here.
type ChatClient struct {
	endpoint    string
	model       string
	prompt      string
	maxTokens   int
	temperature float64
	client      *http.Client
	api         openai.Client
}

// NewChatClient creates a chat-transport client.
func NewChatClient(cfg ChatClientConfig) *ChatClient {
	if cfg.Model == "" {
		cfg.Model = chatDefaultModel
	}
	if cfg.Prompt == "" {
		cfg.Prompt = "<|grounding|>Convert the document to markdown."
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

	endpoint := strings.TrimSuffix(cfg.Endpoint, "/")

	// The service accepts any API key; openai-go is used for the
	// models-list health probe against the same /v1 surface.
	api := openai.NewClient(
		option.WithAPIKey("EMPTY"),
		option.WithBaseURL(endpoint+"/v1"),
		option.WithHTTPClient(client),
		option.WithMaxRetries(0),
	)

	return &ChatClient{
		endpoint:    endpoint,
		model:       cfg.Model,
		prompt:      cfg.Prompt,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		client:      client,
		api:         api,
	}
}

// Name returns the transport identifier.
func (c *ChatClient) Name() string {
	return ChatName
}

// HealthCheck verifies the OpenAI-compatible surface is up.
func (c *ChatClient) HealthCheck(ctx context.Context) error {
	if _, err := c.api.Models.List(ctx); err != nil {
		return fmt.Errorf("%w: models list failed: %v", ErrUnreachable, err)
	}
	return nil
}

// Request/response shapes for the chat completion call. Hand-rolled because
// the service extends the message with orig_w/orig_h fields the SDK types
// do not carry.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

type chatMessage struct {
	Role    string            `json:"role"`
	Content []chatContentPart `json:"content"`
}

type chatContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *chatImageURL `json:"image_url,omitempty"`
}

type chatImageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
			OrigW   int    `json:"orig_w"`
			OrigH   int    `json:"orig_h"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Recognize extracts text from one page image via chat completions.
func (c *ChatClient) Recognize(ctx context.Context, image []byte, pageNum int) (*Result, error) {
	start := time.Now()

	dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(image)
	reqBody := chatRequest{
		Model: c.model,
		Messages: []chatMessage{{
			Role: "user",
			Content: []chatContentPart{
				{Type: "text", Text: c.prompt},
				{Type: "image_url", ImageURL: &chatImageURL{URL: dataURL}},
			},
		}},
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint+"/v1/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

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

	var cr chatResponse
	if err := json.Unmarshal(respBody, &cr); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if cr.Error != nil {
		return nil, classifyRemoteError(resp.StatusCode, []byte(cr.Error.Message))
	}
	if len(cr.Choices) == 0 {
		return nil, fmt.Errorf("chat response has no choices")
	}

	msg := cr.Choices[0].Message
	return &Result{
		Success:       true,
		Text:          CleanGroundingText(msg.Content),
		RawText:       msg.Content,
		Boxes:         ParseDetections(msg.Content, msg.OrigW, msg.OrigH),
		ImageDims:     ImageDims{W: msg.OrigW, H: msg.OrigH},
		PromptType:    "document",
		ExecutionTime: time.Since(start),
	}, nil
}

var (
	groundingBlockRe = regexp.MustCompile(`(?s)<\|ref\|>(.*?)<\|/ref\|>\s*<\|det\|>\s*\[.*?\]\s*<\|/det\|>`)
	groundingTagRe   = regexp.MustCompile(`<\|grounding\|>`)
	detectionRe      = regexp.MustCompile(`(?s)<\|ref\|>(.*?)<\|/ref\|>\s*<\|det\|>\s*(\[.*?\])\s*<\|/det\|>`)
)

// CleanGroundingText strips grounding markers from model output, keeping the
// referenced labels.
func CleanGroundingText(text string) string {
	cleaned := groundingBlockRe.ReplaceAllString(text, "$1")
	cleaned = groundingTagRe.ReplaceAllString(cleaned, "")
	return strings.TrimSpace(cleaned)
}

// ParseDetections extracts grounded boxes from model output, scaling the
// 0-999 normalized coordinates to the original image size.
func ParseDetections(text string, width, height int) []Box {
	var boxes []Box
	for _, m := range detectionRe.FindAllStringSubmatch(text, -1) {
		label := strings.TrimSpace(m[1])

		var coords [][]float64
		raw := m[2]
		if err := json.Unmarshal([]byte(raw), &coords); err != nil {
			// A single flat box is also valid.
			var flat []float64
			if err := json.Unmarshal([]byte(raw), &flat); err != nil || len(flat) < 4 {
				continue
			}
			coords = [][]float64{flat}
		}

		for _, box := range coords {
			if len(box) < 4 {
				continue
			}
			boxes = append(boxes, Box{
				Label: label,
				Box: [4]int{
					scaleCoord(box[0], width),
					scaleCoord(box[1], height),
					scaleCoord(box[2], width),
					scaleCoord(box[3], height),
				},
			})
		}
	}
	return boxes
}

func scaleCoord(v float64, dim int) int {
	return int(v / 999 * float64(dim))
}

// Verify interface compliance
var _ Client = (*ChatClient)(nil)
