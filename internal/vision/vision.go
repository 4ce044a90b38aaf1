// Package vision asks an OpenAI-compatible vision model which days of a
// photographed month calendar carry a handwritten marker.
package vision

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/retry"
)

const (
	DefaultModel     = "gpt-4o"
	DefaultBaseURL   = "https://api.openai.com/v1"
	DefaultMarker    = "田"
	DefaultMaxTokens = 2000
)

// DefaultRetry covers rate limits and flaky gateways.
var DefaultRetry = retry.Policy{MaxAttempts: 3, BaseDelay: 4 * time.Second, MaxDelay: 10 * time.Second}

type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	Marker    string
	MaxTokens int
	Timeout   time.Duration
	Retry     retry.Policy
}

type Client struct {
	client    *resty.Client
	keyed     bool
	model     string
	marker    string
	maxTokens int
	retry     retry.Policy
}

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Marker == "" {
		cfg.Marker = DefaultMarker
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetry
	}

	c := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetTimeout(cfg.Timeout)
	if cfg.APIKey != "" {
		c.SetAuthToken(cfg.APIKey)
	}

	return &Client{client: c, keyed: cfg.APIKey != "", model: cfg.Model, marker: cfg.Marker, maxTokens: cfg.MaxTokens, retry: cfg.Retry}
}

type chatRequest struct {
	Model               string        `json:"model"`
	Messages            []chatMessage `json:"messages"`
	MaxCompletionTokens int           `json:"max_completion_tokens,omitempty"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Extract sends the image to the model and returns the accepted dates.
func (c *Client) Extract(ctx context.Context, image []byte) ([]model.CandidateDate, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("%w: empty image", model.ErrMalformed)
	}
	if !c.keyed {
		return nil, fmt.Errorf("%w: vision api key is not set", model.ErrConfiguration)
	}
	req := chatRequest{
		Model: c.model,
		Messages: []chatMessage{{
			Role: "user",
			Content: []contentPart{
				{Type: "text", Text: Prompt(c.marker)},
				{Type: "image_url", ImageURL: &imageURL{URL: dataURI(image)}},
			},
		}},
		MaxCompletionTokens: c.maxTokens,
	}

	content, err := retry.Do(ctx, c.retry, func(ctx context.Context, attempt int) retry.Result[string] {
		if attempt > 0 {
			appLog.Info("retrying vision request", "attempt", attempt+1)
		}
		s, err := c.complete(ctx, req)
		return retry.Classify(s, err, model.IsTransient)
	})
	if err != nil {
		return nil, err
	}

	dates, err := DatesFromReply(content)
	if err != nil {
		return nil, err
	}
	appLog.Info("vision reply parsed", "dates", len(dates))
	return dates, nil
}

func (c *Client) complete(ctx context.Context, req chatRequest) (string, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(&req).
		Post("/chat/completions")
	if err != nil {
		return "", model.NewServiceError("vision.chat", model.ErrTransport, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", model.NewServiceError("vision.chat", model.KindForHTTPStatus(resp.StatusCode()),
			fmt.Errorf("status %d: %s", resp.StatusCode(), truncate(resp.String(), 200)))
	}

	var cr chatResponse
	if err := json.Unmarshal(resp.Body(), &cr); err != nil {
		return "", model.NewServiceError("vision.chat", model.ErrMalformed, fmt.Errorf("decode response: %w", err))
	}
	if len(cr.Choices) == 0 {
		return "", model.NewServiceError("vision.chat", model.ErrMalformed, fmt.Errorf("response has no choices"))
	}
	return cr.Choices[0].Message.Content, nil
}

// dataURI embeds the image with its sniffed content type. Formats the
// sniffer does not know, such as HEIC, are sent as JPEG.
func dataURI(image []byte) string {
	ct := http.DetectContentType(image)
	if !strings.HasPrefix(ct, "image/") {
		ct = "image/jpeg"
	}
	return "data:" + ct + ";base64," + base64.StdEncoding.EncodeToString(image)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
