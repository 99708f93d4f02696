// Package imagegen is the text-to-image collaborator. It asks an
// OpenRouter-hosted model for an image and returns the encoded bytes.
package imagegen

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Defaults.
const (
	DefaultBaseURL = "https://openrouter.ai/api/v1"
	DefaultModel   = "google/gemini-2.5-flash-image"

	// DefaultMaxImageBytes bounds a downloaded or decoded image.
	DefaultMaxImageBytes = 32 << 20

	// maxEnvelopeBytes allows for the JSON around a base64 image.
	maxEnvelopeBytes = 1 << 20
)

// Sentinel errors.
var (
	ErrNoImage       = errors.New("response contained no image")
	ErrImageTooLarge = errors.New("generated image exceeds size limit")
)

// Config configures the OpenRouter client.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	// AspectRatio and ImageSize are forwarded as image_config when set.
	AspectRatio string
	ImageSize   string
	// Timeout bounds a whole Generate call. Zero leaves it to the caller's
	// context.
	Timeout       time.Duration
	MaxImageBytes int64
	HTTPClient    *http.Client
	Logger        *slog.Logger
}

// Client generates images through the OpenRouter chat completions API.
type Client struct {
	apiKey      string
	baseURL     string
	model       string
	aspectRatio string
	imageSize   string
	timeout     time.Duration
	maxBytes    int64
	http        *http.Client
	logger      *slog.Logger
}

// NewClient creates a Client. APIKey is required.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openrouter api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxImageBytes <= 0 {
		cfg.MaxImageBytes = DefaultMaxImageBytes
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		apiKey:      strings.TrimSpace(cfg.APIKey),
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		model:       cfg.Model,
		aspectRatio: cfg.AspectRatio,
		imageSize:   cfg.ImageSize,
		timeout:     cfg.Timeout,
		maxBytes:    cfg.MaxImageBytes,
		http:        cfg.HTTPClient,
		logger:      cfg.Logger,
	}, nil
}

type chatCompletionsRequest struct {
	Model       string           `json:"model"`
	Messages    []chatMessage    `json:"messages"`
	Modalities  []string         `json:"modalities"`
	Stream      bool             `json:"stream"`
	ImageConfig *imageConfigBody `json:"image_config,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type imageConfigBody struct {
	AspectRatio string `json:"aspect_ratio,omitempty"`
	ImageSize   string `json:"image_size,omitempty"`
}

type chatCompletionsResponse struct {
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Choices []struct {
		Message struct {
			Images []struct {
				ImageURL struct {
					URL string `json:"url"`
				} `json:"image_url"`
			} `json:"images"`
		} `json:"message"`
	} `json:"choices"`
}

// Generate returns the first image the model produces for prompt. It is
// never retried.
func (c *Client) Generate(ctx context.Context, prompt string) ([]byte, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	body := chatCompletionsRequest{
		Model:      c.model,
		Messages:   []chatMessage{{Role: "user", Content: prompt}},
		Modalities: []string{"image", "text"},
	}
	if c.aspectRatio != "" || c.imageSize != "" {
		body.ImageConfig = &imageConfigBody{AspectRatio: c.aspectRatio, ImageSize: c.imageSize}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes*4/3+maxEnvelopeBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var parsed chatCompletionsResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("parse response (%d): %s", resp.StatusCode, truncate(string(respBody), 500))
	}
	if parsed.Error != nil && parsed.Error.Message != "" {
		return nil, fmt.Errorf("api error (%d): %s", resp.StatusCode, parsed.Error.Message)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("api status %d: %s", resp.StatusCode, truncate(string(respBody), 500))
	}
	if len(parsed.Choices) == 0 || len(parsed.Choices[0].Message.Images) == 0 {
		return nil, ErrNoImage
	}
	url := strings.TrimSpace(parsed.Choices[0].Message.Images[0].ImageURL.URL)
	if url == "" {
		return nil, ErrNoImage
	}

	var data []byte
	if strings.HasPrefix(url, "data:") {
		data, err = c.decodeDataURL(url)
	} else {
		data, err = c.download(ctx, url)
	}
	if err != nil {
		return nil, err
	}

	c.logger.InfoContext(ctx, "image generated",
		slog.String("model", c.model),
		slog.Int("bytes", len(data)),
		slog.Duration("duration", time.Since(start)))
	return data, nil
}

func (c *Client) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create download request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("download image: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("download image: %w", err)
	}
	if int64(len(data)) > c.maxBytes {
		return nil, ErrImageTooLarge
	}
	return data, nil
}

func (c *Client) decodeDataURL(dataURL string) ([]byte, error) {
	const marker = ";base64,"
	idx := strings.Index(dataURL, marker)
	if idx < 0 {
		return nil, errors.New("data URL missing base64 marker")
	}
	payload := dataURL[idx+len(marker):]
	if int64(base64.StdEncoding.DecodedLen(len(payload))) > c.maxBytes+2 {
		return nil, ErrImageTooLarge
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode image base64: %w", err)
	}
	if int64(len(raw)) > c.maxBytes {
		return nil, ErrImageTooLarge
	}
	return raw, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
