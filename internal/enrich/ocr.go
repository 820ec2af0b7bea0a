// Package enrich extracts text from images through an external OCR service.
package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

var ErrDisabled = errors.New("enrichment disabled")

// Extractor turns image bytes into text.
type Extractor interface {
	ExtractText(ctx context.Context, mimeType string, image []byte) (string, error)
}

type Config struct {
	URL        string
	Token      string
	Languages  string
	Timeout    time.Duration
	RatePerSec float64
	MaxBytes   int64
}

// Client posts the raw image to Config.URL and expects {"text": "..."} back.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
}

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("enrichment.url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 2
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 8 << 20
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
	}, nil
}

func (c *Client) ExtractText(ctx context.Context, mimeType string, image []byte) (string, error) {
	if c == nil {
		return "", ErrDisabled
	}
	if mimeType != "" && !strings.HasPrefix(mimeType, "image/") {
		return "", nil
	}
	if len(image) == 0 {
		return "", nil
	}
	if int64(len(image)) > c.cfg.MaxBytes {
		return "", fmt.Errorf("image too large: %d bytes", len(image))
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(image))
	if err != nil {
		return "", err
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", mimeType)
	if c.cfg.Languages != "" {
		req.Header.Set("X-OCR-Languages", c.cfg.Languages)
	}
	if tok := strings.TrimSpace(c.cfg.Token); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("ocr service failed: http=%d body=%q", resp.StatusCode, truncate(string(body), 200))
	}
	var out struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("ocr response: %w", err)
	}
	return strings.TrimSpace(out.Text), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
