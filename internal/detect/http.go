package detect

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"strings"
	"time"
)

// maxResponseBytes caps the sidecar response read into memory.
const maxResponseBytes = 4 << 20

// HTTPBackend sends the image as PNG to a detection sidecar and decodes its JSON
// reply with ParseJSON.
type HTTPBackend struct {
	URL    string
	Token  string
	Client *http.Client
}

// NewHTTPBackend validates the endpoint and builds a backend with its own client.
func NewHTTPBackend(url, token string, timeout time.Duration) (*HTTPBackend, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("detector url is empty")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPBackend{
		URL:    url,
		Token:  strings.TrimSpace(token),
		Client: &http.Client{Timeout: timeout},
	}, nil
}

func (b *HTTPBackend) Detect(ctx context.Context, img image.Image) ([]Raw, error) {
	var body bytes.Buffer
	if err := png.Encode(&body, img); err != nil {
		return nil, fmt.Errorf("encode request image: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.URL, &body)
	if err != nil {
		return nil, fmt.Errorf("build detector request: %w", err)
	}
	req.Header.Set("Content-Type", "image/png")
	req.Header.Set("Accept", "application/json")
	if b.Token != "" {
		req.Header.Set("Authorization", "Bearer "+b.Token)
	}

	client := b.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("detector request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read detector response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("detector returned status %s: %s", resp.Status, strings.TrimSpace(string(truncate(data, 256))))
	}
	return ParseJSON(data)
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
