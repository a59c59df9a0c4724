// Package imagesearch looks up a reference bottle photo for a wine. It is a
// display nicety, not part of the analysis pipeline's correctness.
package imagesearch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrNoImage means the search ran fine but found nothing usable.
var ErrNoImage = errors.New("no image found")

// Client queries an image search endpoint that returns JSON results.
type Client struct {
	Endpoint string
	APIKey   string
	HTTP     *http.Client
}

func New(endpoint, apiKey string) *Client {
	return &Client{
		Endpoint: endpoint,
		APIKey:   apiKey,
		HTTP:     &http.Client{Timeout: 15 * time.Second},
	}
}

// Search returns the URL of the best image match for the wine, or ErrNoImage.
func (c *Client) Search(ctx context.Context, wineName, producer string) (string, error) {
	query := wineName
	if producer != "" && !strings.Contains(strings.ToLower(wineName), strings.ToLower(producer)) {
		query = producer + " " + wineName
	}
	query += " wine bottle"

	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("search returned %d", resp.StatusCode)
	}

	imageURL := firstImageURL(raw)
	if imageURL == "" {
		return "", ErrNoImage
	}
	return imageURL, nil
}

// firstImageURL digs the first image URL out of a results payload, accepting
// the key variants different search providers use.
func firstImageURL(raw []byte) string {
	var parsed struct {
		Results []map[string]any `json:"results"`
		Images  []map[string]any `json:"images"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return ""
	}
	items := parsed.Results
	if len(items) == 0 {
		items = parsed.Images
	}
	for _, item := range items {
		for _, key := range []string{"url", "imageUrl", "image_url", "original", "src"} {
			if v, ok := item[key].(string); ok && v != "" {
				return v
			}
		}
	}
	return ""
}
