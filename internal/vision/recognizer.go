// Package vision calls a multimodal model to extract wine candidates from a
// photo, and copes with the loosely structured text the model sends back.
package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Candidate is one wine spotted in the image. Only Name is guaranteed;
// everything else is best effort.
type Candidate struct {
	Name     string
	Vintage  string
	Producer string
	Region   string
	Varietal string
}

// Recognizer talks to an OpenAI-compatible chat completions endpoint.
type Recognizer struct {
	BaseURL string
	APIKey  string
	Model   string
	Client  *http.Client
}

func NewRecognizer(baseURL, apiKey, model string) *Recognizer {
	return &Recognizer{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Model:   model,
		Client:  &http.Client{Timeout: 90 * time.Second},
	}
}

// The recognition prompt stays in English regardless of the job locale;
// locale only affects the downstream tasting notes.
const recognitionPrompt = `Identify every wine bottle or wine list entry visible in this image.
Respond with a JSON array only. Each element must be an object with the keys:
"name" (the wine's full name), "vintage", "producer", "region", "varietal".
Use an empty string for anything you cannot read. If there are no wines, respond with [].`

// Recognize returns the wines found in the image at imageURL. A transport or
// provider failure returns an error; an unparseable or empty model answer
// returns an empty slice, because "no wines" is a valid outcome.
func (r *Recognizer) Recognize(ctx context.Context, imageURL string) ([]Candidate, error) {
	body := map[string]any{
		"model": r.Model,
		"messages": []map[string]any{
			{
				"role": "user",
				"content": []map[string]any{
					{"type": "text", "text": recognitionPrompt},
					{"type": "image_url", "image_url": map[string]string{"url": imageURL}},
				},
			},
		},
	}

	text, err := r.complete(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("vision call: %w", err)
	}
	return ParseCandidates(text), nil
}

func (r *Recognizer) complete(ctx context.Context, body map[string]any) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.APIKey)
	}

	resp, err := r.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("provider returned %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", nil
	}
	return parsed.Choices[0].Message.Content, nil
}

// fieldAliases maps the canonical candidate fields to the key variants models
// actually emit.
var fieldAliases = map[string][]string{
	"name":     {"name", "wine_name", "wineName", "title"},
	"vintage":  {"vintage", "year"},
	"producer": {"producer", "winery", "maker"},
	"region":   {"region", "appellation", "origin"},
	"varietal": {"varietal", "grape", "grape_variety", "grapeVariety"},
}

// ParseCandidates extracts candidates from a model answer that may be wrapped
// in prose or markdown fences, may be a single object instead of an array, or
// may be garbage. Garbage parses to an empty list, never an error. Candidates
// without a name are dropped.
func ParseCandidates(text string) []Candidate {
	cleaned := StripCodeFences(text)

	var items []map[string]any
	if err := json.Unmarshal([]byte(cleaned), &items); err != nil {
		// Not an array; maybe a single object.
		var single map[string]any
		if err := json.Unmarshal([]byte(cleaned), &single); err != nil {
			// Last resort: the array may be buried in surrounding prose.
			if inner := extractJSONArray(cleaned); inner != "" {
				if err := json.Unmarshal([]byte(inner), &items); err != nil {
					return []Candidate{}
				}
			} else {
				return []Candidate{}
			}
		} else {
			items = []map[string]any{single}
		}
	}

	out := make([]Candidate, 0, len(items))
	for _, item := range items {
		c := Candidate{
			Name:     lookupAlias(item, "name"),
			Vintage:  lookupAlias(item, "vintage"),
			Producer: lookupAlias(item, "producer"),
			Region:   lookupAlias(item, "region"),
			Varietal: lookupAlias(item, "varietal"),
		}
		if strings.TrimSpace(c.Name) == "" {
			continue
		}
		out = append(out, c)
	}
	return out
}

func lookupAlias(item map[string]any, field string) string {
	for _, key := range fieldAliases[field] {
		v, ok := item[key]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case string:
			if s := strings.TrimSpace(t); s != "" {
				return s
			}
		case float64:
			// Vintages often come back as bare numbers.
			return strings.TrimSpace(strings.TrimSuffix(fmt.Sprintf("%v", t), ".0"))
		}
	}
	return ""
}

// StripCodeFences removes markdown code fences that LLMs add despite instructions.
func StripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		// Remove opening fence (```json, ```, etc.)
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		}
		// Remove closing fence
		if strings.HasSuffix(s, "```") {
			s = s[:len(s)-3]
		}
		s = strings.TrimSpace(s)
	}
	return s
}

// extractJSONArray returns the first top-level [...] span in s, or "".
func extractJSONArray(s string) string {
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start == -1 || end == -1 || end <= start {
		return ""
	}
	return s[start : end+1]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
