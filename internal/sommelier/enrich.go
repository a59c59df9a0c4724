// Package sommelier produces a tasting summary and quality score for one
// recognized wine. It never fails: any provider, timeout, or parse problem
// degrades to a fixed default note so a single bad item cannot sink a job.
package sommelier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cellarsight/cellarsight/internal/vision"
)

// Note is the enrichment output for one wine.
type Note struct {
	Summary string
	Score   int
	// Err carries the per-item failure, if any, for the caller to record as
	// the item's processingError. The Note fields are always usable.
	Err error
}

// FallbackScore is a deliberately mid-range default. Zero would read as a
// judgment of the wine rather than a gap in the analysis.
const FallbackScore = 85

// Enricher calls an OpenAI-compatible chat completions endpoint.
type Enricher struct {
	BaseURL string
	APIKey  string
	Model   string
	// ItemTimeout bounds one wine's enrichment; an overrun becomes a per-item
	// failure instead of stalling the whole job.
	ItemTimeout time.Duration
	Client      *http.Client
}

func NewEnricher(baseURL, apiKey, model string, itemTimeout time.Duration) *Enricher {
	if itemTimeout <= 0 {
		itemTimeout = 60 * time.Second
	}
	return &Enricher{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		APIKey:      apiKey,
		Model:       model,
		ItemTimeout: itemTimeout,
		Client:      &http.Client{Timeout: itemTimeout},
	}
}

// promptTemplates keys are lowercase BCP-47 primary subtags. The prompt is in
// the target language so the model answers in it.
var promptTemplates = map[string]string{
	"en": `You are a sommelier. Give a concise tasting assessment of the wine "%s"%s.
Respond with raw JSON only, no markdown: {"summary": "<2-3 sentence tasting note>", "score": <integer 0-100>}`,
	"fr": `Tu es sommelier. Donne une évaluation de dégustation concise du vin "%s"%s.
Réponds uniquement en JSON brut, sans markdown : {"summary": "<note de dégustation en 2-3 phrases>", "score": <entier 0-100>}`,
	"ja": `あなたはソムリエです。ワイン「%s」%sについて簡潔なテイスティング評価をしてください。
マークダウンなしの生のJSONのみで回答してください: {"summary": "<2〜3文のテイスティングノート>", "score": <0〜100の整数>}`,
}

var unavailableSummaries = map[string]string{
	"en": "Tasting analysis is unavailable for this wine.",
	"fr": "L'analyse de dégustation n'est pas disponible pour ce vin.",
	"ja": "このワインのテイスティング分析は利用できません。",
}

// Enrich returns a tasting note for the candidate. The returned Note is
// always populated; check Note.Err to see whether defaults were used.
func (e *Enricher) Enrich(ctx context.Context, c vision.Candidate, locale string) Note {
	ctx, cancel := context.WithTimeout(ctx, e.ItemTimeout)
	defer cancel()

	text, err := e.complete(ctx, buildPrompt(c, locale))
	if err != nil {
		return fallbackNote(locale, fmt.Errorf("enrichment call: %w", err))
	}

	var parsed struct {
		Summary string `json:"summary"`
		Score   *int   `json:"score"`
	}
	cleaned := vision.StripCodeFences(text)
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return fallbackNote(locale, fmt.Errorf("parse enrichment response: %w", err))
	}
	if parsed.Summary == "" || parsed.Score == nil {
		return fallbackNote(locale, fmt.Errorf("enrichment response missing summary or score"))
	}

	score := *parsed.Score
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return Note{Summary: parsed.Summary, Score: score}
}

func buildPrompt(c vision.Candidate, locale string) string {
	tmpl, ok := promptTemplates[primarySubtag(locale)]
	if !ok {
		tmpl = promptTemplates["en"]
	}

	var details []string
	if c.Vintage != "" {
		details = append(details, c.Vintage)
	}
	if c.Producer != "" {
		details = append(details, c.Producer)
	}
	if c.Region != "" {
		details = append(details, c.Region)
	}
	if c.Varietal != "" {
		details = append(details, c.Varietal)
	}
	detail := ""
	if len(details) > 0 {
		detail = " (" + strings.Join(details, ", ") + ")"
	}
	return fmt.Sprintf(tmpl, c.Name, detail)
}

func fallbackNote(locale string, err error) Note {
	summary, ok := unavailableSummaries[primarySubtag(locale)]
	if !ok {
		summary = unavailableSummaries["en"]
	}
	return Note{Summary: summary, Score: FallbackScore, Err: err}
}

func primarySubtag(locale string) string {
	locale = strings.ToLower(strings.TrimSpace(locale))
	if idx := strings.IndexAny(locale, "-_"); idx != -1 {
		locale = locale[:idx]
	}
	return locale
}

func (e *Enricher) complete(ctx context.Context, prompt string) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"model": e.Model,
		"messages": []map[string]any{
			{"role": "user", "content": prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.APIKey)
	}

	resp, err := e.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("provider returned %d", resp.StatusCode)
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
		return "", fmt.Errorf("empty choices in response")
	}
	return parsed.Choices[0].Message.Content, nil
}
