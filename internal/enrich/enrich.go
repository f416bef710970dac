// Package enrich suggests tags for a page using a language model.
package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/JakeFAU/bookmark-pipeline/internal/bookmark"
)

const defaultModel = "gemini-2.0-flash"

// Config selects the Gemini model and credentials.
type Config struct {
	APIKey  string
	Model   string
	MaxTags int
}

// generator is the slice of the genai client the tagger uses.
type generator interface {
	generate(ctx context.Context, prompt string) (string, error)
}

// Gemini implements bookmark.Enricher with the Gemini API.
type Gemini struct {
	gen     generator
	maxTags int
}

type genaiGenerator struct {
	client *genai.Client
	model  string
}

func (g genaiGenerator) generate(ctx context.Context, prompt string) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	return resp.Text(), nil
}

// NewGemini creates a Gemini-backed tagger.
func NewGemini(ctx context.Context, cfg Config) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("enrich.api_key is required for the gemini provider")
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return newGemini(genaiGenerator{client: client, model: cfg.Model}, cfg.MaxTags), nil
}

func newGemini(gen generator, maxTags int) *Gemini {
	if maxTags <= 0 {
		maxTags = 8
	}
	return &Gemini{gen: gen, maxTags: maxTags}
}

// Tag asks the model for topical tags. Every failure wraps
// bookmark.ErrEnrichmentFailed.
func (g *Gemini) Tag(ctx context.Context, in bookmark.EnrichInput) ([]string, error) {
	text, err := g.gen.generate(ctx, buildPrompt(in, g.maxTags))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", bookmark.ErrEnrichmentFailed, err)
	}
	tags, err := parseTags(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", bookmark.ErrEnrichmentFailed, err)
	}
	tags = bookmark.NormalizeTags(tags, g.maxTags)
	if len(tags) == 0 {
		return nil, fmt.Errorf("%w: model returned no tags", bookmark.ErrEnrichmentFailed)
	}
	return tags, nil
}

func buildPrompt(in bookmark.EnrichInput, maxTags int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Suggest up to %d short lowercase topical tags for the web page below.\n", maxTags)
	b.WriteString("Respond with a JSON array of strings and nothing else.\n\n")
	fmt.Fprintf(&b, "URL: %s\n", in.URL)
	if in.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", in.Title)
	}
	if in.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", in.Description)
	}
	if in.Text != "" {
		fmt.Fprintf(&b, "Content:\n%s\n", in.Text)
	}
	return b.String()
}

// parseTags accepts a JSON array of strings, an object with a "tags" array,
// or either of those wrapped in a markdown code fence.
func parseTags(text string) ([]string, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("empty model response")
	}

	var tags []string
	if err := json.Unmarshal([]byte(text), &tags); err == nil {
		return tags, nil
	}
	var wrapped struct {
		Tags []string `json:"tags"`
	}
	if err := json.Unmarshal([]byte(text), &wrapped); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	return wrapped.Tags, nil
}
