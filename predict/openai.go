package predict

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/alpkeskin/gotoon"

	"github.com/graphline/graphline/lineage"
)

const systemPrompt = `You are a data lineage analyst. You receive a fragment of a code knowledge graph: nodes (tables, views, functions, scripts) and the relationships already extracted by parsers. Propose additional relationships that are implied but not yet captured.

Rules:
- Only reference URNs that appear in the provided nodes.
- Only use these relationship types: DERIVES, READS, WRITES, CALLS, REFERENCES, DEPENDS_ON.
- Do not repeat relationships that already exist.
- Respond with a JSON array only, no prose. Each element: {"source_urn": "...", "target_urn": "...", "relationship": "...", "confidence": 0.0-1.0}.
- Respond with [] if nothing can be inferred.`

// OpenAIPredictorConfig configures the LLM edge predictor.
type OpenAIPredictorConfig struct {
	Model    string
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// OpenAIPredictor proposes edges via an OpenAI-compatible chat completion
// API. The graph context is TOON-encoded before being sent, which keeps the
// prompt compact for larger context windows.
type OpenAIPredictor struct {
	cfg    OpenAIPredictorConfig
	client *http.Client
}

func NewOpenAIPredictor(cfg OpenAIPredictorConfig) *OpenAIPredictor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.openai.com/v1"
	}
	return &OpenAIPredictor{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (p *OpenAIPredictor) Predict(ctx context.Context, window ContextWindow) ([]Candidate, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	prompt, err := buildPrompt(window)
	if err != nil {
		return nil, fmt.Errorf("failed to build prompt: %w", err)
	}

	reqBody := map[string]any{
		"model": p.cfg.Model,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": prompt},
		},
		"temperature": 0,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := strings.TrimRight(p.cfg.Endpoint, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("prediction request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("prediction API returned status %d", resp.StatusCode)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(result.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	return parseCandidates(result.Choices[0].Message.Content)
}

// buildPrompt TOON-encodes the context window into the user message.
func buildPrompt(window ContextWindow) (string, error) {
	type nodeRow struct {
		URN   string `json:"urn"`
		Label string `json:"label"`
		Name  string `json:"name"`
	}
	type edgeRow struct {
		Source       string `json:"source"`
		Target       string `json:"target"`
		Relationship string `json:"relationship"`
	}

	nodes := make([]nodeRow, len(window.Nodes))
	for i, n := range window.Nodes {
		nodes[i] = nodeRow{URN: n.URN, Label: string(n.Label), Name: n.DisplayName}
	}
	edges := make([]edgeRow, len(window.Edges))
	for i, e := range window.Edges {
		edges[i] = edgeRow{Source: e.SourceURN, Target: e.TargetURN, Relationship: string(e.Relationship)}
	}

	encoded, err := gotoon.Encode(map[string]any{
		"source_file": window.SourceFile,
		"nodes":       nodes,
		"edges":       edges,
	})
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("Graph context:\n")
	sb.WriteString(encoded)
	sb.WriteString("\n\nPropose missing relationships as a JSON array:")
	return sb.String(), nil
}

// parseCandidates reads the model output strictly: a JSON array, optionally
// wrapped in a markdown code fence. Anything else is an error, never a guess.
func parseCandidates(content string) ([]Candidate, error) {
	content = strings.TrimSpace(content)
	content = stripCodeFence(content)

	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("response contains no JSON array")
	}

	var raw []Candidate
	if err := json.Unmarshal([]byte(content[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse candidates: %w", err)
	}

	candidates := make([]Candidate, 0, len(raw))
	for _, c := range raw {
		if c.SourceURN == "" || c.TargetURN == "" || c.SourceURN == c.TargetURN {
			continue
		}
		if !lineage.ValidRelationship(lineage.Relationship(c.Relationship)) {
			continue
		}
		if c.Confidence < 0 {
			c.Confidence = 0
		}
		if c.Confidence > 1 {
			c.Confidence = 1
		}
		candidates = append(candidates, c)
	}
	return candidates, nil
}

func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
