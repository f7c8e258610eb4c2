package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/karlvoss/adjutant/internal/apperr"
	"github.com/karlvoss/adjutant/internal/telemetry"
)

const similaritySystemPrompt = `You compare two task descriptions and judge whether they describe the same commitment.
Respond with a single JSON object: {"score": <0.0-1.0>, "reason": "<one sentence>"}.
1.0 means certainly the same commitment, 0.0 means certainly different. No other text.`

// SimilarityResult is the judged likeness of two descriptions.
type SimilarityResult struct {
	Score  float64 `json:"score"`
	Reason string  `json:"reason"`
}

// SimilarityJudge scores how likely two commitment descriptions refer to the
// same promise. Scores are advisory; callers gate on configured thresholds.
type SimilarityJudge struct {
	provider Provider
	model    string
}

// NewSimilarityJudge creates a judge backed by the given provider.
func NewSimilarityJudge(provider Provider, model string) *SimilarityJudge {
	return &SimilarityJudge{provider: provider, model: model}
}

// Compare returns a 0..1 similarity score for the two descriptions.
func (j *SimilarityJudge) Compare(ctx context.Context, a, b string) (*SimilarityResult, error) {
	if j.provider == nil {
		return nil, apperr.E(apperr.KindProvider, "no llm provider configured")
	}

	ctx, span := telemetry.StartLLMCallSpan(ctx, j.model, j.provider.Name())

	resp, err := j.provider.Complete(ctx, &CompletionRequest{
		Model: j.model,
		Messages: []Message{
			{Role: RoleSystem, Content: similaritySystemPrompt},
			{Role: RoleUser, Content: fmt.Sprintf("A: %s\nB: %s", a, b)},
		},
		Temperature: 0,
		MaxTokens:   200,
	})
	if err != nil {
		span.End()
		return nil, apperr.Wrap(apperr.KindProvider, err, "similarity completion")
	}
	telemetry.EndLLMCallSpan(span, int64(resp.PromptTokens), int64(resp.CompTokens))

	result, err := parseSimilarity(resp.Content)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindProvider, err, "parse similarity response")
	}
	return result, nil
}

// parseSimilarity extracts the JSON object from a model reply, tolerating
// code fences and surrounding prose.
func parseSimilarity(content string) (*SimilarityResult, error) {
	content = strings.TrimSpace(content)
	if start := strings.Index(content, "{"); start >= 0 {
		if end := strings.LastIndex(content, "}"); end > start {
			content = content[start : end+1]
		}
	}

	var result SimilarityResult
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		return nil, fmt.Errorf("no JSON object in reply: %w", err)
	}
	if result.Score < 0 || result.Score > 1 {
		return nil, fmt.Errorf("score %v out of range", result.Score)
	}
	return &result, nil
}
