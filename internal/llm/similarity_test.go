package llm

import (
	"context"
	"testing"

	"github.com/karlvoss/adjutant/internal/apperr"
)

type fakeProvider struct {
	content string
	err     error
	gotReq  *CompletionRequest
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Complete(_ context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	f.gotReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &CompletionResponse{Content: f.content}, nil
}

func TestParseSimilarity(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    float64
		wantErr bool
	}{
		{"bare object", `{"score": 0.85, "reason": "same errand"}`, 0.85, false},
		{"code fence", "```json\n{\"score\": 0.4, \"reason\": \"related\"}\n```", 0.4, false},
		{"surrounding prose", `Sure! Here is my judgement: {"score": 1.0, "reason": "identical"} Hope that helps.`, 1.0, false},
		{"no json", "they look similar to me", 0, true},
		{"score above one", `{"score": 7, "reason": "very"}`, 0, true},
		{"negative score", `{"score": -0.2, "reason": "no"}`, 0, true},
	}
	for _, tt := range tests {
		result, err := parseSimilarity(tt.content)
		if tt.wantErr {
			if err == nil {
				t.Errorf("%s: expected error, got %+v", tt.name, result)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: parseSimilarity error: %v", tt.name, err)
			continue
		}
		if result.Score != tt.want {
			t.Errorf("%s: score = %v, want %v", tt.name, result.Score, tt.want)
		}
	}
}

func TestCompare(t *testing.T) {
	provider := &fakeProvider{content: `{"score": 0.92, "reason": "same bank errand"}`}
	judge := NewSimilarityJudge(provider, "test-model")

	result, err := judge.Compare(context.Background(), "Call the bank", "Phone the bank about the mortgage")
	if err != nil {
		t.Fatalf("Compare error: %v", err)
	}
	if result.Score != 0.92 || result.Reason != "same bank errand" {
		t.Errorf("result = %+v, want score 0.92 with the reason", result)
	}

	if provider.gotReq.Model != "test-model" {
		t.Errorf("model = %q, want test-model", provider.gotReq.Model)
	}
	if len(provider.gotReq.Messages) != 2 || provider.gotReq.Messages[0].Role != RoleSystem {
		t.Errorf("messages = %+v, want a system prompt plus the pair", provider.gotReq.Messages)
	}
}

func TestCompareProviderFailure(t *testing.T) {
	judge := NewSimilarityJudge(&fakeProvider{err: context.DeadlineExceeded}, "test-model")
	if _, err := judge.Compare(context.Background(), "a", "b"); apperr.KindOf(err) != apperr.KindProvider {
		t.Errorf("error = %v, want provider_error", err)
	}
}

func TestCompareWithoutProvider(t *testing.T) {
	judge := NewSimilarityJudge(nil, "test-model")
	if _, err := judge.Compare(context.Background(), "a", "b"); apperr.KindOf(err) != apperr.KindProvider {
		t.Errorf("error = %v, want provider_error", err)
	}
}

func TestCompareGarbledReply(t *testing.T) {
	judge := NewSimilarityJudge(&fakeProvider{content: "I cannot decide."}, "test-model")
	if _, err := judge.Compare(context.Background(), "a", "b"); apperr.KindOf(err) != apperr.KindProvider {
		t.Errorf("error = %v, want provider_error", err)
	}
}
