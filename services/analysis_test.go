package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr error
		wantKey string
	}{
		{"plain object", `{"score": 4}`, nil, "score"},
		{"fenced", "```json\n{\"score\": 4}\n```", nil, "score"},
		{"prose around", "Here you go: {\"report\": \"x\"} hope it helps", nil, "report"},
		{"no braces", "no json here", ErrNoJSONStructure, ""},
		{"reversed braces", "} nope {", ErrNoJSONStructure, ""},
		{"broken object", `{"score": }`, ErrJSONParse, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := ExtractJSON(tt.raw)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Contains(t, out, tt.wantKey)
		})
	}
}

func TestParseAnalysis(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantScore  float64
		wantReport string
	}{
		{"numeric score", `{"score": 5, "report": "خوب"}`, 5, "خوب"},
		{"string score", `{"score": " 3.5 ", "report": "متوسط"}`, 3.5, "متوسط"},
		{"total_score alias", `{"total_score": 2, "report": "ضعیف"}`, 2, "ضعیف"},
		{"missing report keeps raw", `{"score": 1}`, 1, `{"score": 1}`},
		{"blank report keeps raw", `{"score": 1, "report": " "}`, 1, `{"score": 1, "report": " "}`},
		{"not json", "فقط متن", 0, "فقط متن"},
		{"unparseable score", `{"score": "high", "report": "r"}`, 0, "r"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseAnalysis(tt.raw)
			assert.InDelta(t, tt.wantScore, got.Score, 1e-9)
			assert.Equal(t, tt.wantReport, got.Report)
		})
	}
}

func TestBuildAnalysisPrompt(t *testing.T) {
	withPlaceholder := BuildAnalysisPrompt("Rubric.\nData: {chat_history_json}\nEnd", `[{"role":"user"}]`)
	assert.Equal(t, "Rubric.\nData: [{\"role\":\"user\"}]\nEnd", withPlaceholder)

	appended := BuildAnalysisPrompt("Rubric.", `[]`)
	assert.Contains(t, appended, "Rubric.")
	assert.Contains(t, appended, "Conversation:\n[]")
	assert.Contains(t, appended, "Begin Analysis (in Persian):")
}

func TestAnalyzerUsesJSONModeTranscript(t *testing.T) {
	gen := &fakeGenerator{completion: `{"score": 4}`}
	raw, err := NewAnalyzer(gen).Analyze(context.Background(), []Turn{{Role: TurnUser, Text: "سلام"}}, "rubric {chat_history_json}")
	require.NoError(t, err)
	assert.Equal(t, `{"score": 4}`, raw)
	assert.Equal(t, `rubric [{"role":"user","text":"سلام"}]`, gen.lastPrompt)
}

func TestSupplementaryQuestionsFallbackOnIncompleteOutput(t *testing.T) {
	gen := &fakeGenerator{completion: `{"question1": "فقط یکی"}`}
	qs := NewAnalyzer(gen).SupplementaryQuestions(context.Background(), nil, "persona")
	assert.Equal(t, fallbackSupplementaryQ1, qs.Question1)
	assert.Equal(t, fallbackSupplementaryQ2, qs.Question2)
}
