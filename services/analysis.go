package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

var (
	ErrNoJSONStructure = errors.New("پاسخ هوش مصنوعی شامل ساختار JSON معتبر نبود.")
	ErrJSONParse       = errors.New("خطا در تبدیل پاسخ هوش مصنوعی به فرمت JSON.")
)

const chatHistoryPlaceholder = "{chat_history_json}"

const (
	fallbackSupplementaryQ1 = "بر اساس مکالمه‌ای که داشتیم، بزرگترین نقطه قوت شما که در این سناریو به نمایش گذاشته شد چه بود؟"
	fallbackSupplementaryQ2 = "با توجه به چالش مطرح شده، فکر می‌کنید در کدام بخش نیاز به بهبود و یادگیری بیشتری دارید؟"
)

// AnalysisResult is the scored outcome of a finished conversation.
type AnalysisResult struct {
	Score   float64                `json:"score"`
	Report  string                 `json:"report"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// SupplementaryQuestions are the two follow-up questions asked before finishing.
type SupplementaryQuestions struct {
	Question1 string `json:"question1"`
	Question2 string `json:"question2"`
}

// Analyzer asks the model to score a transcript against a rubric.
type Analyzer struct {
	generator Generator
}

func NewAnalyzer(generator Generator) *Analyzer {
	return &Analyzer{generator: generator}
}

// BuildAnalysisPrompt embeds the transcript into the rubric: at the
// {chat_history_json} placeholder when present, otherwise after the instructions.
func BuildAnalysisPrompt(template, transcriptJSON string) string {
	if strings.Contains(template, chatHistoryPlaceholder) {
		return strings.ReplaceAll(template, chatHistoryPlaceholder, transcriptJSON)
	}
	return fmt.Sprintf("%s\n This is the conversation history in JSON format. Analyze it based on the instructions above.\n Conversation:\n%s\n Begin Analysis (in Persian):",
		template, transcriptJSON)
}

// Analyze returns the raw model output for the transcript.
func (a *Analyzer) Analyze(ctx context.Context, history []Turn, template string) (string, error) {
	transcript, err := json.Marshal(history)
	if err != nil {
		return "", fmt.Errorf("failed to encode transcript: %w", err)
	}
	raw, err := a.generator.Complete(ctx, BuildAnalysisPrompt(template, string(transcript)), true)
	if err != nil {
		return "", fmt.Errorf("failed to analyze conversation: %w", err)
	}
	return raw, nil
}

// ExtractJSON parses the object between the first '{' and the last '}' of raw.
func ExtractJSON(raw string) (map[string]interface{}, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start == -1 || end == -1 || end < start {
		return nil, ErrNoJSONStructure
	}

	var out map[string]interface{}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJSONParse, err)
	}
	return out, nil
}

// ParseAnalysis reads score and report from the model output. Missing
// fields default to a zero score and the raw text as report.
func ParseAnalysis(raw string) AnalysisResult {
	result := AnalysisResult{Report: raw}

	parsed, err := ExtractJSON(raw)
	if err != nil {
		slog.Warn("Analysis output is not JSON, keeping raw text", "error", err)
		return result
	}
	result.Details = parsed

	for _, key := range []string{"score", "total_score"} {
		if score, ok := toFloat(parsed[key]); ok {
			result.Score = score
			break
		}
	}
	if report, ok := parsed["report"].(string); ok && strings.TrimSpace(report) != "" {
		result.Report = report
	}
	return result
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// SupplementaryQuestions asks for two follow-up questions about the conversation.
// Any failure yields the fixed fallback pair.
func (a *Analyzer) SupplementaryQuestions(ctx context.Context, history []Turn, personaPrompt string) SupplementaryQuestions {
	fallback := SupplementaryQuestions{Question1: fallbackSupplementaryQ1, Question2: fallbackSupplementaryQ2}

	transcript, err := json.Marshal(history)
	if err != nil {
		return fallback
	}
	prompt := fmt.Sprintf(`Based on the persona instructions and the conversation below, write exactly two short follow-up questions in Persian that probe what the user revealed about themselves.
Respond only with a JSON object of the form {"question1": "...", "question2": "..."}.

Persona instructions:
%s

Conversation:
%s`, personaPrompt, transcript)

	raw, err := a.generator.Complete(ctx, prompt, true)
	if err != nil {
		slog.Warn("Supplementary question generation failed, using fallback", "error", err)
		return fallback
	}
	parsed, err := ExtractJSON(raw)
	if err != nil {
		slog.Warn("Supplementary questions not parseable, using fallback", "error", err)
		return fallback
	}

	q1, _ := parsed["question1"].(string)
	q2, _ := parsed["question2"].(string)
	if strings.TrimSpace(q1) == "" || strings.TrimSpace(q2) == "" {
		return fallback
	}
	return SupplementaryQuestions{Question1: q1, Question2: q2}
}
