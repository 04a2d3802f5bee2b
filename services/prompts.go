package services

import (
	"strconv"
	"strings"

	"github.com/mani-agah/assessment/models"
)

const (
	// CompletionMarker is emitted by the persona when the conversation is over.
	CompletionMarker = "[END_ASSESSMENT]"

	defaultUserName = "کاربر"
	defaultUserJob  = "حوزه کاری شما"
)

// promptVars builds the placeholder values for a user and questionnaire.
func promptVars(user *models.User, q *models.Questionnaire) map[string]string {
	name := defaultUserName
	job := defaultUserJob
	if user != nil {
		if n := user.DisplayName(); n != "" {
			name = n
		}
		if j := strings.TrimSpace(user.WorkExperience); j != "" {
			job = j
		}
	}
	vars := map[string]string{
		"{user_name}": name,
		"{user_job}":  job,
	}
	if q != nil {
		vars["{min_questions}"] = strconv.Itoa(q.MinQuestions)
		vars["{max_questions}"] = strconv.Itoa(q.MaxQuestions)
	}
	return vars
}

// fillTemplate replaces every occurrence of each placeholder.
func fillTemplate(template string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, k, v)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// stripCompletionMarker removes the marker and reports whether it was present.
func stripCompletionMarker(reply string) (string, bool) {
	if !strings.Contains(reply, CompletionMarker) {
		return reply, false
	}
	return strings.TrimSpace(strings.ReplaceAll(reply, CompletionMarker, "")), true
}

// transcriptTurns converts stored messages to generator turns.
func transcriptTurns(messages []models.ChatMessage) []Turn {
	turns := make([]Turn, 0, len(messages))
	for _, m := range messages {
		role := TurnUser
		if m.MessageType == models.MessageTypeAI {
			role = TurnModel
		}
		turns = append(turns, Turn{Role: role, Text: m.Content})
	}
	return turns
}

// scenarioSlug derives the URL-friendly id of a questionnaire name.
func scenarioSlug(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), " ", "-")
}
