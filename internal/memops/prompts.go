package memops

import (
	"fmt"
	"strings"

	"github.com/memgrid/memsched/internal/domain"
)

// Prompts instruct the model to answer with a bare JSON array of strings
// so parseStringList can decode the result without key mapping.

func extractionPrompt(turns []domain.ChatTurn) string {
	var sb strings.Builder
	sb.WriteString("Extract durable facts about the user from the conversation below.\n")
	sb.WriteString("Only include facts worth remembering across sessions.\n")
	sb.WriteString("Respond with a JSON array of strings and nothing else.\n\nConversation:\n")
	writeTurns(&sb, turns)
	return sb.String()
}

func preferencePrompt(turns []domain.ChatTurn) string {
	var sb strings.Builder
	sb.WriteString("Extract stable user preferences from the conversation below.\n")
	sb.WriteString("Ignore one-off requests; only list lasting preferences.\n")
	sb.WriteString("Respond with a JSON array of strings and nothing else.\n\nConversation:\n")
	writeTurns(&sb, turns)
	return sb.String()
}

func rerankPrompt(recentQueries, candidates []string) string {
	var sb strings.Builder
	sb.WriteString("Given the user's recent queries, pick the memories most useful to keep in working memory, most useful first.\n")
	sb.WriteString("Respond with a JSON array of the chosen memory strings and nothing else.\n\nRecent queries:\n")
	for _, q := range recentQueries {
		fmt.Fprintf(&sb, "- %s\n", q)
	}
	sb.WriteString("\nCandidate memories:\n")
	for _, c := range candidates {
		fmt.Fprintf(&sb, "- %s\n", c)
	}
	return sb.String()
}

func writeTurns(sb *strings.Builder, turns []domain.ChatTurn) {
	for _, turn := range turns {
		fmt.Fprintf(sb, "%s: %s\n", turn.Role, turn.Content)
	}
}
