package companion

import (
	"strings"

	"github.com/fyrsmithlabs/reflectd/internal/assembler"
)

const askSystem = `You are a thoughtful journaling companion. Answer the writer's question ` +
	`using the journal context when it is relevant. Cite entries you draw on with the ` +
	`[cite:<id>] markers that appear in the context. Be warm and concise; never invent ` +
	`events the context does not mention.`

const reflectSystem = `You are a quiet journaling companion reading along as someone writes. ` +
	`Offer one or two sentences of gentle reflection on the passage: a question, a ` +
	`connection to an earlier entry, or an observation. Do not summarize and do not give advice ` +
	`unless asked.`

// askPrompt builds the user prompt for an explicit question.
func askPrompt(b *assembler.Bundle, question string) string {
	var sb strings.Builder
	if !b.Empty() {
		sb.WriteString("Journal context:\n")
		sb.WriteString(b.Text)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Question: ")
	sb.WriteString(strings.TrimSpace(question))
	return sb.String()
}

// reflectPrompt builds the user prompt for a realtime reflection on target.
func reflectPrompt(b *assembler.Bundle, target string) string {
	var sb strings.Builder
	sb.WriteString("Related journal context:\n")
	sb.WriteString(b.Text)
	sb.WriteString("\n\nPassage being written:\n")
	sb.WriteString(target)
	return sb.String()
}
