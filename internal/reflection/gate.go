package reflection

import (
	"strings"

	"github.com/fyrsmithlabs/reflectd/internal/textutil"
)

// Reason explains an evaluation outcome.
type Reason string

const (
	ReasonEmit           Reason = "emit"
	ReasonDisabled       Reason = "disabled"
	ReasonNotStarted     Reason = "not_started"
	ReasonEmpty          Reason = "empty"
	ReasonTooShort       Reason = "too_short"
	ReasonNoTerminal     Reason = "no_terminal_punctuation"
	ReasonTooSimilar     Reason = "too_similar"
	ReasonTargetTooShort Reason = "target_too_short"
	ReasonSuperseded     Reason = "superseded"
)

const (
	tailSentences   = 3
	tailFallbackLen = 400
	tailMinLen      = 80
)

// Gate applies the content gates and returns the trimmed content when it
// passes.
func Gate(content string, editingStarted bool, minLength int) (string, Reason) {
	if !editingStarted {
		return "", ReasonNotStarted
	}
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", ReasonEmpty
	}
	if textutil.RuneLen(trimmed) < minLength {
		return "", ReasonTooShort
	}
	if !textutil.EndsSentence(trimmed) {
		return "", ReasonNoTerminal
	}
	return trimmed, ReasonEmit
}

// Target picks the text a reflection should respond to.
func Target(trimmed string, hasPrior bool, fullContentLimit int) string {
	if !hasPrior && textutil.RuneLen(trimmed) <= fullContentLimit {
		return trimmed
	}
	sentences := textutil.Sentences(trimmed)
	if len(sentences) > tailSentences {
		sentences = sentences[len(sentences)-tailSentences:]
	}
	tail := strings.Join(sentences, " ")
	if textutil.RuneLen(tail) < tailMinLen {
		return strings.TrimSpace(textutil.Suffix(trimmed, tailFallbackLen))
	}
	return tail
}
