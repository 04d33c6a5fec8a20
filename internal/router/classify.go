package router

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"panther/internal/models"
	"panther/internal/provider"
)

// Outcome classifies one adapter call.
type Outcome string

const (
	OutcomeOK             Outcome = "ok"
	OutcomeError          Outcome = "error"
	OutcomeEmptyShort     Outcome = "empty_short"
	OutcomeRefusalGeneric Outcome = "refusal_generic"
)

const (
	// replies shorter than this many runes, once trimmed, are empty-short
	emptyShortLimit = 8
	// refusals are only recognised in replies with fewer non-space runes
	refusalLengthLimit = 400
)

var refusalMarkers = []string{
	"i can't help",
	"i cannot help",
	"i can't assist",
	"i cannot assist",
	"i'm sorry",
	"i am sorry",
	"i won't",
	"i will not",
	"cannot provide",
	"can't provide",
	"unable to help",
	"not allowed",
	"forbidden",
}

var apostrophes = strings.NewReplacer("’", "'", "‘", "'", "ʼ", "'")

// Classify maps an adapter result to its outcome. Errors win, then
// empty-short, then refusal.
func Classify(resp *models.NormalizedResponse, err error) Outcome {
	if err != nil || resp == nil {
		return OutcomeError
	}
	if IsEmptyShort(resp.Text) {
		return OutcomeEmptyShort
	}
	if resp.FinishReason == models.FinishRefusal || IsRefusal(resp.Text) {
		return OutcomeRefusalGeneric
	}
	return OutcomeOK
}

// IsEmptyShort reports a reply too short to be an answer.
func IsEmptyShort(text string) bool {
	return utf8.RuneCountInString(strings.TrimSpace(text)) < emptyShortLimit
}

// IsRefusal reports a short reply carrying a refusal marker.
func IsRefusal(text string) bool {
	nonSpace := 0
	for _, r := range text {
		if !unicode.IsSpace(r) {
			nonSpace++
		}
	}
	if nonSpace >= refusalLengthLimit {
		return false
	}
	lower := strings.ToLower(apostrophes.Replace(text))
	for _, marker := range refusalMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// escalationTrigger names the trigger that lets outcome escalate, or ""
// when the outcome is final.
func escalationTrigger(outcome Outcome, err error, t Triggers) string {
	switch outcome {
	case OutcomeError:
		kind := provider.KindOf(err)
		if kind.Fatal() {
			return ""
		}
		if t.OnTimeout {
			return "on_timeout"
		}
	case OutcomeEmptyShort:
		if t.OnEmptyShort {
			return "on_empty_short"
		}
	case OutcomeRefusalGeneric:
		if t.OnRefusalGeneric {
			return "on_refusal_generic"
		}
	}
	return ""
}
