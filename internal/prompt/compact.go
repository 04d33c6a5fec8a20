// Package prompt shapes prompt text before it reaches a provider: context
// compaction, preprocessing, per-provider transforms and packet building.
package prompt

import (
	"fmt"
	"strings"

	"panther/internal/privacy"
)

const (
	snippetLimit = 1200
	snippetHead  = 800
	snippetTail  = 300
	errorLimit   = 600
	errorTail    = 400

	sectionRule = "\n\n---\n\n"
)

// CompactInput gathers the raw material of a coding question.
type CompactInput struct {
	Question    string
	Snippets    []string
	Errors      []string
	Notes       []string
	Identifiers []string
}

// Compact truncates long snippets and errors, redacts everything and lays
// the result out as Question, Snippets, Errors and Notes sections.
func Compact(in CompactInput) (string, error) {
	all := append([]string{in.Question}, in.Snippets...)
	all = append(all, in.Errors...)
	all = append(all, in.Notes...)
	scrub := privacy.NewRedactor().NewSession(in.Identifiers, all...).Redact

	var sections []string

	if q := strings.TrimSpace(in.Question); q != "" {
		text, err := scrub(q)
		if err != nil {
			return "", fmt.Errorf("compact question: %w", err)
		}
		sections = append(sections, "Question:\n"+text)
	}

	if body, err := compactList(in.Snippets, truncateSnippet, scrub); err != nil {
		return "", fmt.Errorf("compact snippets: %w", err)
	} else if body != "" {
		sections = append(sections, "Snippets:\n"+body)
	}

	if body, err := compactList(in.Errors, truncateError, scrub); err != nil {
		return "", fmt.Errorf("compact errors: %w", err)
	} else if body != "" {
		sections = append(sections, "Errors:\n"+body)
	}

	if body, err := compactList(in.Notes, func(s string) string { return s }, scrub); err != nil {
		return "", fmt.Errorf("compact notes: %w", err)
	} else if body != "" {
		sections = append(sections, "Notes:\n"+body)
	}

	return strings.Join(sections, sectionRule), nil
}

func compactList(items []string, truncate func(string) string, scrub func(string) (string, error)) (string, error) {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if strings.TrimSpace(item) == "" {
			continue
		}
		text, err := scrub(truncate(item))
		if err != nil {
			return "", err
		}
		out = append(out, text)
	}
	return strings.Join(out, "\n\n"), nil
}

func truncateSnippet(s string) string {
	runes := []rune(s)
	if len(runes) <= snippetLimit {
		return s
	}
	omitted := len(runes) - snippetHead - snippetTail
	return string(runes[:snippetHead]) +
		fmt.Sprintf("\n... [%d characters omitted] ...\n", omitted) +
		string(runes[len(runes)-snippetTail:])
}

func truncateError(s string) string {
	runes := []rune(s)
	if len(runes) <= errorLimit {
		return s
	}
	return "[truncated] ..." + string(runes[len(runes)-errorTail:])
}
