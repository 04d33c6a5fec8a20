package prompt

import (
	"regexp"
	"strings"
	"unicode"

	"panther/internal/models"
)

// PreprocessOptions selects the text clean-ups applied before routing.
type PreprocessOptions struct {
	Enabled          bool
	RemoveBOM        bool
	StripControls    bool
	NormalizeWS      bool
	StandardizePunct bool
	// MaxChars caps each field in runes; zero means no cap.
	MaxChars int
}

var (
	spaceRun   = regexp.MustCompile(`[ \t\f\v\x{00A0}]+`)
	blankLines = regexp.MustCompile(`\n{3,}`)

	punctReplacer = strings.NewReplacer(
		"“", `"`, "”", `"`, "„", `"`,
		"‘", "'", "’", "'", "‚", "'",
		"–", "-", "—", "-", "−", "-",
		"…", "...",
	)
)

// Preprocess applies opts to every text field of the packet.
func Preprocess(p models.PromptPacket, opts PreprocessOptions) models.PromptPacket {
	if !opts.Enabled {
		return p
	}
	out := p.Clone()
	out.GlobalInstructions = PreprocessText(out.GlobalInstructions, opts)
	out.PersonaInstructions = PreprocessText(out.PersonaInstructions, opts)
	out.UserMessage = PreprocessText(out.UserMessage, opts)
	for i, msg := range out.Context {
		out.Context[i] = msg.WithText(PreprocessText(msg.Text, opts))
	}
	return out
}

// PreprocessText applies opts to a single string.
func PreprocessText(s string, opts PreprocessOptions) string {
	if s == "" {
		return s
	}
	if opts.RemoveBOM {
		s = strings.ReplaceAll(s, "\ufeff", "")
	}
	if opts.StripControls {
		s = strings.Map(func(r rune) rune {
			if r == '\n' || r == '\t' || r == '\r' {
				return r
			}
			if unicode.IsControl(r) {
				return -1
			}
			return r
		}, s)
	}
	if opts.NormalizeWS {
		s = strings.ReplaceAll(s, "\r\n", "\n")
		s = strings.ReplaceAll(s, "\r", "\n")
		lines := strings.Split(s, "\n")
		for i, line := range lines {
			lines[i] = strings.TrimRight(spaceRun.ReplaceAllString(line, " "), " ")
		}
		s = blankLines.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
		s = strings.TrimSpace(s)
	}
	if opts.StandardizePunct {
		s = punctReplacer.Replace(s)
	}
	if opts.MaxChars > 0 {
		if runes := []rune(s); len(runes) > opts.MaxChars {
			s = string(runes[:opts.MaxChars])
		}
	}
	return s
}
