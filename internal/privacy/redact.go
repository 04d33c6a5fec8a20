// Package privacy masks personal data before prompts leave the machine.
//
// The Redactor replaces detected spans with placeholders of the form
// [KIND_NNN] and returns the reversible map from placeholder to original
// span. Maps live only as long as the caller keeps them.
package privacy

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Kind names a class of sensitive content.
type Kind string

const (
	KindIdentifier Kind = "identifier"
	KindEmail      Kind = "email"
	KindURL        Kind = "url"
	KindPhone      Kind = "phone"
	KindSecret     Kind = "secret"
)

// DefaultKinds are the detectors enabled when none are named.
var DefaultKinds = []Kind{KindEmail, KindURL, KindPhone}

// detection order after identifiers; identifiers always run first.
var kindOrder = []Kind{KindEmail, KindURL, KindPhone, KindSecret}

// ErrPatternInvalid reports an identifier that cannot be matched as a literal.
var ErrPatternInvalid = errors.New("identifier pattern invalid")

var (
	emailPattern  = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9\-]+(?:\.[A-Za-z0-9\-]+)*\.[A-Za-z]{2,}`)
	urlPattern    = regexp.MustCompile(`(?i)\b[a-z][a-z0-9+.\-]*://[^\s/?#<>"'\[\]]+[^\s<>"'\[\]]*`)
	phonePattern  = regexp.MustCompile(`(?:\(\d{3}\)|\b\d{3})[ .\-]?\d{3}[ .\-]?\d{4}\b`)
	secretPattern = regexp.MustCompile(`\b(?:sk|pk|rk)-[A-Za-z0-9_\-]{16,}|\bAKIA[0-9A-Z]{16}\b|\bgh[pousr]_[A-Za-z0-9]{30,}\b|\bxox[abp]-[A-Za-z0-9\-]{10,}|(?i:\bbearer\s+)[A-Za-z0-9\-._~+/]{16,}=*`)

	placeholderPattern = regexp.MustCompile(`\[[A-Z]+_\d{3,}\]`)
)

var kindPatterns = map[Kind]*regexp.Regexp{
	KindEmail:  emailPattern,
	KindURL:    urlPattern,
	KindPhone:  phonePattern,
	KindSecret: secretPattern,
}

// RedactionResult is the output of one Redact call.
type RedactionResult struct {
	Text      string
	Stats     map[Kind]int
	Map       map[string]string
	SourceTag string
}

// Count returns the total number of replaced spans.
func (r RedactionResult) Count() int {
	total := 0
	for _, n := range r.Stats {
		total += n
	}
	return total
}

// Span is one detected region of a text.
type Span struct {
	Kind  Kind
	Start int
	End   int
}

// Redactor detects and masks the configured kinds.
type Redactor struct {
	kinds map[Kind]bool
}

// NewRedactor returns a redactor for the given kinds. With no kinds the
// DefaultKinds are used. Identifiers are always honoured when supplied.
func NewRedactor(kinds ...Kind) *Redactor {
	if len(kinds) == 0 {
		kinds = DefaultKinds
	}
	enabled := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		enabled[k] = true
	}
	return &Redactor{kinds: enabled}
}

// Kinds lists the enabled detectors in detection order.
func (r *Redactor) Kinds() []Kind {
	out := make([]Kind, 0, len(r.kinds))
	for _, k := range kindOrder {
		if r.kinds[k] {
			out = append(out, k)
		}
	}
	return out
}

// Redact is a convenience wrapper around a DefaultKinds redactor.
func Redact(text string, identifiers []string, sourceTag string) (RedactionResult, error) {
	return NewRedactor().Redact(text, identifiers, sourceTag)
}

// Redact masks every detected span of text.
func (r *Redactor) Redact(text string, identifiers []string, sourceTag string) (RedactionResult, error) {
	sess := r.NewSession(identifiers, text)
	out, err := sess.Redact(text)
	if err != nil {
		return RedactionResult{Text: text, Stats: map[Kind]int{}, Map: map[string]string{}, SourceTag: sourceTag}, err
	}
	return RedactionResult{Text: out, Stats: sess.stats, Map: sess.mapping, SourceTag: sourceTag}, nil
}

// Session redacts several texts with one placeholder namespace, so the same
// span gets the same placeholder in every field of a packet.
type Session struct {
	r           *Redactor
	identifiers []string
	reserved    map[string]bool
	counters    map[Kind]int
	memo        map[Kind]map[string]string
	mapping     map[string]string
	stats       map[Kind]int
}

// NewSession starts a session. Placeholders already present in any of
// texts are never minted.
func (r *Redactor) NewSession(identifiers []string, texts ...string) *Session {
	s := &Session{
		r:           r,
		identifiers: identifiers,
		reserved:    make(map[string]bool),
		counters:    make(map[Kind]int),
		memo:        make(map[Kind]map[string]string),
		mapping:     make(map[string]string),
		stats:       make(map[Kind]int),
	}
	for _, t := range texts {
		s.Reserve(t)
	}
	return s
}

// Reserve marks the placeholders literally present in text as taken.
func (s *Session) Reserve(text string) {
	for _, p := range placeholderPattern.FindAllString(text, -1) {
		s.reserved[p] = true
	}
}

// Redact masks text, sharing placeholders with earlier calls. Passes
// repeat until nothing is detected: a placeholder can open a word
// boundary that exposes a new match next to it.
func (s *Session) Redact(text string) (string, error) {
	s.Reserve(text)
	for {
		spans, err := s.r.detect(text, s.identifiers)
		if err != nil {
			return text, err
		}
		if len(spans) == 0 {
			return text, nil
		}
		text = s.replace(text, spans)
	}
}

func (s *Session) replace(text string, spans []Span) string {
	var b strings.Builder
	b.Grow(len(text))
	prev := 0
	for _, sp := range spans {
		original := text[sp.Start:sp.End]
		seen := s.memo[sp.Kind]
		if seen == nil {
			seen = make(map[string]string)
			s.memo[sp.Kind] = seen
		}
		placeholder, ok := seen[original]
		if !ok {
			for {
				s.counters[sp.Kind]++
				placeholder = fmt.Sprintf("[%s_%03d]", strings.ToUpper(string(sp.Kind)), s.counters[sp.Kind])
				if !s.reserved[placeholder] {
					break
				}
			}
			seen[original] = placeholder
			s.mapping[placeholder] = original
		}
		s.stats[sp.Kind]++

		b.WriteString(text[prev:sp.Start])
		b.WriteString(placeholder)
		prev = sp.End
	}
	b.WriteString(text[prev:])
	return b.String()
}

// Map returns the placeholder map accumulated so far.
func (s *Session) Map() map[string]string { return s.mapping }

// Count returns the number of spans replaced so far.
func (s *Session) Count() int {
	total := 0
	for _, n := range s.stats {
		total += n
	}
	return total
}

// Detect reports the spans Redact would replace, without identifiers.
func (r *Redactor) Detect(text string) []Span {
	spans, _ := r.detect(text, nil)
	return spans
}

// Contains reports whether text carries any enabled kind or identifier.
func (r *Redactor) Contains(text string, identifiers []string) (bool, error) {
	spans, err := r.detect(text, identifiers)
	if err != nil {
		return false, err
	}
	return len(spans) > 0, nil
}

func (r *Redactor) detect(text string, identifiers []string) ([]Span, error) {
	protected := placeholderPattern.FindAllStringIndex(text, -1)

	var accepted []Span
	overlaps := func(start, end int) bool {
		for _, p := range protected {
			if start < p[1] && p[0] < end {
				return true
			}
		}
		for _, a := range accepted {
			if start < a.End && a.Start < end {
				return true
			}
		}
		return false
	}

	idSpans, err := identifierSpans(text, identifiers)
	if err != nil {
		return nil, err
	}
	for _, sp := range sortSpans(idSpans) {
		if !overlaps(sp.Start, sp.End) {
			accepted = append(accepted, sp)
		}
	}

	var candidates []Span
	for _, k := range kindOrder {
		if !r.kinds[k] {
			continue
		}
		for _, loc := range kindPatterns[k].FindAllStringIndex(text, -1) {
			start, end := loc[0], loc[1]
			if k == KindURL {
				end = start + len(strings.TrimRight(text[start:end], ".,;:!?)'\""))
			}
			if end > start {
				candidates = append(candidates, Span{Kind: k, Start: start, End: end})
			}
		}
	}
	for _, sp := range sortSpans(candidates) {
		if !overlaps(sp.Start, sp.End) {
			accepted = append(accepted, sp)
		}
	}

	sort.Slice(accepted, func(i, j int) bool { return accepted[i].Start < accepted[j].Start })
	return accepted, nil
}

// sortSpans orders by earliest start, then longest span, then detection order.
func sortSpans(spans []Span) []Span {
	rank := func(k Kind) int {
		for i, known := range kindOrder {
			if known == k {
				return i
			}
		}
		return -1
	}
	sort.SliceStable(spans, func(i, j int) bool {
		a, b := spans[i], spans[j]
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		if la, lb := a.End-a.Start, b.End-b.Start; la != lb {
			return la > lb
		}
		return rank(a.Kind) < rank(b.Kind)
	})
	return spans
}

func identifierSpans(text string, identifiers []string) ([]Span, error) {
	var spans []Span
	for _, ident := range identifiers {
		ident = strings.TrimSpace(ident)
		if ident == "" {
			continue
		}
		if !utf8.ValidString(ident) {
			return nil, fmt.Errorf("%w: %q is not valid UTF-8", ErrPatternInvalid, ident)
		}
		re, err := regexp.Compile(`(?i)` + regexp.QuoteMeta(ident))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPatternInvalid, err)
		}
		for _, loc := range re.FindAllStringIndex(text, -1) {
			if wholeWord(text, loc[0], loc[1]) {
				spans = append(spans, Span{Kind: KindIdentifier, Start: loc[0], End: loc[1]})
			}
		}
	}
	return spans, nil
}

func wholeWord(text string, start, end int) bool {
	if start > 0 {
		r, _ := utf8.DecodeLastRuneInString(text[:start])
		first, _ := utf8.DecodeRuneInString(text[start:])
		if isWordRune(r) && isWordRune(first) {
			return false
		}
	}
	if end < len(text) {
		r, _ := utf8.DecodeRuneInString(text[end:])
		last, _ := utf8.DecodeLastRuneInString(text[:end])
		if isWordRune(r) && isWordRune(last) {
			return false
		}
	}
	return true
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// Restore replaces every placeholder of text that appears in m.
func Restore(text string, m map[string]string) string {
	if len(m) == 0 {
		return text
	}
	return placeholderPattern.ReplaceAllStringFunc(text, func(p string) string {
		if original, ok := m[p]; ok {
			return original
		}
		return p
	})
}
