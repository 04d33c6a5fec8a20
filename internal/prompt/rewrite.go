package prompt

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"hash"
	"strings"
)

// equivalent surface forms; index 0 is the canonical form.
var rewriteForms = [][]string{
	{"...", "…"},
	{"'", "’"},
	{" - ", " – "},
}

const codeFence = "```"

// Rewrite deterministically alternates equivalent punctuation and
// whitespace forms of text, keyed by key. Text inside ``` fences is left
// untouched. The same text and key always give the same output.
func Rewrite(text, key string) string {
	if key == "" || text == "" {
		return text
	}

	mac := hmac.New(sha256.New, []byte(key))
	var b strings.Builder
	b.Grow(len(text))

	inFence := false
	occurrence := uint64(0)
	for i := 0; i < len(text); {
		if strings.HasPrefix(text[i:], codeFence) {
			inFence = !inFence
			b.WriteString(codeFence)
			i += len(codeFence)
			continue
		}
		if inFence {
			b.WriteByte(text[i])
			i++
			continue
		}

		if form, width, ok := matchForm(text[i:]); ok {
			occurrence++
			b.WriteString(pickVariant(mac, occurrence, form))
			i += width
			continue
		}

		if text[i] == ' ' && i+1 < len(text) && text[i+1] == ' ' {
			// a run of spaces collapses to one or two, never zero
			j := i
			for j < len(text) && text[j] == ' ' {
				j++
			}
			occurrence++
			if pickBit(mac, occurrence) {
				b.WriteString("  ")
			} else {
				b.WriteByte(' ')
			}
			i = j
			continue
		}

		b.WriteByte(text[i])
		i++
	}
	return b.String()
}

func matchForm(s string) ([]string, int, bool) {
	for _, forms := range rewriteForms {
		for _, f := range forms {
			if strings.HasPrefix(s, f) {
				return forms, len(f), true
			}
		}
	}
	return nil, 0, false
}

func pickVariant(mac hash.Hash, occurrence uint64, forms []string) string {
	if pickBit(mac, occurrence) {
		return forms[1]
	}
	return forms[0]
}

func pickBit(mac hash.Hash, occurrence uint64) bool {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], occurrence)
	mac.Reset()
	mac.Write(buf[:])
	return mac.Sum(nil)[0]&1 == 1
}
