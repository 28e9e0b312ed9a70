package citation

import (
	"strings"
	"unicode/utf8"
)

const maxQuoteRunes = 280

// Known is the set of entities a model was shown, keyed by kind and id.
type Known map[Key]bool

// NewKnown builds a Known set from labels.
func NewKnown(labels ...Label) Known {
	k := make(Known, len(labels))
	for _, l := range labels {
		k[l.Key()] = true
	}
	return k
}

// Add records label as shown.
func (k Known) Add(l Label) { k[l.Key()] = true }

// Spec describes one evidence link to create. Exactly one of SnippetID and
// DocumentID is set.
type Spec struct {
	Label      string
	Kind       Kind
	SnippetID  string
	DocumentID string
	SourceType string
	Locator    string
	Quote      string
}

// Resolution is the outcome of scanning generated text.
type Resolution struct {
	Specs             []Spec
	CitationsDetected bool
}

// Resolve scans text for citation tokens and returns one spec per distinct
// token whose entity is in known. Tokens referring to unknown entities are
// dropped. Resolve never fails; malformed input yields zero specs.
func Resolve(text string, known Known) Resolution {
	var res Resolution
	seen := make(map[string]bool)

	for _, tok := range Scan(text) {
		if !known[tok.Label.Key()] {
			continue
		}
		canonical := tok.Label.String()
		if seen[canonical] {
			continue
		}
		seen[canonical] = true

		spec := Spec{
			Label:      canonical,
			Kind:       tok.Label.Kind,
			SourceType: tok.Label.Kind.String(),
			Locator:    tok.Label.Locator(),
			Quote:      quoteBefore(text, tok.Start),
		}
		if tok.Label.Kind == KindSnippet {
			spec.SnippetID = tok.Label.ID
		} else {
			spec.DocumentID = tok.Label.ID
		}
		res.Specs = append(res.Specs, spec)
	}
	res.CitationsDetected = len(res.Specs) > 0
	return res
}

// quoteBefore returns the claim text the token at pos is attached to: the
// part of its line before the token, or the previous non-blank line when
// the token opens its line. Other citation tokens are stripped.
func quoteBefore(text string, pos int) string {
	lineStart := strings.LastIndexByte(text[:pos], '\n') + 1
	q := clean(text[lineStart:pos])
	for q == "" && lineStart > 0 {
		end := lineStart - 1
		lineStart = strings.LastIndexByte(text[:end], '\n') + 1
		q = clean(text[lineStart:end])
	}
	return truncateRunes(q, maxQuoteRunes)
}

func clean(s string) string {
	toks := Scan(s)
	if len(toks) > 0 {
		var sb strings.Builder
		last := 0
		for _, t := range toks {
			sb.WriteString(s[last:t.Start])
			last = t.End
		}
		sb.WriteString(s[last:])
		s = sb.String()
	}
	s = strings.TrimSpace(s)
	s = strings.TrimLeft(s, "-*• \t")
	return strings.Join(strings.Fields(s), " ")
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
