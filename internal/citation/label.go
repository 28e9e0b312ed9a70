// Package citation implements the bracketed citation label grammar used to
// tie generated text back to the evidence it was shown:
//
//	[NOTE:<id>|chunk:<n>]
//	[DOC:<id>|chunk:<n>]
//	[SNIP:<id>]
//	[ART:<id>|chunk:<n>]
//
// Ids are made of ASCII letters, digits, '_', '.' and '-'. The chunk index is
// always present for NOTE, DOC and ART labels and is 0 for unchunked entities.
package citation

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies the entity type a label refers to.
type Kind int

const (
	KindNote Kind = iota + 1
	KindDocument
	KindSnippet
	KindArtifact
)

// Kinds lists every kind in a stable order.
var Kinds = []Kind{KindNote, KindDocument, KindSnippet, KindArtifact}

func (k Kind) prefix() string {
	switch k {
	case KindNote:
		return "NOTE"
	case KindDocument:
		return "DOC"
	case KindSnippet:
		return "SNIP"
	case KindArtifact:
		return "ART"
	}
	return ""
}

// String returns the item type name used in storage and JSON.
func (k Kind) String() string {
	switch k {
	case KindNote:
		return "note"
	case KindDocument:
		return "document"
	case KindSnippet:
		return "snippet"
	case KindArtifact:
		return "artifact"
	}
	return "unknown"
}

// ParseKind maps an item type name back to its Kind.
func ParseKind(s string) (Kind, bool) {
	for _, k := range Kinds {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

func (k Kind) MarshalText() ([]byte, error) {
	if k.prefix() == "" {
		return nil, fmt.Errorf("invalid citation kind %d", int(k))
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	v, ok := ParseKind(string(b))
	if !ok {
		return fmt.Errorf("unknown item type %q", b)
	}
	*k = v
	return nil
}

func kindForPrefix(p string) (Kind, bool) {
	for _, k := range Kinds {
		if k.prefix() == p {
			return k, true
		}
	}
	return 0, false
}

// Chunked reports whether labels of this kind carry a chunk index.
func (k Kind) Chunked() bool {
	return k != KindSnippet
}

// Label is a parsed citation token.
type Label struct {
	Kind  Kind
	ID    string
	Chunk int
}

// Key identifies the cited entity regardless of chunk.
type Key struct {
	Kind Kind
	ID   string
}

func (l Label) Key() Key { return Key{Kind: l.Kind, ID: l.ID} }

// String renders the canonical token.
func (l Label) String() string {
	var sb strings.Builder
	sb.WriteByte('[')
	sb.WriteString(l.Kind.prefix())
	sb.WriteByte(':')
	sb.WriteString(l.ID)
	if l.Kind.Chunked() {
		sb.WriteString("|chunk:")
		sb.WriteString(strconv.Itoa(l.Chunk))
	}
	sb.WriteByte(']')
	return sb.String()
}

// Locator is the chunk locator stored on evidence links, e.g. "chunk:2".
// Snippet labels have no locator.
func (l Label) Locator() string {
	if !l.Kind.Chunked() {
		return ""
	}
	return "chunk:" + strconv.Itoa(l.Chunk)
}

// Format builds the canonical label for an entity.
func Format(kind Kind, id string, chunk int) string {
	return Label{Kind: kind, ID: id, Chunk: chunk}.String()
}

// Parse parses s, which must be exactly one canonical token.
func Parse(s string) (Label, bool) {
	l, n, ok := scanLabel(s)
	if !ok || n != len(s) {
		return Label{}, false
	}
	return l, true
}

// scanLabel tries to read a canonical token at the start of s and returns
// the label and the number of bytes consumed.
func scanLabel(s string) (Label, int, bool) {
	if len(s) < 2 || s[0] != '[' {
		return Label{}, 0, false
	}
	i := 1
	for i < len(s) && s[i] >= 'A' && s[i] <= 'Z' {
		i++
	}
	kind, ok := kindForPrefix(s[1:i])
	if !ok || i >= len(s) || s[i] != ':' {
		return Label{}, 0, false
	}
	i++

	idStart := i
	for i < len(s) && isIDByte(s[i]) {
		i++
	}
	if i == idStart || i >= len(s) {
		return Label{}, 0, false
	}
	l := Label{Kind: kind, ID: s[idStart:i]}

	if kind.Chunked() {
		const sep = "|chunk:"
		if !strings.HasPrefix(s[i:], sep) {
			return Label{}, 0, false
		}
		i += len(sep)
		digitStart := i
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
		}
		digits := s[digitStart:i]
		if digits == "" || (len(digits) > 1 && digits[0] == '0') {
			return Label{}, 0, false
		}
		n, err := strconv.Atoi(digits)
		if err != nil {
			return Label{}, 0, false
		}
		l.Chunk = n
	}

	if i >= len(s) || s[i] != ']' {
		return Label{}, 0, false
	}
	return l, i + 1, true
}

// isIDByte reports whether b may appear in an entity id. Ids are any run of
// bytes except whitespace and the label delimiters.
func isIDByte(b byte) bool {
	switch b {
	case '[', ']', '|', ' ', '\t', '\n', '\r', '\v', '\f':
		return false
	}
	return true
}

// Citable reports whether id round-trips through a label of the given kind.
func Citable(kind Kind, id string) bool {
	l := Label{Kind: kind, ID: id}
	got, ok := Parse(l.String())
	return ok && got == l
}

// Token is a label found in free text along with its byte span.
type Token struct {
	Label Label
	Start int
	End   int
}

// Scan returns every canonical token in text, in order of appearance.
// Anything that does not match the grammar exactly is ignored.
func Scan(text string) []Token {
	var out []Token
	for i := 0; i < len(text); {
		j := strings.IndexByte(text[i:], '[')
		if j < 0 {
			break
		}
		start := i + j
		if l, n, ok := scanLabel(text[start:]); ok {
			out = append(out, Token{Label: l, Start: start, End: start + n})
			i = start + n
			continue
		}
		i = start + 1
	}
	return out
}
