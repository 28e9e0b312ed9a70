// Package rundiff compares the answers and evidence of two runs.
package rundiff

import (
	"strings"

	"github.com/kalambet/grounded/internal/storage"
)

// Line prefixes.
const (
	PrefixSame    = "  "
	PrefixRemoved = "- "
	PrefixAdded   = "+ "
)

// Op classifies a diff line.
type Op int

const (
	Same Op = iota
	Removed
	Added
)

func (o Op) prefix() string {
	switch o {
	case Removed:
		return PrefixRemoved
	case Added:
		return PrefixAdded
	default:
		return PrefixSame
	}
}

func (o Op) String() string {
	switch o {
	case Removed:
		return "removed"
	case Added:
		return "added"
	default:
		return "same"
	}
}

func (o Op) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// Line is one line of a diff.
type Line struct {
	Op   Op     `json:"op"`
	Text string `json:"text"`
}

// String renders the line with its prefix.
func (l Line) String() string { return l.Op.prefix() + l.Text }

// EvidenceSummary counts the evidence behind one answer.
type EvidenceSummary struct {
	LinkCount           int `json:"link_count"`
	UniqueDocumentCount int `json:"unique_document_count"`
	SnippetCount        int `json:"snippet_count"`
}

// Result is the comparison of an original run and its rerun.
type Result struct {
	Lines    []Line          `json:"lines"`
	Original EvidenceSummary `json:"original"`
	Rerun    EvidenceSummary `json:"rerun"`
}

// Text renders the diff as prefixed lines joined by newlines.
func (r Result) Text() string {
	var sb strings.Builder
	for i, l := range r.Lines {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(l.String())
	}
	return sb.String()
}

// Changed reports whether any line differs.
func (r Result) Changed() bool {
	for _, l := range r.Lines {
		if l.Op != Same {
			return true
		}
	}
	return false
}

// Compare diffs two answers line by line and summarizes their evidence.
// snippetDocs maps snippet ids to their parent document, so a document is
// counted once whether linked directly or through one of its snippets; it
// may be nil.
func Compare(originalText, rerunText string, originalLinks, rerunLinks []storage.EvidenceLink, snippetDocs map[string]string) Result {
	return Result{
		Lines:    Lines(splitLines(originalText), splitLines(rerunText)),
		Original: Summarize(originalLinks, snippetDocs),
		Rerun:    Summarize(rerunLinks, snippetDocs),
	}
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
}

// Lines computes a longest-common-subsequence diff of a and b. Within a
// changed region removals come before additions.
func Lines(a, b []string) []Line {
	n, m := len(a), len(b)
	// lcs[i][j] is the LCS length of a[i:] and b[j:].
	lcs := make([][]int, n+1)
	for i := range lcs {
		lcs[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if a[i] == b[j] {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else {
				lcs[i][j] = max(lcs[i+1][j], lcs[i][j+1])
			}
		}
	}

	out := make([]Line, 0, n+m)
	i, j := 0, 0
	for i < n && j < m {
		switch {
		case a[i] == b[j]:
			out = append(out, Line{Op: Same, Text: a[i]})
			i++
			j++
		case lcs[i+1][j] >= lcs[i][j+1]:
			out = append(out, Line{Op: Removed, Text: a[i]})
			i++
		default:
			out = append(out, Line{Op: Added, Text: b[j]})
			j++
		}
	}
	for ; i < n; i++ {
		out = append(out, Line{Op: Removed, Text: a[i]})
	}
	for ; j < m; j++ {
		out = append(out, Line{Op: Added, Text: b[j]})
	}
	return out
}

// Summarize counts links, distinct documents and snippet links. Note and
// artifact links and snippets without a known parent document add no
// document.
func Summarize(links []storage.EvidenceLink, snippetDocs map[string]string) EvidenceSummary {
	s := EvidenceSummary{LinkCount: len(links)}
	docs := make(map[string]struct{})
	for _, l := range links {
		switch {
		case l.SnippetID != "":
			s.SnippetCount++
			if d := snippetDocs[l.SnippetID]; d != "" {
				docs[d] = struct{}{}
			}
		case l.DocumentID != "" && (l.SourceType == "" || l.SourceType == "document"):
			docs[l.DocumentID] = struct{}{}
		}
	}
	s.UniqueDocumentCount = len(docs)
	return s
}
