package composer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kalambet/grounded/internal/citation"
	"github.com/kalambet/grounded/internal/retrieval"
)

// ErrMalformedPack is returned when the query is empty or an item carries a
// missing or non-canonical citation label.
var ErrMalformedPack = errors.New("malformed context pack")

// StyleOptions toggle optional answer formatting instructions.
type StyleOptions struct {
	PreferBulletedAnswer bool `json:"prefer_bulleted_answer"`
	IncludeGapsSection   bool `json:"include_gaps_section"`
}

const instructions = `You are a research assistant answering strictly from the context below.

Rules:
- Use ONLY the information in the Context section. Do not use prior knowledge.
- Cite every factual claim with one or more citation labels copied verbatim from the context, e.g. [DOC:abc|chunk:0] or [SNIP:xyz].
- Place citations directly after the sentence they support.
- Never invent labels. If the context does not answer part of the question, say so.`

// Build renders the grounding prompt. It is pure: identical inputs always
// produce an identical string.
func Build(query, companyName string, pack retrieval.Pack, style StyleOptions) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", fmt.Errorf("%w: empty query", ErrMalformedPack)
	}
	if err := validate(pack); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString(instructions)
	sb.WriteString("\n")

	if style.PreferBulletedAnswer {
		sb.WriteString("- Format the answer as concise bullet points, one claim per bullet.\n")
	}
	if style.IncludeGapsSection {
		sb.WriteString("- End with a section titled \"Gaps\" listing sub-questions the context cannot answer.\n")
	}
	if companyName = strings.TrimSpace(companyName); companyName != "" {
		fmt.Fprintf(&sb, "\nCompany: %s\n", companyName)
	}

	sb.WriteString("\n")
	sb.WriteString(ContextText(pack))
	fmt.Fprintf(&sb, "\nQuestion: %s\n", query)
	return sb.String(), nil
}

// ContextText renders only the context section of the prompt.
func ContextText(pack retrieval.Pack) string {
	var sb strings.Builder
	sb.WriteString("[Context]\n")
	if len(pack.Items) == 0 {
		sb.WriteString("No context was found for this question. Answer that the available sources do not cover it.\n")
		return sb.String()
	}
	for _, it := range pack.Items {
		sb.WriteString("\n")
		sb.WriteString(it.Label)
		if it.SourceDescription != "" {
			sb.WriteString(" ")
			sb.WriteString(it.SourceDescription)
		}
		sb.WriteString("\n")
		sb.WriteString(strings.TrimSpace(it.Text))
		sb.WriteString("\n")
	}
	return sb.String()
}

func validate(pack retrieval.Pack) error {
	for i, it := range pack.Items {
		if it.Label == "" {
			return fmt.Errorf("%w: item %d has no citation label", ErrMalformedPack, i)
		}
		l, ok := citation.Parse(it.Label)
		if !ok || l.String() != it.Label {
			return fmt.Errorf("%w: item %d has non-canonical label %q", ErrMalformedPack, i, it.Label)
		}
	}
	return nil
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
