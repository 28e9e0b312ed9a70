package retrieval

import (
	"context"
	"time"

	"github.com/kalambet/grounded/internal/citation"
)

const (
	DefaultLimitPerType  = 8
	DefaultMaxTotalChars = 12000
)

// Query describes one retrieval call.
type Query struct {
	WorkspaceID   string
	Text          string
	CompanyID     string
	DocumentIDs   []string
	LimitPerType  int
	MaxTotalChars int
}

// Item is one citation-labelled piece of evidence.
type Item struct {
	Type              citation.Kind `json:"item_type"`
	EntityID          string        `json:"entity_id"`
	Parent            string        `json:"parent"`
	ChunkIndex        int           `json:"chunk_index"`
	Label             string        `json:"citation_label"`
	SourceDescription string        `json:"source_description"`
	Text              string        `json:"text_excerpt"`
	Title             string        `json:"title,omitempty"`
	Locator           string        `json:"locator,omitempty"`
	Timestamp         time.Time     `json:"timestamp"`
	Score             float64       `json:"score"`
}

// Log records what each source returned and how the budget was spent.
type Log struct {
	Hits          map[string]int    `json:"hits"`
	Included      map[string]int    `json:"included"`
	Degraded      map[string]string `json:"degraded,omitempty"`
	Duplicates    int               `json:"duplicates_dropped"`
	Truncated     bool              `json:"truncated"`
	UsedChars     int               `json:"used_chars"`
	MaxTotalChars int               `json:"max_total_chars"`
}

// Pack is the ordered evidence assembled for one query.
type Pack struct {
	Query string `json:"query"`
	Items []Item `json:"items"`
	Log   Log    `json:"log"`
}

// Labels returns the parsed labels of every item, in pack order. Items with
// unparseable labels are skipped.
func (p Pack) Labels() []citation.Label {
	out := make([]citation.Label, 0, len(p.Items))
	for _, it := range p.Items {
		if l, ok := citation.Parse(it.Label); ok {
			out = append(out, l)
		}
	}
	return out
}

// Known is the set of entities shown to the model.
func (p Pack) Known() citation.Known {
	return citation.NewKnown(p.Labels()...)
}

// SourceQuery is what a Source receives for one content type.
type SourceQuery struct {
	WorkspaceID string
	CompanyID   string
	Text        string
	DocumentIDs []string
	Limit       int
}

// Hit is one ranked match returned by a Source. Parent identifies the owning
// entity used for duplicate detection, qualified by type (e.g. "document:D1").
type Hit struct {
	EntityID   string
	Parent     string
	ChunkIndex int
	Title      string
	Text       string
	Locator    string
	Timestamp  time.Time
	Score      float64
}

// Source searches one content type.
type Source interface {
	Search(ctx context.Context, q SourceQuery) ([]Hit, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, q SourceQuery) ([]Hit, error)

func (f SourceFunc) Search(ctx context.Context, q SourceQuery) ([]Hit, error) { return f(ctx, q) }
