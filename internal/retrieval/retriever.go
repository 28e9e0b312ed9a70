package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/grounded/internal/citation"
)

// Retriever runs a ranked search against every content source and turns
// the results into a citation-labelled, deduplicated, budgeted Pack.
type Retriever struct {
	sources map[citation.Kind]Source
	logger  *slog.Logger
}

// NewRetriever creates a Retriever over the given per-type sources. Types
// without a source contribute nothing.
func NewRetriever(sources map[citation.Kind]Source, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{sources: sources, logger: logger}
}

// Retrieve assembles the evidence pack for q. A failing source degrades to
// an empty result for its type. The returned error is non-nil only when ctx
// was cancelled.
func (r *Retriever) Retrieve(ctx context.Context, q Query) (Pack, error) {
	if q.LimitPerType <= 0 {
		q.LimitPerType = DefaultLimitPerType
	}
	if q.MaxTotalChars <= 0 {
		q.MaxTotalChars = DefaultMaxTotalChars
	}

	p := Pack{
		Query: q.Text,
		Log: Log{
			Hits:          make(map[string]int),
			Included:      make(map[string]int),
			MaxTotalChars: q.MaxTotalChars,
		},
	}

	sq := SourceQuery{
		WorkspaceID: q.WorkspaceID,
		CompanyID:   q.CompanyID,
		Text:        q.Text,
		DocumentIDs: q.DocumentIDs,
		Limit:       q.LimitPerType,
	}

	results := make([][]Hit, len(citation.Kinds))
	errs := make([]error, len(citation.Kinds))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, kind := range citation.Kinds {
		src, ok := r.sources[kind]
		if !ok {
			continue
		}
		g.Go(func() error {
			hits, err := src.Search(gCtx, sq)
			if err != nil {
				// Never abort siblings: a failing type only degrades itself.
				errs[i] = err
				return nil
			}
			if len(hits) > sq.Limit {
				hits = hits[:sq.Limit]
			}
			results[i] = hits
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		return Pack{}, err
	}

	var candidates []Item
	for i, kind := range citation.Kinds {
		if errs[i] != nil {
			if p.Log.Degraded == nil {
				p.Log.Degraded = make(map[string]string)
			}
			p.Log.Degraded[kind.String()] = errs[i].Error()
			r.logger.Warn("retrieval source degraded", "type", kind.String(), "error", errs[i])
			continue
		}
		p.Log.Hits[kind.String()] = len(results[i])
		uncitable := 0
		for _, h := range results[i] {
			if !citation.Citable(kind, h.EntityID) {
				uncitable++
				continue
			}
			candidates = append(candidates, toItem(kind, h))
		}
		if uncitable > 0 {
			if p.Log.Degraded == nil {
				p.Log.Degraded = make(map[string]string)
			}
			p.Log.Degraded[kind.String()] = fmt.Sprintf("dropped %d hit(s) whose id cannot be cited", uncitable)
			r.logger.Warn("retrieval dropped uncitable hits", "type", kind.String(), "count", uncitable)
		}
	}

	rank(candidates)
	candidates, p.Log.Duplicates = dedup(candidates)

	byType := make(map[citation.Kind][]Item, len(citation.Kinds))
	for _, it := range candidates {
		byType[it.Type] = append(byType[it.Type], it)
	}
	p.Items = pack(byType, q.MaxTotalChars, &p.Log)
	if p.Items == nil {
		p.Items = []Item{}
	}

	r.logger.Debug("retrieval complete",
		"hits", p.Log.Hits,
		"included", len(p.Items),
		"used_chars", p.Log.UsedChars,
		"truncated", p.Log.Truncated,
	)
	return p, nil
}

func toItem(kind citation.Kind, h Hit) Item {
	chunk := h.ChunkIndex
	if !kind.Chunked() {
		chunk = 0
	}
	parent := h.Parent
	if parent == "" {
		parent = kind.String() + ":" + h.EntityID
	}
	return Item{
		Type:              kind,
		EntityID:          h.EntityID,
		Parent:            parent,
		ChunkIndex:        chunk,
		Label:             citation.Format(kind, h.EntityID, chunk),
		SourceDescription: describe(kind, h),
		Text:              h.Text,
		Title:             h.Title,
		Locator:           h.Locator,
		Timestamp:         h.Timestamp,
		Score:             h.Score,
	}
}

func describe(kind citation.Kind, h Hit) string {
	var sb strings.Builder
	switch kind {
	case citation.KindNote:
		sb.WriteString("Note")
	case citation.KindDocument:
		fmt.Fprintf(&sb, "Document chunk %d", h.ChunkIndex)
	case citation.KindSnippet:
		sb.WriteString("Snippet")
	case citation.KindArtifact:
		sb.WriteString("Prior answer")
	}
	if h.Title != "" {
		switch kind {
		case citation.KindSnippet:
			fmt.Fprintf(&sb, " from %q", h.Title)
		case citation.KindDocument:
			fmt.Fprintf(&sb, " of %q", h.Title)
		default:
			fmt.Fprintf(&sb, " %q", h.Title)
		}
	}
	if h.Locator != "" {
		fmt.Fprintf(&sb, ", %s", h.Locator)
	}
	if !h.Timestamp.IsZero() {
		fmt.Fprintf(&sb, " (%s)", h.Timestamp.UTC().Format("2006-01-02"))
	}
	return sb.String()
}
