package retrieval

import (
	"context"

	"github.com/kalambet/grounded/internal/citation"
	"github.com/kalambet/grounded/internal/storage"
)

// ContentSearcher is the full-text surface of the content store.
type ContentSearcher interface {
	SearchNotes(ctx context.Context, p storage.SearchParams) ([]storage.SearchHit, error)
	SearchDocumentChunks(ctx context.Context, p storage.SearchParams) ([]storage.SearchHit, error)
	SearchSnippets(ctx context.Context, p storage.SearchParams) ([]storage.SearchHit, error)
	SearchArtifacts(ctx context.Context, p storage.SearchParams) ([]storage.SearchHit, error)
}

type searchFn func(ctx context.Context, p storage.SearchParams) ([]storage.SearchHit, error)

// StoreSources wires every content type to its FTS5 search on s.
func StoreSources(s ContentSearcher) map[citation.Kind]Source {
	return map[citation.Kind]Source{
		citation.KindNote:     storeSource(s.SearchNotes, "note"),
		citation.KindDocument: storeSource(s.SearchDocumentChunks, "document"),
		citation.KindSnippet:  storeSource(s.SearchSnippets, snippetParent),
		citation.KindArtifact: storeSource(s.SearchArtifacts, "artifact"),
	}
}

// snippetParent marks snippets whose parent type depends on the row: a
// document-backed snippet belongs to its document, others to themselves.
const snippetParent = ""

func storeSource(search searchFn, parentType string) Source {
	return SourceFunc(func(ctx context.Context, q SourceQuery) ([]Hit, error) {
		rows, err := search(ctx, storage.SearchParams{
			WorkspaceID: q.WorkspaceID,
			CompanyID:   q.CompanyID,
			Query:       q.Text,
			DocumentIDs: q.DocumentIDs,
			Limit:       q.Limit,
		})
		if err != nil {
			return nil, err
		}
		hits := make([]Hit, len(rows))
		for i, row := range rows {
			hits[i] = Hit{
				EntityID:   row.ID,
				Parent:     parentKey(parentType, row),
				ChunkIndex: row.ChunkIndex,
				Title:      row.Title,
				Text:       row.Text,
				Locator:    row.Locator,
				Timestamp:  row.Timestamp,
				Score:      row.Rank,
			}
		}
		return hits, nil
	})
}

func parentKey(parentType string, row storage.SearchHit) string {
	if parentType == snippetParent {
		if row.ParentID != row.ID {
			return "document:" + row.ParentID
		}
		return "snippet:" + row.ID
	}
	return parentType + ":" + row.ParentID
}
