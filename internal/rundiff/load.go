package rundiff

import (
	"context"
	"fmt"

	"github.com/kalambet/grounded/internal/storage"
)

// Store reads the artifacts and links of finished runs.
type Store interface {
	GetArtifactByRun(ctx context.Context, runID string) (storage.Artifact, error)
	ListEvidenceLinks(ctx context.Context, artifactID string) ([]storage.EvidenceLink, error)
	SnippetDocumentIDs(ctx context.Context, snippetIDs []string) (map[string]string, error)
}

// CompareRuns loads the outputs of two runs and compares them.
func CompareRuns(ctx context.Context, s Store, originalRunID, rerunRunID string) (Result, error) {
	origArt, origLinks, err := load(ctx, s, originalRunID)
	if err != nil {
		return Result{}, err
	}
	rerunArt, rerunLinks, err := load(ctx, s, rerunRunID)
	if err != nil {
		return Result{}, err
	}

	var snippetIDs []string
	for _, links := range [][]storage.EvidenceLink{origLinks, rerunLinks} {
		for _, l := range links {
			if l.SnippetID != "" {
				snippetIDs = append(snippetIDs, l.SnippetID)
			}
		}
	}
	snippetDocs, err := s.SnippetDocumentIDs(ctx, snippetIDs)
	if err != nil {
		return Result{}, fmt.Errorf("resolving snippet documents: %w", err)
	}

	return Compare(origArt.Content, rerunArt.Content, origLinks, rerunLinks, snippetDocs), nil
}

func load(ctx context.Context, s Store, runID string) (storage.Artifact, []storage.EvidenceLink, error) {
	art, err := s.GetArtifactByRun(ctx, runID)
	if err != nil {
		return storage.Artifact{}, nil, fmt.Errorf("loading artifact for run %s: %w", runID, err)
	}
	links, err := s.ListEvidenceLinks(ctx, art.ID)
	if err != nil {
		return storage.Artifact{}, nil, fmt.Errorf("loading evidence links for run %s: %w", runID, err)
	}
	return art, links, nil
}
