package retrieval

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/kalambet/grounded/internal/citation"
)

// budgetPriority is the order in which types draw from the character budget.
var budgetPriority = []citation.Kind{
	citation.KindSnippet,
	citation.KindDocument,
	citation.KindNote,
	citation.KindArtifact,
}

func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// rank orders items by relevance, then recency, then entity id and chunk.
func rank(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.After(b.Timestamp)
		}
		if a.EntityID != b.EntityID {
			return a.EntityID < b.EntityID
		}
		return a.ChunkIndex < b.ChunkIndex
	})
}

// dedup drops candidates whose normalized text also appears under a more
// recent parent. When parents tie on recency the smaller parent key wins.
// Candidates sharing a parent are never dropped against each other. Input
// order is preserved for the survivors.
func dedup(items []Item) ([]Item, int) {
	type best struct {
		parent string
		ts     int64
	}
	winners := make(map[string]best)
	for _, it := range items {
		key := normalize(it.Text)
		ts := it.Timestamp.UnixNano()
		w, ok := winners[key]
		if !ok || ts > w.ts || (ts == w.ts && it.Parent < w.parent) {
			winners[key] = best{parent: it.Parent, ts: ts}
		}
	}

	out := items[:0:0]
	dropped := 0
	for _, it := range items {
		if winners[normalize(it.Text)].parent != it.Parent {
			dropped++
			continue
		}
		out = append(out, it)
	}
	return out, dropped
}

// pack fills the budget from ranked per-type candidates. An item is included
// only if its full excerpt fits; otherwise it is skipped and smaller
// candidates are still considered.
func pack(byType map[citation.Kind][]Item, maxChars int, log *Log) []Item {
	var out []Item
	remaining := maxChars
	for _, kind := range budgetPriority {
		for _, it := range byType[kind] {
			if remaining <= 0 {
				log.Truncated = true
				break
			}
			n := utf8.RuneCountInString(it.Text)
			if n > remaining {
				log.Truncated = true
				continue
			}
			remaining -= n
			out = append(out, it)
			log.Included[kind.String()]++
		}
	}
	log.UsedChars = maxChars - remaining
	return out
}
