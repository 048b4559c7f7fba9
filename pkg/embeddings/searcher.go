package embeddings

import (
	"context"
	"fmt"
)

// Searcher answers semantic recall queries: embed the query via TEI,
// then nearest-neighbor search in pgvector. It implements the memory
// manager's SemanticSearcher; keyword and semantic candidates are
// blended there, so this returns ids only.
type Searcher struct {
	vectors *Store
	tei     *TEIClient
}

// NewSearcher creates a semantic searcher.
func NewSearcher(vectors *Store, tei *TEIClient) *Searcher {
	return &Searcher{vectors: vectors, tei: tei}
}

// SearchEpisodes returns episode ids closest to the query, best first.
func (s *Searcher) SearchEpisodes(ctx context.Context, query string, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 10
	}
	vec, err := s.tei.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	results, err := s.vectors.Search(ctx, vec, limit)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(results))
	for i, r := range results {
		ids[i] = r.EpisodeID
	}
	return ids, nil
}
