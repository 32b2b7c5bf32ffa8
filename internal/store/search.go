package store

import (
	"fmt"

	"github.com/blevesearch/bleve"
)

// SearchIndex is an in-memory full-text index over finished tasks. It is
// rebuilt from Postgres on boot and updated on every save, so a restart
// loses only the warm index, never data.
type SearchIndex struct {
	index bleve.Index
}

// SearchHit is one index match, ranked by score.
type SearchHit struct {
	TaskID string  `json:"task_id"`
	Score  float64 `json:"score"`
}

// NewSearchIndex builds an empty mem-only index.
func NewSearchIndex() (*SearchIndex, error) {
	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("building search index: %w", err)
	}
	return &SearchIndex{index: index}, nil
}

// Seed indexes a batch of documents, used to warm the index on boot.
func (s *SearchIndex) Seed(docs []SearchDoc) error {
	for _, doc := range docs {
		if err := s.IndexTask(doc); err != nil {
			return fmt.Errorf("seeding task %s: %w", doc.ID, err)
		}
	}
	return nil
}

// IndexTask adds or replaces one task in the index.
func (s *SearchIndex) IndexTask(doc SearchDoc) error {
	return s.index.Index(doc.ID, doc)
}

// Search runs a query-string query and returns up to limit hits.
func (s *SearchIndex) Search(q string, limit int) ([]SearchHit, error) {
	if limit <= 0 {
		limit = 10
	}
	query := bleve.NewQueryStringQuery(q)
	req := bleve.NewSearchRequestOptions(query, limit, 0, false)
	res, err := s.index.Search(req)
	if err != nil {
		return nil, err
	}
	hits := make([]SearchHit, 0, len(res.Hits))
	for _, hit := range res.Hits {
		hits = append(hits, SearchHit{TaskID: hit.ID, Score: hit.Score})
	}
	return hits, nil
}
