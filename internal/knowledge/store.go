// Package knowledge maintains the vector index over admitted cases.
// SQLite holds the canonical case records; this index is derived state
// and can always be rebuilt from them.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/philippgille/chromem-go"
	"golang.org/x/sync/errgroup"

	"github.com/dejabot/deja/internal/storage"
)

// EmbedFunc produces the embedding for one document.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// CaseLister provides the canonical cases the index is rebuilt from.
// Implemented by storage.Store.
type CaseLister interface {
	ListAllCases() ([]storage.Case, error)
}

// RetrievedCase is one query hit. Distance is 1 - cosine similarity, so
// lower is closer.
type RetrievedCase struct {
	CaseID   string
	GroupID  string
	Title    string
	Status   string
	Distance float64
}

// Store wraps a chromem database with one collection per group, which
// makes cross-group leakage structurally impossible rather than a
// filter to remember.
type Store struct {
	db *chromem.DB
}

// Open opens (or creates) the persistent index at path. An empty path
// yields an in-memory index (used by tests).
func Open(path string) (*Store, error) {
	if path == "" {
		return &Store{db: chromem.NewDB()}, nil
	}
	db, err := chromem.NewPersistentDB(path, false)
	if err != nil {
		return nil, fmt.Errorf("opening vector index: %w", err)
	}
	return &Store{db: db}, nil
}

// collectionName maps a group id to a filesystem-safe collection name.
// The raw id is preserved in document metadata.
func collectionName(groupID string) string {
	h := fnv.New32a()
	h.Write([]byte(groupID))
	return fmt.Sprintf("group-%08x", h.Sum32())
}

// externalEmbeddings guards against accidental use of chromem's built-in
// embedding path; all vectors come from the embed model upstream.
func externalEmbeddings(context.Context, string) ([]float32, error) {
	return nil, errors.New("knowledge: embeddings are computed upstream")
}

// CanonicalDoc renders the text that gets embedded for a case. Retrieval
// quality depends on query and index agreeing on this shape, so both the
// extractor and Reindex use it.
func CanonicalDoc(c storage.Case) string {
	return c.Title + "\n" + c.ProblemSummary + "\n" + c.ResolutionSummary + "\ntags: " + strings.Join(c.Tags, ", ")
}

// Upsert indexes one case in its group's collection. Re-indexing an
// existing case id replaces the stored document.
func (s *Store) Upsert(ctx context.Context, c storage.Case, doc string, embedding []float32) error {
	col, err := s.db.GetOrCreateCollection(collectionName(c.GroupID), nil, externalEmbeddings)
	if err != nil {
		return fmt.Errorf("opening collection for group %s: %w", c.GroupID, err)
	}
	err = col.AddDocuments(ctx, []chromem.Document{{
		ID:        c.ID,
		Content:   doc,
		Embedding: embedding,
		Metadata: map[string]string{
			"case_id":  c.ID,
			"group_id": c.GroupID,
			"status":   c.Status,
			"title":    c.Title,
		},
	}}, 1)
	if err != nil {
		return fmt.Errorf("indexing case %s: %w", c.ID, err)
	}
	return nil
}

// Query returns up to k cases of the given group ordered by ascending
// distance. A group with no indexed cases yields an empty result.
func (s *Store) Query(ctx context.Context, groupID string, embedding []float32, k int) ([]RetrievedCase, error) {
	col := s.db.GetCollection(collectionName(groupID), externalEmbeddings)
	if col == nil {
		return nil, nil
	}
	count := col.Count()
	if count == 0 {
		return nil, nil
	}
	// chromem rejects nResults above the document count.
	if k > count {
		k = count
	}

	results, err := col.QueryEmbedding(ctx, embedding, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying group %s: %w", groupID, err)
	}

	retrieved := make([]RetrievedCase, 0, len(results))
	for _, r := range results {
		retrieved = append(retrieved, RetrievedCase{
			CaseID:   r.ID,
			GroupID:  r.Metadata["group_id"],
			Title:    r.Metadata["title"],
			Status:   r.Metadata["status"],
			Distance: 1 - float64(r.Similarity),
		})
	}
	return retrieved, nil
}

// Count returns the total number of indexed documents across all groups.
func (s *Store) Count() int {
	total := 0
	for _, col := range s.db.ListCollections() {
		total += col.Count()
	}
	return total
}

// Reindex drops the index and rebuilds it from the canonical case
// records, embedding each document again. Returns the number of cases
// indexed.
func (s *Store) Reindex(ctx context.Context, cases CaseLister, embed EmbedFunc) (int, error) {
	all, err := cases.ListAllCases()
	if err != nil {
		return 0, fmt.Errorf("listing cases: %w", err)
	}

	for name := range s.db.ListCollections() {
		if err := s.db.DeleteCollection(name); err != nil {
			return 0, fmt.Errorf("dropping collection %s: %w", name, err)
		}
	}

	// Embed in parallel; the embed model is the bottleneck here.
	docs := make([]chromem.Document, len(all))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, c := range all {
		g.Go(func() error {
			embedding, err := embed(gctx, CanonicalDoc(c))
			if err != nil {
				return fmt.Errorf("embedding case %s: %w", c.ID, err)
			}
			docs[i] = chromem.Document{
				ID:        c.ID,
				Content:   CanonicalDoc(c),
				Embedding: embedding,
				Metadata: map[string]string{
					"case_id":  c.ID,
					"group_id": c.GroupID,
					"status":   c.Status,
					"title":    c.Title,
				},
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	byGroup := make(map[string][]chromem.Document)
	for i, c := range all {
		byGroup[c.GroupID] = append(byGroup[c.GroupID], docs[i])
	}
	for groupID, groupDocs := range byGroup {
		col, err := s.db.GetOrCreateCollection(collectionName(groupID), nil, externalEmbeddings)
		if err != nil {
			return 0, fmt.Errorf("recreating collection for group %s: %w", groupID, err)
		}
		if err := col.AddDocuments(ctx, groupDocs, 4); err != nil {
			return 0, fmt.Errorf("indexing group %s: %w", groupID, err)
		}
	}
	return len(all), nil
}
