package knowledge

import (
	"context"
	"fmt"
	"testing"

	"github.com/dejabot/deja/internal/storage"
)

func openTestIndex(t *testing.T) *Store {
	t.Helper()
	s, err := Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func testCase(id, group, title string) storage.Case {
	return storage.Case{
		ID:                id,
		GroupID:           group,
		Title:             title,
		ProblemSummary:    "problem for " + title,
		ResolutionSummary: "fix for " + title,
		Status:            "resolved",
		Tags:              []string{"test"},
	}
}

func TestUpsertAndQuery(t *testing.T) {
	s := openTestIndex(t)
	ctx := context.Background()

	a := testCase("case-a", "group-1", "VPN drops")
	b := testCase("case-b", "group-1", "printer jam")
	if err := s.Upsert(ctx, a, CanonicalDoc(a), []float32{1, 0, 0}); err != nil {
		t.Fatalf("Upsert a: %v", err)
	}
	if err := s.Upsert(ctx, b, CanonicalDoc(b), []float32{0, 1, 0}); err != nil {
		t.Fatalf("Upsert b: %v", err)
	}

	got, err := s.Query(ctx, "group-1", []float32{0.95, 0.05, 0}, 2)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d results, want 2", len(got))
	}
	if got[0].CaseID != "case-a" {
		t.Errorf("closest = %q, want case-a", got[0].CaseID)
	}
	if got[0].Title != "VPN drops" {
		t.Errorf("title = %q, want VPN drops", got[0].Title)
	}
	if got[0].Status != "resolved" {
		t.Errorf("status = %q, want resolved", got[0].Status)
	}
	if got[0].Distance >= got[1].Distance {
		t.Errorf("distances not ascending: %g then %g", got[0].Distance, got[1].Distance)
	}
	if got[0].Distance < 0 || got[0].Distance > 0.1 {
		t.Errorf("near-identical vector distance = %g, want close to 0", got[0].Distance)
	}
}

// TestQueryGroupIsolation indexes the same vector in two groups and
// verifies a query never crosses groups.
func TestQueryGroupIsolation(t *testing.T) {
	s := openTestIndex(t)
	ctx := context.Background()

	a := testCase("case-a", "group-1", "shared topic")
	b := testCase("case-b", "group-2", "shared topic")
	if err := s.Upsert(ctx, a, CanonicalDoc(a), []float32{1, 0, 0}); err != nil {
		t.Fatalf("Upsert a: %v", err)
	}
	if err := s.Upsert(ctx, b, CanonicalDoc(b), []float32{1, 0, 0}); err != nil {
		t.Fatalf("Upsert b: %v", err)
	}

	got, err := s.Query(ctx, "group-1", []float32{1, 0, 0}, 10)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d results, want 1", len(got))
	}
	if got[0].CaseID != "case-a" || got[0].GroupID != "group-1" {
		t.Errorf("got case %s from group %s, want case-a from group-1", got[0].CaseID, got[0].GroupID)
	}
}

// TestQueryClampsK asks for more results than documents exist; chromem
// rejects that unless the store clamps.
func TestQueryClampsK(t *testing.T) {
	s := openTestIndex(t)
	ctx := context.Background()

	a := testCase("case-a", "group-1", "only one")
	if err := s.Upsert(ctx, a, CanonicalDoc(a), []float32{1, 0, 0}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := s.Query(ctx, "group-1", []float32{1, 0, 0}, 8)
	if err != nil {
		t.Fatalf("Query with k above count: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("got %d results, want 1", len(got))
	}
}

func TestQueryUnknownGroup(t *testing.T) {
	s := openTestIndex(t)

	got, err := s.Query(context.Background(), "never-seen", []float32{1, 0, 0}, 5)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d results for unknown group, want 0", len(got))
	}
}

// TestUpsertReplacesExisting re-indexes an existing case id and verifies
// the document is replaced, not duplicated.
func TestUpsertReplacesExisting(t *testing.T) {
	s := openTestIndex(t)
	ctx := context.Background()

	c := testCase("case-a", "group-1", "old title")
	if err := s.Upsert(ctx, c, CanonicalDoc(c), []float32{1, 0, 0}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	c.Title = "new title"
	if err := s.Upsert(ctx, c, CanonicalDoc(c), []float32{1, 0, 0}); err != nil {
		t.Fatalf("Upsert (replace): %v", err)
	}

	if n := s.Count(); n != 1 {
		t.Errorf("Count = %d, want 1", n)
	}
	got, err := s.Query(ctx, "group-1", []float32{1, 0, 0}, 1)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if got[0].Title != "new title" {
		t.Errorf("title = %q, want new title", got[0].Title)
	}
}

func TestCanonicalDoc(t *testing.T) {
	c := storage.Case{
		Title:             "VPN drops on wake",
		ProblemSummary:    "laptop loses VPN after sleep",
		ResolutionSummary: "disable power saving",
		Tags:              []string{"vpn", "networking"},
	}
	want := "VPN drops on wake\nlaptop loses VPN after sleep\ndisable power saving\ntags: vpn, networking"
	if got := CanonicalDoc(c); got != want {
		t.Errorf("CanonicalDoc = %q, want %q", got, want)
	}
}

// fakeLister implements CaseLister over a slice.
type fakeLister struct {
	cases []storage.Case
}

func (f *fakeLister) ListAllCases() ([]storage.Case, error) {
	return f.cases, nil
}

func TestReindex(t *testing.T) {
	s := openTestIndex(t)
	ctx := context.Background()

	// Seed stale content that the rebuild must drop.
	stale := testCase("stale", "group-1", "gone after rebuild")
	if err := s.Upsert(ctx, stale, CanonicalDoc(stale), []float32{0, 0, 1}); err != nil {
		t.Fatalf("Upsert stale: %v", err)
	}

	lister := &fakeLister{cases: []storage.Case{
		testCase("case-1", "group-1", "first"),
		testCase("case-2", "group-1", "second"),
		testCase("case-3", "group-2", "third"),
	}}
	vectors := map[string][]float32{
		CanonicalDoc(lister.cases[0]): {1, 0, 0},
		CanonicalDoc(lister.cases[1]): {0, 1, 0},
		CanonicalDoc(lister.cases[2]): {0, 0, 1},
	}
	embed := func(_ context.Context, text string) ([]float32, error) {
		v, ok := vectors[text]
		if !ok {
			return nil, fmt.Errorf("unexpected document %q", text)
		}
		return v, nil
	}

	n, err := s.Reindex(ctx, lister, embed)
	if err != nil {
		t.Fatalf("Reindex: %v", err)
	}
	if n != 3 {
		t.Errorf("Reindex indexed %d, want 3", n)
	}
	if total := s.Count(); total != 3 {
		t.Errorf("Count = %d, want 3 (stale dropped)", total)
	}

	got, err := s.Query(ctx, "group-1", []float32{1, 0, 0}, 1)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 || got[0].CaseID != "case-1" {
		t.Errorf("got %+v, want case-1", got)
	}
}

func TestReindexEmbedFailure(t *testing.T) {
	s := openTestIndex(t)

	lister := &fakeLister{cases: []storage.Case{testCase("case-1", "group-1", "first")}}
	embed := func(context.Context, string) ([]float32, error) {
		return nil, fmt.Errorf("model offline")
	}

	if _, err := s.Reindex(context.Background(), lister, embed); err == nil {
		t.Fatal("Reindex succeeded with failing embedder, want error")
	}
}
