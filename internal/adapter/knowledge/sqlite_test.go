package knowledge

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	path := filepath.Join(t.TempDir(), "knowledge.db")
	x, err := New(path, 5, slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { x.Close() })
	return x
}

func TestAddAndSearch(t *testing.T) {
	x := newTestIndex(t)
	ctx := context.Background()

	id, err := x.Add(ctx, Entry{
		Text:     "Applicants must provide proof of income for the last three months.",
		Metadata: map[string]string{"source": "policy.md"},
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if id == "" {
		t.Error("expected auto-generated ID")
	}

	results, err := x.Search(ctx, "income", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results len = %d, want 1", len(results))
	}
	if results[0].Metadata["source"] != "policy.md" {
		t.Errorf("Metadata = %v", results[0].Metadata)
	}
	if results[0].Score <= 0 {
		t.Errorf("Score = %v, want > 0", results[0].Score)
	}
}

func TestSearchRanking(t *testing.T) {
	x := newTestIndex(t)
	ctx := context.Background()

	err := x.AddBatch(ctx, []Entry{
		{ID: "best", Text: "loan eligibility loan terms loan interest"},
		{ID: "weak", Text: "general account information mentioning loan once"},
		{ID: "none", Text: "unrelated knowledge about branch opening hours"},
	})
	if err != nil {
		t.Fatalf("AddBatch: %v", err)
	}

	results, err := x.Search(ctx, "loan", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results len = %d, want 2", len(results))
	}
	if results[0].Score < results[1].Score {
		t.Errorf("results not best-first: %v then %v", results[0].Score, results[1].Score)
	}
}

func TestSearchTopKCapsResults(t *testing.T) {
	x := newTestIndex(t)
	ctx := context.Background()

	entries := make([]Entry, 8)
	for i := range entries {
		entries[i] = Entry{Text: "repayment schedule details part " + string(rune('a'+i))}
	}
	if err := x.AddBatch(ctx, entries); err != nil {
		t.Fatalf("AddBatch: %v", err)
	}

	results, err := x.Search(ctx, "repayment", 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 3 {
		t.Errorf("results len = %d, want 3", len(results))
	}
}

func TestSearchSpecialCharactersFallsBack(t *testing.T) {
	x := newTestIndex(t)
	ctx := context.Background()

	if _, err := x.Add(ctx, Entry{Text: `the "grace period" is 15 days`}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// Unbalanced quotes are an FTS5 syntax error; the LIKE fallback
	// should still find the document.
	results, err := x.Search(ctx, `grace period" (15`, 5)
	if err != nil {
		t.Fatalf("Search with special chars: %v", err)
	}
	_ = results
}

func TestSearchEmptyQuery(t *testing.T) {
	x := newTestIndex(t)

	results, err := x.Search(context.Background(), "", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if results != nil {
		t.Errorf("expected nil results for empty query, got %v", results)
	}
}

func TestSearchNoMatches(t *testing.T) {
	x := newTestIndex(t)
	ctx := context.Background()

	if _, err := x.Add(ctx, Entry{Text: "interest rates by product"}); err != nil {
		t.Fatal(err)
	}

	results, err := x.Search(ctx, "zebra", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("results len = %d, want 0", len(results))
	}
}

func TestUpsertReplacesText(t *testing.T) {
	x := newTestIndex(t)
	ctx := context.Background()

	if _, err := x.Add(ctx, Entry{ID: "doc1", Text: "old fee schedule"}); err != nil {
		t.Fatal(err)
	}
	if _, err := x.Add(ctx, Entry{ID: "doc1", Text: "new fee schedule"}); err != nil {
		t.Fatal(err)
	}

	n, err := x.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Errorf("Count = %d, want 1 (upsert)", n)
	}

	results, err := x.Search(ctx, "new", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results len = %d, want 1", len(results))
	}
}
