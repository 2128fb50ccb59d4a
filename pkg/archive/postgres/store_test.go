package postgres_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/taleweaver/pkg/archive"
	"github.com/MrWong99/taleweaver/pkg/archive/postgres"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if TALEWEAVER_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("TALEWEAVER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TALEWEAVER_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a [postgres.Store] on a clean schema.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS recaps CASCADE"); err != nil {
		t.Fatalf("drop recaps: %v", err)
	}

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func recap(id, source, gm string, at time.Time) archive.Recap {
	return archive.Recap{
		ID:          id,
		Source:      source,
		ChunkCount:  1,
		GMRecap:     gm,
		PlayerStory: "The party rested.",
		Result:      json.RawMessage(`{"run_id":"` + id + `"}`),
		CreatedAt:   at,
	}
}

func TestStore_SaveGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	at := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	want := recap("run-1", "s1.txt", "Graak opened the crypt.", at)
	if err := store.Save(ctx, want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.Get(ctx, "run-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Source != want.Source || got.GMRecap != want.GMRecap || got.ChunkCount != 1 {
		t.Errorf("Get = %+v, want %+v", got, want)
	}
	if !got.CreatedAt.Equal(at) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, at)
	}
	var doc map[string]string
	if err := json.Unmarshal(got.Result, &doc); err != nil || doc["run_id"] != "run-1" {
		t.Errorf("Result = %s, want run_id run-1", got.Result)
	}

	// Saving again replaces.
	want.GMRecap = "Graak sealed the crypt."
	if err := store.Save(ctx, want); err != nil {
		t.Fatalf("Save again: %v", err)
	}
	got, err = store.Get(ctx, "run-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.GMRecap != want.GMRecap {
		t.Errorf("GMRecap = %q, want %q", got.GMRecap, want.GMRecap)
	}
}

func TestStore_GetNotFound(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Get(context.Background(), "nope"); !errors.Is(err, archive.ErrNotFound) {
		t.Fatalf("Get error = %v, want ErrNotFound", err)
	}
}

func TestStore_List(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	for i, r := range []archive.Recap{
		recap("a", "s1.txt", "Graak opened the crypt.", base),
		recap("b", "s2.txt", "Bahl bargained with the merchant.", base.Add(time.Hour)),
		recap("c", "s2.txt", "The crypt collapsed behind them.", base.Add(2*time.Hour)),
	} {
		if err := store.Save(ctx, r); err != nil {
			t.Fatalf("Save %d: %v", i, err)
		}
	}

	all, err := store.List(ctx, archive.ListOpts{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 || all[0].ID != "c" || all[2].ID != "a" {
		t.Errorf("List order = %v, want newest first", ids(all))
	}
	if len(all[0].Result) != 0 {
		t.Error("List returned result documents")
	}

	crypt, err := store.List(ctx, archive.ListOpts{Query: "crypt"})
	if err != nil {
		t.Fatalf("List query: %v", err)
	}
	if len(crypt) != 2 {
		t.Errorf("query crypt = %v, want [c a]", ids(crypt))
	}

	s2, err := store.List(ctx, archive.ListOpts{Source: "s2.txt", Limit: 1})
	if err != nil {
		t.Fatalf("List source: %v", err)
	}
	if len(s2) != 1 || s2[0].ID != "c" {
		t.Errorf("source s2 limit 1 = %v, want [c]", ids(s2))
	}
}

func TestStore_Ping(t *testing.T) {
	store := newTestStore(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func ids(rs []archive.Recap) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}
