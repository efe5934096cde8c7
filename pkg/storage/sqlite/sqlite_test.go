package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hyperengineering/eventual/pkg/storage"
)

func TestOpen_InMemory(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
}

func TestStore_ThroughStorageAdapter(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	st, err := storage.FromAsync(s)
	if err != nil {
		t.Fatalf("FromAsync() error = %v", err)
	}
	ctx := context.Background()

	if _, ok, err := st.Get(ctx, "q"); ok || err != nil {
		t.Fatalf("Get(missing) = %v, %v", ok, err)
	}
	if err := st.Set(ctx, "q", []byte(`[1]`)); err != nil {
		t.Fatal(err)
	}
	if err := st.Set(ctx, "q", []byte(`[1,2]`)); err != nil {
		t.Fatal(err)
	}
	v, ok, err := st.Get(ctx, "q")
	if err != nil || !ok || string(v) != `[1,2]` {
		t.Errorf("Get(q) = %q, %v, %v; want [1,2]", v, ok, err)
	}

	if err := st.Set(ctx, "a", []byte("x")); err != nil {
		t.Fatal(err)
	}
	keys, err := st.Keys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "q" {
		t.Errorf("Keys() = %v, want [a q]", keys)
	}

	if err := st.Remove(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if err := st.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if keys, _ := st.Keys(ctx); len(keys) != 0 {
		t.Errorf("Keys() after Clear = %v", keys)
	}
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "queue.db")
	ctx := context.Background()

	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetItemAsync(ctx, "k", []byte("v")); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	v, ok, err := s.GetItemAsync(ctx, "k")
	if err != nil || !ok || string(v) != "v" {
		t.Errorf("GetItemAsync() = %q, %v, %v", v, ok, err)
	}
}

func TestRunMigrations_Idempotent(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "m.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if err := RunMigrations(db); err != nil {
		t.Fatalf("first RunMigrations: %v", err)
	}
	if err := RunMigrations(db); err != nil {
		t.Fatalf("second RunMigrations: %v", err)
	}
	if _, err := db.Exec(`SELECT key, value, updated_at FROM kv_items LIMIT 0`); err != nil {
		t.Errorf("kv_items missing columns: %v", err)
	}
}
