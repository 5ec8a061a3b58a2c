package checkpoint

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"sensorsync/internal/timestamp"
)

func mustParse(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := timestamp.Parse(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return ts
}

func TestFileStore_MissingFileReturnsDefault(t *testing.T) {
	def := mustParse(t, "2025-01-06 00:00:00")
	store := NewFileStore(filepath.Join(t.TempDir(), "last_value_sent.txt"), def)

	got, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !got.Equal(def) {
		t.Errorf("Load = %v, want default %v", got, def)
	}
}

func TestFileStore_SaveThenLoad(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "last_value_sent.txt")
	store := NewFileStore(path, mustParse(t, "2025-01-06 00:00:00"))

	want := mustParse(t, "2025-01-06 00:20:00")
	if err := store.Save(ctx, want, "2025_01_06_00h25.csv"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read checkpoint: %v", err)
	}
	if string(data) != "2025-01-06 00:20:00" {
		t.Errorf("file content = %q", data)
	}

	// A fresh store models a restarted process
	got, err := NewFileStore(path, time.Time{}).Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !got.Equal(want) {
		t.Errorf("Load = %v, want %v", got, want)
	}

	leftovers, _ := filepath.Glob(filepath.Join(filepath.Dir(path), ".*.tmp"))
	if len(leftovers) != 0 {
		t.Errorf("temp files left behind: %v", leftovers)
	}
}

func TestFileStore_CorruptContentIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "last_value_sent.txt")
	if err := os.WriteFile(path, []byte("yesterday"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := NewFileStore(path, mustParse(t, "2025-01-06 00:00:00")).Load(context.Background())
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("Load error = %v, want ErrCorrupt", err)
	}
}

func TestFileStore_TrailingNewlineAccepted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "last_value_sent.txt")
	if err := os.WriteFile(path, []byte("2025-01-06 00:10:00\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := NewFileStore(path, time.Time{}).Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if want := mustParse(t, "2025-01-06 00:10:00"); !got.Equal(want) {
		t.Errorf("Load = %v, want %v", got, want)
	}
}

func TestSQLiteStore_LoadSaveHistory(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "checkpoint.db")
	def := mustParse(t, "2025-01-06 00:00:00")

	store, err := NewSQLiteStore(dbPath, "sensor_data", def)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}

	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !got.Equal(def) {
		t.Errorf("empty store Load = %v, want default", got)
	}

	first := mustParse(t, "2025-01-06 00:10:00")
	second := mustParse(t, "2025-01-06 00:20:00")
	if err := store.Save(ctx, first, "a.csv"); err != nil {
		t.Fatalf("Save first: %v", err)
	}
	if err := store.Save(ctx, second, "b.csv"); err != nil {
		t.Fatalf("Save second: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := NewSQLiteStore(dbPath, "sensor_data", def)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err = reopened.Load(ctx)
	if err != nil {
		t.Fatalf("Load after reopen: %v", err)
	}
	if !got.Equal(second) {
		t.Errorf("Load = %v, want %v", got, second)
	}

	history, err := reopened.History(ctx, 5)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("len(History) = %d, want 2", len(history))
	}
	if history[0].Batch != "b.csv" || !history[0].Timestamp.Equal(second) {
		t.Errorf("History[0] = %+v", history[0])
	}
	if history[1].Batch != "a.csv" || !history[1].Timestamp.Equal(first) {
		t.Errorf("History[1] = %+v", history[1])
	}
}

func TestSQLiteStore_CorruptValueIsFatal(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "checkpoint.db"), "sensor_data", time.Time{})
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()

	if _, err := store.db.Exec(`INSERT INTO checkpoints (name, ts, updated_at) VALUES ('sensor_data', 'garbage', 'x')`); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if _, err := store.Load(ctx); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("Load error = %v, want ErrCorrupt", err)
	}
}

func TestSQLiteStore_ClosedStore(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "checkpoint.db"), "sensor_data", time.Time{})
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	store.Close()

	if err := store.Save(context.Background(), time.Now(), ""); err == nil {
		t.Error("Save on closed store should fail")
	}
}

func TestPendingFile(t *testing.T) {
	f := NewPendingFile(filepath.Join(t.TempDir(), "last_value_sent.txt.pending"))

	if _, ok, err := f.Load(); err != nil || ok {
		t.Fatalf("Load on missing file = %v, %v; want nothing pending", ok, err)
	}

	want := Pending{Since: mustParse(t, "2025-01-06 00:00:00"), Name: "2025_01_06_00h25.csv"}
	if err := f.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, ok, err := f.Load()
	if err != nil || !ok {
		t.Fatalf("Load = %v, %v", ok, err)
	}
	if !got.Since.Equal(want.Since) || got.Name != want.Name {
		t.Errorf("Load = %+v, want %+v", got, want)
	}

	if err := f.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, ok, _ := f.Load(); ok {
		t.Error("pending batch still present after Clear")
	}
	if err := f.Clear(); err != nil {
		t.Errorf("Clear on missing file: %v", err)
	}
}

func TestPendingFile_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pending")
	if err := os.WriteFile(path, []byte("yesterday\nsomething.csv\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := NewPendingFile(path).Load(); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("Load error = %v, want ErrCorrupt", err)
	}
}
