package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rangekeeper/rangekeeper/internal/engine/sqlite"
	rkerrors "github.com/rangekeeper/rangekeeper/internal/errors"
	"github.com/rangekeeper/rangekeeper/internal/storage"
	"github.com/rangekeeper/rangekeeper/pkg/types"
)

type sliceScanner struct {
	rows []map[string]any
	err  error
}

func (s *sliceScanner) ScanTable(_ context.Context, _ string, fn func(map[string]any) error) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	for _, r := range s.rows {
		if err := fn(r); err != nil {
			return 0, err
		}
	}
	return int64(len(s.rows)), nil
}

func newStore(t *testing.T) *storage.LocalStorage {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("create storage: %v", err)
	}
	return store
}

func TestExporter_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	scanner := &sliceScanner{}
	for i := 1; i <= 250; i++ {
		scanner.rows = append(scanner.rows, map[string]any{"id": i, "created_on": "2020-07-01", "payload": fmt.Sprintf("row-%d", i)})
	}
	x := NewExporter(Config{Prefix: "archive", WorkDir: t.TempDir()}, scanner, store)

	res, err := x.Export(ctx, "events_2020", "archive/events_2020/full.jsonl.sz", false)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if res.Rows != 250 || res.Bytes == 0 {
		t.Errorf("unexpected result %+v", res)
	}
	if err := x.Verify(ctx, res.ObjectPath, 250); err != nil {
		t.Errorf("Verify failed: %v", err)
	}
	if err := x.Verify(ctx, res.ObjectPath, 251); rkerrors.GetCode(err) != rkerrors.CodeExportFailed {
		t.Errorf("expected EXPORT_FAILED for wrong count, got %v", err)
	}

	dst := filepath.Join(t.TempDir(), "dl")
	if err := store.Download(ctx, res.ObjectPath, dst); err != nil {
		t.Fatalf("Download: %v", err)
	}
	f, _ := os.Open(dst)
	defer f.Close()
	var first map[string]any
	err = ReadRows(f, func(row map[string]any) error {
		if first == nil {
			first = row
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ReadRows: %v", err)
	}
	if first["payload"] != "row-1" || fmt.Sprint(first["id"]) != "1" {
		t.Errorf("unexpected first row %v", first)
	}
}

func TestExporter_DefaultObjectPath(t *testing.T) {
	x := NewExporter(Config{Prefix: "archive"}, &sliceScanner{}, newStore(t))
	got := x.ObjectPath("events", time.Date(2022, 6, 1, 3, 4, 5, 0, time.UTC))
	if got != "archive/events/20220601T030405Z.jsonl.sz" {
		t.Errorf("ObjectPath = %s", got)
	}

	res, err := x.Export(context.Background(), "events", "", false)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if filepath.Dir(res.ObjectPath) != "archive/events" || res.Rows != 0 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestExporter_ScanError(t *testing.T) {
	x := NewExporter(Config{WorkDir: t.TempDir()}, &sliceScanner{err: errors.New("no such table")}, newStore(t))
	_, err := x.Export(context.Background(), "missing", "x.jsonl.sz", false)
	if rkerrors.GetCode(err) != rkerrors.CodeExportFailed {
		t.Fatalf("expected EXPORT_FAILED, got %v", err)
	}
}

func TestExporter_VerifyMissing(t *testing.T) {
	x := NewExporter(Config{WorkDir: t.TempDir()}, &sliceScanner{}, newStore(t))
	err := x.Verify(context.Background(), "nope.jsonl.sz", 0)
	if rkerrors.GetCode(err) != rkerrors.CodeExportFailed {
		t.Fatalf("expected EXPORT_FAILED, got %v", err)
	}
}

func TestExporter_SwitchedOutPartition(t *testing.T) {
	ctx := context.Background()
	e, err := sqlite.Open(sqlite.DefaultOptions(filepath.Join(t.TempDir(), "rk.db")))
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	defer e.Close()

	def := types.TableDef{
		Name: "events",
		Columns: []types.ColumnDef{
			{Name: "id", Type: "INTEGER"},
			{Name: "created_on", Type: "TEXT"},
		},
		KeyColumn:       "id",
		PartitionColumn: "created_on",
	}
	if err := e.CreatePartitionedTable(ctx, def, []types.Boundary{types.Date(2021, 1, 1)}); err != nil {
		t.Fatalf("create events: %v", err)
	}
	archiveDef := def
	archiveDef.Name = "events_old"
	if err := e.CreateTable(ctx, archiveDef); err != nil {
		t.Fatalf("create archive: %v", err)
	}
	if _, err := e.DB().Exec(`INSERT INTO events (id, created_on) VALUES (1, '2020-03-01'), (2, '2020-09-01'), (3, '2021-02-01')`); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := e.SwitchOut(ctx, "events", 1, "events_old"); err != nil {
		t.Fatalf("SwitchOut: %v", err)
	}

	x := NewExporter(Config{Prefix: "archive", WorkDir: t.TempDir()}, e, newStore(t))
	res, err := x.Export(ctx, "events_old", "", false)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if res.Rows != 2 {
		t.Errorf("exported %d rows, want 2", res.Rows)
	}
	if err := x.Verify(ctx, res.ObjectPath, 2); err != nil {
		t.Errorf("Verify failed: %v", err)
	}
}

func TestExporter_RefusesToOverwrite(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	scanner := &sliceScanner{rows: []map[string]any{{"id": 1}, {"id": 2}}}
	x := NewExporter(Config{WorkDir: t.TempDir()}, scanner, store)

	if _, err := x.Export(ctx, "events", "events/full.jsonl.sz", false); err != nil {
		t.Fatalf("first Export: %v", err)
	}

	scanner.rows = append(scanner.rows, map[string]any{"id": 3})
	_, err := x.Export(ctx, "events", "events/full.jsonl.sz", false)
	if rkerrors.GetCode(err) != rkerrors.CodeObjectExists {
		t.Fatalf("expected OBJECT_EXISTS, got %v", err)
	}
	if err := x.Verify(ctx, "events/full.jsonl.sz", 2); err != nil {
		t.Errorf("refused export must leave the object intact: %v", err)
	}

	res, err := x.Export(ctx, "events", "events/full.jsonl.sz", true)
	if err != nil {
		t.Fatalf("forced Export: %v", err)
	}
	if err := x.Verify(ctx, res.ObjectPath, 3); err != nil {
		t.Errorf("forced export should replace the object: %v", err)
	}
}

func TestExporter_VerifyDeletesCorruptObject(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	x := NewExporter(Config{WorkDir: t.TempDir()}, &sliceScanner{}, store)

	junk := filepath.Join(t.TempDir(), "junk")
	if err := os.WriteFile(junk, []byte("not a snappy stream"), 0o644); err != nil {
		t.Fatalf("write junk: %v", err)
	}
	if _, err := store.Upload(ctx, junk, "events/bad.jsonl.sz"); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	err := x.Verify(ctx, "events/bad.jsonl.sz", 1)
	if rkerrors.GetCode(err) != rkerrors.CodeExportFailed {
		t.Fatalf("expected EXPORT_FAILED, got %v", err)
	}
	if _, err := store.Stat(ctx, "events/bad.jsonl.sz"); !errors.Is(err, storage.ErrObjectNotFound) {
		t.Errorf("corrupt object should be deleted, Stat = %v", err)
	}
}

func TestExporter_List(t *testing.T) {
	ctx := context.Background()
	x := NewExporter(Config{Prefix: "archive", WorkDir: t.TempDir()}, &sliceScanner{}, newStore(t))

	for _, p := range []string{"archive/events/a.jsonl.sz", "archive/events/b.jsonl.sz", "archive/events_old/c.jsonl.sz"} {
		if _, err := x.Export(ctx, "events", p, false); err != nil {
			t.Fatalf("Export %s: %v", p, err)
		}
	}

	got, err := x.List(ctx, "events")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 || got[0] != "archive/events/a.jsonl.sz" || got[1] != "archive/events/b.jsonl.sz" {
		t.Errorf("List = %v", got)
	}
	if _, err := x.List(ctx, "bad name"); err == nil {
		t.Error("expected error for an invalid table name")
	}
}
