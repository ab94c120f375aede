// Package archive exports switched-out partitions to object storage as
// snappy-compressed JSON lines.
package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"time"

	"github.com/golang/snappy"
	"github.com/rangekeeper/rangekeeper/internal/engine"
	rkerrors "github.com/rangekeeper/rangekeeper/internal/errors"
	"github.com/rangekeeper/rangekeeper/internal/observability"
	"github.com/rangekeeper/rangekeeper/internal/storage"
)

// ObjectSuffix is appended to generated object names.
const ObjectSuffix = ".jsonl.sz"

// Config holds configuration for archive exports.
type Config struct {
	// Prefix is prepended to generated object paths.
	Prefix string `yaml:"prefix" json:"prefix"`

	// WorkDir holds temp files while an export is written.
	WorkDir string `yaml:"work_dir" json:"work_dir"`
}

// Exporter streams a table into object storage.
type Exporter struct {
	config  Config
	scanner engine.TableScanner
	store   storage.ObjectStorage
	metrics *observability.MetricsCollector
}

// NewExporter creates an exporter.
func NewExporter(config Config, scanner engine.TableScanner, store storage.ObjectStorage) *Exporter {
	if config.WorkDir == "" {
		config.WorkDir = os.TempDir()
	}
	return &Exporter{config: config, scanner: scanner, store: store}
}

// WithMetrics attaches a metrics collector.
func (x *Exporter) WithMetrics(m *observability.MetricsCollector) *Exporter {
	x.metrics = m
	return x
}

// Result describes an uploaded export.
type Result struct {
	Table      string        `json:"table"`
	ObjectPath string        `json:"object_path"`
	Rows       int64         `json:"rows"`
	Bytes      int64         `json:"bytes"`
	ETag       string        `json:"etag,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// ObjectPath returns the default object path for an export of table taken at t.
func (x *Exporter) ObjectPath(table string, t time.Time) string {
	return path.Join(x.config.Prefix, table, t.UTC().Format("20060102T150405Z")+ObjectSuffix)
}

// Export writes every row of table as one JSON object per line into a
// snappy-framed temp file and uploads it to objectPath. An empty objectPath
// uses ObjectPath(table, now). An existing object is only replaced when
// overwrite is set.
func (x *Exporter) Export(ctx context.Context, table, objectPath string, overwrite bool) (*Result, error) {
	start := time.Now()
	if err := engine.CheckIdentifier("table", table); err != nil {
		return nil, err
	}
	if objectPath == "" {
		objectPath = x.ObjectPath(table, start)
	}

	existing, err := x.store.Stat(ctx, objectPath)
	switch {
	case err == nil && !overwrite:
		return nil, rkerrors.NewArchiveError(rkerrors.CodeObjectExists,
			fmt.Sprintf("export of %s: %s already exists (%d bytes)", table, objectPath, existing.Size), nil).
			WithDetails(map[string]interface{}{rkerrors.DetailTable: table})
	case err == nil:
		log.Printf("[WARN] archive: overwriting %s (%d bytes)", objectPath, existing.Size)
	case !errors.Is(err, storage.ErrObjectNotFound):
		return nil, exportFailed(table, "failed to stat "+objectPath, err)
	}

	tmp, err := os.CreateTemp(x.config.WorkDir, "rangekeeper-export-*"+ObjectSuffix)
	if err != nil {
		return nil, exportFailed(table, "failed to create temp file", err)
	}
	defer os.Remove(tmp.Name())

	rows, err := x.writeRows(ctx, table, tmp)
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return nil, exportFailed(table, "failed to write rows", err)
	}

	info, err := x.store.Upload(ctx, tmp.Name(), objectPath)
	if err != nil {
		return nil, exportFailed(table, "failed to upload "+objectPath, err)
	}

	res := &Result{
		Table:      table,
		ObjectPath: objectPath,
		Rows:       rows,
		Bytes:      info.Size,
		ETag:       info.ETag,
		Duration:   time.Since(start),
	}
	x.metrics.RecordExport(table, info.Size)
	log.Printf("archive: exported %s to %s (%d rows, %d bytes, %v)",
		table, objectPath, rows, info.Size, res.Duration)
	return res, nil
}

func (x *Exporter) writeRows(ctx context.Context, table string, w io.Writer) (int64, error) {
	sw := snappy.NewBufferedWriter(w)
	enc := json.NewEncoder(sw)

	rows, err := x.scanner.ScanTable(ctx, table, func(row map[string]any) error {
		return enc.Encode(row)
	})
	if err != nil {
		return 0, err
	}
	return rows, sw.Close()
}

// Verify downloads objectPath and checks that it decodes to wantRows rows.
// An object that fails to decode is deleted.
func (x *Exporter) Verify(ctx context.Context, objectPath string, wantRows int64) error {
	tmp, err := os.CreateTemp(x.config.WorkDir, "rangekeeper-verify-*"+ObjectSuffix)
	if err != nil {
		return err
	}
	tmp.Close()
	defer os.Remove(tmp.Name())

	if err := x.store.Download(ctx, objectPath, tmp.Name()); err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return rkerrors.NewArchiveError(rkerrors.CodeExportFailed,
				fmt.Sprintf("export %s does not exist", objectPath), err)
		}
		return err
	}

	f, err := os.Open(tmp.Name())
	if err != nil {
		return err
	}
	defer f.Close()

	got, err := CountRows(f)
	if err != nil {
		if derr := x.store.Delete(ctx, objectPath); derr != nil {
			log.Printf("[WARN] archive: failed to delete corrupt export %s: %v", objectPath, derr)
		} else {
			log.Printf("archive: deleted corrupt export %s", objectPath)
		}
		return rkerrors.NewArchiveError(rkerrors.CodeExportFailed,
			fmt.Sprintf("export %s is corrupt", objectPath), err)
	}
	if got != wantRows {
		return rkerrors.NewArchiveError(rkerrors.CodeExportFailed,
			fmt.Sprintf("export %s has %d rows, want %d", objectPath, got, wantRows), nil)
	}
	return nil
}

// List returns the object paths of every export of table.
func (x *Exporter) List(ctx context.Context, table string) ([]string, error) {
	if err := engine.CheckIdentifier("table", table); err != nil {
		return nil, err
	}
	paths, err := x.store.List(ctx, path.Join(x.config.Prefix, table)+"/")
	if err != nil {
		return nil, rkerrors.NewArchiveError(rkerrors.CodeExportFailed,
			fmt.Sprintf("failed to list exports of %s", table), err)
	}
	return paths, nil
}

// CountRows decodes a snappy-framed JSON lines stream and counts its rows.
func CountRows(r io.Reader) (int64, error) {
	var n int64
	err := ReadRows(r, func(map[string]any) error {
		n++
		return nil
	})
	return n, err
}

// ReadRows decodes a snappy-framed JSON lines stream, calling fn per row.
func ReadRows(r io.Reader, fn func(row map[string]any) error) error {
	dec := json.NewDecoder(bufio.NewReader(snappy.NewReader(r)))
	dec.UseNumber()
	for {
		var row map[string]any
		if err := dec.Decode(&row); err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
		if err := fn(row); err != nil {
			return err
		}
	}
}

func exportFailed(table, msg string, err error) error {
	return rkerrors.NewArchiveError(rkerrors.CodeExportFailed, fmt.Sprintf("export of %s: %s", table, msg), err).
		WithDetails(map[string]interface{}{rkerrors.DetailTable: table})
}
