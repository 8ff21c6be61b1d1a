package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mesh-intelligence/ledger/pkg/types"
)

// ExportTable writes every row of table to path as JSONL, one object per
// row with the listed columns, sorted by orderBy. The file is replaced
// atomically.
func ExportTable(ctx context.Context, s types.Store, table string, columns []string, orderBy []types.Order, path string) (int, error) {
	rows, err := s.Select(ctx, table, columns, nil, orderBy)
	if err != nil {
		return 0, err
	}
	records := make([]json.RawMessage, 0, len(rows))
	for _, row := range rows {
		rec, err := json.Marshal(exportRow(row))
		if err != nil {
			return 0, fmt.Errorf("encoding %s row: %w", table, err)
		}
		records = append(records, rec)
	}
	if err := writeJSONL(path, records); err != nil {
		return 0, err
	}
	return len(rows), nil
}

// ImportTable inserts every record of the JSONL file at path into table in
// one transaction. Malformed lines are skipped.
func ImportTable(ctx context.Context, s types.Store, table, path string) (int, error) {
	records, err := readJSONL(path)
	if err != nil {
		return 0, err
	}
	tx, err := s.Begin(ctx)
	if err != nil {
		return 0, err
	}
	for _, rec := range records {
		row, err := decodeRow(rec)
		if err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("decoding %s record: %w", table, err)
		}
		if err := tx.Insert(ctx, table, row); err != nil {
			tx.Rollback()
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(records), nil
}

// exportRow converts driver byte slices to strings so that text columns
// encode as JSON strings rather than base64.
func exportRow(row types.Row) types.Row {
	out := make(types.Row, len(row))
	for k, v := range row {
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		out[k] = v
	}
	return out
}

// decodeRow keeps JSON numbers integral where they are.
func decodeRow(rec json.RawMessage) (types.Row, error) {
	dec := json.NewDecoder(bytes.NewReader(rec))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	row := make(types.Row, len(raw))
	for k, v := range raw {
		if n, ok := v.(json.Number); ok {
			if i, err := n.Int64(); err == nil {
				v = i
			} else if f, err := n.Float64(); err == nil {
				v = f
			}
		}
		row[k] = v
	}
	return row, nil
}

// readJSONL reads a JSONL file and returns each non-empty, parseable line as
// a json.RawMessage. Malformed lines are skipped.
func readJSONL(path string) ([]json.RawMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var records []json.RawMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 || !json.Valid(line) {
			continue
		}
		records = append(records, json.RawMessage(bytes.Clone(line)))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning %s: %w", path, err)
	}
	return records, nil
}

// writeJSONL atomically writes records to a JSONL file using the temp-file,
// fsync, rename pattern.
func writeJSONL(path string, records []json.RawMessage) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".jsonl-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	fail := func(step string, err error) error {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%s: %w", step, err)
	}

	w := bufio.NewWriter(tmp)
	for _, rec := range records {
		if _, err := w.Write(rec); err != nil {
			return fail("writing record", err)
		}
		if err := w.WriteByte('\n'); err != nil {
			return fail("writing newline", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fail("flushing buffer", err)
	}
	if err := tmp.Sync(); err != nil {
		return fail("syncing temp file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}
