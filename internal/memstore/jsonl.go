package memstore

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mesh-intelligence/larder/pkg/schema"
	"github.com/mesh-intelligence/larder/pkg/types"
)

// tableFile returns the JSONL file holding the rows of desc.
func tableFile(dir string, desc *schema.Descriptor) string {
	return filepath.Join(dir, desc.TableName()+".jsonl")
}

// readTable loads the rows of desc from its JSONL file. A missing file is an
// empty table. Blank and malformed lines are skipped, as are records whose
// columns do not decode, so a hand-edited file never blocks startup.
func readTable(dir string, desc *schema.Descriptor) ([]types.Row, error) {
	f, err := os.Open(tableFile(dir, desc))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", desc.TableName(), err)
	}
	defer f.Close()

	var rows []types.Row
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || !json.Valid(line) {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(line))
		dec.UseNumber()
		var obj map[string]any
		if err := dec.Decode(&obj); err != nil {
			continue
		}
		row, err := decodeRow(desc, obj)
		if err != nil {
			continue
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning %s: %w", desc.TableName(), err)
	}
	return rows, nil
}

// writeTable atomically replaces the JSONL file of desc using the
// temp-file, fsync, rename sequence.
func writeTable(dir string, desc *schema.Descriptor, rows []types.Row) error {
	tmpName, err := stageTable(dir, desc, rows)
	if err != nil {
		return err
	}
	return publishTable(dir, desc, tmpName)
}

// stageTable writes rows to a synced temp file in dir and returns its name.
// The table file itself is untouched.
func stageTable(dir string, desc *schema.Descriptor, rows []types.Row) (string, error) {
	tmp, err := os.CreateTemp(dir, ".jsonl-*.tmp")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	fail := func(err error) (string, error) {
		tmp.Close()
		os.Remove(tmpName)
		return "", err
	}

	w := bufio.NewWriter(tmp)
	for _, row := range rows {
		line, err := json.Marshal(encodeRow(desc, row))
		if err != nil {
			return fail(fmt.Errorf("encoding %s row: %w", desc.Kind, err))
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return fail(fmt.Errorf("writing record: %w", err))
		}
	}
	if err := w.Flush(); err != nil {
		return fail(fmt.Errorf("flushing buffer: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		return fail(fmt.Errorf("syncing temp file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("closing temp file: %w", err)
	}
	return tmpName, nil
}

// publishTable renames a staged temp file over the table file of desc. The
// temp file is removed when the rename fails.
func publishTable(dir string, desc *schema.Descriptor, tmpName string) error {
	if err := os.Rename(tmpName, tableFile(dir, desc)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

// encodeRow renders a row as a JSON object: times as RFC3339Nano text and
// bytes as base64.
func encodeRow(desc *schema.Descriptor, row types.Row) map[string]any {
	obj := make(map[string]any, len(row.Values))
	for _, f := range desc.ColumnFields() {
		v := row.Get(f.ColumnName())
		switch x := v.(type) {
		case time.Time:
			v = x.UTC().Format(time.RFC3339Nano)
		case []byte:
			v = base64.StdEncoding.EncodeToString(x)
		}
		obj[f.ColumnName()] = v
	}
	return obj
}

// decodeRow is the inverse of encodeRow. Unknown keys are ignored.
func decodeRow(desc *schema.Descriptor, obj map[string]any) (types.Row, error) {
	row := types.NewRow(desc.Kind)
	for _, f := range desc.ColumnFields() {
		raw, ok := obj[f.ColumnName()]
		if !ok || raw == nil {
			row.Values[f.ColumnName()] = nil
			continue
		}
		if s, isStr := raw.(string); isStr && f.Type == schema.TypeBytes {
			b, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return types.Row{}, fmt.Errorf("%s.%s: %w", desc.Kind, f.Name, err)
			}
			raw = b
		}
		v, err := f.Decode(raw)
		if err != nil {
			return types.Row{}, err
		}
		row.Values[f.ColumnName()] = v
	}
	return row, nil
}
