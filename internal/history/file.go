package history

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"gpu-price-oracle/internal/index"
)

var fileHeader = []string{
	"timestamp",
	"full_index_price",
	"hyperscalers_only_price",
	"non_hyperscalers_only_price",
	"total_weight_percent",
	"hyperscaler_weight",
	"non_hyperscaler_weight",
	"source",
	"supersedes",
}

// File is a CSV-backed history, one row per run. Rows are only ever appended.
type File struct {
	path string
	mu   sync.Mutex
}

// NewFile returns a history stored at path. The file is created on first append.
func NewFile(path string) *File {
	return &File{path: path}
}

// Path returns the backing file location.
func (f *File) Path() string { return f.path }

// Append writes one row, emitting the header when the file is new.
func (f *File) Append(ctx context.Context, entry index.ComputedIndex) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if dir := filepath.Dir(f.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create history dir: %w", err)
		}
	}

	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat history: %w", err)
	}

	writer := csv.NewWriter(file)
	if info.Size() == 0 {
		if err := writer.Write(fileHeader); err != nil {
			return fmt.Errorf("write history header: %w", err)
		}
	}
	if err := writer.Write(encodeRow(entry)); err != nil {
		return fmt.Errorf("write history row: %w", err)
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("flush history: %w", err)
	}
	return file.Sync()
}

// Recent returns up to limit trailing rows, oldest first.
func (f *File) Recent(ctx context.Context, limit int) ([]index.ComputedIndex, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.Open(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open history: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("read history header: %w", err)
	}
	cols := columnIndex(header)

	var entries []index.ComputedIndex
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read history line %d: %w", line, err)
		}
		entry, err := decodeRow(record, cols)
		if err != nil {
			return nil, fmt.Errorf("history line %d: %w", line, err)
		}
		entries = append(entries, entry)
	}

	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

func encodeRow(e index.ComputedIndex) []string {
	supersedes := ""
	if e.Supersedes != nil {
		supersedes = e.Supersedes.UTC().Format(time.RFC3339Nano)
	}
	return []string{
		e.ComputedAt.UTC().Format(time.RFC3339Nano),
		formatFloat(e.FullPrice),
		formatFloat(e.HyperscalerPrice),
		formatFloat(e.NonHyperscalerPrice),
		formatFloat(e.TotalWeight),
		formatFloat(e.HyperscalerWeight),
		formatFloat(e.NonHyperscalerWeight),
		string(e.Source),
		supersedes,
	}
}

func columnIndex(header []string) map[string]int {
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[name] = i
	}
	return cols
}

func decodeRow(record []string, cols map[string]int) (index.ComputedIndex, error) {
	get := func(name string) string {
		if i, ok := cols[name]; ok && i < len(record) {
			return record[i]
		}
		return ""
	}

	ts, err := parseTimestamp(get("timestamp"))
	if err != nil {
		return index.ComputedIndex{}, err
	}

	entry := index.ComputedIndex{
		ComputedAt:           ts,
		FullPrice:            parseFloat(get("full_index_price")),
		HyperscalerPrice:     parseFloat(get("hyperscalers_only_price")),
		NonHyperscalerPrice:  parseFloat(get("non_hyperscalers_only_price")),
		TotalWeight:          parseFloat(get("total_weight_percent")),
		HyperscalerWeight:    parseFloat(get("hyperscaler_weight")),
		NonHyperscalerWeight: parseFloat(get("non_hyperscaler_weight")),
		Source:               index.SourceCalculated,
	}
	if src, ok := index.ParseSource(get("source")); ok {
		entry.Source = src
	}
	if raw := get("supersedes"); raw != "" {
		at, err := parseTimestamp(raw)
		if err != nil {
			return index.ComputedIndex{}, fmt.Errorf("supersedes: %w", err)
		}
		entry.Supersedes = &at
	}
	return entry, nil
}

// parseTimestamp accepts RFC3339 and the "2006-01-02 15:04:05" layout of older history files.
func parseTimestamp(raw string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", raw)
}

func parseFloat(raw string) float64 {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
