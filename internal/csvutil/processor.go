// Package csvutil reads header-mapped CSV exports into typed records.
package csvutil

import (
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Record is one CSV row addressable by header name.
type Record struct {
	Line    int
	columns map[string]int
	fields  []string
}

// Get returns the trimmed value of the named column, or "" if the export has no such column.
func (r Record) Get(name string) string {
	i, ok := r.columns[normalizeHeader(name)]
	if !ok || i >= len(r.fields) {
		return ""
	}
	return strings.TrimSpace(r.fields[i])
}

// Has reports whether the export carries the named column.
func (r Record) Has(name string) bool {
	_, ok := r.columns[normalizeHeader(name)]
	return ok
}

// ProcessorOptions configures CSV processing behavior.
type ProcessorOptions struct {
	// RequiredColumns must all appear in the header or processing fails.
	RequiredColumns []string

	// SkipInvalid controls whether to skip invalid records or return an error.
	SkipInvalid bool
}

// ProcessFile opens filename and hands it to Process.
func ProcessFile[T any](filename string, parser func(Record) (T, error), opts ProcessorOptions) ([]T, error) {
	csvFile, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open CSV file: %w", err)
	}
	defer func() { _ = csvFile.Close() }()

	if fi, err := csvFile.Stat(); err != nil || fi.Size() == 0 {
		return nil, fmt.Errorf("CSV file is empty or cannot be read")
	}

	return Process(csvFile, parser, opts)
}

// Process reads a CSV stream whose first row is a header and parses each
// following row into T. Rows that cannot be read are logged and skipped.
func Process[T any](r io.Reader, parser func(Record) (T, error), opts ProcessorOptions) ([]T, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	columns := make(map[string]int, len(header))
	for i, h := range header {
		columns[normalizeHeader(h)] = i
	}
	for _, req := range opts.RequiredColumns {
		if _, ok := columns[normalizeHeader(req)]; !ok {
			return nil, fmt.Errorf("CSV header is missing required column %q", req)
		}
	}

	var items []T
	line := 1
	for {
		fields, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			slog.Warn("Error reading record", "line", line, "error", err)
			continue
		}

		item, err := parser(Record{Line: line, columns: columns, fields: fields})
		if err != nil {
			if opts.SkipInvalid {
				slog.Warn("Skipping invalid record", "line", line, "error", err)
				continue
			}
			return nil, fmt.Errorf("invalid record on line %d: %w", line, err)
		}

		items = append(items, item)
	}

	return items, nil
}

func normalizeHeader(h string) string {
	return strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\uFEFF")))
}
