package storage

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jszwec/csvutil"

	"market-pipeline/models"
)

// CSVArchive appends raw intake records to a CSV file. It is safe for
// concurrent use.
type CSVArchive struct {
	mu      sync.Mutex
	file    *os.File
	writer  *csv.Writer
	encoder *csvutil.Encoder
}

var _ RawArchive = (*CSVArchive)(nil)

// NewCSVArchive opens (or creates) the CSV file at path for appending.
// Intermediate directories are created automatically and the header row is
// written only to an empty file.
func NewCSVArchive(path string) (*CSVArchive, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("csv: create output dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("csv: open file %q: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("csv: stat %q: %w", path, err)
	}

	w := csv.NewWriter(f)
	enc := csvutil.NewEncoder(w)
	if fi.Size() > 0 {
		enc.AutoHeader = false
	}
	return &CSVArchive{file: f, writer: w, encoder: enc}, nil
}

// Archive appends raws and flushes them to disk.
func (c *CSVArchive) Archive(_ context.Context, raws []models.RawListing) error {
	if len(raws) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.encoder.Encode(raws); err != nil {
		return fmt.Errorf("csv: write rows: %w", err)
	}
	c.writer.Flush()
	return c.writer.Error()
}

// Close flushes and closes the underlying file.
func (c *CSVArchive) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writer.Flush()
	return c.file.Close()
}
