// Package summary serializes the end-of-run records. A failed summary
// write never invalidates completed archive or compression work; callers
// degrade it to a warning.
package summary

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/andyg2/ImapArc/model"
	"github.com/andyg2/ImapArc/pack"
)

const (
	ArchiveFile     = "archive_summary.json"
	CompressionFile = "compression_summary.json"
)

// WriteArchive writes the run summary at the output root, stamping a run
// ID if the pipeline did not set one.
func WriteArchive(root string, s *model.ArchiveSummary) (string, error) {
	if s.RunID == "" {
		s.RunID = uuid.NewString()
	}
	path := filepath.Join(root, ArchiveFile)
	return path, writeJSON(path, s)
}

// WriteCompression writes the compression summary next to the volumes.
func WriteCompression(root, runID string, s *model.CompressionSummary) (string, error) {
	if s.RunID == "" {
		s.RunID = runID
	}
	if s.RunID == "" {
		s.RunID = uuid.NewString()
	}
	path := filepath.Join(root, pack.SubDir, CompressionFile)
	return path, writeJSON(path, s)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create summary dir: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	if _, err := file.Write(append(data, '\n')); err != nil {
		_ = file.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	return file.Close()
}
