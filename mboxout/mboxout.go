// Package mboxout writes a per-folder mbox rendition of the persisted
// messages, for tooling that consumes mbox rather than eml trees.
package mboxout

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/andyg2/ImapArc/model"
	"github.com/andyg2/ImapArc/store"
)

// ExportFolder writes every persisted message of one folder result into
// <root>/<folder>.mbox in UID order. Export failures are per-folder and
// non-fatal to the run.
func ExportFolder(root string, result model.FolderResult, logger *slog.Logger) (string, int, error) {
	records := make([]model.MessageRecord, 0, len(result.Messages))
	for _, rec := range result.Messages {
		if rec.RawPath != "" {
			records = append(records, rec)
		}
	}
	if len(records) == 0 {
		return "", 0, nil
	}
	sort.Slice(records, func(i, j int) bool { return records[i].UID < records[j].UID })

	path := filepath.Join(root, store.FolderDir(result.Folder)+".mbox")
	file, err := os.Create(path)
	if err != nil {
		return "", 0, fmt.Errorf("create mbox %s: %w", path, err)
	}
	defer file.Close()

	writer := mboxlib.NewWriter(file)
	written := 0
	for _, rec := range records {
		raw, err := os.ReadFile(rec.RawPath)
		if err != nil {
			if logger != nil {
				logger.Warn("mbox export skipped message", "folder", result.Folder, "uid", rec.UID, "err", err)
			}
			continue
		}

		date := rec.Date
		if date.IsZero() {
			date = time.Now()
		}
		mw, err := writer.CreateMessage(rec.From, date)
		if err != nil {
			return path, written, fmt.Errorf("mbox entry uid %d: %w", rec.UID, err)
		}
		if _, err := mw.Write(raw); err != nil {
			return path, written, fmt.Errorf("mbox write uid %d: %w", rec.UID, err)
		}
		written++
	}

	if err := writer.Close(); err != nil {
		return path, written, fmt.Errorf("close mbox %s: %w", path, err)
	}
	if err := file.Sync(); err != nil {
		return path, written, fmt.Errorf("sync mbox %s: %w", path, err)
	}
	return path, written, nil
}
