package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/emersion/go-message/charset"
	gomail "github.com/emersion/go-message/mail"

	"github.com/andyg2/ImapArc/imap"
	"github.com/andyg2/ImapArc/model"
)

// Metadata is the sibling record written next to each raw message.
type Metadata struct {
	UID     uint32    `json:"uid"`
	Folder  string    `json:"folder"`
	Subject string    `json:"subject"`
	From    string    `json:"from"`
	Date    time.Time `json:"date"`
	Size    int64     `json:"size"`
}

// Persister writes messages beneath one output root. Paths are derived
// from folder and UID, so re-running against the same root overwrites
// instead of duplicating.
type Persister struct {
	root string
}

func New(root string) (*Persister, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("output root is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create output root: %w", err)
	}
	return &Persister{root: root}, nil
}

func (p *Persister) Root() string {
	return p.root
}

// RawPath returns the deterministic location of a message's raw content.
func (p *Persister) RawPath(folder string, uid uint32) string {
	return filepath.Join(p.root, FolderDir(folder), fmt.Sprintf("%d.eml", uid))
}

// MetaPath returns the location of the metadata sibling.
func (p *Persister) MetaPath(folder string, uid uint32) string {
	return filepath.Join(p.root, FolderDir(folder), fmt.Sprintf("%d.json", uid))
}

// FolderDir maps a folder name to a directory name. Hierarchy separators
// are flattened so "Archive/2023" does not nest.
func FolderDir(folder string) string {
	dir := strings.ReplaceAll(folder, "/", "_")
	dir = strings.ReplaceAll(dir, string(filepath.Separator), "_")
	if dir == "" {
		dir = "INBOX"
	}
	return dir
}

// Persist durably writes the raw message and its metadata record, then
// updates the record's paths. A nil error is the pipeline's sole
// authorization to delete the source message, so success is only reported
// after both files are flushed and the raw file re-stats at full size.
func (p *Persister) Persist(rec *model.MessageRecord, raw []byte, env imap.Envelope) error {
	meta := buildMetadata(rec.UID, rec.Folder, raw, env)

	rawPath := p.RawPath(rec.Folder, rec.UID)
	metaPath := p.MetaPath(rec.Folder, rec.UID)

	if err := os.MkdirAll(filepath.Dir(rawPath), 0o755); err != nil {
		return fmt.Errorf("create folder dir: %w", err)
	}

	if err := writeFileSync(rawPath, raw); err != nil {
		return fmt.Errorf("write message %d: %w", rec.UID, err)
	}

	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata %d: %w", rec.UID, err)
	}
	if err := writeFileSync(metaPath, metaBytes); err != nil {
		return fmt.Errorf("write metadata %d: %w", rec.UID, err)
	}

	info, err := os.Stat(rawPath)
	if err != nil {
		return fmt.Errorf("confirm message %d: %w", rec.UID, err)
	}
	if info.Size() != int64(len(raw)) {
		return fmt.Errorf("confirm message %d: wrote %d bytes, found %d", rec.UID, len(raw), info.Size())
	}

	rec.RawPath = rawPath
	rec.MetaPath = metaPath
	rec.Subject = meta.Subject
	rec.From = meta.From
	rec.Date = meta.Date
	rec.Size = meta.Size
	return nil
}

// writeFileSync writes via a temp file in the same directory, syncs, and
// renames into place so a crash never leaves a truncated artifact behind.
func writeFileSync(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// buildMetadata prefers the server envelope and falls back to parsing the
// raw header for servers that return sparse envelopes.
func buildMetadata(uid uint32, folder string, raw []byte, env imap.Envelope) Metadata {
	meta := Metadata{
		UID:     uid,
		Folder:  folder,
		Subject: env.Subject,
		From:    env.From,
		Date:    env.Date,
		Size:    env.Size,
	}
	if meta.Size == 0 {
		meta.Size = int64(len(raw))
	}
	if meta.Subject != "" && meta.From != "" && !meta.Date.IsZero() {
		return meta
	}

	mr, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return meta
	}
	defer mr.Close()

	header := mr.Header
	if meta.Subject == "" {
		if subject, err := header.Subject(); err == nil {
			meta.Subject = subject
		}
	}
	if meta.From == "" {
		if addrs, err := header.AddressList("From"); err == nil && len(addrs) > 0 {
			meta.From = addrs[0].Address
		}
	}
	if meta.Date.IsZero() {
		if date, err := header.Date(); err == nil {
			meta.Date = date
		}
	}
	return meta
}
