package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/andyg2/ImapArc/imap"
	"github.com/andyg2/ImapArc/model"
)

var testRaw = []byte("Subject: Quarterly report\r\n" +
	"From: alice@example.com\r\n" +
	"Date: Thu, 15 Jun 2023 10:30:00 +0000\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"Report attached.\r\n")

func TestPersistWritesBothArtifacts(t *testing.T) {
	p, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	rec := model.MessageRecord{UID: 42, Folder: "INBOX", Outcome: model.OutcomeFetched}
	env := imap.Envelope{
		Subject: "Quarterly report",
		From:    "alice@example.com",
		Date:    time.Date(2023, 6, 15, 10, 30, 0, 0, time.UTC),
		Size:    int64(len(testRaw)),
	}

	if err := p.Persist(&rec, testRaw, env); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}

	raw, err := os.ReadFile(rec.RawPath)
	if err != nil {
		t.Fatalf("read raw: %v", err)
	}
	if string(raw) != string(testRaw) {
		t.Error("raw content does not round-trip")
	}

	metaBytes, err := os.ReadFile(rec.MetaPath)
	if err != nil {
		t.Fatalf("read metadata: %v", err)
	}
	var meta Metadata
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		t.Fatalf("parse metadata: %v", err)
	}
	if meta.UID != 42 || meta.Folder != "INBOX" {
		t.Errorf("metadata identity = %d/%s, want 42/INBOX", meta.UID, meta.Folder)
	}
	if meta.Subject != "Quarterly report" {
		t.Errorf("metadata subject = %q", meta.Subject)
	}
	if meta.Size != int64(len(testRaw)) {
		t.Errorf("metadata size = %d, want %d", meta.Size, len(testRaw))
	}

	if rec.Subject != "Quarterly report" || rec.From != "alice@example.com" {
		t.Errorf("record not updated: subject=%q from=%q", rec.Subject, rec.From)
	}
}

func TestPersistIsIdempotent(t *testing.T) {
	p, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	rec := model.MessageRecord{UID: 7, Folder: "Sent"}
	env := imap.Envelope{Subject: "hi", From: "a@b.c", Date: time.Now()}

	if err := p.Persist(&rec, testRaw, env); err != nil {
		t.Fatalf("first Persist() error = %v", err)
	}
	firstPath := rec.RawPath

	rec2 := model.MessageRecord{UID: 7, Folder: "Sent"}
	if err := p.Persist(&rec2, testRaw, env); err != nil {
		t.Fatalf("second Persist() error = %v", err)
	}

	if rec2.RawPath != firstPath {
		t.Errorf("paths differ across runs: %q vs %q", firstPath, rec2.RawPath)
	}

	// Overwrite, never duplicate: exactly one eml and one json.
	entries, err := os.ReadDir(filepath.Join(p.Root(), "Sent"))
	if err != nil {
		t.Fatalf("read folder dir: %v", err)
	}
	if len(entries) != 2 {
		for _, e := range entries {
			t.Logf("entry: %s", e.Name())
		}
		t.Errorf("expected 2 files after re-run, got %d", len(entries))
	}
}

func TestPersistFallsBackToRawHeaders(t *testing.T) {
	p, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	rec := model.MessageRecord{UID: 9, Folder: "INBOX"}

	// Sparse envelope: the persister recovers the fields from the raw
	// message header instead.
	if err := p.Persist(&rec, testRaw, imap.Envelope{}); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}

	if rec.Subject != "Quarterly report" {
		t.Errorf("fallback subject = %q", rec.Subject)
	}
	if rec.From != "alice@example.com" {
		t.Errorf("fallback from = %q", rec.From)
	}
	if rec.Date.IsZero() {
		t.Error("fallback date not parsed")
	}
	if rec.Size != int64(len(testRaw)) {
		t.Errorf("fallback size = %d, want %d", rec.Size, len(testRaw))
	}
}

func TestFolderDir(t *testing.T) {
	tests := []struct {
		folder string
		want   string
	}{
		{"INBOX", "INBOX"},
		{"Archive/2023", "Archive_2023"},
		{"", "INBOX"},
	}
	for _, tt := range tests {
		if got := FolderDir(tt.folder); got != tt.want {
			t.Errorf("FolderDir(%q) = %q, want %q", tt.folder, got, tt.want)
		}
	}
}
