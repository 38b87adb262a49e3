package pack

import (
	"archive/zip"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

const mb = int64(1024 * 1024)

func mkCandidates(sizes ...int64) []candidate {
	out := make([]candidate, 0, len(sizes))
	for i, size := range sizes {
		out = append(out, candidate{
			rawPath: fmt.Sprintf("INBOX/%d.eml", i+1),
			size:    size,
		})
	}
	return out
}

func TestPlanFirstFit(t *testing.T) {
	// 40MB + 70MB would exceed a 100MB ceiling, so the 70MB file starts a
	// new volume; 70MB + 30MB lands exactly on the ceiling and still fits.
	volumes := plan(mkCandidates(40*mb, 70*mb, 30*mb), 100*mb)

	if len(volumes) != 2 {
		t.Fatalf("expected 2 volumes, got %d", len(volumes))
	}
	wantBytes := []int64{40 * mb, 100 * mb}
	wantMembers := []int{1, 2}
	for i, vol := range volumes {
		if vol.volume.Index != i+1 {
			t.Errorf("volume %d: index = %d, want %d", i, vol.volume.Index, i+1)
		}
		if vol.volume.Bytes != wantBytes[i] {
			t.Errorf("volume %d: bytes = %d, want %d", i, vol.volume.Bytes, wantBytes[i])
		}
		if len(vol.members) != wantMembers[i] {
			t.Errorf("volume %d: members = %d, want %d", i, len(vol.members), wantMembers[i])
		}
		if vol.volume.Oversized {
			t.Errorf("volume %d: unexpectedly flagged oversized", i)
		}
	}
}

func TestPlanSplitsJustAboveCeiling(t *testing.T) {
	// One byte over the ceiling starts a new volume.
	volumes := plan(mkCandidates(40*mb, 70*mb, 30*mb+1), 100*mb)

	if len(volumes) != 3 {
		t.Fatalf("expected 3 volumes, got %d", len(volumes))
	}
	wantBytes := []int64{40 * mb, 70 * mb, 30*mb + 1}
	for i, vol := range volumes {
		if vol.volume.Bytes != wantBytes[i] {
			t.Errorf("volume %d: bytes = %d, want %d", i, vol.volume.Bytes, wantBytes[i])
		}
	}
}

func TestPlanPacksUpToCeiling(t *testing.T) {
	volumes := plan(mkCandidates(40*mb, 30*mb, 30*mb, 10*mb), 100*mb)

	if len(volumes) != 2 {
		t.Fatalf("expected 2 volumes, got %d", len(volumes))
	}
	if got := len(volumes[0].members); got != 3 {
		t.Errorf("first volume members = %d, want 3", got)
	}
	if volumes[0].volume.Bytes != 100*mb {
		t.Errorf("first volume bytes = %d, want %d", volumes[0].volume.Bytes, 100*mb)
	}
}

func TestPlanOversizedSolo(t *testing.T) {
	volumes := plan(mkCandidates(10*mb, 150*mb, 10*mb), 100*mb)

	if len(volumes) != 3 {
		t.Fatalf("expected 3 volumes, got %d", len(volumes))
	}
	over := volumes[1]
	if !over.volume.Oversized {
		t.Error("expected middle volume to be flagged oversized")
	}
	if len(over.members) != 1 {
		t.Errorf("oversized volume has %d members, want exactly 1", len(over.members))
	}

	// Ceiling invariant: only oversized solo volumes may exceed it.
	for _, vol := range volumes {
		if vol.volume.Oversized {
			continue
		}
		if vol.volume.Bytes > 100*mb {
			t.Errorf("volume %d exceeds ceiling: %d", vol.volume.Index, vol.volume.Bytes)
		}
	}
}

func TestPlanDeterminism(t *testing.T) {
	candidates := mkCandidates(5*mb, 95*mb, 40*mb, 70*mb, 1)

	first := plan(candidates, 100*mb)
	second := plan(candidates, 100*mb)

	if !reflect.DeepEqual(first, second) {
		t.Error("plan is not deterministic for identical input")
	}
}

func TestPlanEmptyInput(t *testing.T) {
	if volumes := plan(nil, 100*mb); len(volumes) != 0 {
		t.Errorf("expected no volumes for empty input, got %d", len(volumes))
	}
}

func writeTestMessage(t *testing.T, root, folder string, uid int, size int) string {
	t.Helper()
	dir := filepath.Join(root, folder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	rawPath := filepath.Join(dir, fmt.Sprintf("%d.eml", uid))
	if err := os.WriteFile(rawPath, bytes.Repeat([]byte("x"), size), 0o644); err != nil {
		t.Fatalf("write eml: %v", err)
	}
	metaPath := filepath.Join(dir, fmt.Sprintf("%d.json", uid))
	if err := os.WriteFile(metaPath, []byte(`{"uid":1}`), 0o644); err != nil {
		t.Fatalf("write json: %v", err)
	}
	return rawPath
}

func TestRunWritesVolumesAndRemovesOriginals(t *testing.T) {
	root := t.TempDir()
	writeTestMessage(t, root, "INBOX", 1, 600)
	writeTestMessage(t, root, "INBOX", 2, 600)
	writeTestMessage(t, root, "Sent", 3, 200)

	packer, err := New(Options{Root: root, Ceiling: 1000}, nil, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	result, err := packer.Run()
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// 600+600 > 1000 splits; 600+200 fits in the second volume.
	if len(result.Volumes) != 2 {
		t.Fatalf("expected 2 volumes, got %d", len(result.Volumes))
	}
	if result.Removed != 3 {
		t.Errorf("removed = %d, want 3", result.Removed)
	}

	for _, vol := range result.Volumes {
		info, err := os.Stat(vol.Path)
		if err != nil {
			t.Fatalf("volume missing: %v", err)
		}
		if info.Size() == 0 {
			t.Errorf("volume %s is empty", vol.Path)
		}
		for _, entry := range vol.Entries {
			if _, err := os.Stat(entry.Path); !os.IsNotExist(err) {
				t.Errorf("original %s was not removed", entry.Path)
			}
		}
	}

	// Metadata siblings travel into the zip next to their raw files.
	zr, err := zip.OpenReader(result.Volumes[0].Path)
	if err != nil {
		t.Fatalf("open volume: %v", err)
	}
	defer zr.Close()
	names := make(map[string]bool)
	for _, f := range zr.File {
		names[f.Name] = true
	}
	if !names["INBOX/1.eml"] || !names["INBOX/1.json"] {
		t.Errorf("volume entries = %v, want INBOX/1.eml and INBOX/1.json", names)
	}
}

func TestRunKeepOriginals(t *testing.T) {
	root := t.TempDir()
	rawPath := writeTestMessage(t, root, "INBOX", 1, 100)

	packer, err := New(Options{Root: root, Ceiling: 1000, KeepOriginals: true}, nil, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	result, err := packer.Run()
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if result.Removed != 0 {
		t.Errorf("removed = %d, want 0", result.Removed)
	}
	if result.Retained != 1 {
		t.Errorf("retained = %d, want 1", result.Retained)
	}
	if _, err := os.Stat(rawPath); err != nil {
		t.Errorf("original should be retained: %v", err)
	}
}

func TestRunSecondPassIgnoresCompressedSubtree(t *testing.T) {
	root := t.TempDir()
	writeTestMessage(t, root, "INBOX", 1, 100)

	packer, err := New(Options{Root: root, Ceiling: 1000, KeepOriginals: true}, nil, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	first, err := packer.Run()
	if err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	second, err := packer.Run()
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}

	// Re-running on identical input yields an identical partition; the
	// compressed/ output of the first pass is never treated as input.
	if len(first.Volumes) != len(second.Volumes) {
		t.Fatalf("volume count changed: %d vs %d", len(first.Volumes), len(second.Volumes))
	}
	for i := range first.Volumes {
		if !reflect.DeepEqual(first.Volumes[i].Entries, second.Volumes[i].Entries) {
			t.Errorf("volume %d entries differ between runs", i)
		}
	}
}
