package pack

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/andyg2/ImapArc/model"
	"github.com/andyg2/ImapArc/stats"
)

const (
	// SubDir is the subtree under the output root that receives volumes.
	SubDir = "compressed"

	volumePattern = "archive_%03d.zip"
)

type Options struct {
	// Root is the persisted message tree produced by the archive phase.
	Root string

	// Ceiling is the maximum uncompressed byte size per volume, measured
	// over raw message files. A single file above the ceiling is sealed
	// alone in an oversized volume rather than dropped.
	Ceiling int64

	// KeepOriginals retains every source file regardless of outcome.
	// When false, originals and their metadata siblings are removed only
	// after their volume is confirmed written.
	KeepOriginals bool
}

// Packer partitions persisted messages into size-bounded zip volumes.
type Packer struct {
	opts   Options
	bus    *stats.Bus
	logger *slog.Logger
}

func New(opts Options, bus *stats.Bus, logger *slog.Logger) (*Packer, error) {
	if strings.TrimSpace(opts.Root) == "" {
		return nil, fmt.Errorf("pack root is empty")
	}
	if opts.Ceiling <= 0 {
		return nil, fmt.Errorf("volume ceiling must be positive")
	}
	return &Packer{opts: opts, bus: bus, logger: logger}, nil
}

// candidate is one raw message file plus its optional metadata sibling.
// The metadata file travels with its message and never counts against the
// ceiling on its own.
type candidate struct {
	rawPath  string
	metaPath string
	size     int64
}

// Run collects, partitions, and writes all volumes, returning the
// reconciliation summary.
func (p *Packer) Run() (*model.CompressionSummary, error) {
	candidates, err := p.collect()
	if err != nil {
		return nil, err
	}

	volumes := plan(candidates, p.opts.Ceiling)

	summary := &model.CompressionSummary{
		CreatedAt: time.Now(),
		Ceiling:   p.opts.Ceiling,
		Volumes:   make([]model.Volume, 0, len(volumes)),
	}

	outDir := filepath.Join(p.opts.Root, SubDir)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", outDir, err)
	}

	for i := range volumes {
		vol := &volumes[i]
		vol.volume.Path = filepath.Join(outDir, fmt.Sprintf(volumePattern, vol.volume.Index))

		if err := p.seal(vol); err != nil {
			// A volume that fails to write retains its originals; later
			// volumes are still attempted.
			p.emit(stats.Event{Stage: stats.StagePack, Type: stats.EventTypeError, Err: err})
			if p.logger != nil {
				p.logger.Error("volume write failed", "volume", vol.volume.Index, "err", err)
			}
			summary.Retained += len(vol.members)
			summary.Volumes = append(summary.Volumes, vol.volume)
			continue
		}

		p.emit(stats.Event{Stage: stats.StagePack, Type: stats.EventTypePacked, Detail: vol.volume.Path})
		if p.logger != nil {
			p.logger.Info("volume sealed", "volume", vol.volume.Index, "files", len(vol.members), "bytes", vol.volume.Bytes, "oversized", vol.volume.Oversized)
		}

		if p.opts.KeepOriginals {
			summary.Retained += len(vol.members)
		} else {
			summary.Removed += p.removeOriginals(vol)
		}
		summary.Volumes = append(summary.Volumes, vol.volume)
	}

	return summary, nil
}

// collect walks the root for raw message files, skipping the compressed
// subtree, ordered by path (folder then identifier) for reproducibility.
func (p *Packer) collect() ([]candidate, error) {
	var candidates []candidate

	err := filepath.WalkDir(p.opts.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == SubDir && filepath.Dir(path) == filepath.Clean(p.opts.Root) {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(d.Name(), ".eml") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		c := candidate{rawPath: path, size: info.Size()}
		metaPath := strings.TrimSuffix(path, ".eml") + ".json"
		if _, err := os.Stat(metaPath); err == nil {
			c.metaPath = metaPath
		}
		candidates = append(candidates, c)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", p.opts.Root, err)
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].rawPath < candidates[j].rawPath
	})
	return candidates, nil
}

type plannedVolume struct {
	volume  model.Volume
	members []candidate
}

// plan is the deterministic single-pass first-fit partition. Files are
// taken in path order, never reordered by size, so identical input always
// yields an identical partition.
func plan(candidates []candidate, ceiling int64) []plannedVolume {
	var (
		volumes []plannedVolume
		current plannedVolume
	)

	seal := func() {
		if len(current.members) == 0 {
			return
		}
		current.volume.Index = len(volumes) + 1
		volumes = append(volumes, current)
		current = plannedVolume{}
	}

	for _, c := range candidates {
		entry := model.VolumeEntry{Path: c.rawPath, Size: c.size}

		if c.size > ceiling {
			// A lone file above the ceiling gets its own volume rather
			// than being dropped.
			seal()
			current.members = append(current.members, c)
			current.volume.Entries = append(current.volume.Entries, entry)
			current.volume.Bytes = c.size
			current.volume.Oversized = true
			seal()
			continue
		}

		if current.volume.Bytes+c.size > ceiling {
			seal()
		}
		current.members = append(current.members, c)
		current.volume.Entries = append(current.volume.Entries, entry)
		current.volume.Bytes += c.size
	}
	seal()

	return volumes
}

// seal writes the volume zip and confirms it exists and is non-empty
// before the caller may remove originals.
func (p *Packer) seal(vol *plannedVolume) error {
	if err := writeZip(vol.volume.Path, p.opts.Root, vol.members); err != nil {
		_ = os.Remove(vol.volume.Path)
		return fmt.Errorf("write volume %d: %w", vol.volume.Index, err)
	}

	info, err := os.Stat(vol.volume.Path)
	if err != nil {
		return fmt.Errorf("confirm volume %d: %w", vol.volume.Index, err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("confirm volume %d: empty archive", vol.volume.Index)
	}
	return nil
}

func writeZip(path, root string, members []candidate) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	zw := zip.NewWriter(f)
	for _, m := range members {
		if err := addZipEntry(zw, root, m.rawPath); err != nil {
			_ = zw.Close()
			_ = f.Close()
			return err
		}
		if m.metaPath != "" {
			if err := addZipEntry(zw, root, m.metaPath); err != nil {
				_ = zw.Close()
				_ = f.Close()
				return err
			}
		}
	}
	if err := zw.Close(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func addZipEntry(zw *zip.Writer, root, path string) error {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = filepath.Base(path)
	}

	w, err := zw.Create(filepath.ToSlash(rel))
	if err != nil {
		return fmt.Errorf("zip entry %s: %w", rel, err)
	}

	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer src.Close()

	if _, err := io.Copy(w, src); err != nil {
		return fmt.Errorf("compress %s: %w", path, err)
	}
	return nil
}

func (p *Packer) removeOriginals(vol *plannedVolume) int {
	removed := 0
	for _, m := range vol.members {
		if err := os.Remove(m.rawPath); err != nil {
			if p.logger != nil {
				p.logger.Warn("remove original failed", "path", m.rawPath, "err", err)
			}
			continue
		}
		removed++
		if m.metaPath != "" {
			if err := os.Remove(m.metaPath); err != nil && p.logger != nil {
				p.logger.Warn("remove metadata failed", "path", m.metaPath, "err", err)
			}
		}
	}
	return removed
}

func (p *Packer) emit(evt stats.Event) {
	if p.bus != nil {
		p.bus.Emit(evt)
	}
}
