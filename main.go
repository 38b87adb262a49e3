package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/andyg2/ImapArc/archive"
	"github.com/andyg2/ImapArc/cmd"
	"github.com/andyg2/ImapArc/config"
	"github.com/andyg2/ImapArc/imap"
	"github.com/andyg2/ImapArc/mboxout"
	"github.com/andyg2/ImapArc/model"
	"github.com/andyg2/ImapArc/pack"
	"github.com/andyg2/ImapArc/progress"
	"github.com/andyg2/ImapArc/stats"
	"github.com/andyg2/ImapArc/store"
	"github.com/andyg2/ImapArc/summary"
)

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "imaparc",
		Short: "Archive messages from an IMAP server to local storage",
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(c)
			if err != nil {
				return err
			}

			logger, cleanup, err := setupLogger(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			slog.SetDefault(logger)
			logger.Info("starting imaparc",
				"server", cfg.Server, "user", cfg.Username,
				"output", cfg.OutputDir, "delete", cfg.Delete, "compress", cfg.Compress)

			return run(cfg, logger)
		},
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}
	rootCmd.AddCommand(cmd.FoldersCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	imapOpts := imap.Options{
		Host:               cfg.Server,
		Port:               cfg.Port,
		Username:           cfg.Username,
		Password:           cfg.Password,
		UseTLS:             cfg.SSL,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	targets, err := resolveTargets(ctx, cfg, imapOpts, logger)
	if err != nil {
		return err
	}

	deleteApproved := cfg.ForceDelete
	if cfg.Delete && !deleteApproved {
		approved, err := pterm.DefaultInteractiveConfirm.
			WithDefaultValue(false).
			Show("Archived messages will be permanently deleted from the server. Continue?")
		if err != nil {
			logger.Warn("confirmation unavailable, deletion disabled", "err", err)
		}
		deleteApproved = err == nil && approved
	}
	if cfg.Delete && !deleteApproved {
		logger.Warn("deletion requested but not confirmed, messages will be kept on the server")
	}

	bus := stats.NewBus(ctx)
	reporter := stats.NewReporter(bus, logger)
	bar := progress.New(cfg.LogLevel)
	bus.Subscribe("progress-bar", bar.Subscriber)

	persister, err := store.New(cfg.OutputDir)
	if err != nil {
		return err
	}

	dial := func(ctx context.Context) (archive.Session, error) {
		return imap.Dial(ctx, imapOpts, logger)
	}

	pipeline, err := archive.New(dial, persister, bus, logger, archive.Options{
		Targets:        targets,
		Delete:         cfg.Delete,
		DeleteApproved: deleteApproved,
		Concurrency:    cfg.Concurrency,
	})
	if err != nil {
		return err
	}

	result, runErr := pipeline.Run(ctx)
	result.Server = cfg.Server
	result.Username = cfg.Username
	if !cfg.StartDate.IsZero() {
		result.Since = cfg.StartDate.Format("2006-01-02")
	}
	if !cfg.EndDate.IsZero() {
		result.Until = cfg.EndDate.Format("2006-01-02")
	}

	if cfg.MboxExport {
		exportMbox(persister.Root(), result, logger)
	}

	if path, err := summary.WriteArchive(persister.Root(), result); err != nil {
		logger.Warn("archive summary not written", "err", err)
	} else {
		logger.Info("archive summary written", "path", path)
	}

	if cfg.Compress && runErr == nil && ctx.Err() == nil {
		if err := runPacker(cfg, result.RunID, bus, logger); err != nil {
			logger.Error("compression failed", "err", err)
		}
	}

	if err := bus.Close(); err != nil {
		logger.Debug("event bus closed", "err", err)
	}
	progress.PrintSummary(reporter.Summary(), cfg.LogLevel == "info")

	if runErr != nil {
		if errors.Is(runErr, archive.ErrNoFoldersOpened) {
			logger.Error("no folders could be processed")
		}
		return runErr
	}

	if failed := result.FailedFolders(); len(failed) > 0 {
		logger.Warn("some folders could not be opened", "folders", failed)
	}
	logger.Info("archiving complete",
		"folders", len(result.Folders), "opened", result.OpenedFolders(), "duration", result.Duration)
	return nil
}

// resolveTargets expands --all-folders against the server, otherwise maps
// the configured folder list. Every target shares the run's date window
// and per-folder limit.
func resolveTargets(ctx context.Context, cfg config.Config, opts imap.Options, logger *slog.Logger) ([]model.FolderTarget, error) {
	names := cfg.Folders

	if cfg.AllFolders {
		client, err := imap.Dial(ctx, opts, logger)
		if err != nil {
			return nil, err
		}
		names, err = client.ListFolders()
		client.Close()
		if err != nil {
			return nil, err
		}
		logger.Info("archiving all folders", "count", len(names))
	}

	targets := make([]model.FolderTarget, 0, len(names))
	for _, name := range names {
		targets = append(targets, model.FolderTarget{
			Name:  name,
			Since: cfg.StartDate,
			Until: cfg.EndDate,
			Limit: cfg.Limit,
		})
	}
	return targets, nil
}

func exportMbox(root string, result *model.ArchiveSummary, logger *slog.Logger) {
	for _, folder := range result.Folders {
		path, written, err := mboxout.ExportFolder(root, folder, logger)
		if err != nil {
			logger.Warn("mbox export failed", "folder", folder.Folder, "err", err)
			continue
		}
		if written > 0 {
			logger.Info("mbox exported", "folder", folder.Folder, "path", path, "messages", written)
		}
	}
}

func runPacker(cfg config.Config, runID string, bus *stats.Bus, logger *slog.Logger) error {
	packer, err := pack.New(pack.Options{
		Root:          cfg.OutputDir,
		Ceiling:       cfg.MaxZipSizeBytes(),
		KeepOriginals: cfg.KeepUncompressed,
	}, bus, logger)
	if err != nil {
		return err
	}

	compResult, err := packer.Run()
	if err != nil {
		return err
	}

	if path, err := summary.WriteCompression(cfg.OutputDir, runID, compResult); err != nil {
		logger.Warn("compression summary not written", "err", err)
	} else {
		logger.Info("compression summary written", "path", path,
			"volumes", len(compResult.Volumes), "removed", compResult.Removed, "retained", compResult.Retained)
	}
	return nil
}

func setupLogger(cfg config.Config) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("imaparc-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler), cleanup, nil
}
