package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/andyg2/ImapArc/imap"
	"github.com/andyg2/ImapArc/model"
	"github.com/andyg2/ImapArc/stats"
	"github.com/andyg2/ImapArc/store"
)

var ErrNoFoldersOpened = errors.New("no folders could be opened")

const (
	fetchAttempts = 3
	fetchRetryGap = 500 * time.Millisecond
)

// Session is the slice of the mailbox client the pipeline drives. Satisfied
// by *imap.Client; tests substitute a fake server.
type Session interface {
	Enumerate(target model.FolderTarget) ([]uint32, error)
	Fetch(folder string, uid uint32) ([]byte, imap.Envelope, error)
	MarkDeleted(folder string, uid uint32) error
	Expunge(folder string) error
	Close()
}

// Dialer opens a fresh session. Sessions are not shared across concurrent
// folder workers; each worker dials its own.
type Dialer func(ctx context.Context) (Session, error)

type Options struct {
	Targets []model.FolderTarget

	// Delete requests source deletion; DeleteApproved is the resolved
	// confirmation (force flag or an explicit yes from the operator).
	// Without both, zero delete calls are issued.
	Delete         bool
	DeleteApproved bool

	// Concurrency caps the number of folder workers, each on its own
	// session. Values below 2 select the sequential single-session path.
	Concurrency int
}

// Pipeline drives enumerate → fetch → persist → delete per folder and
// accumulates per-message outcomes into an ArchiveSummary.
type Pipeline struct {
	dial      Dialer
	persister *store.Persister
	bus       *stats.Bus
	logger    *slog.Logger
	opts      Options
}

func New(dial Dialer, persister *store.Persister, bus *stats.Bus, logger *slog.Logger, opts Options) (*Pipeline, error) {
	if dial == nil {
		return nil, fmt.Errorf("dialer must not be nil")
	}
	if persister == nil {
		return nil, fmt.Errorf("persister must not be nil")
	}
	if len(opts.Targets) == 0 {
		return nil, fmt.Errorf("no folder targets")
	}
	return &Pipeline{
		dial:      dial,
		persister: persister,
		bus:       bus,
		logger:    logger,
		opts:      opts,
	}, nil
}

// Run processes every target folder. Individual message and folder failures
// are recorded, not raised; the returned error is reserved for failing to
// open a session at all or failing to open every folder.
func (p *Pipeline) Run(ctx context.Context) (*model.ArchiveSummary, error) {
	summary := &model.ArchiveSummary{
		StartedAt: time.Now(),
		Folders:   make([]model.FolderResult, len(p.opts.Targets)),
	}

	var err error
	if p.opts.Concurrency > 1 {
		err = p.runConcurrent(ctx, summary)
	} else {
		err = p.runSequential(ctx, summary)
	}
	summary.Duration = time.Since(summary.StartedAt).String()
	if err != nil {
		return summary, err
	}

	if summary.OpenedFolders() == 0 {
		return summary, ErrNoFoldersOpened
	}
	return summary, nil
}

func (p *Pipeline) runSequential(ctx context.Context, summary *model.ArchiveSummary) error {
	session, err := p.dial(ctx)
	if err != nil {
		return err
	}
	defer session.Close()

	for i, target := range p.opts.Targets {
		summary.Folders[i] = p.processFolder(ctx, session, target)
		if ctx.Err() != nil {
			// Record remaining folders as unprocessed.
			for j := i + 1; j < len(p.opts.Targets); j++ {
				summary.Folders[j] = model.FolderResult{
					Folder:    p.opts.Targets[j].Name,
					OpenError: context.Canceled.Error(),
				}
			}
			break
		}
	}
	return nil
}

func (p *Pipeline) runConcurrent(ctx context.Context, summary *model.ArchiveSummary) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)

	for i, target := range p.opts.Targets {
		i, target := i, target
		g.Go(func() error {
			session, err := p.dial(gctx)
			if err != nil {
				// A dial failure after retries is fatal for the run.
				summary.Folders[i] = model.FolderResult{Folder: target.Name, OpenError: err.Error()}
				return err
			}
			defer session.Close()

			summary.Folders[i] = p.processFolder(gctx, session, target)
			return nil
		})
	}
	return g.Wait()
}

// processFolder runs the full per-folder state machine. A failure opening
// the folder is recorded on the result; message failures never abort the
// folder. The expunge finalize, once started, is never interrupted.
func (p *Pipeline) processFolder(ctx context.Context, session Session, target model.FolderTarget) model.FolderResult {
	result := model.FolderResult{Folder: target.Name}

	uids, err := session.Enumerate(target)
	if err != nil {
		result.OpenError = err.Error()
		p.emit(stats.Event{Stage: stats.StageEnumerate, Type: stats.EventTypeError, Folder: target.Name, Err: err})
		if p.logger != nil {
			p.logger.Error("folder skipped", "folder", target.Name, "err", err)
		}
		return result
	}

	if p.logger != nil {
		p.logger.Info("folder enumerated", "folder", target.Name, "messages", len(uids))
	}

	result.Messages = make([]model.MessageRecord, 0, len(uids))
	for _, uid := range uids {
		if ctx.Err() != nil {
			break
		}
		rec := model.MessageRecord{UID: uid, Folder: target.Name, Outcome: model.OutcomePending}
		p.emit(stats.Event{Stage: stats.StageEnumerate, Type: stats.EventTypeFound, Folder: target.Name, UID: uid})

		p.fetchAndPersist(ctx, session, &rec)
		result.Messages = append(result.Messages, rec)
	}

	if p.opts.Delete && p.opts.DeleteApproved && ctx.Err() == nil {
		p.deletePhase(session, target.Name, result.Messages)
	}

	result.Tally()
	return result
}

func (p *Pipeline) fetchAndPersist(ctx context.Context, session Session, rec *model.MessageRecord) {
	raw, env, err := p.fetchWithRetry(ctx, session, rec.Folder, rec.UID)
	if err != nil {
		rec.Advance(model.OutcomeFetchFailed)
		rec.Error = err.Error()
		p.emit(stats.Event{Stage: stats.StageFetch, Type: stats.EventTypeError, Folder: rec.Folder, UID: rec.UID, Err: err})
		return
	}
	rec.Advance(model.OutcomeFetched)
	p.emit(stats.Event{Stage: stats.StageFetch, Type: stats.EventTypeFetched, Folder: rec.Folder, UID: rec.UID})

	if err := p.persister.Persist(rec, raw, env); err != nil {
		rec.Advance(model.OutcomePersistFailed)
		rec.Error = err.Error()
		p.emit(stats.Event{Stage: stats.StagePersist, Type: stats.EventTypeError, Folder: rec.Folder, UID: rec.UID, Err: err})
		return
	}
	rec.Advance(model.OutcomePersisted)
	p.emit(stats.Event{Stage: stats.StagePersist, Type: stats.EventTypePersisted, Folder: rec.Folder, UID: rec.UID})
}

func (p *Pipeline) fetchWithRetry(ctx context.Context, session Session, folder string, uid uint32) ([]byte, imap.Envelope, error) {
	var lastErr error
	for attempt := 1; attempt <= fetchAttempts; attempt++ {
		raw, env, err := session.Fetch(folder, uid)
		if err == nil {
			return raw, env, nil
		}
		lastErr = err
		if attempt == fetchAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, imap.Envelope{}, ctx.Err()
		case <-time.After(fetchRetryGap):
		}
	}
	return nil, imap.Envelope{}, lastErr
}

// deletePhase marks every persisted message, then finalizes with a single
// expunge. Only records whose mark succeeded and whose expunge completed
// reach the deleted outcome; everything reaching here is already durably
// on disk.
func (p *Pipeline) deletePhase(session Session, folder string, records []model.MessageRecord) {
	marked := make([]*model.MessageRecord, 0, len(records))
	for i := range records {
		rec := &records[i]
		if rec.Outcome != model.OutcomePersisted {
			continue
		}
		if err := session.MarkDeleted(folder, rec.UID); err != nil {
			rec.Advance(model.OutcomeDeleteFailed)
			rec.Error = err.Error()
			p.emit(stats.Event{Stage: stats.StageDelete, Type: stats.EventTypeError, Folder: folder, UID: rec.UID, Err: err})
			continue
		}
		marked = append(marked, rec)
	}

	if len(marked) == 0 {
		return
	}

	if err := session.Expunge(folder); err != nil {
		for _, rec := range marked {
			rec.Advance(model.OutcomeDeleteFailed)
			rec.Error = err.Error()
		}
		p.emit(stats.Event{Stage: stats.StageDelete, Type: stats.EventTypeError, Folder: folder, Err: err})
		if p.logger != nil {
			p.logger.Error("expunge failed", "folder", folder, "err", err)
		}
		return
	}

	for _, rec := range marked {
		rec.Advance(model.OutcomeDeleted)
		p.emit(stats.Event{Stage: stats.StageDelete, Type: stats.EventTypeDeleted, Folder: folder, UID: rec.UID})
	}
}

func (p *Pipeline) emit(evt stats.Event) {
	if p.bus != nil {
		p.bus.Emit(evt)
	}
}
