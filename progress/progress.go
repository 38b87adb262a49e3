package progress

import (
	"context"
	"fmt"
	"sync"

	"github.com/pterm/pterm"

	"github.com/andyg2/ImapArc/stats"
)

// Bar renders archive progress. The total grows as folders are
// enumerated, since message counts are only known per folder.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	mu      sync.Mutex
	enabled bool
}

// New creates a progress bar when the log level is "info"; at other
// levels the structured log carries the detail instead.
func New(logLevel string) *Bar {
	enabled := logLevel == "info"
	bar := &Bar{enabled: enabled}

	if enabled {
		pb, _ := pterm.DefaultProgressbar.
			WithTotal(0).
			WithTitle("Archiving messages").
			Start()
		bar.pb = pb
	}
	return bar
}

// Update adjusts the bar for one archive event.
func (b *Bar) Update(evt stats.Event) {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeFound:
		b.pb.Total++
	case stats.EventTypePersisted:
		b.pb.Increment()
		if evt.Folder != "" {
			b.pb.UpdateTitle(fmt.Sprintf("Archiving %s (uid %d)", evt.Folder, evt.UID))
		}
	case stats.EventTypeError:
		// Failures still consume a slot so the bar can complete.
		if evt.Stage == stats.StageFetch || evt.Stage == stats.StagePersist {
			b.pb.Increment()
		}
		if evt.Err != nil {
			pterm.Error.Printf("Error: %v\n", evt.Err)
		}
	}
}

// Stop finalizes the bar.
func (b *Bar) Stop() {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb.Current < b.pb.Total {
		b.pb.Current = b.pb.Total
	}
	_, _ = b.pb.Stop()
}

// Subscriber adapts the bar to the stats event stream.
func (b *Bar) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	defer b.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			b.Update(evt)
		}
	}
}

// PrintSummary renders the end-of-run totals beneath the bar.
func PrintSummary(summary stats.Summary, enabled bool) {
	if !enabled {
		return
	}
	pterm.Println()
	pterm.DefaultSection.Println("Archive Summary")
	pterm.Info.Printf("Found: %d\n", summary.Found)
	pterm.Info.Printf("Fetched: %d\n", summary.Fetched)
	pterm.Info.Printf("Persisted: %d\n", summary.Persisted)
	pterm.Info.Printf("Deleted: %d\n", summary.Deleted)
	pterm.Info.Printf("Volumes written: %d\n", summary.Packed)
	pterm.Info.Printf("Errors: %d\n", summary.Errors)
	if summary.LastError != nil {
		pterm.Error.Printf("Last error: %v\n", summary.LastError)
	}
}
