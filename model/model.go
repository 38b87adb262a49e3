package model

import "time"

// Outcome tracks a message through the archive pipeline. Transitions are
// forward-only; a record never reverts to an earlier outcome.
type Outcome string

const (
	OutcomePending       Outcome = "pending"
	OutcomeFetched       Outcome = "fetched"
	OutcomeFetchFailed   Outcome = "fetch_failed"
	OutcomePersisted     Outcome = "persisted"
	OutcomePersistFailed Outcome = "persist_failed"
	OutcomeDeleted       Outcome = "deleted"
	OutcomeDeleteFailed  Outcome = "delete_failed"
)

// transitions enumerates the legal moves of the outcome state machine.
// Failure outcomes and deleted are terminal.
var transitions = map[Outcome][]Outcome{
	OutcomePending:   {OutcomeFetched, OutcomeFetchFailed},
	OutcomeFetched:   {OutcomePersisted, OutcomePersistFailed},
	OutcomePersisted: {OutcomeDeleted, OutcomeDeleteFailed},
}

// FolderTarget names a remote folder plus the optional date window and
// per-folder message cap. Immutable once constructed.
type FolderTarget struct {
	Name  string
	Since time.Time // zero = unbounded
	Until time.Time // inclusive; zero = unbounded
	Limit int       // 0 = unlimited
}

// MessageRecord is the per-message bookkeeping entry of a FolderResult.
type MessageRecord struct {
	UID      uint32    `json:"uid"`
	Folder   string    `json:"folder"`
	Date     time.Time `json:"date"`
	Subject  string    `json:"subject,omitempty"`
	From     string    `json:"from,omitempty"`
	Size     int64     `json:"size"`
	RawPath  string    `json:"raw_path,omitempty"`
	MetaPath string    `json:"meta_path,omitempty"`
	Outcome  Outcome   `json:"outcome"`
	Error    string    `json:"error,omitempty"`
}

// Advance moves the record to a later outcome. Anything outside the
// transition table is ignored, which keeps the state machine forward-only
// even if a caller reports results out of order.
func (m *MessageRecord) Advance(o Outcome) {
	from := m.Outcome
	if from == "" {
		from = OutcomePending
	}
	for _, next := range transitions[from] {
		if next == o {
			m.Outcome = o
			return
		}
	}
}

// FolderResult aggregates the outcomes of one folder's run.
type FolderResult struct {
	Folder    string          `json:"folder"`
	OpenError string          `json:"open_error,omitempty"`
	Messages  []MessageRecord `json:"messages,omitempty"`
	Found     int             `json:"found"`
	Fetched   int             `json:"fetched"`
	Persisted int             `json:"persisted"`
	Deleted   int             `json:"deleted"`
	Failed    int             `json:"failed"`
}

// Opened reports whether the folder could be selected at all.
func (f *FolderResult) Opened() bool {
	return f.OpenError == ""
}

// Tally recomputes the counters from the message records.
func (f *FolderResult) Tally() {
	f.Found = len(f.Messages)
	f.Fetched, f.Persisted, f.Deleted, f.Failed = 0, 0, 0, 0
	for i := range f.Messages {
		switch f.Messages[i].Outcome {
		case OutcomeFetched:
			f.Fetched++
		case OutcomePersisted:
			f.Fetched++
			f.Persisted++
		case OutcomeDeleted:
			f.Fetched++
			f.Persisted++
			f.Deleted++
		case OutcomeFetchFailed, OutcomePersistFailed:
			f.Failed++
		case OutcomeDeleteFailed:
			// Still persisted; the delete failure is recorded on the message.
			f.Fetched++
			f.Persisted++
		}
	}
}

// ArchiveSummary is the cross-folder result of one run.
type ArchiveSummary struct {
	RunID     string         `json:"run_id"`
	Server    string         `json:"server"`
	Username  string         `json:"username"`
	StartedAt time.Time      `json:"started_at"`
	Duration  string         `json:"duration"`
	Since     string         `json:"since,omitempty"`
	Until     string         `json:"until,omitempty"`
	Folders   []FolderResult `json:"folders"`
}

// OpenedFolders counts folders that could be selected.
func (a *ArchiveSummary) OpenedFolders() int {
	n := 0
	for i := range a.Folders {
		if a.Folders[i].Opened() {
			n++
		}
	}
	return n
}

// FailedFolders lists the names of folders that could not be selected.
func (a *ArchiveSummary) FailedFolders() []string {
	var names []string
	for i := range a.Folders {
		if !a.Folders[i].Opened() {
			names = append(names, a.Folders[i].Folder)
		}
	}
	return names
}

// VolumeEntry is one file assigned to a volume, identified by path value.
type VolumeEntry struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// Volume is one size-bounded output archive produced by the packer.
type Volume struct {
	Index     int           `json:"index"`
	Path      string        `json:"path,omitempty"`
	Entries   []VolumeEntry `json:"entries"`
	Bytes     int64         `json:"bytes"`
	Oversized bool          `json:"oversized,omitempty"`
}

// CompressionSummary reconciles what went into which volume.
type CompressionSummary struct {
	RunID     string    `json:"run_id"`
	CreatedAt time.Time `json:"created_at"`
	Ceiling   int64     `json:"ceiling_bytes"`
	Volumes   []Volume  `json:"volumes"`
	Retained  int       `json:"originals_retained"`
	Removed   int       `json:"originals_removed"`
}
