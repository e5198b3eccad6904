// Package statemarker is the on-disk, crash-recoverable record of extraction
// progress for one dump version, and the authority consulted at startup to
// decide whether to skip, continue, or reprocess that version.
package statemarker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const metadataVersion = "1.0"

// Status is the lifecycle state of a phase or a per-file entry.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Decision is the action the Orchestrator should take for a version at
// startup, per should_process().
type Decision int

const (
	Skip Decision = iota
	Continue
	Reprocess
)

func (d Decision) String() string {
	switch d {
	case Skip:
		return "Skip"
	case Continue:
		return "Continue"
	case Reprocess:
		return "Reprocess"
	default:
		return "unknown"
	}
}

// FileDownload tracks one data file's download progress.
type FileDownload struct {
	Status         Status     `json:"status"`
	BytesDownloaded int64     `json:"bytes_downloaded"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// DownloadPhase is §3's download_phase.
type DownloadPhase struct {
	Status          Status                   `json:"status"`
	StartedAt       *time.Time               `json:"started_at,omitempty"`
	CompletedAt     *time.Time               `json:"completed_at,omitempty"`
	FilesTotal      int                      `json:"files_total"`
	BytesDownloaded int64                    `json:"bytes_downloaded"`
	DownloadsByFile map[string]*FileDownload `json:"downloads_by_file"`
	Errors          []string                 `json:"errors"`
}

// FileProgress tracks one data file's processing/publishing progress.
type FileProgress struct {
	Status            Status     `json:"status"`
	RecordsExtracted  int64      `json:"records_extracted"`
	MessagesPublished int64      `json:"messages_published"`
	BatchesSent       int64      `json:"batches_sent"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// ProcessingPhase is §3's processing_phase.
type ProcessingPhase struct {
	Status           Status                   `json:"status"`
	StartedAt        *time.Time               `json:"started_at,omitempty"`
	CompletedAt      *time.Time               `json:"completed_at,omitempty"`
	FilesTotal       int                      `json:"files_total"`
	RecordsExtracted int64                    `json:"records_extracted"`
	CurrentFile      string                   `json:"current_file,omitempty"`
	ProgressByFile   map[string]*FileProgress `json:"progress_by_file"`
	Errors           []string                 `json:"errors"`
}

// PublishingPhase is §3's publishing_phase. MessagesPublished and
// BatchesSent are always derived sums, never stored independently; they are
// recomputed on every Save.
type PublishingPhase struct {
	Status              Status   `json:"status"`
	MessagesPublished   int64    `json:"messages_published"`
	BatchesSent         int64    `json:"batches_sent"`
	LastBrokerHeartbeat *time.Time `json:"last_broker_heartbeat,omitempty"`
	Errors              []string `json:"errors"`
}

// Summary is §3's summary.
type Summary struct {
	OverallStatus        Status            `json:"overall_status"`
	TotalDurationSeconds  float64           `json:"total_duration_seconds"`
	FilesByKind           map[string]Status `json:"files_by_kind"`
}

// State is the full per-version document.
type State struct {
	MetadataVersion string          `json:"metadata_version"`
	LastUpdated     time.Time       `json:"last_updated"`
	CurrentVersion  string          `json:"current_version"`
	DownloadPhase   DownloadPhase   `json:"download_phase"`
	ProcessingPhase ProcessingPhase `json:"processing_phase"`
	PublishingPhase PublishingPhase `json:"publishing_phase"`
	Summary         Summary         `json:"summary"`

	mu   sync.Mutex `json:"-"`
	path string     `json:"-"`
}

// New returns a fresh state for version with all phases pending.
func New(version string) *State {
	return &State{
		MetadataVersion: metadataVersion,
		LastUpdated:     time.Now(),
		CurrentVersion:  version,
		DownloadPhase: DownloadPhase{
			Status:          StatusPending,
			DownloadsByFile: map[string]*FileDownload{},
		},
		ProcessingPhase: ProcessingPhase{
			Status:         StatusPending,
			ProgressByFile: map[string]*FileProgress{},
		},
		PublishingPhase: PublishingPhase{
			Status: StatusPending,
		},
		Summary: Summary{
			OverallStatus: StatusPending,
			FilesByKind:   map[string]Status{},
		},
	}
}

// Path returns the on-disk location for version under dataRoot, per spec.md
// §6: "<data-root>/.extraction_status_<version>.json".
func Path(dataRoot, version string) string {
	return filepath.Join(dataRoot, fmt.Sprintf(".extraction_status_%s.json", version))
}

// Load reads the state for version from dataRoot. A missing or corrupted
// file is not an error: it returns a fresh State and ok=false, so any prior
// contents are discarded and ShouldProcess on the fresh State returns
// Continue, which starts the version over from nothing.
func Load(dataRoot, version string) (state *State, ok bool) {
	path := Path(dataRoot, version)
	data, err := os.ReadFile(path)
	if err != nil {
		s := New(version)
		s.path = path
		return s, false
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		fresh := New(version)
		fresh.path = path
		return fresh, false
	}
	s.path = path
	return &s, true
}

// Save writes state atomically (write-temp, fsync, rename) to its path and
// refreshes LastUpdated. Counter consistency (publishing phase sums equal to
// per-file sums) is recomputed before every write.
func (s *State) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recomputeDerivedLocked()
	s.LastUpdated = time.Now()

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("statemarker: marshal: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("statemarker: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".state-*.json.tmp")
	if err != nil {
		return fmt.Errorf("statemarker: create temp: %w", err)
	}
	tmpName := tmp.Name()
	_, writeErr := tmp.Write(data)
	syncErr := tmp.Sync()
	closeErr := tmp.Close()
	if writeErr != nil || syncErr != nil || closeErr != nil {
		os.Remove(tmpName)
		if writeErr != nil {
			return fmt.Errorf("statemarker: write: %w", writeErr)
		}
		if syncErr != nil {
			return fmt.Errorf("statemarker: fsync: %w", syncErr)
		}
		return fmt.Errorf("statemarker: close: %w", closeErr)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("statemarker: chmod: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("statemarker: rename: %w", err)
	}
	return nil
}

// recomputeDerivedLocked keeps publishing_phase's counters equal to the sum
// of processing_phase's per-file counters, as required by the invariant.
func (s *State) recomputeDerivedLocked() {
	var messages, batches int64
	for _, fp := range s.ProcessingPhase.ProgressByFile {
		messages += fp.MessagesPublished
		batches += fp.BatchesSent
	}
	s.PublishingPhase.MessagesPublished = messages
	s.PublishingPhase.BatchesSent = batches
}

// ShouldProcess implements the decision logic of spec.md §4.7.
func (s *State) ShouldProcess(forceReprocess bool) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Summary.OverallStatus == StatusCompleted {
		return Skip
	}
	if forceReprocess || s.DownloadPhase.Status == StatusFailed {
		return Reprocess
	}
	return Continue
}

// StartDownload marks the download phase in_progress and records the file count.
func (s *State) StartDownload(filesTotal int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.DownloadPhase.Status = StatusInProgress
	s.DownloadPhase.StartedAt = &now
	s.DownloadPhase.FilesTotal = filesTotal
}

// StartFileDownload records that filename's download has begun.
func (s *State) StartFileDownload(filename string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.DownloadPhase.DownloadsByFile[filename] = &FileDownload{
		Status:    StatusInProgress,
		StartedAt: &now,
	}
}

// FileDownloaded records that filename finished downloading bytes total.
func (s *State) FileDownloaded(filename string, bytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	fd, ok := s.DownloadPhase.DownloadsByFile[filename]
	if !ok {
		fd = &FileDownload{}
		s.DownloadPhase.DownloadsByFile[filename] = fd
	}
	fd.Status = StatusCompleted
	fd.BytesDownloaded = bytes
	fd.CompletedAt = &now
	s.DownloadPhase.BytesDownloaded += bytes
}

// FailFileDownload appends an error and marks filename's download failed.
func (s *State) FailFileDownload(filename, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fd, ok := s.DownloadPhase.DownloadsByFile[filename]
	if !ok {
		fd = &FileDownload{}
		s.DownloadPhase.DownloadsByFile[filename] = fd
	}
	fd.Status = StatusFailed
	s.DownloadPhase.Errors = append(s.DownloadPhase.Errors, fmt.Sprintf("%s: %s", filename, reason))
}

// CompleteDownload marks the download phase completed or failed depending on
// whether any file's download failed.
func (s *State) CompleteDownload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.DownloadPhase.CompletedAt = &now
	for _, fd := range s.DownloadPhase.DownloadsByFile {
		if fd.Status == StatusFailed {
			s.DownloadPhase.Status = StatusFailed
			return
		}
	}
	s.DownloadPhase.Status = StatusCompleted
}

// StartProcessing marks the processing phase in_progress.
func (s *State) StartProcessing(filesTotal int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.ProcessingPhase.Status = StatusInProgress
	s.ProcessingPhase.StartedAt = &now
	s.ProcessingPhase.FilesTotal = filesTotal
}

// StartFileProcessing begins tracking filename within the processing phase.
func (s *State) StartFileProcessing(filename string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.ProcessingPhase.CurrentFile = filename
	fp, ok := s.ProcessingPhase.ProgressByFile[filename]
	if !ok {
		fp = &FileProgress{}
		s.ProcessingPhase.ProgressByFile[filename] = fp
	}
	fp.Status = StatusInProgress
	fp.StartedAt = &now
}

// UpdateFileProgress records periodic progress for filename. records is the
// new non-decreasing cumulative extracted count (spec's state-monotonicity
// invariant); messages and batches are cumulative published counters.
func (s *State) UpdateFileProgress(filename string, records, messages, batches int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fp, ok := s.ProcessingPhase.ProgressByFile[filename]
	if !ok {
		fp = &FileProgress{}
		s.ProcessingPhase.ProgressByFile[filename] = fp
	}
	if records > fp.RecordsExtracted {
		fp.RecordsExtracted = records
	}
	fp.MessagesPublished = messages
	fp.BatchesSent = batches
	var total int64
	for _, f := range s.ProcessingPhase.ProgressByFile {
		total += f.RecordsExtracted
	}
	s.ProcessingPhase.RecordsExtracted = total
}

// CompleteFileProcessing marks filename's processing completed. Per the
// completion-ordering invariant, this must be called (and the resulting
// state saved) strictly before the file-complete sentinel is published.
func (s *State) CompleteFileProcessing(filename string, totalRecords int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	fp, ok := s.ProcessingPhase.ProgressByFile[filename]
	if !ok {
		fp = &FileProgress{}
		s.ProcessingPhase.ProgressByFile[filename] = fp
	}
	fp.Status = StatusCompleted
	fp.RecordsExtracted = totalRecords
	fp.CompletedAt = &now
}

// FailFileProcessing appends an error and marks filename's processing failed.
func (s *State) FailFileProcessing(filename, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fp, ok := s.ProcessingPhase.ProgressByFile[filename]
	if !ok {
		fp = &FileProgress{}
		s.ProcessingPhase.ProgressByFile[filename] = fp
	}
	fp.Status = StatusFailed
	s.ProcessingPhase.Errors = append(s.ProcessingPhase.Errors, fmt.Sprintf("%s: %s", filename, reason))
}

// CompleteProcessing marks the processing phase completed or failed,
// depending on whether any file's processing failed.
func (s *State) CompleteProcessing() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.ProcessingPhase.CompletedAt = &now
	for _, fp := range s.ProcessingPhase.ProgressByFile {
		if fp.Status == StatusFailed {
			s.ProcessingPhase.Status = StatusFailed
			return
		}
	}
	s.ProcessingPhase.Status = StatusCompleted
}

// SetFileKindStatus records kind's status in the summary's files_by_kind map.
func (s *State) SetFileKindStatus(kind string, status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Summary.FilesByKind[kind] = status
}

// CompleteExtraction computes the final overall_status: completed iff all
// four kinds are completed and both download and processing phases are
// completed.
func (s *State) CompleteExtraction(startedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	allKindsDone := true
	for _, kind := range []string{"artists", "labels", "masters", "releases"} {
		if s.Summary.FilesByKind[kind] != StatusCompleted {
			allKindsDone = false
			break
		}
	}
	if allKindsDone && s.DownloadPhase.Status == StatusCompleted && s.ProcessingPhase.Status == StatusCompleted {
		s.Summary.OverallStatus = StatusCompleted
	} else {
		s.Summary.OverallStatus = StatusFailed
	}
	s.Summary.TotalDurationSeconds = time.Since(startedAt).Seconds()
}

// RecordHeartbeat updates the last-observed broker acknowledgement time.
func (s *State) RecordHeartbeat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.PublishingPhase.LastBrokerHeartbeat = &now
	s.PublishingPhase.Status = StatusInProgress
}

// FileProgressSnapshot returns a copy of filename's current progress entry,
// or a zero value if unrecorded. Used by the Orchestrator to decide which
// files within a version to skip on Continue.
func (s *State) FileProgressSnapshot(filename string) FileProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fp, ok := s.ProcessingPhase.ProgressByFile[filename]; ok {
		return *fp
	}
	return FileProgress{}
}
