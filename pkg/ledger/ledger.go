// Package ledger persists the identities of files already transferred so a
// task never moves the same file twice.
package ledger

import (
	"encoding/json"
	"time"

	"fileferry/pkg/shared"

	"gitlab.com/tozd/go/errors"
)

// Ledger is the set of records transferred by earlier runs of one task.
type Ledger struct {
	files    *shared.FileSet
	modified bool
}

type document struct {
	DownloadedFiles []shared.FileRecord `json:"downloadedFiles"`
}

func New() *Ledger {
	return &Ledger{files: shared.NewFileSet()}
}

func (l *Ledger) Contains(r shared.FileRecord) bool {
	return l.files.Contains(r)
}

// Add records r. A record already present keeps its original DownloadedAt.
func (l *Ledger) Add(r shared.FileRecord) bool {
	if !l.files.Add(r) {
		return false
	}
	l.modified = true
	return true
}

// Union adds every record of set and returns how many were new.
func (l *Ledger) Union(set *shared.FileSet) int {
	n := l.files.Union(set)
	if n > 0 {
		l.modified = true
	}
	return n
}

// Prune drops records downloaded before cutoff and returns how many went.
func (l *Ledger) Prune(cutoff time.Time) int {
	n := l.files.RemoveFunc(func(r shared.FileRecord) bool {
		return r.DownloadedAt.Before(cutoff)
	})
	if n > 0 {
		l.modified = true
	}
	return n
}

// PruneOlderThan prunes with a cutoff of now minus maxAge. A non-positive
// maxAge keeps everything.
func (l *Ledger) PruneOlderThan(maxAge time.Duration, now time.Time) int {
	if maxAge <= 0 {
		return 0
	}
	return l.Prune(now.Add(-maxAge))
}

// Filter returns the candidates not present in the ledger, preserving order,
// together with the number that were skipped.
func (l *Ledger) Filter(candidates *shared.FileSet) (*shared.FileSet, int) {
	out := shared.NewFileSet()
	skipped := 0
	for _, r := range candidates.Records() {
		if l.Contains(r) {
			skipped++
			continue
		}
		out.Add(r)
	}
	return out, skipped
}

func (l *Ledger) Records() []shared.FileRecord {
	return l.files.Records()
}

func (l *Ledger) Len() int {
	return l.files.Len()
}

// Modified reports whether the ledger changed since it was loaded or saved.
func (l *Ledger) Modified() bool {
	return l.modified
}

// LastDownload returns the newest DownloadedAt, or the zero time.
func (l *Ledger) LastDownload() time.Time {
	var last time.Time
	for _, r := range l.files.Records() {
		if r.DownloadedAt.After(last) {
			last = r.DownloadedAt
		}
	}
	return last
}

func (l *Ledger) MarshalJSON() ([]byte, error) {
	doc := document{DownloadedFiles: l.files.Records()}
	if doc.DownloadedFiles == nil {
		doc.DownloadedFiles = []shared.FileRecord{}
	}
	return json.Marshal(doc)
}

// UnmarshalJSON replaces the contents of l. Entries with the same identity
// collapse to the first one.
func (l *Ledger) UnmarshalJSON(data []byte) error {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return errors.Errorf("decoding ledger: %w", err)
	}
	l.files = shared.NewFileSet(doc.DownloadedFiles...)
	l.modified = false
	return nil
}
