package ledger

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"gitlab.com/tozd/go/errors"
)

var ErrLocked = errors.New("ledger is locked by another process")

// Store is an open ledger file. The sibling "<path>.lock" file is held from
// Open until Close so two runs of the same task cannot interleave.
type Store struct {
	path string
	lock *flock.Flock
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("ledger path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Errorf("creating ledger directory: %w", err)
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, errors.Errorf("locking ledger %s: %w", path, err)
	}
	if !locked {
		return nil, errors.Errorf("%w: %s", ErrLocked, path)
	}
	return &Store{path: path, lock: lock}, nil
}

func (s *Store) Path() string {
	return s.path
}

// Load reads the ledger, returning an empty one when the file does not exist.
func (s *Store) Load() (*Ledger, error) {
	return Read(s.path)
}

// Save rewrites the whole ledger through a temporary file in the same
// directory.
func (s *Store) Save(l *Ledger) error {
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return errors.Errorf("encoding ledger: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return errors.Errorf("creating temp ledger: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return errors.Errorf("writing temp ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return errors.Errorf("closing temp ledger: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return errors.Errorf("replacing ledger %s: %w", s.path, err)
	}

	l.modified = false
	return nil
}

// Close releases the lock. The lock file itself is left in place.
func (s *Store) Close() error {
	if err := s.lock.Unlock(); err != nil {
		return errors.Errorf("unlocking ledger %s: %w", s.path, err)
	}
	return nil
}

// Read loads a ledger file without taking the lock, for read-only callers.
func Read(path string) (*Ledger, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return New(), nil
	}
	if err != nil {
		return nil, errors.Errorf("reading ledger %s: %w", path, err)
	}

	l := New()
	if len(data) == 0 {
		return l, nil
	}
	if err := json.Unmarshal(data, l); err != nil {
		return nil, errors.Errorf("ledger %s: %w", path, err)
	}
	return l, nil
}
