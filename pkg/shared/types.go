package shared

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
)

// SourcePathSpec selects files from one source subfolder and routes them to
// one destination subfolder.
type SourcePathSpec struct {
	Folder            string `json:"folder"`
	FileMask          string `json:"file_mask"`
	FileRegex         string `json:"file_regex,omitempty"`
	DestinationFolder string `json:"destination_folder,omitempty"`
}

func (s SourcePathSpec) Valid() bool {
	return s.FileMask != ""
}

// FileRecord identifies one file seen at a source endpoint. Only Folder, Name,
// LastWriteTime and Size take part in identity.
type FileRecord struct {
	Folder        string     `json:"fileFolder"`
	Name          string     `json:"fileName"`
	LastWriteTime *time.Time `json:"lastWriteTime"`
	Size          int64      `json:"size"`
	DownloadedAt  time.Time  `json:"downloadedAt"`

	DestinationFolder string `json:"-"`
}

// RecordKey is the comparable identity of a FileRecord.
type RecordKey struct {
	Folder       string
	Name         string
	HasWriteTime bool
	WriteTime    int64
	Size         int64
}

func (r FileRecord) Key() RecordKey {
	k := RecordKey{Folder: r.Folder, Name: r.Name, Size: r.Size}
	if r.LastWriteTime != nil {
		k.HasWriteTime = true
		k.WriteTime = r.LastWriteTime.UnixNano()
	}
	return k
}

func (r FileRecord) Equal(other FileRecord) bool {
	return r.Key() == other.Key()
}

// Hash is an xxhash digest of the identity fields.
func (r FileRecord) Hash() uint64 {
	k := r.Key()
	h := xxhash.New()
	_, _ = h.WriteString(k.Folder)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(k.Name)
	_, _ = h.Write([]byte{0})

	var buf [17]byte
	if k.HasWriteTime {
		buf[0] = 1
	}
	binary.LittleEndian.PutUint64(buf[1:9], uint64(k.WriteTime))
	binary.LittleEndian.PutUint64(buf[9:], uint64(k.Size))
	_, _ = h.Write(buf[:])
	return h.Sum64()
}

// ID is a short fingerprint used to correlate log lines for one file.
func (r FileRecord) ID() string {
	return fmt.Sprintf("%016x", r.Hash())
}

// Path joins folder and name with a forward slash, the separator every
// endpoint kind understands.
func (r FileRecord) Path() string {
	if r.Folder == "" {
		return r.Name
	}
	last := r.Folder[len(r.Folder)-1]
	if last == '/' || last == '\\' {
		return r.Folder + r.Name
	}
	return r.Folder + "/" + r.Name
}

// FileSet is an insertion-ordered set of FileRecords keyed by identity.
type FileSet struct {
	index   map[RecordKey]int
	records []FileRecord
}

func NewFileSet(records ...FileRecord) *FileSet {
	s := &FileSet{index: make(map[RecordKey]int, len(records))}
	for _, r := range records {
		s.Add(r)
	}
	return s
}

// Add inserts r and reports whether it was new. An existing record with the
// same identity is kept as is.
func (s *FileSet) Add(r FileRecord) bool {
	if s.index == nil {
		s.index = make(map[RecordKey]int)
	}
	k := r.Key()
	if _, ok := s.index[k]; ok {
		return false
	}
	s.index[k] = len(s.records)
	s.records = append(s.records, r)
	return true
}

func (s *FileSet) Contains(r FileRecord) bool {
	if s == nil {
		return false
	}
	_, ok := s.index[r.Key()]
	return ok
}

// Remove deletes the record with r's identity and reports whether one existed.
func (s *FileSet) Remove(r FileRecord) bool {
	if s == nil {
		return false
	}
	k := r.Key()
	i, ok := s.index[k]
	if !ok {
		return false
	}
	s.records = append(s.records[:i], s.records[i+1:]...)
	delete(s.index, k)
	for j := i; j < len(s.records); j++ {
		s.index[s.records[j].Key()] = j
	}
	return true
}

// RemoveFunc deletes every record for which fn returns true and returns the count.
func (s *FileSet) RemoveFunc(fn func(FileRecord) bool) int {
	if s == nil {
		return 0
	}
	kept := s.records[:0]
	removed := 0
	for _, r := range s.records {
		if fn(r) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	s.records = kept
	s.index = make(map[RecordKey]int, len(kept))
	for i, r := range kept {
		s.index[r.Key()] = i
	}
	return removed
}

// Union adds every record of other and returns how many were new.
func (s *FileSet) Union(other *FileSet) int {
	if other == nil {
		return 0
	}
	added := 0
	for _, r := range other.records {
		if s.Add(r) {
			added++
		}
	}
	return added
}

// Records returns a copy of the records in insertion order.
func (s *FileSet) Records() []FileRecord {
	if s == nil {
		return nil
	}
	out := make([]FileRecord, len(s.records))
	copy(out, s.records)
	return out
}

func (s *FileSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.records)
}
