// Package spool keeps overflowed messages on disk, one file per message, in a
// per-topic directory. File names are zero-padded microsecond capture stamps, so
// lexicographic and numeric order agree and a directory listing reconstructs
// delivery order.
package spool

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
)

const (
	stampWidth = 20
	tempSuffix = ".tmp"
	filePerm   = 0o640
	dirPerm    = 0o750
)

// ErrDuplicateStamp indicates a write whose stamp already names a spooled message.
var ErrDuplicateStamp = errors.New("spool: duplicate stamp")

// Entry is one spooled message.
type Entry struct {
	Body  []byte
	Stamp int64
}

type indexEntry struct {
	stamp int64
	name  string
}

// Spool is the on-disk backlog of one topic. Only the owning process may write
// into its directory; the in-memory index is built once at Open.
type Spool struct {
	dir     string
	entries []indexEntry
	logger  *slog.Logger
}

// FileName returns the fixed-width file name for stamp.
func FileName(stamp int64) string {
	return fmt.Sprintf("%0*d", stampWidth, stamp)
}

// Open indexes dir, creating it when missing. Leftover temporary files from an
// interrupted write are removed. Unpadded numeric names written by older
// releases are accepted and ordered numerically.
func Open(dir string, logger *slog.Logger) (*Spool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("create spool directory %s: %w", dir, err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("stat spool directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("spool path %s is not a directory", dir)
	}

	listing, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list spool directory %s: %w", dir, err)
	}

	s := &Spool{
		dir:     dir,
		entries: make([]indexEntry, 0, len(listing)),
		logger:  logger,
	}
	for _, item := range listing {
		name := item.Name()
		if strings.HasSuffix(name, tempSuffix) {
			if err := os.Remove(filepath.Join(dir, name)); err != nil {
				logger.Error("remove stale spool temp file", "file", name, "error", err)
			} else {
				logger.Warn("removed stale spool temp file", "file", name)
			}
			continue
		}
		if item.IsDir() {
			logger.Warn("ignoring directory in spool", "file", name)
			continue
		}
		stamp, err := strconv.ParseInt(name, 10, 64)
		if err != nil || stamp < 0 {
			logger.Warn("ignoring unrecognised file in spool", "file", name)
			continue
		}
		s.entries = append(s.entries, indexEntry{stamp: stamp, name: name})
	}
	sort.Slice(s.entries, func(i, j int) bool {
		return s.entries[i].stamp < s.entries[j].stamp
	})

	return s, nil
}

// Dir returns the spool directory.
func (s *Spool) Dir() string {
	return s.dir
}

// Write persists body under stamp. The file appears under its final name only
// once fully written.
func (s *Spool) Write(body []byte, stamp int64) error {
	name := FileName(stamp)
	position, found := s.search(stamp)
	if found {
		return fmt.Errorf("write spool entry %s: %w", name, ErrDuplicateStamp)
	}

	path := filepath.Join(s.dir, name)
	temp := path + tempSuffix
	if err := os.WriteFile(temp, body, filePerm); err != nil {
		_ = os.Remove(temp)
		return fmt.Errorf("write spool entry %s: %w", name, err)
	}
	if err := os.Rename(temp, path); err != nil {
		_ = os.Remove(temp)
		return fmt.Errorf("commit spool entry %s: %w", name, err)
	}

	s.entries = slices.Insert(s.entries, position, indexEntry{stamp: stamp, name: name})

	return nil
}

// ReadOldest removes and returns the oldest entry. ok is false when the spool is
// empty. A read failure drops the entry from the index and returns the error;
// that message is lost.
func (s *Spool) ReadOldest() (entry Entry, ok bool, err error) {
	if len(s.entries) == 0 {
		return Entry{}, false, nil
	}

	head := s.entries[0]
	s.entries = s.entries[1:]
	path := filepath.Join(s.dir, head.name)

	body, err := os.ReadFile(path)
	if err != nil {
		if removeErr := os.Remove(path); removeErr != nil && !errors.Is(removeErr, fs.ErrNotExist) {
			s.logger.Error("remove unreadable spool entry", "file", head.name, "error", removeErr)
		}
		return Entry{}, false, fmt.Errorf("read spool entry %s: %w", head.name, err)
	}
	if err := os.Remove(path); err != nil {
		s.logger.Error("remove delivered spool entry", "file", head.name, "error", err)
	}

	return Entry{Body: body, Stamp: head.stamp}, true, nil
}

// Count returns the number of spooled messages.
func (s *Spool) Count() int {
	return len(s.entries)
}

// Oldest returns the stamp of the oldest spooled message.
func (s *Spool) Oldest() (int64, bool) {
	if len(s.entries) == 0 {
		return 0, false
	}

	return s.entries[0].stamp, true
}

// Newest returns the stamp of the most recent spooled message.
func (s *Spool) Newest() (int64, bool) {
	if len(s.entries) == 0 {
		return 0, false
	}

	return s.entries[len(s.entries)-1].stamp, true
}

// search returns the insertion index for stamp and whether it is already present.
func (s *Spool) search(stamp int64) (int, bool) {
	position := sort.Search(len(s.entries), func(i int) bool {
		return s.entries[i].stamp >= stamp
	})

	return position, position < len(s.entries) && s.entries[position].stamp == stamp
}

// Summary describes a spool directory without opening it for writing.
type Summary struct {
	Count  int
	Bytes  int64
	Oldest int64
	Newest int64
}

// Inspect summarises dir read-only, for use while the relay owns it. A missing
// directory is an empty spool. Temporary and unrecognised files are skipped.
func Inspect(dir string) (Summary, error) {
	listing, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return Summary{}, nil
	}
	if err != nil {
		return Summary{}, fmt.Errorf("list spool directory %s: %w", dir, err)
	}

	var summary Summary
	for _, item := range listing {
		if item.IsDir() || strings.HasSuffix(item.Name(), tempSuffix) {
			continue
		}
		stamp, err := strconv.ParseInt(item.Name(), 10, 64)
		if err != nil || stamp < 0 {
			continue
		}
		info, err := item.Info()
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return Summary{}, fmt.Errorf("stat spool entry %s: %w", item.Name(), err)
		}
		if summary.Count == 0 || stamp < summary.Oldest {
			summary.Oldest = stamp
		}
		summary.Newest = max(summary.Newest, stamp)
		summary.Count++
		summary.Bytes += info.Size()
	}

	return summary, nil
}
