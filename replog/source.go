package replog

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/maxpert/ldapnotify/db"
	"github.com/maxpert/ldapnotify/telemetry"
	"github.com/rs/zerolog/log"
)

// Source is one append-only input file and the byte offset up to which its
// records have been committed to the transaction log.
type Source struct {
	name    string
	path    string
	cursors *db.CursorStore
}

// NewSource creates a source whose cursor is kept in cursors under name.
func NewSource(name, path string, cursors *db.CursorStore) *Source {
	return &Source{name: name, path: path, cursors: cursors}
}

// Name returns the cursor name.
func (s *Source) Name() string {
	return s.name
}

// Path returns the input file path.
func (s *Source) Path() string {
	return s.path
}

// Offset returns the committed byte offset.
func (s *Source) Offset() uint64 {
	return s.cursors.Get(s.name)
}

// ReadPending returns up to limit bytes following the cursor together with
// the offset they start at, and whether the file holds more past them. A
// limit <= 0 reads to the end of the file. A missing file has nothing
// pending. If the file is shorter than the cursor the producer truncated or
// replaced it, and reading restarts from the beginning.
func (s *Source) ReadPending(limit int) ([]byte, uint64, bool, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, s.Offset(), false, nil
		}
		return nil, 0, false, fmt.Errorf("open %s: %w", s.path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, 0, false, fmt.Errorf("stat %s: %w", s.path, err)
	}
	size := uint64(info.Size())

	off := s.Offset()
	if size < off {
		log.Warn().
			Str("source", s.name).
			Uint64("cursor", off).
			Uint64("size", size).
			Msg("Source file shrank below cursor, reading from the start")
		telemetry.SourceCursorResetsTotal.With(s.name).Inc()
		if err := s.Commit(0); err != nil {
			return nil, 0, false, err
		}
		off = 0
	}
	if size == off {
		return nil, off, false, nil
	}

	n := size - off
	more := false
	if limit > 0 && n > uint64(limit) {
		n = uint64(limit)
		more = true
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(io.NewSectionReader(f, int64(off), int64(n)), buf); err != nil {
		return nil, 0, false, fmt.Errorf("read %s at %d: %w", s.path, off, err)
	}
	return buf, off, more, nil
}

// Commit marks everything before offset as consumed.
func (s *Source) Commit(offset uint64) error {
	if err := s.cursors.Set(s.name, offset); err != nil {
		return fmt.Errorf("commit cursor of %s: %w", s.name, err)
	}
	return nil
}
