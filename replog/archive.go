package replog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/maxpert/ldapnotify/telemetry"
	"github.com/rs/zerolog/log"
)

// Archive appends the raw text of committed records to a file. The forward
// archive is the outgoing replog read by a downstream replication daemon;
// the save archive keeps every processed record for operators.
type Archive struct {
	name string
	path string

	mu sync.Mutex
	f  *os.File
}

// OpenArchive opens path for appending, creating it and its directory.
func OpenArchive(name, path string) (*Archive, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create archive dir for %s: %w", name, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open %s archive: %w", name, err)
	}
	log.Info().Str("archive", name).Str("path", path).Msg("Replog archive opened")
	return &Archive{name: name, path: path, f: f}, nil
}

// Name returns the archive name.
func (a *Archive) Name() string {
	return a.name
}

// Write appends raw and syncs it.
func (a *Archive) Write(raw []byte) error {
	if len(raw) == 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.f == nil {
		return fmt.Errorf("%s archive closed", a.name)
	}
	if _, err := a.f.Write(raw); err != nil {
		return fmt.Errorf("write %s archive: %w", a.name, err)
	}
	if err := a.f.Sync(); err != nil {
		return fmt.Errorf("sync %s archive: %w", a.name, err)
	}
	telemetry.ReplogArchivedBytesTotal.With(a.name).Add(float64(len(raw)))
	return nil
}

// Close closes the file. Safe to call more than once.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.f == nil {
		return nil
	}
	err := a.f.Close()
	a.f = nil
	return err
}
