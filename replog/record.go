// Package replog turns the raw change streams written by the directory
// server (slapd replog) and the listener into entry chains ready to be
// appended to the transaction log.
package replog

import (
	"errors"
	"strings"

	"github.com/maxpert/ldapnotify/common"
)

// ErrMalformed marks a raw record that could not be parsed. Malformed records
// are skipped and counted, never fatal.
var ErrMalformed = errors.New("malformed record")

// Record is one parsed raw record.
type Record struct {
	DN      string
	Command common.Command

	// Rename is set on a listener delete that carries the rename marker. The
	// add of the new DN is expected to follow immediately.
	Rename bool

	// ModRDN is set for a replog modrdn block, which describes the whole
	// rename in one record.
	ModRDN       bool
	NewRDN       string
	NewSuperior  string
	DeleteOldRDN bool

	Body []byte

	// absolute byte range in the source, filled in by the ingestor
	Start uint64
	End   uint64
	Err   error
}

// Format splits a source's bytes into records.
type Format interface {
	Name() string

	// Next parses the record at the start of data and returns the number of
	// bytes it spans. n is 0 when data does not hold a complete record yet.
	// A malformed record returns n > 0 and an error wrapping ErrMalformed.
	Next(data []byte) (rec Record, n int, err error)
}

// splitDN returns the first RDN of dn and its parent. Escaped commas are
// not separators.
func splitDN(dn string) (rdn, parent string) {
	for i := 0; i < len(dn); i++ {
		switch dn[i] {
		case '\\':
			i++
		case ',':
			return strings.TrimSpace(dn[:i]), strings.TrimSpace(dn[i+1:])
		}
	}
	return strings.TrimSpace(dn), ""
}

// joinDN builds rdn,parent.
func joinDN(rdn, parent string) string {
	if parent == "" {
		return rdn
	}
	return rdn + "," + parent
}
