package replog

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/maxpert/ldapnotify/common"
)

// renameMarker is the listener command letter for the delete half of a rename.
const renameMarker = 'r'

// ListenerFormat parses the listener transaction stream: one
// "<dn> <command>" line per record, command being a, m, d or r.
type ListenerFormat struct{}

func (ListenerFormat) Name() string { return "listener" }

func (ListenerFormat) Next(data []byte) (Record, int, error) {
	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		return Record{}, 0, nil
	}
	n := i + 1
	line := strings.TrimRight(string(data[:i]), "\r")

	sp := strings.LastIndexByte(line, ' ')
	if sp <= 0 || sp != len(line)-2 {
		return Record{}, n, fmt.Errorf("%w: %q", ErrMalformed, line)
	}
	dn := strings.TrimSpace(line[:sp])
	if dn == "" {
		return Record{}, n, fmt.Errorf("%w: empty dn in %q", ErrMalformed, line)
	}

	c := line[sp+1]
	if c == renameMarker {
		return Record{DN: dn, Command: common.CommandDelete, Rename: true}, n, nil
	}
	cmd, err := common.ParseCommand(c)
	if err != nil {
		return Record{}, n, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return Record{DN: dn, Command: cmd}, n, nil
}
