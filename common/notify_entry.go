// Package common provides the entry types shared by the ingestion, storage
// and publishing packages.
package common

import (
	"bytes"
	"fmt"
	"strings"
)

// TransactionID identifies one committed entry in the transaction log.
// Zero means "no transactions yet".
type TransactionID uint64

// Command is the operation kind of a notify entry. The byte values are the
// single letters used by the listener stream and the classic transaction
// line format.
type Command byte

const (
	CommandUnknown Command = 0
	CommandAdd     Command = 'a'
	CommandModify  Command = 'm'
	CommandDelete  Command = 'd'
)

var commandNames = map[Command]string{
	CommandAdd:    "add",
	CommandModify: "modify",
	CommandDelete: "delete",
}

// String returns the lower-case operation name.
func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", byte(c))
}

// Valid reports whether c is one of Add, Modify or Delete.
func (c Command) Valid() bool {
	_, ok := commandNames[c]
	return ok
}

// ParseCommand maps a listener command letter to a Command.
func ParseCommand(b byte) (Command, error) {
	c := Command(b)
	if !c.Valid() {
		return CommandUnknown, fmt.Errorf("unknown command %q", b)
	}
	return c, nil
}

// NotifyEntry is one record of a logical change. Rename metadata is only set
// on entries derived from a rename.
type NotifyEntry struct {
	ID           TransactionID `msgpack:"id"`
	DN           string        `msgpack:"dn"`
	Command      Command       `msgpack:"cmd"`
	NewRDN       string        `msgpack:"newrdn,omitempty"`
	NewSuperior  string        `msgpack:"newsup,omitempty"`
	DeleteOldRDN bool          `msgpack:"delold,omitempty"`
	Body         []byte        `msgpack:"body,omitempty"`
	CommitTS     int64         `msgpack:"ts"` // unix ms, stamped at append
}

// IsRename reports whether the entry carries rename metadata.
func (e *NotifyEntry) IsRename() bool {
	return e.DeleteOldRDN || e.NewRDN != ""
}

// String renders the entry in the one-line transaction format "<id> <dn> <c>".
func (e *NotifyEntry) String() string {
	return fmt.Sprintf("%d %s %c", e.ID, e.DN, byte(e.Command))
}

// Dump renders every field, one per line, for debug logging.
func (e *NotifyEntry) Dump() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "id: %d\n", e.ID)
	fmt.Fprintf(&sb, "dn: %s\n", e.DN)
	fmt.Fprintf(&sb, "command: %s\n", e.Command)
	if e.IsRename() {
		fmt.Fprintf(&sb, "newrdn: %s\n", e.NewRDN)
		fmt.Fprintf(&sb, "newsuperior: %s\n", e.NewSuperior)
		fmt.Fprintf(&sb, "deleteoldrdn: %t\n", e.DeleteOldRDN)
	}
	fmt.Fprintf(&sb, "body: %d bytes\n", len(e.Body))
	return sb.String()
}

// Clone returns a deep copy of the entry.
func (e *NotifyEntry) Clone() *NotifyEntry {
	c := *e
	if e.Body != nil {
		c.Body = bytes.Clone(e.Body)
	}
	return &c
}

// Equal compares every field including the body.
func (e *NotifyEntry) Equal(o *NotifyEntry) bool {
	if e == nil || o == nil {
		return e == o
	}
	return e.ID == o.ID &&
		e.DN == o.DN &&
		e.Command == o.Command &&
		e.NewRDN == o.NewRDN &&
		e.NewSuperior == o.NewSuperior &&
		e.DeleteOldRDN == o.DeleteOldRDN &&
		e.CommitTS == o.CommitTS &&
		bytes.Equal(e.Body, o.Body)
}
