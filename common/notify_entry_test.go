package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	for _, tc := range []struct {
		in   byte
		want Command
	}{
		{'a', CommandAdd},
		{'m', CommandModify},
		{'d', CommandDelete},
	} {
		got, err := ParseCommand(tc.in)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}

	_, err := ParseCommand('x')
	assert.Error(t, err)
	_, err = ParseCommand('r')
	assert.Error(t, err, "rename marker is not a stored command")
}

func TestNotifyEntryString(t *testing.T) {
	e := &NotifyEntry{ID: 42, DN: "uid=joe,cn=users,dc=example", Command: CommandModify}
	assert.Equal(t, "42 uid=joe,cn=users,dc=example m", e.String())
	assert.Equal(t, "modify", e.Command.String())
}

func TestNotifyEntryCloneIsDeep(t *testing.T) {
	e := &NotifyEntry{ID: 1, DN: "cn=a", Command: CommandAdd, Body: []byte("body")}
	c := e.Clone()
	require.True(t, e.Equal(c))

	c.Body[0] = 'B'
	assert.Equal(t, "body", string(e.Body))
	assert.False(t, e.Equal(c))
}

func TestNotifyEntryIsRename(t *testing.T) {
	assert.False(t, (&NotifyEntry{DN: "cn=a", Command: CommandDelete}).IsRename())
	assert.True(t, (&NotifyEntry{DN: "cn=a", Command: CommandDelete, DeleteOldRDN: true, NewRDN: "cn=b"}).IsRename())
}

func TestNotifyEntryDump(t *testing.T) {
	e := &NotifyEntry{ID: 7, DN: "cn=a", Command: CommandDelete, DeleteOldRDN: true, NewRDN: "cn=b", NewSuperior: "dc=x"}
	out := e.Dump()
	assert.Contains(t, out, "id: 7\n")
	assert.Contains(t, out, "newrdn: cn=b\n")
	assert.Contains(t, out, "deleteoldrdn: true\n")
}
