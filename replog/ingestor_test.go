package replog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/maxpert/ldapnotify/common"
	"github.com/maxpert/ldapnotify/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIngestor(t *testing.T, format Format) (*Ingestor, string) {
	t.Helper()
	dir := t.TempDir()
	meta, err := db.OpenMetaStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	cursors, err := meta.Cursors(db.PrefixSourceCursor)
	require.NoError(t, err)

	path := filepath.Join(dir, format.Name())
	return NewIngestor(NewSource(format.Name(), path, cursors), format), path
}

func appendFile(t *testing.T, path, data string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func oldestFirst(b Batch) []*common.NotifyEntry {
	return b.Chain.Reverse().Entries()
}

func commitAll(t *testing.T, in *Ingestor, res *DrainResult) {
	t.Helper()
	for _, b := range res.Batches {
		require.NoError(t, in.Commit(b))
	}
	require.NoError(t, in.CommitSkipped(res))
}

func TestDrain_MissingFile(t *testing.T) {
	in, _ := newTestIngestor(t, ListenerFormat{})

	res, err := in.Drain()
	require.NoError(t, err)
	assert.Empty(t, res.Batches)
	assert.Zero(t, res.End)
}

func TestDrain_SingleRecords(t *testing.T) {
	in, path := newTestIngestor(t, ListenerFormat{})
	appendFile(t, path, "cn=a,dc=x a\ncn=b,dc=x m\ncn=c,dc=x d\n")

	res, err := in.Drain()
	require.NoError(t, err)
	require.Len(t, res.Batches, 3)

	want := []common.Command{common.CommandAdd, common.CommandModify, common.CommandDelete}
	for i, b := range res.Batches {
		assert.Equal(t, 1, b.Chain.Len())
		assert.Equal(t, want[i], b.Chain.Head().Command)
	}
	assert.Equal(t, "cn=b,dc=x", res.Batches[1].Chain.Head().DN)
	assert.Equal(t, uint64(len("cn=a,dc=x a\ncn=b,dc=x m\ncn=c,dc=x d\n")), res.End)
}

func TestDrain_FoldsRename(t *testing.T) {
	in, path := newTestIngestor(t, ListenerFormat{})
	appendFile(t, path, "uid=old,ou=people,dc=x r\nuid=new,ou=staff,dc=x a\n")

	res, err := in.Drain()
	require.NoError(t, err)
	require.Len(t, res.Batches, 1)

	entries := oldestFirst(res.Batches[0])
	require.Len(t, entries, 2)

	del, add := entries[0], entries[1]
	assert.Equal(t, common.CommandDelete, del.Command)
	assert.Equal(t, "uid=old,ou=people,dc=x", del.DN)
	assert.Equal(t, common.CommandAdd, add.Command)
	assert.Equal(t, "uid=new,ou=staff,dc=x", add.DN)

	for _, e := range entries {
		assert.True(t, e.DeleteOldRDN)
		assert.Equal(t, "uid=new", e.NewRDN)
		assert.Equal(t, "ou=staff,dc=x", e.NewSuperior)
	}
}

func TestDrain_NoFoldWhenSeparated(t *testing.T) {
	in, path := newTestIngestor(t, ListenerFormat{})
	appendFile(t, path, "uid=old,dc=x r\ncn=other,dc=x m\nuid=new,dc=x a\n")

	res, err := in.Drain()
	require.NoError(t, err)
	require.Len(t, res.Batches, 3)

	for _, b := range res.Batches {
		assert.Equal(t, 1, b.Chain.Len())
		assert.False(t, b.Chain.Head().IsRename())
	}
	assert.Equal(t, common.CommandDelete, res.Batches[0].Chain.Head().Command)
}

func TestDrain_PlainDeleteAndAddNeverFold(t *testing.T) {
	in, path := newTestIngestor(t, ListenerFormat{})
	appendFile(t, path, "uid=old,dc=x d\nuid=new,dc=x a\n")

	res, err := in.Drain()
	require.NoError(t, err)
	assert.Len(t, res.Batches, 2)
}

func TestDrain_SkipsMalformed(t *testing.T) {
	in, path := newTestIngestor(t, ListenerFormat{})
	appendFile(t, path, "cn=a,dc=x a\nthis is garbage\ncn=b,dc=x z\ncn=c,dc=x m\n")

	res, err := in.Drain()
	require.NoError(t, err)
	assert.Equal(t, 2, res.Skipped)
	require.Len(t, res.Batches, 2)
	assert.Equal(t, "cn=a,dc=x", res.Batches[0].Chain.Head().DN)
	assert.Equal(t, "cn=c,dc=x", res.Batches[1].Chain.Head().DN)
}

func TestDrain_MalformedSeparatesRename(t *testing.T) {
	in, path := newTestIngestor(t, ListenerFormat{})
	appendFile(t, path, "uid=old,dc=x r\n???\nuid=new,dc=x a\n")

	res, err := in.Drain()
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	require.Len(t, res.Batches, 2)
	assert.Equal(t, 1, res.Batches[0].Chain.Len())
}

func TestDrain_PartialTailNotConsumed(t *testing.T) {
	in, path := newTestIngestor(t, ListenerFormat{})
	appendFile(t, path, "cn=a,dc=x a\ncn=b,dc=")

	res, err := in.Drain()
	require.NoError(t, err)
	require.Len(t, res.Batches, 1)
	commitAll(t, in, res)
	assert.Equal(t, uint64(len("cn=a,dc=x a\n")), in.Source().Offset())

	appendFile(t, path, "x m\n")
	res, err = in.Drain()
	require.NoError(t, err)
	require.Len(t, res.Batches, 1)
	assert.Equal(t, "cn=b,dc=x", res.Batches[0].Chain.Head().DN)
}

func TestDrain_HoldsTrailingRename(t *testing.T) {
	in, path := newTestIngestor(t, ListenerFormat{})
	appendFile(t, path, "cn=a,dc=x m\nuid=old,dc=x r\n")

	res, err := in.Drain()
	require.NoError(t, err)
	assert.True(t, res.HeldBack)
	require.Len(t, res.Batches, 1)
	commitAll(t, in, res)
	assert.Equal(t, uint64(len("cn=a,dc=x m\n")), in.Source().Offset())

	appendFile(t, path, "uid=new,dc=x a\n")
	res, err = in.Drain()
	require.NoError(t, err)
	assert.False(t, res.HeldBack)
	require.Len(t, res.Batches, 1)
	assert.Equal(t, 2, res.Batches[0].Chain.Len())
}

func TestDrain_UncommittedIsReplayed(t *testing.T) {
	in, path := newTestIngestor(t, ListenerFormat{})
	appendFile(t, path, "cn=a,dc=x a\ncn=b,dc=x a\n")

	res, err := in.Drain()
	require.NoError(t, err)
	require.Len(t, res.Batches, 2)
	require.NoError(t, in.Commit(res.Batches[0]))

	// the second append "failed": nothing else committed
	res, err = in.Drain()
	require.NoError(t, err)
	require.Len(t, res.Batches, 1)
	assert.Equal(t, "cn=b,dc=x", res.Batches[0].Chain.Head().DN)
}

func TestDrain_CommittedNotReprocessed(t *testing.T) {
	in, path := newTestIngestor(t, ListenerFormat{})
	appendFile(t, path, "cn=a,dc=x a\n")

	res, err := in.Drain()
	require.NoError(t, err)
	commitAll(t, in, res)

	res, err = in.Drain()
	require.NoError(t, err)
	assert.Empty(t, res.Batches)
}

func TestDrain_TrailingMalformedCommittedBySkip(t *testing.T) {
	in, path := newTestIngestor(t, ListenerFormat{})
	appendFile(t, path, "cn=a,dc=x a\nbad\n")

	res, err := in.Drain()
	require.NoError(t, err)
	commitAll(t, in, res)
	assert.Equal(t, uint64(len("cn=a,dc=x a\nbad\n")), in.Source().Offset())
}

func TestDrain_TruncatedSourceResets(t *testing.T) {
	in, path := newTestIngestor(t, ListenerFormat{})
	appendFile(t, path, "cn=a,dc=x a\ncn=b,dc=x a\n")

	res, err := in.Drain()
	require.NoError(t, err)
	commitAll(t, in, res)

	require.NoError(t, os.WriteFile(path, []byte("cn=c,dc=x d\n"), 0644))

	res, err = in.Drain()
	require.NoError(t, err)
	require.Len(t, res.Batches, 1)
	assert.Equal(t, "cn=c,dc=x", res.Batches[0].Chain.Head().DN)
}

const slapdBlocks = `replica: ldap.example.com:7389
time: 1112222333
dn: uid=alice,ou=people,dc=x
changetype: add
objectClass: person
uid: alice

replica: ldap.example.com:7389
time: 1112222334
dn: uid=alice,ou=people,dc=x
changetype: modify
replace: mail
mail: alice@example.com
-

dn: uid=bob,ou=people,dc=x
changetype: delete

`

func TestDrain_SlapdReplog(t *testing.T) {
	for name, eol := range map[string]string{"lf": "\n", "crlf": "\r\n"} {
		t.Run(name, func(t *testing.T) {
			in, path := newTestIngestor(t, SlapdFormat{})
			data := strings.ReplaceAll(slapdBlocks, "\n", eol)
			appendFile(t, path, data)

			res, err := in.Drain()
			require.NoError(t, err)
			assert.Zero(t, res.Skipped)
			require.Len(t, res.Batches, 3)
			assert.Equal(t, uint64(len(data)), res.End)

			add := res.Batches[0].Chain.Head()
			assert.Equal(t, common.CommandAdd, add.Command)
			assert.Equal(t, "uid=alice,ou=people,dc=x", add.DN)
			assert.Contains(t, string(add.Body), "objectClass: person")

			mod := res.Batches[1].Chain.Head()
			assert.Equal(t, common.CommandModify, mod.Command)
			assert.Contains(t, string(mod.Body), "mail: alice@example.com")

			del := res.Batches[2].Chain.Head()
			assert.Equal(t, common.CommandDelete, del.Command)
			assert.Equal(t, "uid=bob,ou=people,dc=x", del.DN)
			assert.Nil(t, del.Body)
		})
	}
}

func TestDrain_SlapdPartialCRLFBlock(t *testing.T) {
	in, path := newTestIngestor(t, SlapdFormat{})
	appendFile(t, path, "dn: cn=a,dc=x\r\nchangetype: delete\r\n")

	res, err := in.Drain()
	require.NoError(t, err)
	assert.Empty(t, res.Batches)

	appendFile(t, path, "\r\n")
	res, err = in.Drain()
	require.NoError(t, err)
	require.Len(t, res.Batches, 1)
	assert.Equal(t, "cn=a,dc=x", res.Batches[0].Chain.Head().DN)
}

func TestDrain_BoundedWindow(t *testing.T) {
	in, path := newTestIngestor(t, ListenerFormat{})
	appendFile(t, path, "cn=a,dc=x m\ncn=b,dc=x m\ncn=c,dc=x m\n")
	in.SetMaxPending(len("cn=a,dc=x m\n") + 3)

	var dns []string
	for range 3 {
		res, err := in.Drain()
		require.NoError(t, err)
		require.Len(t, res.Batches, 1)
		dns = append(dns, res.Batches[0].Chain.Head().DN)
		require.NoError(t, in.Commit(res.Batches[0]))
	}
	assert.Equal(t, []string{"cn=a,dc=x", "cn=b,dc=x", "cn=c,dc=x"}, dns)

	res, err := in.Drain()
	require.NoError(t, err)
	assert.Empty(t, res.Batches)
	assert.False(t, res.More)
}

func TestDrain_BoundedWindowReportsMore(t *testing.T) {
	in, path := newTestIngestor(t, ListenerFormat{})
	appendFile(t, path, "cn=a,dc=x m\ncn=b,dc=x m\n")
	in.SetMaxPending(len("cn=a,dc=x m\n"))

	res, err := in.Drain()
	require.NoError(t, err)
	require.Len(t, res.Batches, 1)
	assert.True(t, res.More)
}

func TestDrain_RecordLargerThanWindow(t *testing.T) {
	in, path := newTestIngestor(t, SlapdFormat{})
	block := "dn: uid=big,dc=x\nchangetype: add\ndescription: " + strings.Repeat("x", 500) + "\n\n"
	appendFile(t, path, block)
	in.SetMaxPending(16)

	res, err := in.Drain()
	require.NoError(t, err)
	require.Len(t, res.Batches, 1)
	assert.Equal(t, "uid=big,dc=x", res.Batches[0].Chain.Head().DN)
	assert.Equal(t, uint64(len(block)), res.Batches[0].End)
	assert.False(t, res.More)
}

func TestCommit_CopiesRawBlocksToArchives(t *testing.T) {
	in, path := newTestIngestor(t, SlapdFormat{})
	dir := t.TempDir()
	forward, err := OpenArchive("forward", filepath.Join(dir, "orf", "replog"))
	require.NoError(t, err)
	defer forward.Close()
	save, err := OpenArchive("save", filepath.Join(dir, "replog.save"))
	require.NoError(t, err)
	defer save.Close()
	in.AddArchive(forward)
	in.AddArchive(save)

	appendFile(t, path, slapdBlocks)
	res, err := in.Drain()
	require.NoError(t, err)
	require.Len(t, res.Batches, 3)

	require.NoError(t, in.Commit(res.Batches[0]))
	require.NoError(t, in.Commit(res.Batches[1]))

	for _, p := range []string{filepath.Join(dir, "orf", "replog"), filepath.Join(dir, "replog.save")} {
		got, err := os.ReadFile(p)
		require.NoError(t, err)
		assert.Equal(t, slapdBlocks[:strings.Index(slapdBlocks, "dn: uid=bob")], string(got))
	}
	assert.Equal(t, res.Batches[1].End, in.Source().Offset())
}

func TestCommit_ArchiveFailureKeepsCursor(t *testing.T) {
	in, path := newTestIngestor(t, ListenerFormat{})
	archive, err := OpenArchive("save", filepath.Join(t.TempDir(), "save"))
	require.NoError(t, err)
	in.AddArchive(archive)
	require.NoError(t, archive.Close())

	appendFile(t, path, "cn=a,dc=x m\n")
	res, err := in.Drain()
	require.NoError(t, err)
	require.Len(t, res.Batches, 1)

	assert.Error(t, in.Commit(res.Batches[0]))
	assert.Zero(t, in.Source().Offset())
}

func TestDrain_SlapdModRDN(t *testing.T) {
	in, path := newTestIngestor(t, SlapdFormat{})
	appendFile(t, path, `dn: uid=old,ou=people,dc=x
changetype: modrdn
newrdn: uid=new
deleteoldrdn: 1
newsuperior: ou=staff,dc=x

dn: uid=keep,ou=people,dc=x
changetype: modrdn
newrdn: uid=kept
deleteoldrdn: 0

`)

	res, err := in.Drain()
	require.NoError(t, err)
	require.Len(t, res.Batches, 2)

	moved := oldestFirst(res.Batches[0])
	require.Len(t, moved, 2)
	assert.Equal(t, "uid=old,ou=people,dc=x", moved[0].DN)
	assert.Equal(t, common.CommandDelete, moved[0].Command)
	assert.Equal(t, "uid=new,ou=staff,dc=x", moved[1].DN)
	assert.Equal(t, common.CommandAdd, moved[1].Command)
	assert.True(t, moved[1].DeleteOldRDN)
	assert.Equal(t, "ou=staff,dc=x", moved[1].NewSuperior)

	renamed := oldestFirst(res.Batches[1])
	assert.Equal(t, "uid=kept,ou=people,dc=x", renamed[1].DN)
	assert.False(t, renamed[0].DeleteOldRDN)
}

func TestDrain_SlapdPartialBlock(t *testing.T) {
	in, path := newTestIngestor(t, SlapdFormat{})
	appendFile(t, path, "dn: cn=a,dc=x\nchangetype: delete\n\ndn: cn=b,dc=x\nchangetype: del")

	res, err := in.Drain()
	require.NoError(t, err)
	require.Len(t, res.Batches, 1)
	commitAll(t, in, res)

	appendFile(t, path, "ete\n\n")
	res, err = in.Drain()
	require.NoError(t, err)
	require.Len(t, res.Batches, 1)
	assert.Equal(t, "cn=b,dc=x", res.Batches[0].Chain.Head().DN)
}

func TestDrain_SlapdMalformedBlocks(t *testing.T) {
	in, path := newTestIngestor(t, SlapdFormat{})
	appendFile(t, path, "changetype: add\n\ndn: cn=a,dc=x\nchangetype: frobnicate\n\ndn: cn=b,dc=x\nchangetype: modrdn\n\ndn: cn=c,dc=x\nchangetype: delete\n\n")

	res, err := in.Drain()
	require.NoError(t, err)
	assert.Equal(t, 3, res.Skipped)
	require.Len(t, res.Batches, 1)
	assert.Equal(t, "cn=c,dc=x", res.Batches[0].Chain.Head().DN)
}

func TestSlapdFormat_Base64AndFolding(t *testing.T) {
	block := "dn:: Y249SsO8cmdlbixkYz14\nchangetype: mod\n ify\ndescription: a\n\n"

	rec, n, err := SlapdFormat{}.Next([]byte(block))
	require.NoError(t, err)
	assert.Equal(t, len(block), n)
	assert.Equal(t, "cn=Jürgen,dc=x", rec.DN)
	assert.Equal(t, common.CommandModify, rec.Command)
}

func TestListenerFormat(t *testing.T) {
	cases := []struct {
		line    string
		dn      string
		cmd     common.Command
		rename  bool
		invalid bool
	}{
		{line: "cn=a,dc=x a\n", dn: "cn=a,dc=x", cmd: common.CommandAdd},
		{line: "cn=with space,dc=x m\n", dn: "cn=with space,dc=x", cmd: common.CommandModify},
		{line: "cn=a,dc=x d\r\n", dn: "cn=a,dc=x", cmd: common.CommandDelete},
		{line: "cn=a,dc=x r\n", dn: "cn=a,dc=x", cmd: common.CommandDelete, rename: true},
		{line: "cn=a,dc=x\n", invalid: true},
		{line: " a\n", invalid: true},
		{line: "cn=a,dc=x x\n", invalid: true},
		{line: "\n", invalid: true},
	}

	for _, tc := range cases {
		rec, n, err := ListenerFormat{}.Next([]byte(tc.line))
		assert.Equal(t, len(tc.line), n, tc.line)
		if tc.invalid {
			assert.ErrorIs(t, err, ErrMalformed, tc.line)
			continue
		}
		require.NoError(t, err, tc.line)
		assert.Equal(t, tc.dn, rec.DN)
		assert.Equal(t, tc.cmd, rec.Command)
		assert.Equal(t, tc.rename, rec.Rename)
	}
}

func TestSplitDN(t *testing.T) {
	rdn, parent := splitDN(`cn=Doe\, John,ou=people,dc=x`)
	assert.Equal(t, `cn=Doe\, John`, rdn)
	assert.Equal(t, "ou=people,dc=x", parent)

	rdn, parent = splitDN("dc=x")
	assert.Equal(t, "dc=x", rdn)
	assert.Empty(t, parent)
}
