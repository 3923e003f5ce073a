package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dns(c *Chain) []string {
	out := make([]string, 0, c.Len())
	for _, e := range c.Entries() {
		out = append(out, e.DN)
	}
	return out
}

func TestNewChainHeadIsNewest(t *testing.T) {
	c, err := NewChain(
		&NotifyEntry{DN: "cn=a", Command: CommandDelete},
		&NotifyEntry{DN: "cn=b", Command: CommandAdd},
	)
	require.NoError(t, err)

	assert.Equal(t, 2, c.Len())
	assert.Equal(t, "cn=b", c.Head().DN)
	assert.Equal(t, []string{"cn=b", "cn=a"}, dns(c))
}

func TestNewChainRejectsEmpty(t *testing.T) {
	_, err := NewChain()
	assert.ErrorIs(t, err, ErrEmptyChain)
}

func TestChainReverseDoesNotMutate(t *testing.T) {
	c, err := NewChain(
		&NotifyEntry{DN: "cn=1"},
		&NotifyEntry{DN: "cn=2"},
		&NotifyEntry{DN: "cn=3"},
	)
	require.NoError(t, err)

	r := c.Reverse()
	assert.Equal(t, []string{"cn=1", "cn=2", "cn=3"}, dns(r))
	assert.Equal(t, []string{"cn=3", "cn=2", "cn=1"}, dns(c))
}

func TestChainReverseTwiceIsIdentity(t *testing.T) {
	for n := 1; n <= 5; n++ {
		entries := make([]*NotifyEntry, n)
		for i := range entries {
			entries[i] = &NotifyEntry{DN: string(rune('a' + i))}
		}
		c, err := NewChain(entries...)
		require.NoError(t, err)

		assert.Equal(t, dns(c), dns(c.Reverse().Reverse()), "n=%d", n)
	}
}

func TestChainEntriesIsCopy(t *testing.T) {
	c, err := NewChain(&NotifyEntry{DN: "cn=x"})
	require.NoError(t, err)

	links := c.Entries()
	links[0] = &NotifyEntry{DN: "cn=other"}
	assert.Equal(t, "cn=x", c.Head().DN)
}

func TestZeroChainHead(t *testing.T) {
	var c Chain
	assert.Nil(t, c.Head())
	assert.Equal(t, 0, c.Len())
}
