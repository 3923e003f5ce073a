package common

import "errors"

// ErrEmptyChain is returned when a chain without entries is built or appended.
var ErrEmptyChain = errors.New("entry chain is empty")

// Chain is an ordered group of entries forming one logical transaction.
// Links are kept head first: the head is the most recently pushed entry, so
// a chain built while reading a source holds its entries newest first.
// Reverse yields the oldest-first order used for id assignment.
type Chain struct {
	links []*NotifyEntry
}

// NewChain builds a chain from entries given in arrival order. The last
// argument becomes the head.
func NewChain(entries ...*NotifyEntry) (*Chain, error) {
	if len(entries) == 0 {
		return nil, ErrEmptyChain
	}
	c := &Chain{links: make([]*NotifyEntry, 0, len(entries))}
	for _, e := range entries {
		c.Push(e)
	}
	return c, nil
}

// Push links e in front of the current head.
func (c *Chain) Push(e *NotifyEntry) {
	c.links = append(c.links, nil)
	copy(c.links[1:], c.links)
	c.links[0] = e
}

// Head returns the first link, or nil for a zero Chain.
func (c *Chain) Head() *NotifyEntry {
	if len(c.links) == 0 {
		return nil
	}
	return c.links[0]
}

// Len returns the number of links.
func (c *Chain) Len() int {
	return len(c.links)
}

// Entries returns the links in head-first order. The slice is a copy; the
// entries are shared.
func (c *Chain) Entries() []*NotifyEntry {
	out := make([]*NotifyEntry, len(c.links))
	copy(out, c.links)
	return out
}

// Reverse returns a new chain with the link order inverted. The receiver is
// left untouched.
func (c *Chain) Reverse() *Chain {
	out := &Chain{links: make([]*NotifyEntry, len(c.links))}
	for i, e := range c.links {
		out.links[len(c.links)-1-i] = e
	}
	return out
}
