package id

import (
	"errors"
	"testing"

	"github.com/maxpert/ldapnotify/common"
	"github.com/maxpert/ldapnotify/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memCounter struct {
	values   map[string]uint64
	failNext bool
}

func newMemCounter() *memCounter {
	return &memCounter{values: make(map[string]uint64)}
}

func (m *memCounter) LoadUint64(name string) (uint64, error) {
	return m.values[name], nil
}

func (m *memCounter) StoreUint64(name string, v uint64) error {
	if m.failNext {
		m.failNext = false
		return errors.New("disk full")
	}
	m.values[name] = v
	return nil
}

func TestAllocator_NextIDStrictlyIncreasing(t *testing.T) {
	a := NewAllocator(newMemCounter())
	_, err := a.Recover(0)
	require.NoError(t, err)

	var prev common.TransactionID
	for i := 0; i < 100; i++ {
		id, err := a.NextID()
		require.NoError(t, err)
		assert.Greater(t, id, prev)
		prev = id
	}
	assert.Equal(t, common.TransactionID(100), a.Last())
}

func TestAllocator_FirstIDIsOne(t *testing.T) {
	a := NewAllocator(newMemCounter())
	_, err := a.Recover(0)
	require.NoError(t, err)

	id, err := a.NextID()
	require.NoError(t, err)
	assert.Equal(t, common.TransactionID(1), id)
}

func TestAllocator_RecoverIndexWins(t *testing.T) {
	c := newMemCounter()
	c.values[CounterName] = 57

	a := NewAllocator(c)
	last, err := a.Recover(55)
	require.NoError(t, err)
	assert.Equal(t, common.TransactionID(55), last)
	assert.Equal(t, uint64(55), c.values[CounterName])

	id, err := a.NextID()
	require.NoError(t, err)
	assert.Equal(t, common.TransactionID(56), id)
}

func TestAllocator_RecoverCounterBehindIndex(t *testing.T) {
	c := newMemCounter()
	c.values[CounterName] = 3

	a := NewAllocator(c)
	last, err := a.Recover(10)
	require.NoError(t, err)
	assert.Equal(t, common.TransactionID(10), last)
	assert.Equal(t, uint64(10), c.values[CounterName])
}

func TestAllocator_PersistFailureDoesNotAdvance(t *testing.T) {
	c := newMemCounter()
	a := NewAllocator(c)
	_, err := a.Recover(0)
	require.NoError(t, err)

	c.failNext = true
	_, err = a.NextID()
	require.Error(t, err)
	assert.Equal(t, common.TransactionID(0), a.Last())

	id, err := a.NextID()
	require.NoError(t, err)
	assert.Equal(t, common.TransactionID(1), id)
}

func TestAllocator_Reset(t *testing.T) {
	c := newMemCounter()
	a := NewAllocator(c)
	_, err := a.Recover(0)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := a.NextID()
		require.NoError(t, err)
	}
	require.NoError(t, a.Reset(1))
	assert.Equal(t, uint64(1), c.values[CounterName])

	id, err := a.NextID()
	require.NoError(t, err)
	assert.Equal(t, common.TransactionID(2), id)
}

func TestAllocator_SurvivesRestartWithPebble(t *testing.T) {
	dir := t.TempDir()

	ms, err := db.OpenMetaStore(dir)
	require.NoError(t, err)
	a := NewAllocator(ms.Counters())
	_, err = a.Recover(0)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := a.NextID()
		require.NoError(t, err)
	}
	require.NoError(t, ms.Close())

	ms, err = db.OpenMetaStore(dir)
	require.NoError(t, err)
	defer ms.Close()

	stored, err := ms.Counters().LoadUint64(CounterName)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), stored)

	a = NewAllocator(ms.Counters())
	_, err = a.Recover(5)
	require.NoError(t, err)
	id, err := a.NextID()
	require.NoError(t, err)
	assert.Equal(t, common.TransactionID(6), id)
}
