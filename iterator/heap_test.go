package iterator

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sliceIter struct {
	keys   []string
	pos    int
	err    error
	closed bool
}

func newSliceIter(keys ...string) *sliceIter { return &sliceIter{keys: keys, pos: -1} }

func (s *sliceIter) Next() bool {
	if s.err != nil || s.pos+1 >= len(s.keys) {
		return false
	}
	s.pos++
	return true
}

func (s *sliceIter) At() ([]byte, error) { return []byte(s.keys[s.pos]), nil }
func (s *sliceIter) Error() error        { return s.err }
func (s *sliceIter) Close() error        { s.closed = true; return nil }

func identity(b []byte) []byte { return b }

func TestMergeHeap_Order(t *testing.T) {
	a := newSliceIter("a", "d", "f")
	b := newSliceIter("b", "d", "e")
	c := newSliceIter()
	m, err := NewMergeHeap([]coreIter{a, b, c}, identity, nil)
	require.NoError(t, err)
	assert.True(t, c.closed)

	type out struct {
		key string
		src int
	}
	var got []out
	for m.Len() > 0 {
		k, src := m.Peek()
		got = append(got, out{string(k), src})
		require.NoError(t, m.Next())
	}
	assert.Equal(t, []out{{"a", 0}, {"b", 1}, {"d", 0}, {"d", 1}, {"e", 1}, {"f", 0}}, got)
	assert.True(t, a.closed)
	assert.True(t, b.closed)
	assert.Nil(t, m.Key())
}

func TestMergeHeap_Comparator(t *testing.T) {
	reverse := func(x, y []byte) int { return -compare(x, y) }
	m, err := NewMergeHeap([]coreIter{newSliceIter("c", "a"), newSliceIter("b")}, identity, reverse)
	require.NoError(t, err)
	var keys []string
	for m.Len() > 0 {
		keys = append(keys, string(m.Key()))
		require.NoError(t, m.Next())
	}
	assert.Equal(t, []string{"c", "b", "a"}, keys)
}

func TestMergeHeap_Errors(t *testing.T) {
	boom := errors.New("boom")
	bad := newSliceIter("x")
	bad.err = boom
	other := newSliceIter("y")
	_, err := NewMergeHeap([]coreIter{bad, other}, identity, nil)
	assert.ErrorIs(t, err, boom)
	assert.True(t, other.closed)

	failing := newSliceIter("a", "b")
	m, err := NewMergeHeap([]coreIter{failing}, identity, nil)
	require.NoError(t, err)
	failing.err = boom
	assert.ErrorIs(t, m.Next(), boom)
	assert.Equal(t, 0, m.Len())

	open := newSliceIter("a")
	m, err = NewMergeHeap([]coreIter{open}, identity, nil)
	require.NoError(t, err)
	require.NoError(t, m.Close())
	assert.True(t, open.closed)
}
