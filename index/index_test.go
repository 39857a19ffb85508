package index

import (
	"context"
	"testing"

	"github.com/INLOpen/dirindex/core"
	"github.com/INLOpen/dirindex/entryid"
	"github.com/INLOpen/dirindex/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingObserver struct{ n int }

func (o *countingObserver) EntryLimitExceeded(string) { o.n++ }

func newTestIndex(t *testing.T, limit int) (*KeyIndex, *countingObserver) {
	t.Helper()
	obs := &countingObserver{}
	idx, err := New(testutil.NewTable(t, "sn.equality"), Options{
		Name:       "sn.equality",
		EntryLimit: limit,
		Logger:     testutil.DiscardLogger(),
		Metrics:    obs,
	})
	require.NoError(t, err)
	return idx, obs
}

func TestNew_RequiresName(t *testing.T) {
	_, err := New(testutil.NewTable(t, "x"), Options{})
	assert.ErrorIs(t, err, ErrEmptyName)
}

func TestKeyIndex_ReadMissingKeyIsEmpty(t *testing.T) {
	idx, _ := newTestIndex(t, 0)
	set, err := idx.ReadKey(context.Background(), []byte("nobody"))
	require.NoError(t, err)
	assert.True(t, set.IsDefined())
	assert.True(t, set.IsEmpty())
}

func TestKeyIndex_EntryLimitIsOneWay(t *testing.T) {
	ctx := context.Background()
	idx, obs := newTestIndex(t, 3)
	key := []byte("smith")

	require.NoError(t, idx.ApplyDelta(ctx, key, []entryid.ID{1, 2}, nil))
	require.NoError(t, idx.ApplyDelta(ctx, key, []entryid.ID{3}, nil))
	set, err := idx.ReadKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []entryid.ID{1, 2, 3}, set.IDs())

	require.NoError(t, idx.ApplyDelta(ctx, key, []entryid.ID{4}, nil))
	set, err = idx.ReadKey(ctx, key)
	require.NoError(t, err)
	assert.True(t, set.IsUnbounded())
	assert.Equal(t, 1, obs.n)
	assert.Equal(t, uint64(1), idx.LimitExceededCount())

	require.NoError(t, idx.ApplyDelta(ctx, key, nil, []entryid.ID{1}))
	set, err = idx.ReadKey(ctx, key)
	require.NoError(t, err)
	assert.True(t, set.IsUnbounded(), "delete must not shrink an unbounded record")
	assert.Equal(t, 1, obs.n)
}

func TestKeyIndex_DeltaRemovesEmptyKey(t *testing.T) {
	ctx := context.Background()
	idx, _ := newTestIndex(t, 0)
	key := []byte("jones")

	require.NoError(t, idx.ApplyDelta(ctx, key, []entryid.ID{7}, nil))
	require.NoError(t, idx.ApplyDelta(ctx, key, nil, []entryid.ID{7}))

	_, found, err := idx.tbl.Get(key)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestKeyIndex_WriteKey(t *testing.T) {
	ctx := context.Background()
	idx, obs := newTestIndex(t, 2)

	require.NoError(t, idx.WriteKey(ctx, []byte("a"), entryid.NewDefined(1, 2)))
	require.NoError(t, idx.WriteKey(ctx, []byte("b"), entryid.NewDefined(1, 2, 3)))
	require.NoError(t, idx.WriteKey(ctx, []byte("c"), entryid.Unbounded()))

	a, err := idx.ReadKey(ctx, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []entryid.ID{1, 2}, a.IDs())

	b, err := idx.ReadKey(ctx, []byte("b"))
	require.NoError(t, err)
	assert.True(t, b.IsUnbounded())
	assert.Equal(t, 1, obs.n)

	c, err := idx.ReadKey(ctx, []byte("c"))
	require.NoError(t, err)
	assert.True(t, c.IsUnbounded())

	// Writing an empty set removes the key.
	require.NoError(t, idx.WriteKey(ctx, []byte("a"), entryid.Set{}))
	_, found, err := idx.tbl.Get([]byte("a"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestKeyIndex_ReadRange(t *testing.T) {
	ctx := context.Background()
	idx, _ := newTestIndex(t, 0)
	for i, k := range []string{"b", "c", "d", "e"} {
		require.NoError(t, idx.WriteKey(ctx, []byte(k), entryid.NewDefined(entryid.ID(i+1), 100)))
	}

	tests := []struct {
		name       string
		low, high  []byte
		lowIncl    bool
		highIncl   bool
		expected   []entryid.ID
	}{
		{"closed", []byte("c"), []byte("d"), true, true, []entryid.ID{2, 3, 100}},
		{"open high", []byte("d"), nil, true, false, []entryid.ID{3, 4, 100}},
		{"open low", nil, []byte("c"), false, true, []entryid.ID{1, 2, 100}},
		{"exclusive", []byte("b"), []byte("e"), false, false, []entryid.ID{2, 3, 100}},
		{"everything", nil, nil, false, false, []entryid.ID{1, 2, 3, 4, 100}},
		{"inverted", []byte("e"), []byte("b"), true, true, nil},
		{"point exclusive", []byte("c"), []byte("c"), false, true, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			set, err := idx.ReadRange(ctx, tc.low, tc.high, tc.lowIncl, tc.highIncl)
			require.NoError(t, err)
			require.True(t, set.IsDefined())
			assert.ElementsMatch(t, tc.expected, set.IDs())
		})
	}
}

func TestKeyIndex_ReadRangeUnbounded(t *testing.T) {
	ctx := context.Background()
	idx, _ := newTestIndex(t, 0)
	require.NoError(t, idx.WriteKey(ctx, []byte("a"), entryid.NewDefined(1)))
	require.NoError(t, idx.WriteKey(ctx, []byte("b"), entryid.Unbounded()))

	set, err := idx.ReadRange(ctx, nil, nil, false, false)
	require.NoError(t, err)
	assert.True(t, set.IsUnbounded())

	set, err = idx.ReadRange(ctx, nil, []byte("a"), false, true)
	require.NoError(t, err)
	assert.Equal(t, []entryid.ID{1}, set.IDs())
}

func TestKeyIndex_RangeLimit(t *testing.T) {
	ctx := context.Background()
	idx, err := New(testutil.NewTable(t, "age.ordering"), Options{Name: "age.ordering", RangeLimit: 3})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, idx.WriteKey(ctx, []byte{byte('a' + i)}, entryid.NewDefined(entryid.ID(i))))
	}
	set, err := idx.ReadRange(ctx, []byte("a"), []byte("c"), true, true)
	require.NoError(t, err)
	assert.Equal(t, 3, set.Len())

	set, err = idx.ReadRange(ctx, nil, nil, false, false)
	require.NoError(t, err)
	assert.True(t, set.IsUnbounded())
}

func TestKeyIndex_CorruptRecord(t *testing.T) {
	ctx := context.Background()
	idx, _ := newTestIndex(t, 0)
	require.NoError(t, idx.tbl.Put([]byte("bad"), []byte{0x05, 0x01}))

	_, err := idx.ReadKey(ctx, []byte("bad"))
	require.Error(t, err)
	assert.True(t, core.IsDecodeError(err))

	err = idx.ApplyDelta(ctx, []byte("bad"), []entryid.ID{1}, nil)
	assert.True(t, core.IsDecodeError(err))

	rep, err := Verify(ctx, idx)
	require.NoError(t, err)
	assert.False(t, rep.OK())
	assert.Len(t, rep.Problems, 1)
}

func TestKeyIndex_CanceledContext(t *testing.T) {
	idx, _ := newTestIndex(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := idx.ReadKey(ctx, []byte("a"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, idx.ApplyDelta(ctx, []byte("a"), []entryid.ID{1}, nil), context.Canceled)
}

func TestKeyIndex_TruncateAndEach(t *testing.T) {
	ctx := context.Background()
	idx, _ := newTestIndex(t, 0)
	require.NoError(t, idx.WriteKey(ctx, []byte("a"), entryid.NewDefined(1)))
	require.NoError(t, idx.WriteKey(ctx, []byte("b"), entryid.NewDefined(2)))

	var keys []string
	require.NoError(t, idx.Each(ctx, func(key []byte, _ entryid.Set) error {
		keys = append(keys, string(key))
		return nil
	}))
	assert.Equal(t, []string{"a", "b"}, keys)

	require.NoError(t, idx.Truncate(ctx))
	keys = keys[:0]
	require.NoError(t, idx.Each(ctx, func(key []byte, _ entryid.Set) error {
		keys = append(keys, string(key))
		return nil
	}))
	assert.Empty(t, keys)
}

func TestVerify(t *testing.T) {
	ctx := context.Background()
	idx, _ := newTestIndex(t, 2)
	require.NoError(t, idx.WriteKey(ctx, []byte("a"), entryid.NewDefined(1, 2)))
	require.NoError(t, idx.WriteKey(ctx, []byte("b"), entryid.NewDefined(3)))
	require.NoError(t, idx.WriteKey(ctx, []byte("c"), entryid.NewDefined(4, 5, 6)))

	rep, err := Verify(ctx, idx)
	require.NoError(t, err)
	assert.True(t, rep.OK(), rep.Problems)
	assert.Equal(t, 3, rep.Keys)
	assert.Equal(t, 1, rep.Unbounded)
	assert.Equal(t, 2, rep.MaxSize)

	// A record written behind the index's back that breaks the limit.
	require.NoError(t, idx.tbl.Put([]byte("d"), entryid.EncodeRecord(entryid.NewDefined(7, 8, 9))))
	rep, err = Verify(ctx, idx)
	require.NoError(t, err)
	assert.False(t, rep.OK())
}

func TestNullIndex(t *testing.T) {
	ctx := context.Background()
	idx, err := NewFor(testutil.NewTable(t, "x"), Options{Name: "cn.substring"}, false)
	require.NoError(t, err)
	assert.Equal(t, "cn.substring", idx.Name())
	require.NoError(t, idx.ApplyDelta(ctx, []byte("a"), []entryid.ID{1}, nil))
	require.NoError(t, idx.WriteKey(ctx, []byte("a"), entryid.Unbounded()))
	set, err := idx.ReadKey(ctx, []byte("a"))
	require.NoError(t, err)
	assert.True(t, set.IsDefined())
	assert.True(t, set.IsEmpty())

	idx, err = NewFor(testutil.NewTable(t, "y"), Options{Name: "cn.equality"}, true)
	require.NoError(t, err)
	assert.IsType(t, &KeyIndex{}, idx)
}

func TestKind(t *testing.T) {
	for _, k := range AllKinds() {
		parsed, ok := ParseKind(k.String())
		require.True(t, ok, k.String())
		assert.Equal(t, k, parsed)
	}
	k, ok := ParseKind("APPROX")
	assert.True(t, ok)
	assert.Equal(t, Approximate, k)
	_, ok = ParseKind("bogus")
	assert.False(t, ok)
}
