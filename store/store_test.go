package store

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func collect(t *testing.T, c Cursor) []string {
	t.Helper()
	defer c.Close()
	var keys []string
	for c.Next() {
		kv, err := c.At()
		require.NoError(t, err)
		keys = append(keys, string(kv.Key)+"="+string(kv.Value))
	}
	require.NoError(t, c.Error())
	return keys
}

func TestTable_GetPutDelete(t *testing.T) {
	s := openTestStore(t)
	tbl := s.MustTable("cn.equality")

	_, found, err := tbl.Get([]byte("alice"))
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, tbl.Put([]byte("alice"), []byte("1")))
	v, found, err := tbl.Get([]byte("alice"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "1", string(v))

	require.NoError(t, tbl.Put([]byte("empty"), []byte{}))
	v, found, err = tbl.Get([]byte("empty"))
	require.NoError(t, err)
	assert.True(t, found, "a zero-length value is still a stored record")
	assert.Len(t, v, 0)

	require.NoError(t, tbl.Delete([]byte("alice")))
	_, found, err = tbl.Get([]byte("alice"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestTable_Isolation(t *testing.T) {
	s := openTestStore(t)
	a := s.MustTable("a")
	ab := s.MustTable("ab")
	require.NoError(t, a.Put([]byte("k"), []byte("from-a")))
	require.NoError(t, ab.Put([]byte("k"), []byte("from-ab")))

	c, err := a.Scan(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"k=from-a"}, collect(t, c))

	require.NoError(t, a.Truncate())
	c, err = a.Scan(nil, nil)
	require.NoError(t, err)
	assert.Empty(t, collect(t, c))

	v, found, err := ab.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, found, "truncate must not leak into a table sharing the name prefix")
	assert.Equal(t, "from-ab", string(v))
}

func TestTable_ScanFloorAfter(t *testing.T) {
	s := openTestStore(t)
	tbl := s.MustTable("pages")
	for _, k := range []string{"", "b", "d", "f"} {
		require.NoError(t, tbl.Put([]byte(k), []byte("v"+k)))
	}

	c, err := tbl.Scan([]byte("b"), []byte("f"))
	require.NoError(t, err)
	assert.Equal(t, []string{"b=vb", "d=vd"}, collect(t, c))

	k, v, found, err := tbl.Floor([]byte("c"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "b", string(k))
	assert.Equal(t, "vb", string(v))

	k, _, found, err = tbl.Floor([]byte("d"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "d", string(k))

	k, _, found, err = tbl.Floor([]byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "", string(k), "the empty key is the floor of everything")

	next, found, err := tbl.After([]byte("b"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "d", string(next))

	_, found, err = tbl.After([]byte("f"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestTable_UpdateSerializesWriters(t *testing.T) {
	s := openTestStore(t)
	tbl := s.MustTable("counter")
	key := []byte("n")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := tbl.Update(key, func(old []byte, found bool) ([]byte, WriteOp, error) {
				return append(old, 'x'), Put, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	v, _, err := tbl.Get(key)
	require.NoError(t, err)
	assert.Len(t, v, 50, "no update may be lost")

	require.NoError(t, tbl.Update(key, func(old []byte, found bool) ([]byte, WriteOp, error) {
		return nil, Delete, nil
	}))
	_, found, err := tbl.Get(key)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBatch(t *testing.T) {
	s := openTestStore(t)
	tbl := s.MustTable("batch")
	b := tbl.NewBatch()
	require.NoError(t, b.Put([]byte("x"), []byte("1")))
	require.NoError(t, b.Put([]byte("y"), []byte("2")))
	assert.Equal(t, 2, b.Len())

	_, found, err := tbl.Get([]byte("x"))
	require.NoError(t, err)
	assert.False(t, found, "batch writes are invisible before commit")

	require.NoError(t, b.Commit())
	c, err := tbl.Scan(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"x=1", "y=2"}, collect(t, c))
}

func TestStore_InvalidNameAndClose(t *testing.T) {
	s, err := Open(Options{InMemory: true})
	require.NoError(t, err)
	_, err = s.Table("")
	assert.ErrorIs(t, err, ErrInvalidName)
	_, err = s.Table("bad\x00name")
	assert.ErrorIs(t, err, ErrInvalidName)

	tbl := s.MustTable("t")
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, tbl.Put([]byte("k"), []byte("v")), ErrClosed)
}
