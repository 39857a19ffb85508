package importer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/INLOpen/dirindex/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSpill(t *testing.T, path string, ct core.CompressionType, recs ...core.Record) string {
	t.Helper()
	w, err := NewSpillWriter(path, ct, 0)
	require.NoError(t, err)
	for _, r := range recs {
		require.NoError(t, w.Write(r))
	}
	require.Equal(t, len(recs), w.Records())
	require.NoError(t, w.Close())
	return path
}

func nilIfEmpty(ids []uint64) []uint64 {
	if len(ids) == 0 {
		return nil
	}
	return ids
}

func readSpill(t *testing.T, path string) []core.Record {
	t.Helper()
	r, err := OpenSpill(path)
	require.NoError(t, err)
	defer r.Close()
	var out []core.Record
	for r.Next() {
		rec, err := r.At()
		require.NoError(t, err)
		out = append(out, core.Record{
			Key:  append([]byte(nil), rec.Key...),
			Adds: nilIfEmpty(rec.Adds),
			Dels: nilIfEmpty(rec.Dels),
		})
	}
	require.NoError(t, r.Error())
	return out
}

func rec(key string, adds []uint64, dels ...uint64) core.Record {
	return core.Record{Key: []byte(key), Adds: adds, Dels: nilIfEmpty(dels)}
}

func ids(v ...uint64) []uint64 { return v }

func TestSpill_RoundTrip(t *testing.T) {
	var recs []core.Record
	for i := 0; i < 3000; i++ {
		var adds []uint64
		for j := 0; j < i%30; j++ {
			adds = append(adds, uint64(i*100+j*3))
		}
		var dels []uint64
		if i%7 == 0 {
			dels = []uint64{uint64(i)}
		}
		recs = append(recs, core.Record{Key: []byte(fmt.Sprintf("key-%06d", i)), Adds: nilIfEmpty(adds), Dels: dels})
	}

	for _, ct := range []core.CompressionType{core.CompressionNone, core.CompressionSnappy, core.CompressionLZ4, core.CompressionZSTD} {
		t.Run(ct.String(), func(t *testing.T) {
			path := writeSpill(t, filepath.Join(t.TempDir(), "run.spill"), ct, recs...)
			assert.Equal(t, recs, readSpill(t, path))
		})
	}
}

func TestSpill_Empty(t *testing.T) {
	path := writeSpill(t, filepath.Join(t.TempDir(), "empty.spill"), core.CompressionSnappy)
	assert.Empty(t, readSpill(t, path))
}

func TestSpill_WriterRefusesExistingFile(t *testing.T) {
	path := writeSpill(t, filepath.Join(t.TempDir(), "a.spill"), core.CompressionNone, rec("a", ids(1)))
	_, err := NewSpillWriter(path, core.CompressionNone, 0)
	assert.ErrorIs(t, err, os.ErrExist)
}

func TestSpill_Corruption(t *testing.T) {
	dir := t.TempDir()
	good := writeSpill(t, filepath.Join(dir, "good.spill"), core.CompressionNone,
		rec("a", ids(1, 2)), rec("b", ids(3)), rec("c", nil, 4))
	data, err := os.ReadFile(good)
	require.NoError(t, err)

	t.Run("checksum", func(t *testing.T) {
		bad := append([]byte(nil), data...)
		bad[spillHeaderSize+blockHeaderSize+2] ^= 0xFF
		path := filepath.Join(dir, "checksum.spill")
		require.NoError(t, os.WriteFile(path, bad, 0o644))

		r, err := OpenSpill(path)
		require.NoError(t, err)
		defer r.Close()
		assert.False(t, r.Next())
		assert.True(t, core.IsDecodeError(r.Error()))
		assert.True(t, errors.Is(r.Error(), errBadChecksum))
	})

	t.Run("truncated", func(t *testing.T) {
		path := filepath.Join(dir, "truncated.spill")
		require.NoError(t, os.WriteFile(path, data[:len(data)-3], 0o644))

		r, err := OpenSpill(path)
		require.NoError(t, err)
		defer r.Close()
		for r.Next() {
		}
		assert.True(t, core.IsDecodeError(r.Error()))
	})

	t.Run("block size", func(t *testing.T) {
		bad := append([]byte(nil), data...)
		binary.BigEndian.PutUint32(bad[spillHeaderSize+4:], 0xFFFFFFF0)
		path := filepath.Join(dir, "blocksize.spill")
		require.NoError(t, os.WriteFile(path, bad, 0o644))

		r, err := OpenSpill(path)
		require.NoError(t, err)
		defer r.Close()
		assert.False(t, r.Next())
		assert.True(t, core.IsDecodeError(r.Error()))
		assert.ErrorIs(t, r.Error(), errBlockSize)
	})

	t.Run("magic", func(t *testing.T) {
		bad := append([]byte(nil), data...)
		bad[0] = 0
		path := filepath.Join(dir, "magic.spill")
		require.NoError(t, os.WriteFile(path, bad, 0o644))

		_, err := OpenSpill(path)
		assert.True(t, core.IsDecodeError(err))
		assert.ErrorIs(t, err, errBadMagic)
	})

	t.Run("compression", func(t *testing.T) {
		bad := append([]byte(nil), data...)
		bad[5] = 99
		path := filepath.Join(dir, "compression.spill")
		require.NoError(t, os.WriteFile(path, bad, 0o644))

		_, err := OpenSpill(path)
		assert.True(t, core.IsDecodeError(err))
		assert.True(t, core.IsUnsupportedError(err))
	})
}

// corruptSpillPayload flips a byte inside the first block's payload.
func corruptSpillPayload(t *testing.T, path string) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[spillHeaderSize+blockHeaderSize] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestSpill_RecordTooLarge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.spill")
	w, err := NewSpillWriter(path, core.CompressionNone, 0)
	require.NoError(t, err)
	err = w.Write(core.Record{Key: make([]byte, maxBlockSize)})
	assert.ErrorIs(t, err, ErrRecordTooLarge)
	w.Abort()
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
