package importer

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/INLOpen/dirindex/compressors"
	"github.com/INLOpen/dirindex/core"
	"github.com/INLOpen/dirindex/entryid"
	"github.com/INLOpen/dirindex/sys"
)

// Spill file layout:
//
//	header: u32 magic | u8 version | u8 compression
//	block:  u32 rawLen | u32 payloadLen | u32 crc32(payload) | payload
//
// A decompressed block holds records:
//
//	u32 keyLen | key | uvarint nAdd | delta adds | uvarint nDel | delta dels
const (
	spillMagic      uint32 = 0xD1A1D3E1
	spillVersion    byte   = 1
	spillHeaderSize        = 6
	blockHeaderSize        = 8 + core.ChecksumSize

	// maxBlockSize bounds a decompressed block, and so the largest record.
	maxBlockSize = 1024 * core.DefaultBlockSize
	// maxPayloadSize leaves room for the worst-case expansion of the codecs.
	maxPayloadSize = maxBlockSize + maxBlockSize/6 + 64
)

var (
	errBadMagic    = errors.New("bad spill magic")
	errBadVersion  = errors.New("unsupported spill version")
	errBadChecksum = errors.New("block checksum mismatch")
	errBadLength   = errors.New("decompressed block length mismatch")
	errShortRecord = errors.New("truncated record")
	errBlockSize   = errors.New("block size out of range")

	// ErrRecordTooLarge is returned when one record would not fit in a block.
	ErrRecordTooLarge = errors.New("importer: spill record exceeds the block size limit")
)

// SpillWriter writes one sorted run of merge records to a file. Records must
// be written in ascending comparator order.
type SpillWriter struct {
	path      string
	f         *os.File
	w         *bufio.Writer
	comp      core.Compressor
	block     *bytes.Buffer
	out       *bytes.Buffer
	blockSize int
	records   int
	scratch   [blockHeaderSize]byte
}

// NewSpillWriter creates path, which must not exist yet. sizeHint is used to
// preallocate the file and may be 0.
func NewSpillWriter(path string, ct core.CompressionType, sizeHint int64) (*SpillWriter, error) {
	comp, err := compressors.Get(ct)
	if err != nil {
		return nil, err
	}
	f, err := sys.CreateSized(path, sizeHint)
	if err != nil {
		return nil, fmt.Errorf("create spill file %s: %w", path, err)
	}
	w := &SpillWriter{
		path:      path,
		f:         f,
		w:         bufio.NewWriterSize(f, core.DefaultBlockSize),
		comp:      comp,
		block:     core.BufferPool.Get(),
		out:       core.BufferPool.Get(),
		blockSize: core.DefaultBlockSize,
	}
	var hdr [spillHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], spillMagic)
	hdr[4] = spillVersion
	hdr[5] = byte(ct)
	if _, err := w.w.Write(hdr[:]); err != nil {
		w.Abort()
		return nil, fmt.Errorf("write spill header %s: %w", path, err)
	}
	return w, nil
}

func (w *SpillWriter) Path() string { return w.path }

// Records returns the number of records written so far.
func (w *SpillWriter) Records() int { return w.records }

// Write appends one record. Adds and Dels must be ascending and unique.
func (w *SpillWriter) Write(rec core.Record) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(rec.Key)))
	w.block.Write(lenBuf[:])
	w.block.Write(rec.Key)
	buf := entryid.AppendIDs(w.block.AvailableBuffer(), rec.Adds)
	buf = entryid.AppendIDs(buf, rec.Dels)
	w.block.Write(buf)
	if w.block.Len() > maxBlockSize {
		return fmt.Errorf("%w: %d-byte key in %s", ErrRecordTooLarge, len(rec.Key), w.path)
	}
	w.records++
	if w.block.Len() >= w.blockSize {
		return w.flushBlock()
	}
	return nil
}

func (w *SpillWriter) flushBlock() error {
	if w.block.Len() == 0 {
		return nil
	}
	if err := w.comp.CompressTo(w.out, w.block.Bytes()); err != nil {
		return fmt.Errorf("compress spill block %s: %w", w.path, err)
	}
	payload := w.out.Bytes()
	binary.BigEndian.PutUint32(w.scratch[0:4], uint32(w.block.Len()))
	binary.BigEndian.PutUint32(w.scratch[4:8], uint32(len(payload)))
	binary.BigEndian.PutUint32(w.scratch[8:12], crc32.ChecksumIEEE(payload))
	if _, err := w.w.Write(w.scratch[:]); err != nil {
		return fmt.Errorf("write spill block %s: %w", w.path, err)
	}
	if _, err := w.w.Write(payload); err != nil {
		return fmt.Errorf("write spill block %s: %w", w.path, err)
	}
	w.block.Reset()
	return nil
}

// Close flushes the last block and syncs the file.
func (w *SpillWriter) Close() error {
	if w.f == nil {
		return nil
	}
	err := w.flushBlock()
	if err == nil {
		err = w.w.Flush()
	}
	if err == nil {
		err = w.f.Sync()
	}
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	w.release()
	return err
}

// Abort closes and removes a partially written file.
func (w *SpillWriter) Abort() {
	if w.f == nil {
		return
	}
	w.f.Close()
	sys.Remove(w.path)
	w.release()
}

func (w *SpillWriter) release() {
	core.BufferPool.Put(w.block)
	core.BufferPool.Put(w.out)
	w.block, w.out, w.f = nil, nil, nil
}

// SpillReader iterates the records of a spill file in file order.
type SpillReader struct {
	path   string
	f      *os.File
	r      *bufio.Reader
	comp   core.Compressor
	buf    *bytes.Buffer
	block  []byte
	pos    int
	offset int64 // file offset of the current block
	next   int64 // file offset of the following block
	cur    core.Record
	err    error
}

var _ core.IteratorInterface[core.Record] = (*SpillReader)(nil)

// OpenSpill opens a spill file and validates its header.
func OpenSpill(path string) (*SpillReader, error) {
	f, err := sys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open spill file %s: %w", path, err)
	}
	r := &SpillReader{path: path, f: f, r: bufio.NewReaderSize(f, core.DefaultBlockSize)}
	var hdr [spillHeaderSize]byte
	if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
		f.Close()
		return nil, r.decodeErr(0, fmt.Errorf("read header: %w", err))
	}
	if binary.BigEndian.Uint32(hdr[0:4]) != spillMagic {
		f.Close()
		return nil, r.decodeErr(0, errBadMagic)
	}
	if hdr[4] != spillVersion {
		f.Close()
		return nil, r.decodeErr(4, fmt.Errorf("%w: %d", errBadVersion, hdr[4]))
	}
	comp, err := compressors.Get(core.CompressionType(hdr[5]))
	if err != nil {
		f.Close()
		return nil, r.decodeErr(5, err)
	}
	r.comp = comp
	r.buf = core.BufferPool.Get()
	r.next = spillHeaderSize
	return r, nil
}

func (r *SpillReader) decodeErr(offset int64, err error) error {
	return &core.DecodeError{Source: "spill:" + r.path, Offset: offset, Err: err}
}

func (r *SpillReader) Next() bool {
	if r.err != nil || r.f == nil {
		return false
	}
	for r.pos >= len(r.block) {
		ok, err := r.loadBlock()
		if err != nil {
			r.err = err
			return false
		}
		if !ok {
			return false
		}
	}
	if err := r.decodeRecord(); err != nil {
		r.err = err
		return false
	}
	return true
}

func (r *SpillReader) loadBlock() (bool, error) {
	var hdr [blockHeaderSize]byte
	n, err := io.ReadFull(r.r, hdr[:])
	if err == io.EOF && n == 0 {
		return false, nil
	}
	r.offset = r.next
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return false, r.decodeErr(r.offset, fmt.Errorf("block header: %w", err))
		}
		return false, fmt.Errorf("read spill file %s: %w", r.path, err)
	}
	rawLen := binary.BigEndian.Uint32(hdr[0:4])
	payloadLen := binary.BigEndian.Uint32(hdr[4:8])
	sum := binary.BigEndian.Uint32(hdr[8:12])
	if rawLen > maxBlockSize || payloadLen > maxPayloadSize {
		return false, r.decodeErr(r.offset, fmt.Errorf("%w: raw %d, payload %d", errBlockSize, rawLen, payloadLen))
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return false, r.decodeErr(r.offset, fmt.Errorf("block payload: %w", io.ErrUnexpectedEOF))
		}
		return false, fmt.Errorf("read spill file %s: %w", r.path, err)
	}
	if crc32.ChecksumIEEE(payload) != sum {
		return false, r.decodeErr(r.offset, errBadChecksum)
	}
	rc, err := r.comp.Decompress(payload)
	if err != nil {
		return false, r.decodeErr(r.offset, err)
	}
	r.buf.Reset()
	_, err = r.buf.ReadFrom(rc)
	rc.Close()
	if err != nil {
		return false, r.decodeErr(r.offset, err)
	}
	if r.buf.Len() != int(rawLen) {
		return false, r.decodeErr(r.offset, fmt.Errorf("%w: got %d, want %d", errBadLength, r.buf.Len(), rawLen))
	}
	r.block = r.buf.Bytes()
	r.pos = 0
	r.next = r.offset + blockHeaderSize + int64(payloadLen)
	return true, nil
}

func (r *SpillReader) decodeRecord() error {
	b := r.block[r.pos:]
	at := r.offset + blockHeaderSize + int64(r.pos)
	if len(b) < 4 {
		return r.decodeErr(at, errShortRecord)
	}
	keyLen := int(binary.BigEndian.Uint32(b))
	if len(b) < 4+keyLen {
		return r.decodeErr(at, errShortRecord)
	}
	key := b[4 : 4+keyLen]
	n := 4 + keyLen
	adds, m, err := entryid.ReadIDs(b[n:])
	if err != nil {
		return r.decodeErr(at, fmt.Errorf("adds: %w", err))
	}
	n += m
	dels, m, err := entryid.ReadIDs(b[n:])
	if err != nil {
		return r.decodeErr(at, fmt.Errorf("dels: %w", err))
	}
	n += m
	r.cur = core.Record{Key: key, Adds: adds, Dels: dels}
	r.pos += n
	return nil
}

// At returns the current record. Its key aliases the reader's block buffer
// and is only valid until the next call to Next.
func (r *SpillReader) At() (core.Record, error) {
	if r.err != nil {
		return core.Record{}, r.err
	}
	return r.cur, nil
}

func (r *SpillReader) Error() error { return r.err }

func (r *SpillReader) Close() error {
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	core.BufferPool.Put(r.buf)
	r.f, r.buf, r.block = nil, nil, nil
	return err
}

// keyReader adapts a SpillReader to the key-only stream a VLV merge reads.
type keyReader struct {
	*SpillReader
}

func (k keyReader) At() ([]byte, error) {
	rec, err := k.SpillReader.At()
	return rec.Key, err
}
