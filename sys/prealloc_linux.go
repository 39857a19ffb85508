//go:build linux

package sys

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

func unsupportedErrno(err error) bool {
	return errors.Is(err, unix.ENOSYS) || errors.Is(err, unix.EINVAL) ||
		errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.ENOTTY)
}

// localFilesystem reports whether the filesystem magic is one fallocate is
// known to work on.
func localFilesystem(magic int64) bool {
	switch magic {
	case 0xEF53, // ext2/3/4
		0x58465342, // xfs
		0x9123683E, // btrfs
		0x01021994, // tmpfs
		0x794C7630, // overlayfs
		0xF2F52010, // f2fs
		0x2FC12FC1: // zfs
		return true
	}
	return false
}

// Preallocate reserves size bytes for f without changing its visible size.
func Preallocate(f *os.File, size int64) error {
	if size <= 0 {
		return nil
	}
	fd := int(f.Fd())

	var stat unix.Stat_t
	var dev uint64
	if err := unix.Fstat(fd, &stat); err == nil {
		dev = uint64(stat.Dev)
		if allow, ok := preallocCacheLoad(dev); ok {
			preallocCacheHits.Add(1)
			if !allow {
				return ErrPreallocNotSupported
			}
			return fallocate(fd, dev, size)
		}
		preallocCacheMisses.Add(1)
	}

	var st unix.Statfs_t
	if err := unix.Fstatfs(fd, &st); err != nil || !localFilesystem(int64(st.Type)) {
		if dev != 0 {
			preallocCacheStore(dev, false)
		}
		return ErrPreallocNotSupported
	}
	return fallocate(fd, dev, size)
}

func fallocate(fd int, dev uint64, size int64) error {
	err := unix.Fallocate(fd, unix.FALLOC_FL_KEEP_SIZE, 0, size)
	if err == nil {
		if dev != 0 {
			preallocCacheStore(dev, true)
		}
		return nil
	}
	if unsupportedErrno(err) {
		if dev != 0 {
			preallocCacheStore(dev, false)
		}
		return ErrPreallocNotSupported
	}
	return fmt.Errorf("preallocate fd=%d: %w", fd, err)
}
