//go:build unix

package archive

import (
	"fmt"
	"io/fs"
	"syscall"
	"time"
)

// statData holds platform-specific file metadata extracted from fs.FileInfo.
type statData struct {
	UID   int
	GID   int
	Dev   uint64
	Ino   uint64
	Nlink uint64
	Ctime time.Time
}

// extractStatData extracts Unix-specific stat data from a FileInfo.
// Returns an error if the underlying Sys() type is not *syscall.Stat_t.
func extractStatData(info fs.FileInfo) (*statData, error) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return nil, fmt.Errorf("cannot extract stat data: expected *syscall.Stat_t, got %T", info.Sys())
	}

	return &statData{
		UID:   int(stat.Uid),
		GID:   int(stat.Gid),
		Dev:   uint64(stat.Dev),
		Ino:   uint64(stat.Ino),
		Nlink: uint64(stat.Nlink),
		Ctime: time.Unix(stat.Ctim.Sec, stat.Ctim.Nsec),
	}, nil
}

// changedDuringRead reports whether a file was modified while it was being
// archived, by comparing size, mtime and ctime.
func changedDuringRead(before, after fs.FileInfo, s1, s2 *statData) bool {
	return before.Size() != after.Size() ||
		!before.ModTime().Equal(after.ModTime()) ||
		!s1.Ctime.Equal(s2.Ctime)
}
