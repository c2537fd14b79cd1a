//go:build unix

package metadata

import (
	"fmt"
	"io/fs"
	"syscall"
)

// owner extracts the numeric owner of an entry.
func owner(info fs.FileInfo) (uid, gid int, err error) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, fmt.Errorf("cannot extract stat data: expected *syscall.Stat_t, got %T", info.Sys())
	}
	return int(stat.Uid), int(stat.Gid), nil
}
