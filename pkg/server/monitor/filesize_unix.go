//go:build !windows

package monitor

import (
	"io/fs"
	"syscall"
)

// allocatedBytes is the space the file occupies on disk, counted in
// 512-byte stat blocks so sparse regions are excluded.
func allocatedBytes(info fs.FileInfo) int64 {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return int64(st.Blocks) * 512
	}
	return info.Size()
}
