//go:build windows

package monitor

import "io/fs"

// allocatedBytes falls back to the logical size; NTFS does not report
// allocation through FileInfo.
func allocatedBytes(info fs.FileInfo) int64 {
	return info.Size()
}
