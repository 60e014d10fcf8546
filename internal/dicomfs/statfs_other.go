//go:build !linux

package dicomfs

import "github.com/winfsp/cgofuse/fuse"

// statfs reports a fixed 1 TiB free volume at the root.
func (fs *FS) statfs(path string, stat *fuse.Statfs_t) int {
	if path != "/" {
		return 0
	}
	stat.Bsize = 4096
	stat.Frsize = 1 << 20
	stat.Blocks = 1 << 20
	stat.Bfree = 1 << 20
	stat.Bavail = 1 << 20
	return 0
}
