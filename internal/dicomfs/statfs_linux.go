package dicomfs

import (
	"github.com/winfsp/cgofuse/fuse"
	"golang.org/x/sys/unix"
)

// statfs reports the filesystem holding the staging directory, since that is
// where written bytes land before upload.
func (fs *FS) statfs(_ string, stat *fuse.Statfs_t) int {
	var st unix.Statfs_t
	if err := unix.Statfs(fs.opts.StagingDir, &st); err != nil {
		return -fuse.EIO
	}
	stat.Bsize = uint64(st.Bsize)
	stat.Frsize = uint64(st.Frsize)
	stat.Blocks = st.Blocks
	stat.Bfree = st.Bfree
	stat.Bavail = st.Bavail
	stat.Files = st.Files
	stat.Ffree = st.Ffree
	stat.Favail = st.Ffree
	stat.Namemax = uint64(st.Namelen)
	return 0
}
