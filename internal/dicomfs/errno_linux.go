package dicomfs

import (
	"github.com/winfsp/cgofuse/fuse"
	"golang.org/x/sys/unix"
)

// errRemoteIO is returned for failed remote calls.
var errRemoteIO = -int(unix.EREMOTEIO)

var errNoXattr = -fuse.ENODATA
