//go:build !linux

package dicomfs

import "github.com/winfsp/cgofuse/fuse"

// EREMOTEIO is Linux only.
var errRemoteIO = -fuse.EIO

var errNoXattr = -fuse.ENOATTR
