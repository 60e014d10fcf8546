package dicomfs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/winfsp/cgofuse/fuse"
	"go.uber.org/zap"

	"github.com/GoogleCloudPlatform/healthcare-api-dicom-fuse/internal/logging"
)

// ErrMountFailed is returned when the host refuses the mount.
var ErrMountFailed = errors.New("mount failed")

// MountOptions returns the host options for goos.
func MountOptions(goos, mountPath string, uid, gid int) []string {
	switch goos {
	case "windows":
		return []string{"-o", "uid=-1,gid=-1", "--ThreadCount=16"}
	}
	opts := []string{
		"fsname=DICOMFuse",
		"negative_timeout=4",
		"attr_timeout=0",
		"ac_attr_timeout=0",
		"entry_timeout=0",
		fmt.Sprintf("uid=%d", uid),
		fmt.Sprintf("gid=%d", gid),
	}
	if goos == "darwin" {
		opts = append(opts,
			"noappledouble",
			"nolocalcaches",
			"defer_permissions",
			"volname="+filepath.Base(mountPath),
		)
	}
	return []string{"-o", strings.Join(opts, ",")}
}

// Mount serves fs at mountPath until ctx is cancelled or the host unmounts.
func Mount(ctx context.Context, fs *FS, mountPath string, opts []string) error {
	if err := os.MkdirAll(mountPath, 0o755); err != nil {
		return fmt.Errorf("create mount point: %w", err)
	}

	host := fuse.NewFileSystemHost(fs)
	host.SetCapReaddirPlus(false)

	logging.Info("mounting dataset", zap.String("mount_path", mountPath), zap.Strings("options", opts))

	// Mount blocks until the filesystem is unmounted.
	errCh := make(chan error, 1)
	go func() {
		if !host.Mount(mountPath, opts) {
			errCh <- fmt.Errorf("%s: %w", mountPath, ErrMountFailed)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logging.Info("unmounting", zap.String("mount_path", mountPath))
		host.Unmount()
		return <-errCh
	}
}
