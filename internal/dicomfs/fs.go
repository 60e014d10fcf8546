// Package dicomfs serves the DICOM hierarchy through the cgofuse path API.
package dicomfs

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/winfsp/cgofuse/fuse"
	"go.uber.org/zap"

	"github.com/GoogleCloudPlatform/healthcare-api-dicom-fuse/internal/dicompath"
	"github.com/GoogleCloudPlatform/healthcare-api-dicom-fuse/internal/hierarchy"
	"github.com/GoogleCloudPlatform/healthcare-api-dicom-fuse/internal/logging"
	"github.com/GoogleCloudPlatform/healthcare-api-dicom-fuse/internal/metrics"
	"github.com/GoogleCloudPlatform/healthcare-api-dicom-fuse/pkg/models"
)

const invalidFh = ^uint64(0)

// Lister fetches complete directory memberships from the remote store.
type Lister interface {
	Stores(ctx context.Context) ([]models.Store, error)
	Studies(ctx context.Context, storeID string) ([]models.Study, error)
	Series(ctx context.Context, storeID, studyUID string) ([]models.Series, error)
	Instances(ctx context.Context, storeID, studyUID, seriesUID string) ([]models.Instance, error)
}

// Stager moves instance bytes between local staging files and the remote
// store.
type Stager interface {
	Open(ctx context.Context, p dicompath.Path) error
	Read(p dicompath.Path, buf []byte, off int64) (int, error)
	Write(p dicompath.Path, buf []byte, off int64) (int, error)
	Create(p dicompath.Path) error
	Flush(ctx context.Context, p dicompath.Path) error
	Delete(ctx context.Context, p dicompath.Path) error
}

// StoreCreator creates DICOM stores in the dataset.
type StoreCreator interface {
	CreateStore(ctx context.Context, storeID string) error
}

// Options tunes the dispatcher.
type Options struct {
	// EnableDeletion makes unlink delete instances remotely. When false,
	// unlink succeeds without doing anything.
	EnableDeletion bool
	// StagingDir is reported by statfs on Linux.
	StagingDir string
	// Forbidden overrides the deny-list of the running OS.
	Forbidden []string
}

// FS implements fuse.FileSystemInterface over the hierarchy cache and the
// staging engine.
type FS struct {
	parser *dicompath.Parser
	cache  *hierarchy.Cache
	lister Lister
	stager Stager
	stores StoreCreator
	opts   Options

	// caller reports the uid and gid of the process making the current call.
	caller func() (uid, gid uint32, pid int)

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	handles map[uint64]*handle
	nextFh  atomic.Uint64
}

// handle remembers the path a file was opened or created with, so a temp
// file keeps its identity until release.
type handle struct {
	path dicompath.Path
}

// New creates the dispatcher.
func New(parser *dicompath.Parser, cache *hierarchy.Cache, lister Lister, stager Stager, stores StoreCreator, opts Options) *FS {
	if opts.Forbidden == nil {
		opts.Forbidden = ForbiddenFor(runtime.GOOS)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &FS{
		parser:  parser,
		cache:   cache,
		lister:  lister,
		stager:  stager,
		stores:  stores,
		opts:    opts,
		caller:  fuse.Getcontext,
		ctx:     ctx,
		cancel:  cancel,
		handles: make(map[uint64]*handle),
	}
}

func (fs *FS) allocFh(h *handle) uint64 {
	fh := fs.nextFh.Add(1)
	fs.mu.Lock()
	fs.handles[fh] = h
	fs.mu.Unlock()
	return fh
}

func (fs *FS) getFh(fh uint64) *handle {
	if fh == invalidFh {
		return nil
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.handles[fh]
}

func (fs *FS) freeFh(fh uint64) *handle {
	fs.mu.Lock()
	h := fs.handles[fh]
	delete(fs.handles, fh)
	fs.mu.Unlock()
	return h
}

// OpenHandles returns the number of live file handles.
func (fs *FS) OpenHandles() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.handles)
}

// begin starts a call: it tags a context with an operation id and logs the
// call at debug level.
func (fs *FS) begin(op, path string) context.Context {
	ctx := logging.WithOperation(fs.ctx, op, path)
	logging.WithContext(ctx).Debug("fuse call")
	return ctx
}

func done(op string, errc int) int {
	metrics.RecordOp(op, errc)
	return errc
}

// pathOf prefers the path recorded on the handle and parses raw otherwise.
func (fs *FS) pathOf(raw string, fh uint64) (dicompath.Path, error) {
	if h := fs.getFh(fh); h != nil {
		return h.path, nil
	}
	return fs.parser.Parse(raw)
}

func (fs *FS) forbidden(path string) bool {
	return isForbidden(path, fs.opts.Forbidden)
}

// fixedTime is reported for every timestamp.
var fixedTime = fuse.NewTimespec(time.Unix(86400, 1000))

func (fs *FS) fillStat(p dicompath.Path, stat *fuse.Stat_t) error {
	uid, gid, _ := fs.caller()
	*stat = fuse.Stat_t{}
	stat.Uid = uid
	stat.Gid = gid
	stat.Nlink = 1
	stat.Blksize = 64 * 1024
	stat.Atim = fixedTime
	stat.Mtim = fixedTime
	stat.Ctim = fixedTime
	if runtime.GOOS == "darwin" || runtime.GOOS == "windows" {
		stat.Birthtim = fixedTime
	}

	if p.Level.IsDir() {
		stat.Mode = fuse.S_IFDIR | 0o777
		return nil
	}
	stat.Mode = fuse.S_IFREG | 0o666
	if p.Level == dicompath.Instance {
		content, err := fs.cache.Content(p)
		if err != nil {
			return err
		}
		stat.Size = content.Size()
	}
	return nil
}

// --- fuse.FileSystemInterface ---

func (fs *FS) Init() {
	logging.Info("filesystem initialized")
}

func (fs *FS) Destroy() {
	logging.Info("filesystem destroyed")
	fs.cancel()
}

func (fs *FS) Getattr(path string, stat *fuse.Stat_t, fh uint64) int {
	if fs.forbidden(path) {
		return done("getattr", -fuse.ENOENT)
	}
	ctx := fs.begin("getattr", path)
	p, err := fs.pathOf(path, fh)
	if err != nil {
		return done("getattr", -fuse.ENOENT)
	}
	if err := fs.cache.Resolve(ctx, p); err != nil {
		logging.WithContext(ctx).Debug("getattr: not resolved", zap.Error(err))
		return done("getattr", errno(err))
	}
	if err := fs.fillStat(p, stat); err != nil {
		return done("getattr", errno(err))
	}
	return done("getattr", 0)
}

func (fs *FS) Opendir(path string) (int, uint64) {
	ctx := fs.begin("opendir", path)
	p, err := fs.parser.Parse(path)
	if err != nil {
		return done("opendir", -fuse.ENOENT), invalidFh
	}
	if !p.Level.IsDir() {
		return done("opendir", -fuse.ENOTDIR), invalidFh
	}
	if err := fs.cache.Resolve(ctx, p); err != nil {
		return done("opendir", errno(err)), invalidFh
	}
	if err := fs.refresh(ctx, p); err != nil {
		logging.WithContext(ctx).Error("directory refresh failed", zap.Error(err))
		return done("opendir", errno(err)), invalidFh
	}
	return done("opendir", 0), 0
}

// refresh re-lists directory p when its membership has expired. Only the
// opened level is refreshed.
func (fs *FS) refresh(ctx context.Context, p dicompath.Path) error {
	stale, err := fs.cache.Stale(p)
	if err != nil || !stale {
		return err
	}
	switch p.Level {
	case dicompath.Dataset:
		stores, err := fs.lister.Stores(ctx)
		if err != nil {
			return err
		}
		fs.cache.RefreshStores(stores)
		return nil
	case dicompath.Store:
		studies, err := fs.lister.Studies(ctx, p.StoreID)
		if err != nil {
			return err
		}
		return fs.cache.RefreshStudies(p, studies)
	case dicompath.Study:
		series, err := fs.lister.Series(ctx, p.StoreID, p.StudyUID)
		if err != nil {
			return err
		}
		return fs.cache.RefreshSeries(p, series)
	case dicompath.Series:
		instances, err := fs.lister.Instances(ctx, p.StoreID, p.StudyUID, p.SeriesUID)
		if err != nil {
			return err
		}
		return fs.cache.RefreshInstances(p, instances)
	}
	return nil
}

func (fs *FS) Readdir(path string, fill func(name string, stat *fuse.Stat_t, ofst int64) bool, ofst int64, fh uint64) int {
	p, err := fs.parser.Parse(path)
	if err != nil {
		return done("readdir", -fuse.ENOENT)
	}
	names, err := fs.childNames(p)
	if err != nil {
		return done("readdir", errno(err))
	}

	fill(".", nil, 0)
	fill("..", nil, 0)
	for _, name := range names {
		if !fill(name, nil, 0) {
			break
		}
	}
	return done("readdir", 0)
}

// childNames lists the cached members of directory p. Pending temp files are
// not listed.
func (fs *FS) childNames(p dicompath.Path) ([]string, error) {
	var names []string
	switch p.Level {
	case dicompath.Dataset:
		for _, s := range fs.cache.ListStores() {
			names = append(names, s.ID())
		}
	case dicompath.Store:
		studies, err := fs.cache.ListStudies(p)
		if err != nil {
			return nil, err
		}
		for _, s := range studies {
			names = append(names, s.StudyUID)
		}
	case dicompath.Study:
		series, err := fs.cache.ListSeries(p)
		if err != nil {
			return nil, err
		}
		for _, s := range series {
			names = append(names, s.SeriesUID)
		}
	case dicompath.Series:
		instances, err := fs.cache.ListInstances(p)
		if err != nil {
			return nil, err
		}
		for _, i := range instances {
			names = append(names, i.InstanceUID+dicompath.Extension)
		}
	default:
		return nil, dicompath.ErrInvalidPath
	}
	return names, nil
}

func (fs *FS) Releasedir(path string, fh uint64) int {
	return 0
}

func (fs *FS) Open(path string, flags int) (int, uint64) {
	ctx := fs.begin("open", path)
	p, err := fs.parser.Parse(path)
	if err != nil {
		return done("open", -fuse.ENOENT), invalidFh
	}
	if p.Level.IsDir() {
		return done("open", -fuse.EISDIR), invalidFh
	}
	if p.Level == dicompath.Instance {
		if err := fs.cache.Resolve(ctx, p); err != nil {
			return done("open", errno(err)), invalidFh
		}
		if err := fs.stager.Open(ctx, p); err != nil {
			logging.WithContext(ctx).Error("staging download failed", zap.Error(err))
			return done("open", -fuse.EIO), invalidFh
		}
	}
	return done("open", 0), fs.allocFh(&handle{path: p})
}

func (fs *FS) Read(path string, buff []byte, ofst int64, fh uint64) int {
	p, err := fs.pathOf(path, fh)
	if err != nil {
		return done("read", -fuse.EIO)
	}
	n, err := fs.stager.Read(p, buff, ofst)
	if err != nil {
		logging.Error("read failed", zap.String("path", path), zap.Int64("offset", ofst), zap.Error(err))
		return done("read", -fuse.EIO)
	}
	return done("read", n)
}

func (fs *FS) Write(path string, buff []byte, ofst int64, fh uint64) int {
	p, err := fs.pathOf(path, fh)
	if err != nil {
		return done("write", -fuse.EIO)
	}
	n, err := fs.stager.Write(p, buff, ofst)
	if err != nil {
		logging.Error("write failed", zap.String("path", path), zap.Int64("offset", ofst), zap.Error(err))
		return done("write", -fuse.EIO)
	}
	return done("write", n)
}

func (fs *FS) Create(path string, flags int, mode uint32) (int, uint64) {
	if fs.forbidden(path) {
		return done("create", -fuse.ENOENT), invalidFh
	}
	ctx := fs.begin("create", path)
	p, err := fs.parser.ParseIntent(path, dicompath.Create)
	if err != nil {
		return done("create", -fuse.EIO), invalidFh
	}
	if err := fs.cache.Resolve(ctx, p.Parent()); err != nil {
		logging.WithContext(ctx).Error("create: parent not found", zap.Error(err))
		return done("create", -fuse.EIO), invalidFh
	}
	if err := fs.stager.Create(p); err != nil {
		logging.WithContext(ctx).Error("create failed", zap.Error(err))
		return done("create", -fuse.EIO), invalidFh
	}
	return done("create", 0), fs.allocFh(&handle{path: p})
}

func (fs *FS) Flush(path string, fh uint64) int {
	if fs.forbidden(path) {
		return done("flush", -fuse.ENOENT)
	}
	ctx := fs.begin("flush", path)
	p, err := fs.pathOf(path, fh)
	if err != nil {
		return done("flush", -fuse.ENOENT)
	}
	if err := fs.stager.Flush(ctx, p); err != nil {
		logging.WithContext(ctx).Error("upload failed", zap.Error(err))
		return done("flush", errRemoteIO)
	}
	return done("flush", 0)
}

func (fs *FS) Release(path string, fh uint64) int {
	fs.freeFh(fh)
	return 0
}

func (fs *FS) Unlink(path string) int {
	if !fs.opts.EnableDeletion {
		return done("unlink", 0)
	}
	if fs.forbidden(path) {
		return done("unlink", -fuse.ENOENT)
	}
	ctx := fs.begin("unlink", path)
	p, err := fs.parser.Parse(path)
	if err != nil || p.Level != dicompath.Instance {
		return done("unlink", -fuse.ENOENT)
	}
	if err := fs.stager.Delete(ctx, p); err != nil {
		logging.WithContext(ctx).Error("delete failed", zap.Error(err))
		return done("unlink", -fuse.EIO)
	}
	return done("unlink", 0)
}

func (fs *FS) Mkdir(path string, mode uint32) int {
	ctx := fs.begin("mkdir", path)
	p, err := fs.parser.Parse(path)
	if err != nil || p.Level != dicompath.Store {
		return done("mkdir", -fuse.EPERM)
	}
	if err := fs.stores.CreateStore(ctx, p.StoreID); err != nil {
		logging.WithContext(ctx).Error("store creation failed", zap.Error(err))
		return done("mkdir", -fuse.EPERM)
	}
	logging.WithContext(ctx).Info("store created", zap.String("store", p.StoreID))
	_ = fs.cache.Invalidate(dicompath.DatasetPath())
	return done("mkdir", 0)
}

func (fs *FS) Statfs(path string, stat *fuse.Statfs_t) int {
	return done("statfs", fs.statfs(path, stat))
}

func (fs *FS) Access(path string, mask uint32) int {
	return 0
}

func (fs *FS) Truncate(path string, size int64, fh uint64) int {
	return 0
}

func (fs *FS) Chmod(path string, mode uint32) int {
	return 0
}

func (fs *FS) Chown(path string, uid uint32, gid uint32) int {
	return 0
}

func (fs *FS) Utimens(path string, tmsp []fuse.Timespec) int {
	return 0
}

func (fs *FS) Fsync(path string, datasync bool, fh uint64) int {
	return 0
}

func (fs *FS) Fsyncdir(path string, datasync bool, fh uint64) int {
	return 0
}

func (fs *FS) Setxattr(path string, name string, value []byte, flags int) int {
	return 0
}

func (fs *FS) Getxattr(path string, name string) (int, []byte) {
	return errNoXattr, nil
}

func (fs *FS) Removexattr(path string, name string) int {
	return 0
}

func (fs *FS) Listxattr(path string, fill func(name string) bool) int {
	return 0
}

func (fs *FS) Rmdir(path string) int {
	return -fuse.ENOSYS
}

func (fs *FS) Rename(oldpath string, newpath string) int {
	return -fuse.ENOSYS
}

func (fs *FS) Mknod(path string, mode uint32, dev uint64) int {
	return -fuse.ENOSYS
}

func (fs *FS) Link(oldpath string, newpath string) int {
	return -fuse.ENOSYS
}

func (fs *FS) Symlink(target string, newpath string) int {
	return -fuse.ENOSYS
}

func (fs *FS) Readlink(path string) (int, string) {
	return -fuse.ENOSYS, ""
}

var _ fuse.FileSystemInterface = (*FS)(nil)
