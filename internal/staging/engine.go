// Package staging materializes instance bytes in local files: downloads on
// open, accumulated writes before upload, and the commit on flush.
package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/GoogleCloudPlatform/healthcare-api-dicom-fuse/internal/dicompath"
	"github.com/GoogleCloudPlatform/healthcare-api-dicom-fuse/internal/hierarchy"
	"github.com/GoogleCloudPlatform/healthcare-api-dicom-fuse/internal/logging"
	"github.com/GoogleCloudPlatform/healthcare-api-dicom-fuse/internal/metrics"
	"github.com/GoogleCloudPlatform/healthcare-api-dicom-fuse/pkg/models"
)

// ErrNotStaged is returned when a read or write finds no local file.
var ErrNotStaged = errors.New("file not staged")

// Remote transfers instance bytes.
type Remote interface {
	DownloadInstance(ctx context.Context, storeID string, inst models.Instance, w io.Writer) error
	UploadInstance(ctx context.Context, storeID string, r io.Reader) error
	DeleteInstance(ctx context.Context, storeID string, inst models.Instance) error
}

// Config sizes the engine.
type Config struct {
	// Dir holds every staged file.
	Dir string
	// CacheSizeMB bounds staged downloads.
	CacheSizeMB int64
	// FilesTTL expires staged downloads.
	FilesTTL time.Duration
	// CleanupDelay is the grace period before a committed temp file is dropped.
	CleanupDelay time.Duration
	CleanupWorkers int
	CleanupQueue   int
}

// Engine is the staging engine. It shares the hierarchy cache and the
// pending-path registry with the dispatcher.
type Engine struct {
	cfg       Config
	cache     *hierarchy.Cache
	registry  *dicompath.Registry
	remote    Remote
	downloads *DownloadCache
	uploads   *UploadPaths
	cleanup   *Scheduler
}

// New creates an engine staging files under cfg.Dir.
func New(cfg Config, cache *hierarchy.Cache, registry *dicompath.Registry, remote Remote) (*Engine, error) {
	e := &Engine{
		cfg:      cfg,
		cache:    cache,
		registry: registry,
		remote:   remote,
		cleanup:  NewScheduler(cfg.CleanupWorkers, cfg.CleanupQueue, cfg.CleanupDelay),
	}
	var err error
	e.downloads, err = NewDownloadCache(cfg.Dir, cfg.CacheSizeMB, cfg.FilesTTL, e.fetch)
	if err != nil {
		return nil, err
	}
	e.uploads, err = NewUploadPaths(cfg.Dir)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Start runs the deferred cleanup workers until ctx is done or Close.
func (e *Engine) Start(ctx context.Context) {
	e.cleanup.Start(ctx)
}

// Close cancels pending cleanups and removes every staged file.
func (e *Engine) Close() error {
	e.cleanup.Stop()
	e.downloads.Purge()
	if err := os.RemoveAll(e.cfg.Dir); err != nil {
		return fmt.Errorf("remove staging dir: %w", err)
	}
	return nil
}

// Downloads exposes the download cache.
func (e *Engine) Downloads() *DownloadCache { return e.downloads }

// Uploads exposes the upload staging set.
func (e *Engine) Uploads() *UploadPaths { return e.uploads }

func (e *Engine) fetch(ctx context.Context, p dicompath.Path, w io.Writer) error {
	return e.remote.DownloadInstance(ctx, p.StoreID, instanceOf(p), w)
}

func instanceOf(p dicompath.Path) models.Instance {
	return models.Instance{StudyUID: p.StudyUID, SeriesUID: p.SeriesUID, InstanceUID: p.InstanceUID}
}

// Open stages the bytes of an instance and records its size the first time
// it becomes known. Other levels need no staging.
func (e *Engine) Open(ctx context.Context, p dicompath.Path) error {
	if p.Level != dicompath.Instance {
		return nil
	}
	local, err := e.downloads.Get(ctx, p)
	if err != nil {
		return err
	}
	content, err := e.cache.Content(p)
	if err != nil {
		return err
	}
	if content.Size() == 0 {
		info, err := os.Stat(local)
		if err != nil {
			return fmt.Errorf("stat staged file: %w", err)
		}
		content.SetSize(info.Size())
	}
	return nil
}

// Read copies staged bytes at off into buf. It never downloads.
func (e *Engine) Read(p dicompath.Path, buf []byte, off int64) (int, error) {
	local, ok := e.downloads.GetIfPresent(p)
	if !ok {
		return 0, fmt.Errorf("read %s, open the file again: %w", p, ErrNotStaged)
	}
	f, err := os.Open(local)
	if err != nil {
		return 0, fmt.Errorf("open staged file: %w", err)
	}
	defer f.Close()

	n, err := f.ReadAt(buf, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, fmt.Errorf("read staged file: %w", err)
	}
	return n, nil
}

// Write stores buf at off in the upload file of p. Writes starting below the
// bytes already written are acknowledged without touching the file, since
// some hosts re-issue the zero-offset write after later data.
func (e *Engine) Write(p dicompath.Path, buf []byte, off int64) (int, error) {
	content, err := e.cache.Content(p)
	if err != nil {
		return 0, err
	}
	if off == 0 {
		if _, ok := e.uploads.Path(p); !ok {
			if _, err := e.uploads.CreatePath(p); err != nil {
				return 0, err
			}
		}
	}
	if off < content.Offset() {
		return len(buf), nil
	}

	local, ok := e.uploads.Path(p)
	if !ok {
		return 0, fmt.Errorf("write %s at %d: %w", p, off, ErrNotStaged)
	}
	content.SetCommand(hierarchy.CommandWrite)

	f, err := os.OpenFile(local, os.O_WRONLY, 0)
	if err != nil {
		return 0, fmt.Errorf("open upload file: %w", err)
	}
	n, err := f.WriteAt(buf, off)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("write upload file: %w", err)
	}
	content.SetOffset(off + int64(n))
	return n, nil
}

// Create registers an empty temp file backed by a fresh staged file. A
// previous upload still waiting for cleanup at the same path is replaced.
func (e *Engine) Create(p dicompath.Path) error {
	if _, err := e.cache.PutTemp(p); err != nil {
		return err
	}
	_, err := e.uploads.CreatePath(p)
	return err
}

// Flush commits p if it was written since the last flush.
func (e *Engine) Flush(ctx context.Context, p dicompath.Path) error {
	content, err := e.cache.Content(p)
	if err != nil {
		logging.WithContext(ctx).Debug("flush of uncached file", zap.Stringer("file", p))
		return nil
	}
	if !content.TakeCommand(hierarchy.CommandWrite) {
		return nil
	}
	if err := e.save(ctx, p, content); err != nil {
		content.SetCommand(hierarchy.CommandWrite)
		return err
	}
	logging.WithContext(ctx).Info("instance uploaded", zap.Stringer("file", p))
	return nil
}

func (e *Engine) save(ctx context.Context, p dicompath.Path, content *hierarchy.InstanceContent) error {
	switch p.Level {
	case dicompath.TempInStore, dicompath.TempInSeries:
		if err := e.upload(ctx, p); err != nil {
			return err
		}
		e.scheduleCleanup(p, content)
		return e.invalidateStore(ctx, p)

	case dicompath.Instance:
		err := e.remote.DeleteInstance(ctx, p.StoreID, instanceOf(p))
		e.downloads.Invalidate(p)
		if err != nil {
			return fmt.Errorf("delete %s before re-upload: %w", p, err)
		}
		logging.WithContext(ctx).Info("instance deleted for re-upload", zap.Stringer("file", p))

		err = e.upload(ctx, p)
		if ierr := e.invalidateStore(ctx, p); err == nil {
			err = ierr
		}
		if err != nil {
			return err
		}
		content.SetOffset(0)
		content.SetSize(0)
		return e.uploads.RemovePath(p)
	}
	return fmt.Errorf("save %s: %w", p, dicompath.ErrInvalidPath)
}

func (e *Engine) upload(ctx context.Context, p dicompath.Path) error {
	local, ok := e.uploads.Path(p)
	if !ok {
		return fmt.Errorf("upload %s: %w", p, ErrNotStaged)
	}
	f, err := os.Open(local)
	if err != nil {
		return fmt.Errorf("open upload file: %w", err)
	}
	defer f.Close()

	err = e.remote.UploadInstance(ctx, p.StoreID, f)
	metrics.RecordUpload(err == nil)
	if err != nil {
		return fmt.Errorf("upload %s: %w", p, err)
	}
	return nil
}

// scheduleCleanup drops the committed temp file after the grace delay so a
// racing re-open still finds it. A file re-created at the same path in the
// meantime is left alone.
func (e *Engine) scheduleCleanup(p dicompath.Path, content *hierarchy.InstanceContent) {
	e.cleanup.Schedule("clear "+p.String(), func() error {
		if cur, err := e.cache.Content(p); err == nil && cur != content {
			return nil
		}
		e.registry.Remove(p.String())
		if err := e.cache.RemoveTemp(p); err != nil && !errors.Is(err, hierarchy.ErrNotFound) {
			return err
		}
		return e.uploads.RemovePath(p)
	})
}

// Delete removes an instance remotely and drops its staged download.
func (e *Engine) Delete(ctx context.Context, p dicompath.Path) error {
	if p.Level != dicompath.Instance {
		return fmt.Errorf("delete %s: %w", p, dicompath.ErrInvalidPath)
	}
	if err := e.remote.DeleteInstance(ctx, p.StoreID, instanceOf(p)); err != nil {
		return fmt.Errorf("delete %s: %w", p, err)
	}
	logging.WithContext(ctx).Info("instance deleted", zap.Stringer("file", p))
	e.downloads.Invalidate(p)
	return e.invalidateStore(ctx, p)
}

func (e *Engine) invalidateStore(ctx context.Context, p dicompath.Path) error {
	err := e.cache.InvalidateStore(p)
	if errors.Is(err, hierarchy.ErrNotFound) {
		logging.WithContext(ctx).Debug("store not cached, nothing to invalidate", zap.String("store", p.StoreID))
		return nil
	}
	return err
}
