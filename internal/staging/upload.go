package staging

import (
	"fmt"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/healthcare-api-dicom-fuse/internal/dicompath"
)

// UploadPaths tracks local files accumulating written bytes before commit.
type UploadPaths struct {
	dir string

	mu    sync.RWMutex
	paths map[dicompath.Path]string
}

// NewUploadPaths creates upload staging under dir.
func NewUploadPaths(dir string) (*UploadPaths, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return &UploadPaths{dir: dir, paths: make(map[dicompath.Path]string)}, nil
}

// CreatePath creates an empty staged file for p, replacing any previous one.
func (u *UploadPaths) CreatePath(p dicompath.Path) (string, error) {
	f, err := os.CreateTemp(u.dir, "temp-*.dcm")
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}
	f.Close()

	u.mu.Lock()
	old, replaced := u.paths[p]
	u.paths[p] = f.Name()
	u.mu.Unlock()
	if replaced {
		os.Remove(old)
	}
	return f.Name(), nil
}

// Path returns the staged file of p.
func (u *UploadPaths) Path(p dicompath.Path) (string, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	local, ok := u.paths[p]
	return local, ok
}

// RemovePath forgets p and deletes its staged file.
func (u *UploadPaths) RemovePath(p dicompath.Path) error {
	u.mu.Lock()
	local, ok := u.paths[p]
	delete(u.paths, p)
	u.mu.Unlock()
	if !ok {
		return nil
	}
	if err := os.Remove(local); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove upload file: %w", err)
	}
	return nil
}

// Len returns the number of staged uploads.
func (u *UploadPaths) Len() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return len(u.paths)
}
