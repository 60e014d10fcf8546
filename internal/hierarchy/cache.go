// Package hierarchy caches the Store/Study/Series/Instance tree with a
// per-directory TTL that is checked lazily on access.
package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/GoogleCloudPlatform/healthcare-api-dicom-fuse/internal/dicompath"
	"github.com/GoogleCloudPlatform/healthcare-api-dicom-fuse/internal/logging"
	"github.com/GoogleCloudPlatform/healthcare-api-dicom-fuse/internal/metrics"
	"github.com/GoogleCloudPlatform/healthcare-api-dicom-fuse/pkg/models"
)

// ErrNotFound is returned when the addressed object is not cached and
// cannot be resolved remotely.
var ErrNotFound = errors.New("object not found")

// Remote resolves single objects by identity.
type Remote interface {
	GetStore(ctx context.Context, storeID string) (models.Store, error)
	GetStudy(ctx context.Context, storeID, studyUID string) (models.Study, error)
	GetSeries(ctx context.Context, storeID, studyUID, seriesUID string) (models.Series, error)
	GetInstance(ctx context.Context, storeID, studyUID, seriesUID, instanceUID string) (models.Instance, error)
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// Cache is the in-memory hierarchy. It is built once per mount and shared by
// the dispatcher and the staging engine.
type Cache struct {
	ttl    time.Duration
	now    func() time.Time
	remote Remote

	root *datasetNode
}

// New creates a cache whose refreshed directories stay fresh for ttl.
func New(ttl time.Duration, remote Remote, opts ...Option) *Cache {
	c := &Cache{ttl: ttl, now: time.Now, remote: remote}
	for _, opt := range opts {
		opt(c)
	}
	c.root = newNode[struct{}, *storeNode](struct{}{}, c.now())
	return c
}

// --- lookups ---

func (c *Cache) store(p dicompath.Path) (*storeNode, error) {
	st, ok := c.root.child(p.StoreID)
	if !ok {
		return nil, fmt.Errorf("store %s: %w", p.StoreID, ErrNotFound)
	}
	return st, nil
}

func (c *Cache) study(p dicompath.Path) (*studyNode, error) {
	st, err := c.store(p)
	if err != nil {
		return nil, err
	}
	sd, ok := st.child(p.StudyUID)
	if !ok {
		return nil, fmt.Errorf("study %s: %w", p.StudyUID, ErrNotFound)
	}
	return sd, nil
}

func (c *Cache) series(p dicompath.Path) (*seriesNode, error) {
	sd, err := c.study(p)
	if err != nil {
		return nil, err
	}
	se, ok := sd.child(p.SeriesUID)
	if !ok {
		return nil, fmt.Errorf("series %s: %w", p.SeriesUID, ErrNotFound)
	}
	return se, nil
}

// Content returns the cached state of an instance or temp file.
func (c *Cache) Content(p dicompath.Path) (*InstanceContent, error) {
	switch p.Level {
	case dicompath.Instance:
		se, err := c.series(p)
		if err != nil {
			return nil, err
		}
		ic, ok := se.child(p.InstanceUID)
		if !ok {
			return nil, fmt.Errorf("instance %s: %w", p.InstanceUID, ErrNotFound)
		}
		return ic, nil
	case dicompath.TempInStore, dicompath.TempInSeries:
		st, err := c.store(p)
		if err != nil {
			return nil, err
		}
		st.tempMu.RLock()
		ic, ok := st.temps[p.String()]
		st.tempMu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("temp file %s: %w", p, ErrNotFound)
		}
		return ic, nil
	}
	return nil, fmt.Errorf("%s is a %s: %w", p, p.Level, dicompath.ErrInvalidPath)
}

// Exists reports whether p is cached.
func (c *Cache) Exists(p dicompath.Path) bool {
	var err error
	switch p.Level {
	case dicompath.Dataset:
		return true
	case dicompath.Store:
		_, err = c.store(p)
	case dicompath.Study:
		_, err = c.study(p)
	case dicompath.Series:
		_, err = c.series(p)
	default:
		_, err = c.Content(p)
	}
	return err == nil
}

// --- staleness ---

// Stale reports whether the membership of directory p must be re-validated.
func (c *Cache) Stale(p dicompath.Path) (bool, error) {
	now := c.now()
	switch p.Level {
	case dicompath.Dataset:
		return c.root.stale(now), nil
	case dicompath.Store:
		st, err := c.store(p)
		if err != nil {
			return false, err
		}
		return st.stale(now), nil
	case dicompath.Study:
		sd, err := c.study(p)
		if err != nil {
			return false, err
		}
		return sd.stale(now), nil
	case dicompath.Series:
		se, err := c.series(p)
		if err != nil {
			return false, err
		}
		return se.stale(now), nil
	}
	return false, fmt.Errorf("%s is not a directory: %w", p, dicompath.ErrInvalidPath)
}

// Touch marks directory p fresh for another TTL.
func (c *Cache) Touch(p dicompath.Path) error {
	return c.setExpiry(p, c.now().Add(c.ttl))
}

// Invalidate forces directory p stale without dropping its children.
func (c *Cache) Invalidate(p dicompath.Path) error {
	return c.setExpiry(p, c.now())
}

func (c *Cache) setExpiry(p dicompath.Path, t time.Time) error {
	switch p.Level {
	case dicompath.Dataset:
		c.root.setExpires(t)
	case dicompath.Store:
		st, err := c.store(p)
		if err != nil {
			return err
		}
		st.setExpires(t)
	case dicompath.Study:
		sd, err := c.study(p)
		if err != nil {
			return err
		}
		sd.setExpires(t)
	case dicompath.Series:
		se, err := c.series(p)
		if err != nil {
			return err
		}
		se.setExpires(t)
	default:
		return fmt.Errorf("%s is not a directory: %w", p, dicompath.ErrInvalidPath)
	}
	return nil
}

// InvalidateStore expires the store containing p and every cached study and
// series beneath it. Memberships stay available until the next refresh.
func (c *Cache) InvalidateStore(p dicompath.Path) error {
	st, err := c.store(p)
	if err != nil {
		return err
	}
	now := c.now()
	st.setExpires(now)
	for _, sd := range st.snapshot() {
		for _, se := range sd.snapshot() {
			se.setExpires(now)
		}
		sd.setExpires(now)
	}
	return nil
}

// --- enumeration ---

// ListStores returns the cached stores.
func (c *Cache) ListStores() []models.Store {
	nodes := c.root.snapshot()
	out := make([]models.Store, len(nodes))
	for i, n := range nodes {
		out[i] = n.value
	}
	return out
}

// ListStudies returns the cached studies of store p.
func (c *Cache) ListStudies(p dicompath.Path) ([]models.Study, error) {
	st, err := c.store(p)
	if err != nil {
		return nil, err
	}
	nodes := st.snapshot()
	out := make([]models.Study, len(nodes))
	for i, n := range nodes {
		out[i] = n.value
	}
	return out, nil
}

// ListSeries returns the cached series of study p.
func (c *Cache) ListSeries(p dicompath.Path) ([]models.Series, error) {
	sd, err := c.study(p)
	if err != nil {
		return nil, err
	}
	nodes := sd.snapshot()
	out := make([]models.Series, len(nodes))
	for i, n := range nodes {
		out[i] = n.value
	}
	return out, nil
}

// ListInstances returns the cached instances of series p.
func (c *Cache) ListInstances(p dicompath.Path) ([]models.Instance, error) {
	se, err := c.series(p)
	if err != nil {
		return nil, err
	}
	contents := se.snapshot()
	out := make([]models.Instance, len(contents))
	for i, ic := range contents {
		out[i] = ic.Instance()
	}
	return out, nil
}

// --- refresh ---

// RefreshStores replaces the dataset membership with fresh.
func (c *Cache) RefreshStores(fresh []models.Store) {
	now := c.now()
	replaceMembership(c.root, fresh,
		func(s models.Store) string { return s.ID() },
		func(s models.Store) *storeNode { return newStoreNode(s, now) },
		now.Add(c.ttl))
	metrics.RecordRefresh(dicompath.Dataset.String())
}

// RefreshStudies replaces the membership of store p with fresh.
func (c *Cache) RefreshStudies(p dicompath.Path, fresh []models.Study) error {
	st, err := c.store(p)
	if err != nil {
		return err
	}
	now := c.now()
	replaceMembership(st.node, fresh,
		func(s models.Study) string { return s.StudyUID },
		func(s models.Study) *studyNode { return newStudyNode(s, now) },
		now.Add(c.ttl))
	metrics.RecordRefresh(dicompath.Store.String())
	return nil
}

// RefreshSeries replaces the membership of study p with fresh.
func (c *Cache) RefreshSeries(p dicompath.Path, fresh []models.Series) error {
	sd, err := c.study(p)
	if err != nil {
		return err
	}
	now := c.now()
	replaceMembership(sd.node, fresh,
		func(s models.Series) string { return s.SeriesUID },
		func(s models.Series) *seriesNode { return newSeriesNode(s, now) },
		now.Add(c.ttl))
	metrics.RecordRefresh(dicompath.Study.String())
	return nil
}

// RefreshInstances replaces the membership of series p with fresh.
func (c *Cache) RefreshInstances(p dicompath.Path, fresh []models.Instance) error {
	se, err := c.series(p)
	if err != nil {
		return err
	}
	now := c.now()
	replaceMembership(se.node, fresh,
		func(i models.Instance) string { return i.InstanceUID },
		NewInstanceContent,
		now.Add(c.ttl))
	metrics.RecordRefresh(dicompath.Series.String())
	return nil
}

// --- single-object resolution ---

// Resolve makes sure p and its ancestors are cached, fetching each missing
// object with a point query. Temp files are never fetched; a missing temp
// file is ErrNotFound.
func (c *Cache) Resolve(ctx context.Context, p dicompath.Path) error {
	if c.Exists(p) {
		return nil
	}
	if p.Level.IsTemp() {
		return fmt.Errorf("temp file %s: %w", p, ErrNotFound)
	}
	if p.Level != dicompath.Dataset && p.Level != dicompath.Store {
		if err := c.Resolve(ctx, p.Parent()); err != nil {
			return err
		}
	}

	logging.WithContext(ctx).Debug("resolving uncached object", zap.Stringer("target", p))
	now := c.now()

	switch p.Level {
	case dicompath.Store:
		s, err := c.remote.GetStore(ctx, p.StoreID)
		if err != nil {
			return fmt.Errorf("get store %s: %w", p.StoreID, err)
		}
		c.root.putIfAbsent(p.StoreID, newStoreNode(s, now))

	case dicompath.Study:
		s, err := c.remote.GetStudy(ctx, p.StoreID, p.StudyUID)
		if err != nil {
			return fmt.Errorf("get study %s: %w", p.StudyUID, err)
		}
		st, err := c.store(p)
		if err != nil {
			return err
		}
		st.putIfAbsent(p.StudyUID, newStudyNode(s, now))

	case dicompath.Series:
		s, err := c.remote.GetSeries(ctx, p.StoreID, p.StudyUID, p.SeriesUID)
		if err != nil {
			return fmt.Errorf("get series %s: %w", p.SeriesUID, err)
		}
		sd, err := c.study(p)
		if err != nil {
			return err
		}
		sd.putIfAbsent(p.SeriesUID, newSeriesNode(s, now))

	case dicompath.Instance:
		inst, err := c.remote.GetInstance(ctx, p.StoreID, p.StudyUID, p.SeriesUID, p.InstanceUID)
		if err != nil {
			return fmt.Errorf("get instance %s: %w", p.InstanceUID, err)
		}
		se, err := c.series(p)
		if err != nil {
			return err
		}
		se.putIfAbsent(p.InstanceUID, NewInstanceContent(inst))
	}
	return nil
}

// --- temp files ---

// PutTemp registers an empty pending file under its store and returns its
// state. An existing entry for the same path is replaced.
func (c *Cache) PutTemp(p dicompath.Path) (*InstanceContent, error) {
	if !p.Level.IsTemp() {
		return nil, fmt.Errorf("%s is not a temp file: %w", p, dicompath.ErrInvalidPath)
	}
	st, err := c.store(p)
	if err != nil {
		return nil, err
	}
	ic := NewInstanceContent(models.Instance{})
	st.tempMu.Lock()
	st.temps[p.String()] = ic
	st.tempMu.Unlock()
	return ic, nil
}

// RemoveTemp drops a pending file.
func (c *Cache) RemoveTemp(p dicompath.Path) error {
	st, err := c.store(p)
	if err != nil {
		return err
	}
	st.tempMu.Lock()
	delete(st.temps, p.String())
	st.tempMu.Unlock()
	return nil
}
