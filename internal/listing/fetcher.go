// Package listing retrieves complete remote collections through the capped,
// offset-based QIDO paging protocol.
package listing

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GoogleCloudPlatform/healthcare-api-dicom-fuse/internal/logging"
	"github.com/GoogleCloudPlatform/healthcare-api-dicom-fuse/internal/metrics"
	"github.com/GoogleCloudPlatform/healthcare-api-dicom-fuse/pkg/models"
)

// ErrTooManyResults is matched by every *TooManyResultsError.
var ErrTooManyResults = errors.New("too many results")

// TooManyResultsError reports a collection larger than its hard cap.
type TooManyResultsError struct {
	Level  string
	Parent string
	Limit  int
	Count  int
}

func (e *TooManyResultsError) Error() string {
	return fmt.Sprintf("%s listing of %s: %d items exceeds limit of %d", e.Level, e.Parent, e.Count, e.Limit)
}

func (e *TooManyResultsError) Is(target error) bool {
	return target == ErrTooManyResults
}

// Remote is the paged listing surface of the DICOMweb client.
type Remote interface {
	ListStores(ctx context.Context, pageToken string) (stores []models.Store, nextPageToken string, err error)
	ListStudies(ctx context.Context, storeID string, limit, offset int) ([]models.Study, error)
	ListSeries(ctx context.Context, storeID, studyUID string, limit, offset int) ([]models.Series, error)
	ListInstances(ctx context.Context, storeID, studyUID, seriesUID string, limit, offset int) ([]models.Instance, error)
}

// Limits bounds the listing of one level.
type Limits struct {
	// PageSize is the QIDO limit of every request.
	PageSize int
	// HardCap is the largest collection returned.
	HardCap int
	// Truncate returns the first HardCap items and logs a warning instead of
	// failing when the collection is larger.
	Truncate bool
}

// DefaultWorkers is the fan-out pool size of one listing call.
const DefaultWorkers = 3

var (
	DefaultStudyLimits    = Limits{PageSize: 5000, HardCap: 15000}
	DefaultSeriesLimits   = Limits{PageSize: 5000, HardCap: 15000}
	DefaultInstanceLimits = Limits{PageSize: 15000, HardCap: 15000, Truncate: true}
)

// Fetcher lists full collections from a Remote.
type Fetcher struct {
	remote    Remote
	studies   Limits
	series    Limits
	instances Limits
	workers   int
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithStudyLimits overrides DefaultStudyLimits.
func WithStudyLimits(l Limits) Option { return func(f *Fetcher) { f.studies = l } }

// WithSeriesLimits overrides DefaultSeriesLimits.
func WithSeriesLimits(l Limits) Option { return func(f *Fetcher) { f.series = l } }

// WithInstanceLimits overrides DefaultInstanceLimits.
func WithInstanceLimits(l Limits) Option { return func(f *Fetcher) { f.instances = l } }

// WithWorkers overrides DefaultWorkers.
func WithWorkers(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.workers = n
		}
	}
}

// New creates a Fetcher with the default page sizes and caps.
func New(remote Remote, opts ...Option) *Fetcher {
	f := &Fetcher{
		remote:    remote,
		studies:   DefaultStudyLimits,
		series:    DefaultSeriesLimits,
		instances: DefaultInstanceLimits,
		workers:   DefaultWorkers,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Stores follows nextPageToken until the dataset listing is exhausted.
func (f *Fetcher) Stores(ctx context.Context) ([]models.Store, error) {
	var (
		all   []models.Store
		token string
	)
	for {
		page, next, err := f.remote.ListStores(ctx, token)
		if err != nil {
			return nil, fmt.Errorf("list stores: %w", err)
		}
		all = append(all, page...)
		if next == "" {
			break
		}
		token = next
	}
	metrics.RecordListing("dataset", len(all))
	return all, nil
}

// Studies lists every study of a store.
func (f *Fetcher) Studies(ctx context.Context, storeID string) ([]models.Study, error) {
	return fetchPaged(ctx, "store", storeID, f.studies, f.workers,
		func(ctx context.Context, limit, offset int) ([]models.Study, error) {
			return f.remote.ListStudies(ctx, storeID, limit, offset)
		})
}

// Series lists every series of a study.
func (f *Fetcher) Series(ctx context.Context, storeID, studyUID string) ([]models.Series, error) {
	return fetchPaged(ctx, "study", storeID+"/"+studyUID, f.series, f.workers,
		func(ctx context.Context, limit, offset int) ([]models.Series, error) {
			return f.remote.ListSeries(ctx, storeID, studyUID, limit, offset)
		})
}

// Instances lists the instances of a series, truncated at the cap.
func (f *Fetcher) Instances(ctx context.Context, storeID, studyUID, seriesUID string) ([]models.Instance, error) {
	return fetchPaged(ctx, "series", storeID+"/"+studyUID+"/"+seriesUID, f.instances, f.workers,
		func(ctx context.Context, limit, offset int) ([]models.Instance, error) {
			return f.remote.ListInstances(ctx, storeID, studyUID, seriesUID, limit, offset)
		})
}

type pageFunc[T any] func(ctx context.Context, limit, offset int) ([]T, error)

// fetchPaged requests the first page and, only when it comes back full,
// fans out the remaining offsets up to the cap on a pool of workers.
// Pages are concatenated in offset order.
func fetchPaged[T any](ctx context.Context, level, parent string, lim Limits, workers int, page pageFunc[T]) ([]T, error) {
	first, err := page(ctx, lim.PageSize, 0)
	if err != nil {
		return nil, fmt.Errorf("list %s children of %s at offset 0: %w", level, parent, err)
	}
	if len(first) < lim.PageSize {
		metrics.RecordListing(level, len(first))
		return first, nil
	}

	// Truncating levels never request past the cap; failing levels request
	// the page starting at the cap so an overflow is observed.
	var offsets []int
	for off := lim.PageSize; off < lim.HardCap || (!lim.Truncate && off == lim.HardCap); off += lim.PageSize {
		offsets = append(offsets, off)
	}

	pages := make([][]T, len(offsets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, off := range offsets {
		g.Go(func() error {
			items, err := page(gctx, lim.PageSize, off)
			if err != nil {
				return fmt.Errorf("list %s children of %s at offset %d: %w", level, parent, off, err)
			}
			pages[i] = items
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	all := first
	for _, p := range pages {
		all = append(all, p...)
	}

	if !lim.Truncate {
		if len(all) > lim.HardCap {
			metrics.RecordListingOverflow(level)
			return nil, &TooManyResultsError{Level: level, Parent: parent, Limit: lim.HardCap, Count: len(all)}
		}
		metrics.RecordListing(level, len(all))
		return all, nil
	}

	if len(all) > lim.HardCap {
		all = all[:lim.HardCap]
	}
	if len(all) == lim.HardCap {
		probe, err := page(ctx, 1, lim.HardCap)
		if err != nil {
			return nil, fmt.Errorf("probe %s children of %s past %d: %w", level, parent, lim.HardCap, err)
		}
		if len(probe) > 0 {
			metrics.RecordListingOverflow(level)
			logging.WithContext(ctx).Warn("listing truncated at limit",
				zap.String("level", level),
				zap.String("parent", parent),
				zap.Int("limit", lim.HardCap))
		}
	}
	metrics.RecordListing(level, len(all))
	return all, nil
}
