package listing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/GoogleCloudPlatform/healthcare-api-dicom-fuse/internal/logging"
	"github.com/GoogleCloudPlatform/healthcare-api-dicom-fuse/pkg/models"
)

// countingRemote serves collections of a fixed size and records every
// (limit, offset) pair it was asked for.
type countingRemote struct {
	mu        sync.Mutex
	size      int
	calls     [][2]int
	failAt    int
	storePage [][]models.Store
}

func (r *countingRemote) record(limit, offset int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, [2]int{limit, offset})
	if r.failAt > 0 && offset == r.failAt {
		return errors.New("backend unavailable")
	}
	return nil
}

func (r *countingRemote) window(limit, offset int) (int, int) {
	if offset >= r.size {
		return 0, 0
	}
	end := offset + limit
	if end > r.size {
		end = r.size
	}
	return offset, end
}

func (r *countingRemote) ListStores(_ context.Context, token string) ([]models.Store, string, error) {
	i := 0
	if token != "" {
		fmt.Sscanf(token, "page-%d", &i)
	}
	next := ""
	if i+1 < len(r.storePage) {
		next = fmt.Sprintf("page-%d", i+1)
	}
	return r.storePage[i], next, nil
}

func (r *countingRemote) ListStudies(_ context.Context, _ string, limit, offset int) ([]models.Study, error) {
	if err := r.record(limit, offset); err != nil {
		return nil, err
	}
	from, to := r.window(limit, offset)
	out := make([]models.Study, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, models.Study{StudyUID: fmt.Sprintf("1.%d", i)})
	}
	return out, nil
}

func (r *countingRemote) ListSeries(_ context.Context, _, studyUID string, limit, offset int) ([]models.Series, error) {
	if err := r.record(limit, offset); err != nil {
		return nil, err
	}
	from, to := r.window(limit, offset)
	out := make([]models.Series, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, models.Series{StudyUID: studyUID, SeriesUID: fmt.Sprintf("2.%d", i)})
	}
	return out, nil
}

func (r *countingRemote) ListInstances(_ context.Context, _, studyUID, seriesUID string, limit, offset int) ([]models.Instance, error) {
	if err := r.record(limit, offset); err != nil {
		return nil, err
	}
	from, to := r.window(limit, offset)
	out := make([]models.Instance, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, models.Instance{StudyUID: studyUID, SeriesUID: seriesUID, InstanceUID: fmt.Sprintf("3.%d", i)})
	}
	return out, nil
}

func TestStudies_SinglePage(t *testing.T) {
	r := &countingRemote{size: 4000}
	studies, err := New(r).Studies(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, studies, 4000)
	assert.Equal(t, [][2]int{{5000, 0}}, r.calls)
}

func TestStudies_ExactlyOnePage(t *testing.T) {
	r := &countingRemote{size: 5000}
	studies, err := New(r).Studies(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, studies, 5000)
	assert.ElementsMatch(t, [][2]int{{5000, 0}, {5000, 5000}, {5000, 10000}, {5000, 15000}}, r.calls)
}

func TestStudies_OrderedByOffset(t *testing.T) {
	r := &countingRemote{size: 12345}
	studies, err := New(r, WithWorkers(2)).Studies(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, studies, 12345)
	for i, s := range studies {
		require.Equal(t, fmt.Sprintf("1.%d", i), s.StudyUID)
	}
}

func TestStudies_AtCap(t *testing.T) {
	r := &countingRemote{size: 15000}
	studies, err := New(r).Studies(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, studies, 15000)
}

func TestStudies_OverCap(t *testing.T) {
	r := &countingRemote{size: 15001}
	_, err := New(r).Studies(context.Background(), "s1")
	require.ErrorIs(t, err, ErrTooManyResults)

	var tmr *TooManyResultsError
	require.ErrorAs(t, err, &tmr)
	assert.Equal(t, 15000, tmr.Limit)
	assert.Equal(t, 15001, tmr.Count)
}

func TestSeries_PageFailureFailsListing(t *testing.T) {
	r := &countingRemote{size: 9000, failAt: 5000}
	_, err := New(r).Series(context.Background(), "s1", "1.1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "offset 5000")
}

func TestInstances_TruncatesWithWarning(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	defer logging.Replace(zap.New(core))()

	r := &countingRemote{size: 15001}
	instances, err := New(r).Instances(context.Background(), "s1", "1.1", "2.2")
	require.NoError(t, err)
	assert.Len(t, instances, 15000)
	assert.Equal(t, [][2]int{{15000, 0}, {1, 15000}}, r.calls)
	assert.Equal(t, 1, logs.FilterMessage("listing truncated at limit").Len())
}

func TestInstances_ExactlyCapNoWarning(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	defer logging.Replace(zap.New(core))()

	r := &countingRemote{size: 15000}
	instances, err := New(r).Instances(context.Background(), "s1", "1.1", "2.2")
	require.NoError(t, err)
	assert.Len(t, instances, 15000)
	assert.Zero(t, logs.Len())
}

func TestStores_FollowsPageTokens(t *testing.T) {
	r := &countingRemote{storePage: [][]models.Store{
		{{Name: "x/dicomStores/a"}},
		{{Name: "x/dicomStores/b"}, {Name: "x/dicomStores/c"}},
	}}
	stores, err := New(r).Stores(context.Background())
	require.NoError(t, err)
	require.Len(t, stores, 3)
	assert.Equal(t, "c", stores[2].ID())
}
