// Package metrics provides Prometheus metrics for the DICOM filesystem.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Remote store
	remoteRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dicomfuse_remote_requests_total",
			Help: "Total number of requests sent to the DICOMweb API",
		},
		[]string{"op", "status"},
	)

	remoteRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dicomfuse_remote_request_duration_seconds",
			Help:    "DICOMweb request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// Listings
	listingItems = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dicomfuse_listing_items",
			Help:    "Number of items returned by a full collection listing",
			Buckets: []float64{0, 1, 10, 100, 1000, 5000, 10000, 15000},
		},
		[]string{"level"},
	)

	listingOverflowTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dicomfuse_listing_overflow_total",
			Help: "Listings whose remote collection exceeded the hard cap",
		},
		[]string{"level"},
	)

	// Hierarchy cache
	hierarchyRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dicomfuse_hierarchy_refreshes_total",
			Help: "Total membership refreshes of cached directory levels",
		},
		[]string{"level"},
	)

	// Staging
	stagingBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dicomfuse_staging_bytes",
			Help: "Bytes currently held by staged downloads",
		},
	)

	stagingEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dicomfuse_staging_evictions_total",
			Help: "Staged downloads removed from the local cache",
		},
		[]string{"reason"},
	)

	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dicomfuse_uploads_total",
			Help: "Total instance uploads",
		},
		[]string{"status"},
	)

	// Filesystem
	fuseOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dicomfuse_fuse_ops_total",
			Help: "Filesystem calls handled, by result",
		},
		[]string{"op", "result"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRemoteRequest records one DICOMweb round trip. status 0 means the
// request never got a response.
func RecordRemoteRequest(op string, status int, duration time.Duration) {
	remoteRequestsTotal.WithLabelValues(op, strconv.Itoa(status)).Inc()
	remoteRequestDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordListing records the size of a completed listing.
func RecordListing(level string, items int) {
	listingItems.WithLabelValues(level).Observe(float64(items))
}

// RecordListingOverflow records a listing that hit the hard cap.
func RecordListingOverflow(level string) {
	listingOverflowTotal.WithLabelValues(level).Inc()
}

// RecordRefresh records a membership refresh at level.
func RecordRefresh(level string) {
	hierarchyRefreshesTotal.WithLabelValues(level).Inc()
}

// AddStagingBytes adjusts the staged download byte gauge.
func AddStagingBytes(delta int64) {
	stagingBytes.Add(float64(delta))
}

// RecordEviction records a staged download removal.
func RecordEviction(reason string) {
	stagingEvictionsTotal.WithLabelValues(reason).Inc()
}

// RecordUpload records an instance upload.
func RecordUpload(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	uploadsTotal.WithLabelValues(status).Inc()
}

// RecordOp records a filesystem call. errc is the value returned to the host.
func RecordOp(op string, errc int) {
	result := "ok"
	if errc < 0 {
		result = "error"
	}
	fuseOpsTotal.WithLabelValues(op, result).Inc()
}
