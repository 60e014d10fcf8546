// Package dicomweb is a client for the Cloud Healthcare API DICOM stores and
// their DICOMweb (QIDO-RS, WADO-RS, STOW-RS) endpoints.
package dicomweb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/GoogleCloudPlatform/healthcare-api-dicom-fuse/pkg/models"
	"github.com/GoogleCloudPlatform/healthcare-api-dicom-fuse/pkg/protocol"
	"github.com/GoogleCloudPlatform/healthcare-api-dicom-fuse/pkg/retry"
)

// maxErrorBody bounds how much of a failed response is kept.
const maxErrorBody = 64 << 10

// Client talks to one Healthcare API dataset.
type Client struct {
	dataset     DatasetAddr
	baseURL     string
	httpClient  *http.Client
	retryConfig retry.Config
	creds       *Credentials
	limiter     *rate.Limiter
	logger      *zap.Logger
	onRequest   func(op string, status int, d time.Duration)
	requestID   func(ctx context.Context) string

	forbiddenOnce sync.Once
}

// Config holds client configuration.
type Config struct {
	Dataset     DatasetAddr
	Credentials *Credentials
	Timeout     time.Duration
	RetryConfig retry.Config
	// RequestsPerSecond limits outgoing requests; 0 means unlimited.
	RequestsPerSecond float64
	Logger            *zap.Logger
	// OnRequest observes every attempt. status is 0 when no response arrived.
	OnRequest func(op string, status int, d time.Duration)
	// RequestID extracts the id sent as X-Request-Id; empty ids are not sent.
	RequestID func(ctx context.Context) string
	// HTTPClient replaces the default transport, mainly for tests.
	HTTPClient *http.Client
}

// New creates a client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.OnRequest == nil {
		cfg.OnRequest = func(string, int, time.Duration) {}
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}

	limit := rate.Inf
	burst := 1
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		burst = max(1, int(cfg.RequestsPerSecond))
	}

	return &Client{
		dataset:     cfg.Dataset,
		baseURL:     cfg.Dataset.String(),
		httpClient:  httpClient,
		retryConfig: cfg.RetryConfig,
		creds:       cfg.Credentials,
		limiter:     rate.NewLimiter(limit, burst),
		logger:      cfg.Logger,
		onRequest:   cfg.OnRequest,
		requestID:   cfg.RequestID,
	}
}

func (c *Client) storesURL() string {
	return c.baseURL + "/dicomStores"
}

func (c *Client) dicomWebURL(storeID string, segs ...string) string {
	var b strings.Builder
	b.WriteString(c.storesURL())
	b.WriteByte('/')
	b.WriteString(url.PathEscape(storeID))
	b.WriteString("/dicomWeb")
	for _, s := range segs {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(s))
	}
	return b.String()
}

// request describes one API call. body, when set, is called once per
// attempt to produce a fresh request body.
type request struct {
	op          string
	method      string
	url         string
	accept      string
	contentType string
	body        func() (io.Reader, error)
	// ok lists extra statuses handled by decode instead of failing.
	ok     []int
	decode func(resp *http.Response, body io.Reader) error
}

func (c *Client) do(ctx context.Context, r request) error {
	return retry.Do(ctx, c.retryConfig, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		var body io.Reader
		if r.body != nil {
			b, err := r.body()
			if err != nil {
				return err
			}
			body = b
		}
		req, err := http.NewRequestWithContext(ctx, r.method, r.url, body)
		if err != nil {
			return err
		}
		if r.accept != "" {
			req.Header.Set("Accept", r.accept)
		}
		if r.contentType != "" {
			req.Header.Set("Content-Type", r.contentType)
		}
		req.Header.Set("Accept-Encoding", "gzip")
		if c.requestID != nil {
			if id := c.requestID(ctx); id != "" {
				req.Header.Set("X-Request-Id", id)
			}
		}
		if err := c.applyAuth(req); err != nil {
			return err
		}

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.onRequest(r.op, 0, time.Since(start))
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return retry.Retryable(fmt.Errorf("%s: %w", r.op, err))
		}
		defer resp.Body.Close()
		c.onRequest(r.op, resp.StatusCode, time.Since(start))

		reader, err := decodedBody(resp)
		if err != nil {
			return fmt.Errorf("%s: %w", r.op, err)
		}
		defer reader.Close()

		if resp.StatusCode/100 != 2 && !containsStatus(r.ok, resp.StatusCode) {
			return c.statusError(r.op, resp, reader)
		}
		if r.decode == nil {
			_, err := io.Copy(io.Discard, reader)
			return err
		}
		return r.decode(resp, reader)
	})
}

func containsStatus(list []int, code int) bool {
	for _, c := range list {
		if c == code {
			return true
		}
	}
	return false
}

// applyAuth adds the bearer token of the configured credentials.
func (c *Client) applyAuth(req *http.Request) error {
	if c.creds == nil || c.creds.TokenSource == nil {
		return nil
	}
	tok, err := c.creds.TokenSource.Token()
	if err != nil {
		return fmt.Errorf("get access token: %w", err)
	}
	tok.SetAuthHeader(req)
	return nil
}

func decodedBody(resp *http.Response) (io.ReadCloser, error) {
	if resp.Header.Get("Content-Encoding") != "gzip" {
		return io.NopCloser(resp.Body), nil
	}
	gr, err := gzip.NewReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("open gzip body: %w", err)
	}
	return gr, nil
}

func (c *Client) statusError(op string, resp *http.Response, body io.Reader) error {
	data, _ := io.ReadAll(io.LimitReader(body, maxErrorBody))
	se := &StatusError{
		Op:          op,
		StatusCode:  resp.StatusCode,
		Body:        strings.TrimSpace(string(data)),
		contentType: resp.Header.Get("Content-Type"),
	}

	var apiErr protocol.ErrorResponse
	if json.Unmarshal(data, &apiErr) == nil && apiErr.Error.Message != "" {
		se.Body = apiErr.Error.Message
	}

	if resp.StatusCode == http.StatusForbidden {
		c.forbiddenOnce.Do(func() {
			source := "no credentials"
			if c.creds != nil {
				source = c.creds.Source
			}
			c.logger.Error("access to the Healthcare API was denied",
				zap.String("credentials", source),
				zap.String("dataset", c.dataset.ResourceName()),
				zap.String("guidance", AccessGuidance))
		})
	}

	if retry.RetryableStatus(resp.StatusCode) {
		return retry.Retryable(se)
	}
	return se
}

func decodeJSON(v any) func(*http.Response, io.Reader) error {
	return func(resp *http.Response, body io.Reader) error {
		if resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
}

// --- stores ---

// ListStores returns one page of the dataset's stores.
func (c *Client) ListStores(ctx context.Context, pageToken string) ([]models.Store, string, error) {
	u := c.storesURL()
	if pageToken != "" {
		u += "?pageToken=" + url.QueryEscape(pageToken)
	}
	var page protocol.ListStoresResponse
	err := c.do(ctx, request{
		op:     "list_stores",
		method: http.MethodGet,
		url:    u,
		accept: protocol.MediaTypeJSON,
		decode: decodeJSON(&page),
	})
	if err != nil {
		return nil, "", err
	}
	stores := make([]models.Store, 0, len(page.DicomStores))
	for _, s := range page.DicomStores {
		stores = append(stores, models.Store{Name: s.Name})
	}
	return stores, page.NextPageToken, nil
}

// GetStore fetches a single store.
func (c *Client) GetStore(ctx context.Context, storeID string) (models.Store, error) {
	var res protocol.StoreResource
	err := c.do(ctx, request{
		op:     "get_store",
		method: http.MethodGet,
		url:    c.storesURL() + "/" + url.PathEscape(storeID),
		accept: protocol.MediaTypeJSON,
		decode: decodeJSON(&res),
	})
	if err != nil {
		return models.Store{}, err
	}
	return models.Store{Name: res.Name}, nil
}

// CreateStore creates an empty DICOM store.
func (c *Client) CreateStore(ctx context.Context, storeID string) error {
	return c.do(ctx, request{
		op:          "create_store",
		method:      http.MethodPost,
		url:         c.storesURL() + "?dicomStoreId=" + url.QueryEscape(storeID),
		accept:      protocol.MediaTypeJSON,
		contentType: protocol.MediaTypeJSON,
		body:        func() (io.Reader, error) { return strings.NewReader("{}"), nil },
	})
}

// CheckAccess lists one page of stores to verify the dataset is reachable
// with the configured credentials.
func (c *Client) CheckAccess(ctx context.Context) error {
	_, _, err := c.ListStores(ctx, "")
	return err
}

// --- QIDO ---

func (c *Client) qido(ctx context.Context, op, u string, q url.Values) ([]protocol.Dataset, error) {
	var out []protocol.Dataset
	err := c.do(ctx, request{
		op:     op,
		method: http.MethodGet,
		url:    u + "?" + q.Encode(),
		accept: protocol.MediaTypeDicomJSON,
		decode: decodeJSON(&out),
	})
	return out, err
}

func pageQuery(limit, offset int, include ...string) url.Values {
	q := url.Values{}
	for _, tag := range include {
		q.Add("includefield", tag)
	}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	return q
}

// ListStudies returns one page of the studies of a store.
func (c *Client) ListStudies(ctx context.Context, storeID string, limit, offset int) ([]models.Study, error) {
	ds, err := c.qido(ctx, "list_studies", c.dicomWebURL(storeID, "studies"), pageQuery(limit, offset))
	if err != nil {
		return nil, err
	}
	out := make([]models.Study, 0, len(ds))
	for _, d := range ds {
		out = append(out, models.Study{StudyUID: d.String(protocol.TagStudyInstanceUID)})
	}
	return out, nil
}

// ListSeries returns one page of the series of a study.
func (c *Client) ListSeries(ctx context.Context, storeID, studyUID string, limit, offset int) ([]models.Series, error) {
	ds, err := c.qido(ctx, "list_series",
		c.dicomWebURL(storeID, "studies", studyUID, "series"),
		pageQuery(limit, offset, protocol.TagStudyInstanceUID))
	if err != nil {
		return nil, err
	}
	out := make([]models.Series, 0, len(ds))
	for _, d := range ds {
		out = append(out, seriesOf(d, studyUID))
	}
	return out, nil
}

// ListInstances returns one page of the instances of a series.
func (c *Client) ListInstances(ctx context.Context, storeID, studyUID, seriesUID string, limit, offset int) ([]models.Instance, error) {
	ds, err := c.qido(ctx, "list_instances",
		c.dicomWebURL(storeID, "studies", studyUID, "series", seriesUID, "instances"),
		pageQuery(limit, offset, protocol.TagStudyInstanceUID, protocol.TagSeriesInstanceUID))
	if err != nil {
		return nil, err
	}
	out := make([]models.Instance, 0, len(ds))
	for _, d := range ds {
		out = append(out, instanceOf(d, studyUID, seriesUID))
	}
	return out, nil
}

func seriesOf(d protocol.Dataset, studyUID string) models.Series {
	s := models.Series{StudyUID: d.String(protocol.TagStudyInstanceUID), SeriesUID: d.String(protocol.TagSeriesInstanceUID)}
	if s.StudyUID == "" {
		s.StudyUID = studyUID
	}
	return s
}

func instanceOf(d protocol.Dataset, studyUID, seriesUID string) models.Instance {
	i := models.Instance{
		StudyUID:    d.String(protocol.TagStudyInstanceUID),
		SeriesUID:   d.String(protocol.TagSeriesInstanceUID),
		InstanceUID: d.String(protocol.TagSOPInstanceUID),
	}
	if i.StudyUID == "" {
		i.StudyUID = studyUID
	}
	if i.SeriesUID == "" {
		i.SeriesUID = seriesUID
	}
	return i
}

// GetStudy looks a study up by UID.
func (c *Client) GetStudy(ctx context.Context, storeID, studyUID string) (models.Study, error) {
	q := url.Values{"StudyInstanceUID": {studyUID}, "limit": {"1"}}
	ds, err := c.qido(ctx, "get_study", c.dicomWebURL(storeID, "studies"), q)
	if err != nil {
		return models.Study{}, err
	}
	if len(ds) == 0 {
		return models.Study{}, fmt.Errorf("study %s: %w", studyUID, ErrNotFound)
	}
	return models.Study{StudyUID: studyUID}, nil
}

// GetSeries looks a series up by UID.
func (c *Client) GetSeries(ctx context.Context, storeID, studyUID, seriesUID string) (models.Series, error) {
	q := url.Values{"SeriesInstanceUID": {seriesUID}, "limit": {"1"}}
	ds, err := c.qido(ctx, "get_series", c.dicomWebURL(storeID, "studies", studyUID, "series"), q)
	if err != nil {
		return models.Series{}, err
	}
	if len(ds) == 0 {
		return models.Series{}, fmt.Errorf("series %s: %w", seriesUID, ErrNotFound)
	}
	return models.Series{StudyUID: studyUID, SeriesUID: seriesUID}, nil
}

// GetInstance looks an instance up by SOP Instance UID.
func (c *Client) GetInstance(ctx context.Context, storeID, studyUID, seriesUID, instanceUID string) (models.Instance, error) {
	q := url.Values{"SOPInstanceUID": {instanceUID}, "limit": {"1"}}
	ds, err := c.qido(ctx, "get_instance",
		c.dicomWebURL(storeID, "studies", studyUID, "series", seriesUID, "instances"), q)
	if err != nil {
		return models.Instance{}, err
	}
	if len(ds) == 0 {
		return models.Instance{}, fmt.Errorf("instance %s: %w", instanceUID, ErrNotFound)
	}
	return models.Instance{StudyUID: studyUID, SeriesUID: seriesUID, InstanceUID: instanceUID}, nil
}

// --- WADO / STOW / delete ---

// DownloadInstance streams the stored bytes of an instance into w. A failure
// after bytes reached w is not retried.
func (c *Client) DownloadInstance(ctx context.Context, storeID string, inst models.Instance, w io.Writer) error {
	return c.do(ctx, request{
		op:     "download_instance",
		method: http.MethodGet,
		url: c.dicomWebURL(storeID, "studies", inst.StudyUID, "series", inst.SeriesUID,
			"instances", inst.InstanceUID),
		accept: protocol.AcceptDicomAnySyntax,
		decode: func(_ *http.Response, body io.Reader) error {
			if _, err := io.Copy(w, body); err != nil {
				return fmt.Errorf("download_instance: copy body: %w", err)
			}
			return nil
		},
	})
}

// UploadInstance stores one DICOM file through STOW-RS. Seekable readers
// are rewound between attempts; other readers get a single attempt.
func (c *Client) UploadInstance(ctx context.Context, storeID string, r io.Reader) error {
	boundary := uuid.NewString()
	contentType := fmt.Sprintf("multipart/related; type=%q; boundary=%s", protocol.MediaTypeDicom, boundary)

	seeker, seekable := r.(io.Seeker)
	used := false
	body := func() (io.Reader, error) {
		if used {
			if !seekable {
				return nil, errors.New("upload_instance: body cannot be replayed")
			}
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return nil, fmt.Errorf("upload_instance: rewind: %w", err)
			}
		}
		used = true
		return multipartBody(r, boundary), nil
	}

	err := c.do(ctx, request{
		op:          "upload_instance",
		method:      http.MethodPost,
		url:         c.dicomWebURL(storeID, "studies"),
		accept:      protocol.MediaTypeDicomJSON,
		contentType: contentType,
		body:        body,
	})
	var se *StatusError
	if errors.As(err, &se) {
		se.Body = FormatStowError([]byte(se.Body), se.contentType)
	}
	return err
}

// multipartBody streams r as the single application/dicom part.
func multipartBody(r io.Reader, boundary string) io.Reader {
	pr, pw := io.Pipe()
	go func() {
		mw := multipart.NewWriter(pw)
		if err := mw.SetBoundary(boundary); err != nil {
			pw.CloseWithError(err)
			return
		}
		part, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {protocol.MediaTypeDicom}})
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, r); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()
	return pr
}

// DeleteInstance removes an instance. An instance that is already gone
// counts as deleted.
func (c *Client) DeleteInstance(ctx context.Context, storeID string, inst models.Instance) error {
	return c.do(ctx, request{
		op:     "delete_instance",
		method: http.MethodDelete,
		url: c.dicomWebURL(storeID, "studies", inst.StudyUID, "series", inst.SeriesUID,
			"instances", inst.InstanceUID),
		ok: []int{http.StatusNotFound},
	})
}
