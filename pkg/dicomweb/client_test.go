package dicomweb

import (
	"context"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/GoogleCloudPlatform/healthcare-api-dicom-fuse/pkg/models"
	"github.com/GoogleCloudPlatform/healthcare-api-dicom-fuse/pkg/retry"
)

const datasetPath = "/v1/projects/p/locations/l/datasets/d"

func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	ts := httptest.NewServer(handler)
	addr, err := ParseDatasetAddr(ts.URL + datasetPath)
	if err != nil {
		t.Fatalf("parse address: %v", err)
	}
	c := New(Config{
		Dataset:     addr,
		Credentials: StaticCredentials("test-token"),
		RetryConfig: retry.Config{
			MaxAttempts: 3,
			InitialWait: time.Millisecond,
			MaxWait:     time.Millisecond,
		},
	})
	return c, ts
}

func TestListStudies_PagingAndAuth(t *testing.T) {
	var gotAuth, gotQuery, gotPath string
	c, ts := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.RawQuery
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/dicom+json")
		io.WriteString(w, `[{"0020000D":{"vr":"UI","Value":["1.2.3"]}},{"0020000D":{"vr":"UI","Value":["1.2.4"]}}]`)
	}))
	defer ts.Close()

	studies, err := c.ListStudies(context.Background(), "store1", 5000, 10000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(studies) != 2 || studies[1].StudyUID != "1.2.4" {
		t.Errorf("unexpected studies: %+v", studies)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("expected bearer token, got %q", gotAuth)
	}
	if want := datasetPath + "/dicomStores/store1/dicomWeb/studies"; gotPath != want {
		t.Errorf("expected path %s, got %s", want, gotPath)
	}
	if gotQuery != "limit=5000&offset=10000" {
		t.Errorf("unexpected query %q", gotQuery)
	}
}

func TestRequestIDHeader(t *testing.T) {
	var got []string
	c, ts := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = append(got, r.Header.Get("X-Request-Id"))
		io.WriteString(w, `{"name":"x"}`)
	}))
	defer ts.Close()

	type idKey struct{}
	c.requestID = func(ctx context.Context) string {
		id, _ := ctx.Value(idKey{}).(string)
		return id
	}

	ctx := context.WithValue(context.Background(), idKey{}, "op-123")
	if err := c.CreateStore(ctx, "a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.CreateStore(context.Background(), "b"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0] != "op-123" || got[1] != "" {
		t.Errorf("unexpected request ids %q", got)
	}
}

func TestListInstances_IncludeFields(t *testing.T) {
	var includes []string
	c, ts := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		includes = r.URL.Query()["includefield"]
		io.WriteString(w, `[{"00080018":{"vr":"UI","Value":["9.9"]}}]`)
	}))
	defer ts.Close()

	instances, err := c.ListInstances(context.Background(), "s", "1.1", "2.2", 15000, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(includes) != 2 || includes[0] != "0020000D" || includes[1] != "0020000E" {
		t.Errorf("unexpected includefield %v", includes)
	}
	want := models.Instance{StudyUID: "1.1", SeriesUID: "2.2", InstanceUID: "9.9"}
	if len(instances) != 1 || instances[0] != want {
		t.Errorf("expected %+v, got %+v", want, instances)
	}
}

func TestListSeries_GzipResponse(t *testing.T) {
	c, ts := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept-Encoding") != "gzip" {
			t.Errorf("expected gzip to be accepted")
		}
		w.Header().Set("Content-Encoding", "gzip")
		gw := gzip.NewWriter(w)
		io.WriteString(gw, `[{"0020000D":{"vr":"UI","Value":["1.1"]},"0020000E":{"vr":"UI","Value":["2.1"]}}]`)
		gw.Close()
	}))
	defer ts.Close()

	series, err := c.ListSeries(context.Background(), "s", "1.1", 5000, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(series) != 1 || series[0].SeriesUID != "2.1" {
		t.Errorf("unexpected series: %+v", series)
	}
}

func TestListStores_PageToken(t *testing.T) {
	c, ts := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("pageToken") == "" {
			io.WriteString(w, `{"dicomStores":[{"name":"projects/p/locations/l/datasets/d/dicomStores/a"}],"nextPageToken":"next"}`)
			return
		}
		io.WriteString(w, `{"dicomStores":[{"name":"projects/p/locations/l/datasets/d/dicomStores/b"}]}`)
	}))
	defer ts.Close()

	stores, next, err := c.ListStores(context.Background(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next != "next" || len(stores) != 1 || stores[0].ID() != "a" {
		t.Errorf("unexpected first page %+v %q", stores, next)
	}
	stores, next, err = c.ListStores(context.Background(), next)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next != "" || stores[0].ID() != "b" {
		t.Errorf("unexpected second page %+v %q", stores, next)
	}
}

func TestGetStudy_EmptyResultIsNotFound(t *testing.T) {
	var gotQuery string
	c, ts := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		io.WriteString(w, `[]`)
	}))
	defer ts.Close()

	_, err := c.GetStudy(context.Background(), "s", "1.2.3")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if gotQuery != "StudyInstanceUID=1.2.3&limit=1" {
		t.Errorf("unexpected query %q", gotQuery)
	}
}

func TestGetInstance_NoContentIsNotFound(t *testing.T) {
	c, ts := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	_, err := c.GetInstance(context.Background(), "s", "1", "2", "3")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetStore_404(t *testing.T) {
	c, ts := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"error":{"code":404,"message":"store not found","status":"NOT_FOUND"}}`)
	}))
	defer ts.Close()

	_, err := c.GetStore(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Body != "store not found" {
		t.Errorf("expected API message in body, got %v", err)
	}
}

func TestRetry_ServerErrorThenSuccess(t *testing.T) {
	var calls atomic.Int32
	var observed atomic.Int32
	c, ts := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, `[]`)
	}))
	defer ts.Close()
	c.onRequest = func(op string, status int, _ time.Duration) {
		if op == "list_studies" {
			observed.Add(1)
		}
	}

	if _, err := c.ListStudies(context.Background(), "s", 10, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
	if observed.Load() != 3 {
		t.Errorf("expected 3 observed requests, got %d", observed.Load())
	}
}

func TestClientError_NotRetried(t *testing.T) {
	var calls atomic.Int32
	c, ts := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
		io.WriteString(w, "denied")
	}))
	defer ts.Close()

	err := c.CheckAccess(context.Background())
	if !IsForbidden(err) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 attempt, got %d", calls.Load())
	}
}

func TestCreateStore(t *testing.T) {
	var gotID, gotBody, gotMethod string
	c, ts := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotID = r.URL.Query().Get("dicomStoreId")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		io.WriteString(w, `{"name":"x"}`)
	}))
	defer ts.Close()

	if err := c.CreateStore(context.Background(), "new-store"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotMethod != http.MethodPost || gotID != "new-store" || gotBody != "{}" {
		t.Errorf("unexpected request %s id=%q body=%q", gotMethod, gotID, gotBody)
	}
}

func TestDownloadInstance(t *testing.T) {
	var gotAccept, gotPath string
	c, ts := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAccept = r.Header.Get("Accept")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/dicom")
		io.WriteString(w, "DICM-bytes")
	}))
	defer ts.Close()

	var sb strings.Builder
	inst := models.Instance{StudyUID: "1", SeriesUID: "2", InstanceUID: "3"}
	if err := c.DownloadInstance(context.Background(), "s", inst, &sb); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sb.String() != "DICM-bytes" {
		t.Errorf("unexpected content %q", sb.String())
	}
	if gotAccept != "application/dicom; transfer-syntax=*" {
		t.Errorf("unexpected Accept %q", gotAccept)
	}
	if want := datasetPath + "/dicomStores/s/dicomWeb/studies/1/series/2/instances/3"; gotPath != want {
		t.Errorf("expected %s, got %s", want, gotPath)
	}
}

func TestUploadInstance_Multipart(t *testing.T) {
	var gotPart, gotPartType, gotType string
	c, ts := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil {
			t.Errorf("bad content type: %v", err)
			return
		}
		gotType = mediaType + ";" + params["type"]
		mr := multipart.NewReader(r.Body, params["boundary"])
		part, err := mr.NextPart()
		if err != nil {
			t.Errorf("no part: %v", err)
			return
		}
		gotPartType = part.Header.Get("Content-Type")
		b, _ := io.ReadAll(part)
		gotPart = string(b)
		io.WriteString(w, `{}`)
	}))
	defer ts.Close()

	if err := c.UploadInstance(context.Background(), "s", strings.NewReader("DICM-upload")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotType != "multipart/related;application/dicom" {
		t.Errorf("unexpected content type %q", gotType)
	}
	if gotPartType != "application/dicom" || gotPart != "DICM-upload" {
		t.Errorf("unexpected part %q %q", gotPartType, gotPart)
	}
}

func TestUploadInstance_RetriesSeekableBody(t *testing.T) {
	var calls atomic.Int32
	var last string
	c, ts := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, params, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
		part, err := multipart.NewReader(r.Body, params["boundary"]).NextPart()
		if err == nil {
			b, _ := io.ReadAll(part)
			last = string(b)
		}
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		io.WriteString(w, `{}`)
	}))
	defer ts.Close()

	if err := c.UploadInstance(context.Background(), "s", strings.NewReader("payload")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls.Load() != 2 || last != "payload" {
		t.Errorf("expected full body on retry, got %d calls, %q", calls.Load(), last)
	}
}

func TestUploadInstance_FailureFormatsXML(t *testing.T) {
	c, ts := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "application/dicom+xml")
		w.WriteHeader(http.StatusConflict)
		io.WriteString(w, `<NativeDicomModel><DicomAttribute tag="00081197" vr="US"><Value number="1">42752</Value></DicomAttribute></NativeDicomModel>`)
	}))
	defer ts.Close()

	err := c.UploadInstance(context.Background(), "s", strings.NewReader("bad"))
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.StatusCode != http.StatusConflict {
		t.Errorf("expected 409, got %d", se.StatusCode)
	}
	if !strings.Contains(se.Body, "\n  <DicomAttribute") {
		t.Errorf("expected indented XML, got %q", se.Body)
	}
}

func TestDeleteInstance_404IsSuccess(t *testing.T) {
	var method string
	c, ts := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	inst := models.Instance{StudyUID: "1", SeriesUID: "2", InstanceUID: "3"}
	if err := c.DeleteInstance(context.Background(), "s", inst); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if method != http.MethodDelete {
		t.Errorf("expected DELETE, got %s", method)
	}
}

func TestParseDatasetAddr(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"https://healthcare.googleapis.com/v1/projects/p/locations/us/datasets/d", false},
		{"https://healthcare.googleapis.com/v1beta1/projects/p/locations/us/datasets/d/", false},
		{"healthcare.googleapis.com/v1/projects/p/locations/us/datasets/d", true},
		{"https://healthcare.googleapis.com/v1/projects/p/datasets/d", true},
		{"https://healthcare.googleapis.com/v1/projects//locations/us/datasets/d", true},
	}
	for _, tt := range tests {
		addr, err := ParseDatasetAddr(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseDatasetAddr(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err == nil && addr.Dataset != "d" {
			t.Errorf("ParseDatasetAddr(%q) dataset = %q", tt.in, addr.Dataset)
		}
	}
}

func TestFormatStowError_PassThrough(t *testing.T) {
	if got := FormatStowError([]byte(" plain failure \n"), "text/plain"); got != "plain failure" {
		t.Errorf("unexpected %q", got)
	}
	if got := FormatStowError([]byte("<broken"), "application/dicom+xml"); got != "<broken" {
		t.Errorf("malformed XML should pass through, got %q", got)
	}
}
