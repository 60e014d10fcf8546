package dicomweb

import (
	"fmt"
	"net/url"
	"strings"
)

// DatasetAddr is a parsed --datasetAddr value.
type DatasetAddr struct {
	Scheme   string
	Host     string
	Stage    string
	Project  string
	Location string
	Dataset  string
}

// ParseDatasetAddr parses
// <scheme>://<host>/<stage>/projects/<p>/locations/<l>/datasets/<d>.
func ParseDatasetAddr(raw string) (DatasetAddr, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return DatasetAddr{}, fmt.Errorf("parse dataset address: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return DatasetAddr{}, fmt.Errorf("dataset address %q: missing scheme or host", raw)
	}
	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segs) != 7 || segs[1] != "projects" || segs[3] != "locations" || segs[5] != "datasets" {
		return DatasetAddr{}, fmt.Errorf("dataset address %q: want <stage>/projects/<p>/locations/<l>/datasets/<d>", raw)
	}
	for _, s := range segs {
		if s == "" {
			return DatasetAddr{}, fmt.Errorf("dataset address %q: empty path segment", raw)
		}
	}
	return DatasetAddr{
		Scheme:   u.Scheme,
		Host:     u.Host,
		Stage:    segs[0],
		Project:  segs[2],
		Location: segs[4],
		Dataset:  segs[6],
	}, nil
}

// String returns the dataset URL.
func (a DatasetAddr) String() string {
	return fmt.Sprintf("%s://%s/%s/projects/%s/locations/%s/datasets/%s",
		a.Scheme, a.Host, a.Stage, a.Project, a.Location, a.Dataset)
}

// ResourceName returns projects/<p>/locations/<l>/datasets/<d>.
func (a DatasetAddr) ResourceName() string {
	return fmt.Sprintf("projects/%s/locations/%s/datasets/%s", a.Project, a.Location, a.Dataset)
}
