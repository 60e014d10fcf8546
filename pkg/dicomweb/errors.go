package dicomweb

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNotFound is matched by lookups of absent objects and by 404 responses.
var ErrNotFound = errors.New("not found")

// StatusError is a non-success response from the Healthcare API.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string

	contentType string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Is makes a 404 match ErrNotFound.
func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// HTTPStatus returns the response status code.
func (e *StatusError) HTTPStatus() int { return e.StatusCode }

// IsForbidden reports whether err is a 403 from the API.
func IsForbidden(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusForbidden
}

// AccessGuidance explains the usual causes of a 403.
const AccessGuidance = "Check the project, location and dataset in --datasetAddr and that both " +
	"the project and the dataset exist. The account behind the credentials needs the " +
	"Healthcare DICOM Editor role on the dataset (DICOM Viewer is enough for read-only use)."
