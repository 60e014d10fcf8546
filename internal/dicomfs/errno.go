package dicomfs

import (
	"errors"

	"github.com/winfsp/cgofuse/fuse"

	"github.com/GoogleCloudPlatform/healthcare-api-dicom-fuse/internal/dicompath"
	"github.com/GoogleCloudPlatform/healthcare-api-dicom-fuse/internal/hierarchy"
	"github.com/GoogleCloudPlatform/healthcare-api-dicom-fuse/internal/listing"
	"github.com/GoogleCloudPlatform/healthcare-api-dicom-fuse/pkg/dicomweb"
)

// httpStatuser is implemented by remote failures that carry a status code.
type httpStatuser interface {
	HTTPStatus() int
}

// errno translates err into the negative status returned to the host.
func errno(err error) int {
	if err == nil {
		return 0
	}
	var remote httpStatuser
	switch {
	case errors.Is(err, dicompath.ErrInvalidPath),
		errors.Is(err, hierarchy.ErrNotFound),
		errors.Is(err, dicomweb.ErrNotFound):
		return -fuse.ENOENT
	case errors.Is(err, listing.ErrTooManyResults):
		return -fuse.EIO
	case errors.As(err, &remote):
		return errRemoteIO
	}
	return -fuse.EIO
}
