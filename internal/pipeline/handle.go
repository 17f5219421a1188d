package pipeline

import (
	"io"
	"os"
)

// Handle is the lightweight result of a pipeline run. The artifact file on
// disk is the cache entry; the handle only records where it is and the
// annotations added by the pipeline's done step.
type Handle struct {
	// Path of the artifact file under the cache dir.
	Path string
	// Commit and Group identify the inputs the artifact was built from
	// and together form the response etag.
	Commit string
	Group  string
	// MimeType and CacheControl are response hints, set by done steps.
	MimeType     string
	CacheControl string
}

// Open lazily opens a read handle on the artifact.
func (h *Handle) Open() (io.ReadCloser, error) {
	return os.Open(h.Path)
}

// Size returns the artifact size in bytes.
func (h *Handle) Size() (int64, error) {
	info, err := os.Stat(h.Path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Etag is "<commit>-<group>".
func (h *Handle) Etag() string {
	return h.Commit + "-" + h.Group
}
