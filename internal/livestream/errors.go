package livestream

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidSegmentName is returned when a filename is not a segment name.
	ErrInvalidSegmentName = errors.New("invalid segment name")

	// ErrUnsupportedMediaType is returned for uploads in a container other
	// than the configured one.
	ErrUnsupportedMediaType = errors.New("unsupported media type")

	// ErrDuplicateSegment is returned when a segment name is re-uploaded and
	// the duplicate policy is reject.
	ErrDuplicateSegment = errors.New("segment already exists")

	// ErrNotFound is returned when a stored file does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNoManifest, ErrNoSegments and ErrSegmentMissing are the "nothing to
	// report" outcomes of LastSegmentInfo.
	ErrNoManifest     = errors.New("no manifest")
	ErrNoSegments     = errors.New("no segments")
	ErrSegmentMissing = errors.New("segment missing")

	// ErrStreamStopped is returned for uploads to a client whose stream was stopped.
	ErrStreamStopped = errors.New("stream has stopped")

	// ErrInvalidClientID is returned for empty or path-like client ids.
	ErrInvalidClientID = errors.New("invalid client id")
)

// StorageError wraps a filesystem failure in the upload/cleanup path.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// PartialDeleteError is returned by Reset when some files could not be removed.
// Files removed before the failure stay removed.
type PartialDeleteError struct {
	Failed []string
}

func (e *PartialDeleteError) Error() string {
	return "could not delete: " + strings.Join(e.Failed, ", ")
}
