package livestream

import "time"

// ClientID identifies a kiosk client whose stream segments are stored.
type ClientID string

// MinSegmentSize is the size in bytes at or below which a segment is treated
// as a partial upload and ignored by retention and manifests.
const MinSegmentSize = 1000

// Segment is one media segment stored for a client.
type Segment struct {
	ClientID  ClientID
	Name      string
	Ext       string
	Sequence  int64
	Size      int64
	CreatedAt time.Time

	// Timestamp is the capture time recovered from the segment's metadata
	// record or filename. Nil when neither carried one.
	Timestamp *time.Time
}

// SegmentMeta is the metadata record stored next to each segment.
type SegmentMeta struct {
	Sequence  int64      `json:"sequence"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Size      int64      `json:"size"`
}

// FileInfo is what the store reports about a single stored segment.
type FileInfo struct {
	Name    string
	Size    int64
	ModTime time.Time

	// Meta is nil when the segment has no metadata record.
	Meta *SegmentMeta
}

// StreamStatus is the in-memory livestream state for a client.
type StreamStatus struct {
	ClientID     ClientID  `json:"client_id"`
	Active       bool      `json:"active"`
	Stopped      bool      `json:"stopped"`
	LastSequence int64     `json:"last_sequence"`
	Uploads      int64     `json:"uploads"`
	LastUploadAt time.Time `json:"last_upload_at,omitempty"`
}

// UploadResult is returned for a successful upload.
type UploadResult struct {
	Filename string   `json:"filename"`
	ClientID ClientID `json:"client_id"`
}

// CleanupResult lists what a cleanup deleted and kept.
type CleanupResult struct {
	Deleted []string `json:"deleted"`
	Kept    []string `json:"kept"`
}

// LastSegmentInfo describes the newest segment listed in a client's manifest.
type LastSegmentInfo struct {
	Segment   string  `json:"segment"`
	Timestamp string  `json:"timestamp"`
	Epoch     float64 `json:"epoch"`
}
