package livestream

import (
	"bufio"
	"bytes"
	"fmt"
	"path"
	"strings"
	"time"
)

// DefaultSegmentDuration is the nominal per-segment duration in seconds.
const DefaultSegmentDuration = 6

const programDateTimeLayout = "2006-01-02T15:04:05.000Z"

// ManifestOptions controls how segment references are rendered.
type ManifestOptions struct {
	// Duration is the nominal segment duration in seconds, used for both
	// #EXT-X-TARGETDURATION and every #EXTINF.
	Duration int

	// BaseURL, when set, turns references into <BaseURL>/<client_id>/<name>.
	// Otherwise references are bare filenames relative to the manifest.
	BaseURL string

	// Ended appends #EXT-X-ENDLIST.
	Ended bool
}

// BuildManifest converts retained segments (ordered by sequence ascending)
// into an HLS playlist. The media sequence is the first segment's sequence,
// or 0 for an empty list. #EXT-X-PROGRAM-DATE-TIME is only written for
// segments whose timestamp was recovered from metadata or the filename.
func BuildManifest(clientID ClientID, segments []Segment, opts ManifestOptions) string {
	duration := opts.Duration
	if duration <= 0 {
		duration = DefaultSegmentDuration
	}

	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	b.WriteString(fmt.Sprintf("#EXT-X-TARGETDURATION:%d\n", duration))

	var mediaSequence int64
	if len(segments) > 0 {
		mediaSequence = segments[0].Sequence
	}
	b.WriteString(fmt.Sprintf("#EXT-X-MEDIA-SEQUENCE:%d\n", mediaSequence))

	for _, seg := range segments {
		if seg.Timestamp != nil {
			b.WriteString("#EXT-X-PROGRAM-DATE-TIME:")
			b.WriteString(seg.Timestamp.UTC().Format(programDateTimeLayout))
			b.WriteString("\n")
		}
		b.WriteString(fmt.Sprintf("#EXTINF:%d.0,\n", duration))
		b.WriteString(segmentRef(clientID, seg.Name, opts.BaseURL))
		b.WriteString("\n")
	}

	if opts.Ended {
		b.WriteString("#EXT-X-ENDLIST\n")
	}

	return b.String()
}

func segmentRef(clientID ClientID, name, baseURL string) string {
	if baseURL == "" {
		return name
	}
	return strings.TrimSuffix(baseURL, "/") + "/" + string(clientID) + "/" + name
}

// manifestEntry is one segment as listed in a manifest.
type manifestEntry struct {
	Name      string
	Timestamp *time.Time
}

// parseManifest returns the segment entries of a manifest in listed order.
// References are reduced to their base filename so bare and URL forms parse
// the same way.
func parseManifest(data []byte) []manifestEntry {
	var (
		entries []manifestEntry
		pending *time.Time
	)
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
		case strings.HasPrefix(line, "#EXT-X-PROGRAM-DATE-TIME:"):
			v := strings.TrimPrefix(line, "#EXT-X-PROGRAM-DATE-TIME:")
			if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
				t = t.UTC()
				pending = &t
			}
		case strings.HasPrefix(line, "#"):
		default:
			entries = append(entries, manifestEntry{Name: path.Base(line), Timestamp: pending})
			pending = nil
		}
	}
	return entries
}
