package livestream

import (
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	ExtTS  = ".ts"
	ExtMP4 = ".mp4"

	manifestName = "index.m3u8"
	metaSuffix   = ".json"
)

// segment_<N>.ts or segment_<N>_<timestamp>.mp4
var segmentNamePattern = regexp.MustCompile(`^segment_(\d+)(?:_([0-9TZ:\-\.]+))?\.(ts|mp4)$`)

var nameTimestampLayouts = []string{
	"20060102T150405Z",
	"20060102T150405",
	"2006-01-02T15-04-05Z",
	"2006-01-02T15-04-05",
	"2006-01-02T15-04-05.000Z",
}

// parsedName is what a segment filename encodes.
type parsedName struct {
	Sequence  int64
	Timestamp *time.Time
	Ext       string
}

// parseSegmentName extracts the sequence number, optional timestamp and
// extension from a segment filename. ok is false for anything that is not a
// segment name, including names with an unparseable timestamp part.
func parseSegmentName(name string) (parsedName, bool) {
	if name != path.Base(name) {
		return parsedName{}, false
	}
	m := segmentNamePattern.FindStringSubmatch(name)
	if m == nil {
		return parsedName{}, false
	}
	seq, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return parsedName{}, false
	}
	p := parsedName{Sequence: seq, Ext: "." + m[3]}
	if m[2] != "" {
		ts, ok := parseNameTimestamp(m[2])
		if !ok {
			return parsedName{}, false
		}
		p.Timestamp = &ts
	}
	return p, true
}

func parseNameTimestamp(s string) (time.Time, bool) {
	for _, layout := range nameTimestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// isSegmentName reports whether name is a valid segment filename.
func isSegmentName(name string) bool {
	_, ok := parseSegmentName(name)
	return ok
}

// extOf returns the lowercased extension of a filename.
func extOf(name string) string {
	return strings.ToLower(path.Ext(name))
}

// supportedExt reports whether ext is one of the accepted containers.
func supportedExt(ext string) bool {
	return ext == ExtTS || ext == ExtMP4
}
