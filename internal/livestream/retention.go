package livestream

import "sort"

// DefaultKeepN is the default number of most recent valid segments retained per client.
const DefaultKeepN = 4

// RetentionPolicy decides which stored segments stay listed in the manifest.
type RetentionPolicy struct {
	KeepN int

	// Container is the single accepted extension (ExtTS or ExtMP4).
	Container string
}

// validSegments filters files down to well-formed segments in the policy's
// container that are larger than MinSegmentSize, sorted by sequence ascending.
// Files failing the filter are neither retained nor deleted.
func (p RetentionPolicy) validSegments(clientID ClientID, files []FileInfo) []Segment {
	out := make([]Segment, 0, len(files))
	for _, f := range files {
		parsed, ok := parseSegmentName(f.Name)
		if !ok || parsed.Ext != p.Container || f.Size <= MinSegmentSize {
			continue
		}
		seg := Segment{
			ClientID:  clientID,
			Name:      f.Name,
			Ext:       parsed.Ext,
			Sequence:  parsed.Sequence,
			Size:      f.Size,
			Timestamp: parsed.Timestamp,
			CreatedAt: f.ModTime,
		}
		if f.Meta != nil {
			seg.Sequence = f.Meta.Sequence
			if f.Meta.Timestamp != nil {
				seg.Timestamp = f.Meta.Timestamp
			}
		}
		if seg.Timestamp != nil {
			seg.CreatedAt = *seg.Timestamp
		}
		out = append(out, seg)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Sequence != out[j].Sequence {
			return out[i].Sequence < out[j].Sequence
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Apply splits the valid segments into the retained window (the last KeepN,
// ascending) and the stale remainder that should be deleted.
func (p RetentionPolicy) Apply(clientID ClientID, files []FileInfo) (retained, stale []Segment) {
	keepN := p.KeepN
	if keepN <= 0 {
		keepN = DefaultKeepN
	}
	valid := p.validSegments(clientID, files)
	if len(valid) <= keepN {
		return valid, nil
	}
	cut := len(valid) - keepN
	return valid[cut:], valid[:cut]
}
