// Package timeline models diarized speaker segments over an audio track and
// resolves which replacement clip, if any, each segment consumes.
package timeline

import "fmt"

// Segment is a diarized speaker segment over the original track.
// Times are in seconds from the start of the track.
type Segment struct {
	SpeakerID  string  `json:"speaker_id"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
	Text       string  `json:"text,omitempty"`
}

// Duration returns the segment length in seconds.
func (s Segment) Duration() float64 {
	return s.End - s.Start
}

// ReplacementMap maps a speaker id to an ordered sequence of audio clip keys.
// The k-th clip for a speaker is consumed by the k-th segment (in timeline
// order) belonging to that speaker. An empty string is a placeholder: that
// occurrence keeps its original audio while later clips stay aligned.
type ReplacementMap map[string][]string

// Entry pairs a segment with the replacement clip it consumes.
// ClipKey is empty when the segment keeps its original audio.
type Entry struct {
	Segment Segment
	ClipKey string
}

// ValidationError reports a malformed segment list. Validation rejects the
// whole request; nothing is silently repaired or re-sorted.
type ValidationError struct {
	Index  int
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid segment at index %d: %s", e.Index, e.Reason)
}

// Validate checks the segment ordering contract: non-negative start, positive
// duration, confidence in [0,1], ascending starts, no overlap between
// consecutive segments. Out-of-order input is an error rather than being
// re-sorted, because sorting would change which segment counts as the n-th
// occurrence of a speaker.
func Validate(segments []Segment) error {
	for i, seg := range segments {
		if seg.SpeakerID == "" {
			return &ValidationError{Index: i, Reason: "empty speaker_id"}
		}
		if seg.Start < 0 {
			return &ValidationError{Index: i, Reason: fmt.Sprintf("negative start %.3f", seg.Start)}
		}
		if seg.End <= seg.Start {
			return &ValidationError{Index: i, Reason: fmt.Sprintf("end %.3f not after start %.3f", seg.End, seg.Start)}
		}
		if seg.Confidence < 0 || seg.Confidence > 1 {
			return &ValidationError{Index: i, Reason: fmt.Sprintf("confidence %.3f outside [0,1]", seg.Confidence)}
		}
		if i > 0 {
			prev := segments[i-1]
			if seg.Start < prev.Start {
				return &ValidationError{Index: i, Reason: fmt.Sprintf("start %.3f before previous start %.3f", seg.Start, prev.Start)}
			}
			if seg.Start < prev.End {
				return &ValidationError{Index: i, Reason: fmt.Sprintf("overlaps previous segment ending at %.3f", prev.End)}
			}
		}
	}
	return nil
}

// Resolve validates the segments and assigns replacement clips positionally:
// a per-speaker cursor starts at 0, and each segment takes the clip at its
// speaker's cursor if one remains. Segments past the end of a speaker's clip
// list keep original audio; excess clips are ignored. Order is the only
// correlation key.
func Resolve(segments []Segment, replacements ReplacementMap) ([]Entry, error) {
	if err := Validate(segments); err != nil {
		return nil, err
	}

	cursors := make(map[string]int, len(replacements))
	entries := make([]Entry, len(segments))
	for i, seg := range segments {
		entries[i] = Entry{Segment: seg}
		clips := replacements[seg.SpeakerID]
		cur := cursors[seg.SpeakerID]
		if cur < len(clips) {
			entries[i].ClipKey = clips[cur]
			cursors[seg.SpeakerID] = cur + 1
		}
	}
	return entries, nil
}
