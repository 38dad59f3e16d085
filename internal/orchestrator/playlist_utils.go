package orchestrator

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// PlaylistInput is everything BuildPlaylist needs. Present must be sorted
// ascending.
type PlaylistInput struct {
	FirstIndex      int
	Present         []int
	SegmentDuration time.Duration
	Complete        bool
	// TotalDuration of the source, 0 if unknown. Used to size the last segment.
	TotalDuration time.Duration
	URI           func(index int) string
}

// SegmentIndex returns the index of the segment covering offset.
func SegmentIndex(offset, segmentDuration time.Duration) int {
	if offset <= 0 || segmentDuration <= 0 {
		return 0
	}
	return int(offset / segmentDuration)
}

// BuildPlaylist renders an HLS media playlist from the committed segments.
// It lists the contiguous run starting at the lowest present index and stops
// at the first gap. #EXT-X-ENDLIST is written only when the stream is complete
// and nothing beyond the run is present.
func BuildPlaylist(in PlaylistInput) string {
	var b strings.Builder

	run := contiguousRun(in.Present)
	mediaSequence := in.FirstIndex
	if len(run) > 0 {
		mediaSequence = run[0]
	}

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	b.WriteString(fmt.Sprintf("#EXT-X-TARGETDURATION:%d\n", targetDuration(in.SegmentDuration)))
	b.WriteString(fmt.Sprintf("#EXT-X-MEDIA-SEQUENCE:%d\n\n", mediaSequence))

	for _, idx := range run {
		b.WriteString(fmt.Sprintf("#EXTINF:%.3f,\n", segmentSeconds(in, idx)))
		b.WriteString(in.URI(idx))
		b.WriteString("\n")
	}

	if in.Complete && len(run) == len(in.Present) {
		b.WriteString("#EXT-X-ENDLIST\n")
	}

	return b.String()
}

// contiguousRun returns the leading run of consecutive indices.
// Players stall or skip when they see e.g. 42 followed by 44.
func contiguousRun(present []int) []int {
	if len(present) == 0 {
		return nil
	}
	end := 1
	for end < len(present) && present[end] == present[end-1]+1 {
		end++
	}
	return present[:end]
}

// segmentSeconds is the nominal duration, except for the final segment of a
// source of known length.
func segmentSeconds(in PlaylistInput, idx int) float64 {
	nominal := in.SegmentDuration.Seconds()
	if in.TotalDuration <= 0 {
		return nominal
	}
	remaining := (in.TotalDuration - time.Duration(idx)*in.SegmentDuration).Seconds()
	if remaining > 0 && remaining < nominal {
		return remaining
	}
	return nominal
}

// targetDuration returns the HLS #EXT-X-TARGETDURATION value: the segment
// duration rounded up to whole seconds.
func targetDuration(d time.Duration) int {
	if d <= 0 {
		return 1
	}
	return int(math.Ceil(d.Seconds()))
}
