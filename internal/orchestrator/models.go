package orchestrator

import (
	"time"

	"hls-ondemand/internal/encoder"
)

// StreamID uniquely identifies a stream session.
type StreamID string

// Status is the lifecycle state of a stream session.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusSeeking  Status = "seeking"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// StreamIDPrefix and DirPrefix shape ids ("local_<uuid>") and their
// directories ("hls_local_<uuid>") under the scratch root.
const (
	StreamIDPrefix = "local_"
	DirPrefix      = "hls_"
)

// CreateStreamRequest is the body of POST /api/stream.
type CreateStreamRequest struct {
	FilePath string `json:"filePath"`
	PushToTV bool   `json:"pushToTv"`
}

// CreateStreamResponse is returned by a successful create.
type CreateStreamResponse struct {
	StreamID    StreamID `json:"streamId"`
	PlaylistURL string   `json:"playlistUrl"`
	HLSURL      string   `json:"hlsUrl"`
	PushedToTV  bool     `json:"pushedToTv"`
}

// SeekRequest is the body of POST /api/stream/seek. Position is in seconds.
type SeekRequest struct {
	StreamID StreamID `json:"streamId"`
	Position float64  `json:"position"`
}

// SeekResponse reports the outcome of a seek.
type SeekResponse struct {
	Success      bool     `json:"success"`
	StreamID     StreamID `json:"streamId,omitempty"`
	Position     float64  `json:"position"`
	Segment      int      `json:"segment"`
	FirstSegment int      `json:"firstSegment"`
	Restarted    bool     `json:"restarted"`
	Ready        bool     `json:"ready"`
	Reason       string   `json:"reason,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// SeekResult is what Session.Seek reports back.
type SeekResult struct {
	TargetIndex int
	FirstIndex  int
	Restarted   bool
	// Ready is true when the target segment was committed before Seek returned.
	Ready bool
}

// Info is a point-in-time view of a session for the status endpoint.
type Info struct {
	StreamID        StreamID       `json:"streamId"`
	SourcePath      string         `json:"filePath"`
	Status          Status         `json:"status"`
	AnchorSeconds   float64        `json:"anchorSeconds"`
	FirstSegment    int            `json:"firstSegment"`
	SegmentSeconds  float64        `json:"segmentSeconds"`
	DurationSeconds float64        `json:"durationSeconds,omitempty"`
	Segments        int            `json:"segments"`
	Contiguous      int            `json:"contiguous"`
	Anchors         int            `json:"anchors"`
	EncoderPID      int            `json:"encoderPid,omitempty"`
	EncoderAlive    bool           `json:"encoderAlive"`
	EncodedSeconds  float64        `json:"encodedSeconds"`
	Usage           *encoder.Usage `json:"usage,omitempty"`
	Error           string         `json:"error,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	LastAccess      time.Time      `json:"lastAccess"`
}
