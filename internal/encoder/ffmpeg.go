package encoder

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"time"
)

// FFmpeg runs ffmpeg in HLS muxer mode.
type FFmpeg struct {
	Binary   string
	Preset   string
	LogLevel string
	// StopGrace is how long Stop waits after SIGTERM before SIGKILL.
	StopGrace time.Duration
	Logger    *slog.Logger
}

// NewFFmpeg returns an FFmpeg with defaults filled in.
func NewFFmpeg(binary, preset, logLevel string, stopGrace time.Duration, log *slog.Logger) *FFmpeg {
	if binary == "" {
		binary = "ffmpeg"
	}
	if preset == "" {
		preset = "veryfast"
	}
	if logLevel == "" {
		logLevel = "error"
	}
	if stopGrace <= 0 {
		stopGrace = 3 * time.Second
	}
	return &FFmpeg{
		Binary:    binary,
		Preset:    preset,
		LogLevel:  logLevel,
		StopGrace: stopGrace,
		Logger:    log,
	}
}

// Args builds the ffmpeg command line for spec.
//
// The input seek (-ss before -i) is fast and lands on a keyframe at or before
// the offset; -output_ts_offset keeps timestamps on the source timeline so
// segments from different anchors play back at the right position.
// The HLS muxer writes each segment to a .tmp name and renames it when done.
func (f *FFmpeg) Args(spec Spec) []string {
	segSeconds := formatSeconds(spec.SegmentDuration)
	args := []string{
		"-hide_banner",
		"-nostdin",
		"-loglevel", f.LogLevel,
		"-progress", "pipe:1",
		"-nostats",
	}
	if spec.Offset > 0 {
		args = append(args, "-ss", formatSeconds(spec.Offset))
	}
	args = append(args,
		"-i", spec.SourcePath,
		"-map", "0:v:0?",
		"-map", "0:a:0?",
		"-c:v", "libx264",
		"-preset", f.Preset,
		"-pix_fmt", "yuv420p",
		"-force_key_frames", "expr:gte(t,n_forced*"+segSeconds+")",
		"-sc_threshold", "0",
		"-c:a", "aac",
		"-ac", "2",
		"-b:a", "128k",
	)
	if spec.Offset > 0 {
		args = append(args, "-output_ts_offset", formatSeconds(spec.Offset))
	}
	args = append(args,
		"-f", "hls",
		"-hls_time", segSeconds,
		"-hls_list_size", "0",
		"-hls_playlist_type", "event",
		"-hls_flags", "temp_file+independent_segments",
		"-start_number", strconv.Itoa(spec.StartNumber),
		"-hls_segment_filename", filepath.Join(spec.OutputDir, spec.SegmentPattern),
		filepath.Join(spec.OutputDir, ManifestName),
	)
	return args
}

// Start launches ffmpeg for spec. The process is not bound to ctx; it runs
// until it finishes or Stop is called.
func (f *FFmpeg) Start(ctx context.Context, spec Spec) (Handle, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid encoder spec: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	log := f.Logger.With(
		slog.String("source", spec.SourcePath),
		slog.Int("start_number", spec.StartNumber),
		slog.Float64("offset_s", spec.Offset.Seconds()),
	)
	p, err := startProcess(f.Binary, f.Args(spec), f.StopGrace, log)
	if err != nil {
		return nil, err
	}
	log.Info("encoder started", slog.Int("pid", p.Pid()))
	return p, nil
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}
