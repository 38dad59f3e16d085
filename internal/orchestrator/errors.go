package orchestrator

import "errors"

var (
	// ErrInvalidInput covers a missing or unreadable source and malformed requests.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnknownStream is returned for ids that were never issued or were evicted.
	ErrUnknownStream = errors.New("unknown stream")

	// ErrSegmentNotReady means the stream exists but the index has not been
	// produced. Clients answer it with a seek; it is not a server fault.
	ErrSegmentNotReady = errors.New("segment not ready")

	// ErrEncoderFailure marks a session whose encoder crashed or could not start.
	ErrEncoderFailure = errors.New("encoder failure")

	// ErrSeekTimeout means the re-anchored encoder did not produce the target
	// segment in time. The session stays usable.
	ErrSeekTimeout = errors.New("seek timeout")

	// ErrSeekSuperseded means a newer seek on the same stream took over.
	ErrSeekSuperseded = errors.New("seek superseded")

	// ErrShuttingDown is returned for new streams once the registry is shut down.
	ErrShuttingDown = errors.New("server shutting down")
)
