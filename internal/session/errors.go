package session

import "errors"

var (
	// ErrConflict is returned by Start while another session is recording.
	ErrConflict = errors.New("recording already active")

	// ErrNotActive is returned by Stop when the id does not refer to the
	// currently recording session and has no finalized result.
	ErrNotActive = errors.New("recording task not active")

	// ErrNotFound is returned by Detail and ArtifactPath for unknown
	// sessions or artifacts.
	ErrNotFound = errors.New("recording not found")
)
