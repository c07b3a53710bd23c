package services

import "errors"

var (
	// ErrAuthMissing is returned by Connect when no credential is supplied.
	ErrAuthMissing = errors.New("realtime: missing credential")

	// ErrConnectionFailed is returned once the bounded retry budget is
	// exhausted. The app keeps working in request/response-only mode.
	ErrConnectionFailed = errors.New("realtime: connection attempts exhausted")

	// ErrNotConnected is returned by Emit when there is no live connection.
	ErrNotConnected = errors.New("realtime: not connected")

	// ErrAckTimeout is returned when a join/leave request gets no matching
	// ack within the correlation timeout.
	ErrAckTimeout = errors.New("realtime: no ack before timeout")

	ErrNotInRoom     = errors.New("room: not in a room")
	ErrAlreadyInRoom = errors.New("room: already in a room")

	// ErrNotHost rejects host-only actions locally, before any network call.
	ErrNotHost = errors.New("game: host-only action")

	ErrNoActiveQuestion = errors.New("game: no active question")
)
