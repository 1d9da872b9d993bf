package domain

import (
	"errors"
	"net/http"
)

var (
	ErrRoomNotFound           = errors.New("room not found")
	ErrRoomFull               = errors.New("room is full")
	ErrServerFull             = errors.New("server connection limit reached")
	ErrResourceExhausted      = errors.New("server resources exhausted")
	ErrAlreadyRecording       = errors.New("room is already recording")
	ErrNotRecording           = errors.New("room is not recording")
	ErrInvalidTransition      = errors.New("invalid recording transition")
	ErrPersistenceUnavailable = errors.New("persistence unavailable")
	ErrMalformedFrame         = errors.New("malformed frame")
	ErrRateLimited            = errors.New("too many control messages")
	ErrInvalidRoomID          = errors.New("invalid room id")
	ErrRecordingDisabled      = errors.New("recording is disabled for this room")
)

// Reason is the user-visible outcome of a rejected request.
type Reason struct {
	Code   string
	Status int
}

var reasons = []struct {
	err    error
	reason Reason
}{
	{ErrRoomNotFound, Reason{"room_not_found", http.StatusNotFound}},
	{ErrRoomFull, Reason{"room_full", http.StatusConflict}},
	{ErrServerFull, Reason{"server_full", http.StatusServiceUnavailable}},
	{ErrResourceExhausted, Reason{"resource_exhausted", http.StatusTooManyRequests}},
	{ErrAlreadyRecording, Reason{"already_recording", http.StatusConflict}},
	{ErrNotRecording, Reason{"not_recording", http.StatusConflict}},
	{ErrInvalidTransition, Reason{"invalid_transition", http.StatusConflict}},
	{ErrPersistenceUnavailable, Reason{"persistence_unavailable", http.StatusServiceUnavailable}},
	{ErrMalformedFrame, Reason{"malformed_frame", http.StatusBadRequest}},
	{ErrRateLimited, Reason{"rate_limited", http.StatusTooManyRequests}},
	{ErrInvalidRoomID, Reason{"invalid_room_id", http.StatusBadRequest}},
	{ErrRecordingDisabled, Reason{"recording_disabled", http.StatusConflict}},
}

// ReasonOf maps err to its reason code. Unknown errors are internal.
func ReasonOf(err error) Reason {
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return Reason{"internal", http.StatusInternalServerError}
}
