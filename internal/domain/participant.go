// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const (
	MaxParticipantIDLen   = 36
	MaxParticipantNameLen = 36
)

var (
	ErrNameTooLong = errors.New("participant name too long")
	ErrNameEmpty   = errors.New("participant name empty")
)

type ParticipantID string

// Participant is the identity behind one stream connection.
type Participant struct {
	ID   ParticipantID `json:"id"`
	Name string        `json:"name"`
}

// NewParticipant keeps construction obvious for adapters. An empty id gets a
// fresh uuid.
func NewParticipant(id ParticipantID, name string) (*Participant, error) {
	if len(name) == 0 {
		return nil, ErrNameEmpty
	}
	if len(name) > MaxParticipantNameLen {
		return nil, ErrNameTooLong
	}
	if id == "" || len(id) > MaxParticipantIDLen {
		id = ParticipantID(uuid.NewString())
	}
	return &Participant{ID: id, Name: name}, nil
}
