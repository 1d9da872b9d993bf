package domain

import "time"

type RecordingStatus string

const (
	RecordingIdle      RecordingStatus = "idle"
	RecordingActive    RecordingStatus = "recording"
	RecordingPaused    RecordingStatus = "paused"
	RecordingCompleted RecordingStatus = "completed"
	RecordingFailed    RecordingStatus = "failed"
)

// Terminal statuses end a recording instance for good.
func (s RecordingStatus) Terminal() bool {
	return s == RecordingCompleted || s == RecordingFailed
}

type Recording struct {
	ID            string          `json:"id" gorm:"primaryKey;size:36"`
	RoomID        RoomID          `json:"room_id" gorm:"index;size:64"`
	StartTime     time.Time       `json:"start_time"`
	EndTime       *time.Time      `json:"end_time"`
	Status        RecordingStatus `json:"status" gorm:"size:16"`
	SizeBytes     int64           `json:"size_bytes"`
	FrameCount    int64           `json:"frame_count"`
	StoragePrefix string          `json:"storage_prefix"`
}
