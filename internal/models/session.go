package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionType is the media kind of a broadcast session.
type SessionType string

const (
	SessionTypeVideo  SessionType = "video"
	SessionTypeAudio  SessionType = "audio"
	SessionTypeScreen SessionType = "screen"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionScheduled        SessionStatus = "scheduled"
	SessionLive             SessionStatus = "live"
	SessionEnded            SessionStatus = "ended"
	SessionHostDisconnected SessionStatus = "host_disconnected"
)

// Terminal reports whether the status is a terminal state.
func (s SessionStatus) Terminal() bool {
	return s == SessionEnded || s == SessionHostDisconnected
}

// Session is one live interactive broadcast room instance.
// started_at is set iff status is live/ended/host_disconnected;
// ended_at is set iff status is ended/host_disconnected;
// peak_viewers never decreases while live.
type Session struct {
	ID                   uuid.UUID     `json:"id"`
	CreatorID            uuid.UUID     `json:"creator_id"`
	Type                 SessionType   `json:"type"`
	Status               SessionStatus `json:"status"`
	Title                string        `json:"title"`
	IsPrivate            bool          `json:"is_private"`
	MaxParticipants      int           `json:"max_participants"`
	RoomReference        string        `json:"room_reference"`
	ScheduledAt          *time.Time    `json:"scheduled_at,omitempty"`
	StartedAt            *time.Time    `json:"started_at,omitempty"`
	EndedAt              *time.Time    `json:"ended_at,omitempty"`
	EndReason            *string       `json:"end_reason,omitempty"`
	PeakViewers          int           `json:"peak_viewers"`
	TotalDurationSeconds int64         `json:"total_duration_seconds"`
	CreatedAt            time.Time     `json:"created_at"`
	UpdatedAt            time.Time     `json:"updated_at"`
}
