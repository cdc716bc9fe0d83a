package models

import (
	"time"

	"github.com/google/uuid"
)

// ParticipantRole is a user's role within a session.
type ParticipantRole string

const (
	RoleHost    ParticipantRole = "host"
	RoleCoHost  ParticipantRole = "co_host"
	RoleSpeaker ParticipantRole = "speaker"
	RoleViewer  ParticipantRole = "viewer"
)

// Participant is a user's membership record within one session.
// left_at is set iff is_active is false; at most one active row
// per (session_id, user_id).
type Participant struct {
	ID                       uuid.UUID       `json:"id"`
	SessionID                uuid.UUID       `json:"session_id"`
	UserID                   uuid.UUID       `json:"user_id"`
	Role                     ParticipantRole `json:"role"`
	IsActive                 bool            `json:"is_active"`
	IsMuted                  bool            `json:"is_muted"`
	IsHandRaised             bool            `json:"is_hand_raised"`
	JoinedAt                 time.Time       `json:"joined_at"`
	LeftAt                   *time.Time      `json:"left_at,omitempty"`
	LeftReason               *string         `json:"left_reason,omitempty"`
	RoomParticipantReference string          `json:"room_participant_reference"`
}
