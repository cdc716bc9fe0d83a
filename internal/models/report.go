package models

import (
	"time"

	"github.com/google/uuid"
)

// ReportStatus is the review state of a report.
type ReportStatus string

const (
	ReportPending   ReportStatus = "pending"
	ReportResolved  ReportStatus = "resolved"
	ReportDismissed ReportStatus = "dismissed"
)

// ReportAction is the moderation action recorded on a closed report.
type ReportAction string

const (
	ActionNone ReportAction = "none"
	ActionWarn ReportAction = "warn"
	ActionKick ReportAction = "kick"
	ActionBan  ReportAction = "ban"
)

// Report is a trust-and-safety report filed by a participant.
// A report transitions pending -> resolved/dismissed exactly once;
// reviewed_at/reviewed_by are set iff status != pending.
type Report struct {
	ID             uuid.UUID     `json:"id"`
	SessionID      uuid.UUID     `json:"session_id"`
	ReporterID     uuid.UUID     `json:"reporter_id"`
	ReportedUserID uuid.UUID     `json:"reported_user_id"`
	Reason         string        `json:"reason"`
	Description    string        `json:"description"`
	Status         ReportStatus  `json:"status"`
	ActionTaken    *ReportAction `json:"action_taken,omitempty"`
	ReviewNotes    *string       `json:"review_notes,omitempty"`
	ReviewedBy     *uuid.UUID    `json:"reviewed_by,omitempty"`
	ReviewedAt     *time.Time    `json:"reviewed_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}
