package models

import (
	"time"

	"github.com/google/uuid"
)

// BanScope is the breadth of a restriction: one session, all of one
// creator's sessions, or platform-wide.
type BanScope string

const (
	BanScopeSession BanScope = "session"
	BanScopeCreator BanScope = "creator"
	BanScopeGlobal  BanScope = "global"
)

// BanRecord is one restriction against a user. SessionID is nil for
// creator/global scope. ExpiresAt nil means permanent. The stored
// is_active flag flips only on an explicit lift; expiry is evaluated
// lazily at query time.
type BanRecord struct {
	ID           uuid.UUID  `json:"id"`
	SessionID    *uuid.UUID `json:"session_id,omitempty"`
	CreatorID    *uuid.UUID `json:"creator_id,omitempty"`
	BannedUserID uuid.UUID  `json:"banned_user_id"`
	BannedBy     uuid.UUID  `json:"banned_by"`
	Reason       string     `json:"reason"`
	BanType      BanScope   `json:"ban_type"`
	IsActive     bool       `json:"is_active"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	LiftedAt     *time.Time `json:"lifted_at,omitempty"`
	LiftedBy     *uuid.UUID `json:"lifted_by,omitempty"`
	LiftReason   *string    `json:"lift_reason,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Expired reports whether the record's expiry has passed at the given time.
// Permanent bans never expire.
func (b *BanRecord) Expired(now time.Time) bool {
	return b.ExpiresAt != nil && !now.Before(*b.ExpiresAt)
}

// InForce reports whether the record restricts at the given time:
// not lifted and not expired.
func (b *BanRecord) InForce(now time.Time) bool {
	return b.IsActive && b.LiftedAt == nil && !b.Expired(now)
}
