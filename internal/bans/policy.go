// Package bans holds ban records and the policy engine that decides
// whether a user is currently restricted.
package bans

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/orbitlive/backend/internal/models"
)

// scopePrecedence is the ordered policy table: a wider scope masks a
// narrower one when several records qualify at once. New scopes slot in
// here without touching call sites.
var scopePrecedence = []models.BanScope{
	models.BanScopeGlobal,
	models.BanScopeCreator,
	models.BanScopeSession,
}

// Restriction is the outcome of a policy check.
type Restriction struct {
	Restricted bool              `json:"restricted"`
	ActiveBan  *models.BanRecord `json:"active_ban,omitempty"`
}

// Evaluate resolves whether any of the given records restricts the user for
// the (session, creator) pair at the given time. Pure computation over
// already-fetched rows; expiry is evaluated here, never by a background
// sweep, so callers and storage cannot disagree on the clock.
func Evaluate(records []models.BanRecord, sessionID, creatorID uuid.UUID, now time.Time) Restriction {
	qualifies := func(b *models.BanRecord) bool {
		if !b.InForce(now) {
			return false
		}
		switch b.BanType {
		case models.BanScopeGlobal:
			return true
		case models.BanScopeCreator:
			return b.CreatorID != nil && *b.CreatorID == creatorID
		case models.BanScopeSession:
			return b.SessionID != nil && *b.SessionID == sessionID
		}
		return false
	}

	for _, scope := range scopePrecedence {
		for i := range records {
			b := &records[i]
			if b.BanType != scope || !qualifies(b) {
				continue
			}
			return Restriction{Restricted: true, ActiveBan: b}
		}
	}
	return Restriction{}
}

// PolicyEngine answers restriction queries by fetching a user's candidate
// records and evaluating them in memory.
type PolicyEngine struct {
	repo *Repository
}

// NewPolicyEngine creates a policy engine over the ban repository.
func NewPolicyEngine(repo *Repository) *PolicyEngine {
	return &PolicyEngine{repo: repo}
}

// IsRestricted reports whether the user is restricted in the given session
// of the given creator at the given time.
func (e *PolicyEngine) IsRestricted(ctx context.Context, userID, sessionID, creatorID uuid.UUID, now time.Time) (Restriction, error) {
	records, err := e.repo.ListActiveForUser(ctx, userID, now)
	if err != nil {
		return Restriction{}, err
	}
	return Evaluate(records, sessionID, creatorID, now), nil
}
