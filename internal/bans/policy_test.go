package bans

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitlive/backend/internal/models"
)

func banRecord(scope models.BanScope, sessionID, creatorID *uuid.UUID) models.BanRecord {
	return models.BanRecord{
		ID:           uuid.New(),
		SessionID:    sessionID,
		CreatorID:    creatorID,
		BannedUserID: uuid.New(),
		BannedBy:     uuid.New(),
		BanType:      scope,
		IsActive:     true,
		CreatedAt:    time.Now(),
	}
}

func TestEvaluateNoRecords(t *testing.T) {
	res := Evaluate(nil, uuid.New(), uuid.New(), time.Now())
	assert.False(t, res.Restricted)
	assert.Nil(t, res.ActiveBan)
}

func TestEvaluateExpiredBanDoesNotRestrict(t *testing.T) {
	now := time.Now()
	sessionID := uuid.New()
	creatorID := uuid.New()

	b := banRecord(models.BanScopeGlobal, nil, nil)
	past := now.Add(-time.Second)
	b.ExpiresAt = &past

	res := Evaluate([]models.BanRecord{b}, sessionID, creatorID, now)
	assert.False(t, res.Restricted, "expired ban with no lifted_at must not restrict")
}

func TestEvaluateExpiryBoundary(t *testing.T) {
	now := time.Now()
	b := banRecord(models.BanScopeGlobal, nil, nil)
	b.ExpiresAt = &now

	// expires_at == now no longer qualifies; expiry is strict.
	res := Evaluate([]models.BanRecord{b}, uuid.New(), uuid.New(), now)
	assert.False(t, res.Restricted)

	future := now.Add(time.Minute)
	b.ExpiresAt = &future
	res = Evaluate([]models.BanRecord{b}, uuid.New(), uuid.New(), now)
	assert.True(t, res.Restricted)
}

func TestEvaluateLiftedBanDoesNotRestrict(t *testing.T) {
	now := time.Now()
	b := banRecord(models.BanScopeGlobal, nil, nil)
	lifted := now.Add(-time.Minute)
	b.IsActive = false
	b.LiftedAt = &lifted

	res := Evaluate([]models.BanRecord{b}, uuid.New(), uuid.New(), now)
	assert.False(t, res.Restricted)
}

func TestEvaluateScopeMatching(t *testing.T) {
	now := time.Now()
	sessionID := uuid.New()
	creatorID := uuid.New()
	otherSession := uuid.New()
	otherCreator := uuid.New()

	tests := []struct {
		name       string
		record     models.BanRecord
		restricted bool
	}{
		{"global always applies", banRecord(models.BanScopeGlobal, nil, nil), true},
		{"creator ban for this creator", banRecord(models.BanScopeCreator, nil, &creatorID), true},
		{"creator ban for another creator", banRecord(models.BanScopeCreator, nil, &otherCreator), false},
		{"session ban for this session", banRecord(models.BanScopeSession, &sessionID, &creatorID), true},
		{"session ban for another session", banRecord(models.BanScopeSession, &otherSession, &creatorID), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Evaluate([]models.BanRecord{tt.record}, sessionID, creatorID, now)
			assert.Equal(t, tt.restricted, res.Restricted)
		})
	}
}

func TestEvaluatePrecedenceGlobalMasksNarrower(t *testing.T) {
	now := time.Now()
	sessionID := uuid.New()
	creatorID := uuid.New()

	sessionBan := banRecord(models.BanScopeSession, &sessionID, &creatorID)
	creatorBan := banRecord(models.BanScopeCreator, nil, &creatorID)
	globalBan := banRecord(models.BanScopeGlobal, nil, nil)

	res := Evaluate([]models.BanRecord{sessionBan, creatorBan, globalBan}, sessionID, creatorID, now)
	require.True(t, res.Restricted)
	require.NotNil(t, res.ActiveBan)
	assert.Equal(t, globalBan.ID, res.ActiveBan.ID, "global must mask creator and session records")

	res = Evaluate([]models.BanRecord{sessionBan, creatorBan}, sessionID, creatorID, now)
	require.True(t, res.Restricted)
	assert.Equal(t, creatorBan.ID, res.ActiveBan.ID, "creator must mask session record")
}

func TestEvaluateExpiredWideScopeFallsThrough(t *testing.T) {
	now := time.Now()
	sessionID := uuid.New()
	creatorID := uuid.New()

	globalBan := banRecord(models.BanScopeGlobal, nil, nil)
	past := now.Add(-time.Hour)
	globalBan.ExpiresAt = &past
	sessionBan := banRecord(models.BanScopeSession, &sessionID, &creatorID)

	res := Evaluate([]models.BanRecord{globalBan, sessionBan}, sessionID, creatorID, now)
	require.True(t, res.Restricted)
	assert.Equal(t, sessionBan.ID, res.ActiveBan.ID)
}
