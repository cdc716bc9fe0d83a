package moderation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orbitlive/backend/internal/apperrors"
	"github.com/orbitlive/backend/internal/models"
	"github.com/orbitlive/backend/pkg/queue"
)

type fakeParticipants struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*models.Participant
}

func newFakeParticipants(rows ...*models.Participant) *fakeParticipants {
	f := &fakeParticipants{rows: make(map[uuid.UUID]*models.Participant)}
	for _, r := range rows {
		f.rows[r.ID] = r
	}
	return f
}

func (f *fakeParticipants) GetByID(_ context.Context, id uuid.UUID) (*models.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.rows[id]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeParticipants) DeactivateIfActive(_ context.Context, id uuid.UUID, reason string, at time.Time) (*models.Participant, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.rows[id]
	if !ok {
		return nil, false, nil
	}
	if !p.IsActive {
		cp := *p
		return &cp, false, nil
	}
	p.IsActive = false
	p.LeftAt = &at
	p.LeftReason = &reason
	cp := *p
	return &cp, true, nil
}

func (f *fakeParticipants) ListActiveByUser(_ context.Context, userID uuid.UUID) ([]models.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Participant
	for _, p := range f.rows {
		if p.UserID == userID && p.IsActive {
			out = append(out, *p)
		}
	}
	return out, nil
}

type fakeSessions struct {
	rows map[uuid.UUID]*models.Session
}

func (f *fakeSessions) GetByID(_ context.Context, id uuid.UUID) (*models.Session, error) {
	if s, ok := f.rows[id]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, nil
}

type fakeReports struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*models.Report
}

func (f *fakeReports) GetByID(_ context.Context, id uuid.UUID) (*models.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.rows[id]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeReports) CloseIfPending(_ context.Context, id uuid.UUID, status models.ReportStatus, action models.ReportAction, reviewedBy uuid.UUID, notes string, at time.Time) (*models.Report, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[id]
	if !ok {
		return nil, false, nil
	}
	if r.Status != models.ReportPending {
		cp := *r
		return &cp, false, nil
	}
	r.Status = status
	r.ActionTaken = &action
	r.ReviewedBy = &reviewedBy
	r.ReviewNotes = &notes
	r.ReviewedAt = &at
	cp := *r
	return &cp, true, nil
}

type fakeBans struct {
	mu        sync.Mutex
	rows      map[uuid.UUID]*models.BanRecord
	createErr error
}

func (f *fakeBans) Create(_ context.Context, b *models.BanRecord) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	b.ID = uuid.New()
	b.IsActive = true
	b.CreatedAt = time.Now()
	if f.rows == nil {
		f.rows = make(map[uuid.UUID]*models.BanRecord)
	}
	cp := *b
	f.rows[b.ID] = &cp
	return nil
}

func (f *fakeBans) GetByID(_ context.Context, id uuid.UUID) (*models.BanRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.rows[id]; ok {
		cp := *b
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeBans) Lift(_ context.Context, id, liftedBy uuid.UUID, reason string, now time.Time) (*models.BanRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.rows[id]
	if !ok {
		return nil, nil
	}
	if b.LiftedAt == nil {
		b.IsActive = false
		b.LiftedAt = &now
		b.LiftedBy = &liftedBy
		b.LiftReason = &reason
	}
	cp := *b
	return &cp, nil
}

type dropCall struct {
	roomRef        string
	participantRef string
}

type fakeMedia struct {
	mu    sync.Mutex
	calls []dropCall
	err   error
}

func (f *fakeMedia) DropConnection(_ context.Context, roomRef, participantRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, dropCall{roomRef, participantRef})
	return f.err
}

func (f *fakeMedia) dropCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeNotifier struct {
	mu        sync.Mutex
	templates []string
}

func (f *fakeNotifier) Notify(_ context.Context, _ uuid.UUID, template string, _ map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.templates = append(f.templates, template)
}

type fakeDrops struct {
	mu       sync.Mutex
	payloads []queue.DropConnectionPayload
}

func (f *fakeDrops) EnqueueDropRetry(_ context.Context, p queue.DropConnectionPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, p)
	return nil
}

type disconnectCall struct {
	sessionID uuid.UUID
	userID    uuid.UUID
}

type fakeRealtime struct {
	mu    sync.Mutex
	calls []disconnectCall
}

func (f *fakeRealtime) DisconnectUserFromSession(sessionID, userID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, disconnectCall{sessionID, userID})
}

func (f *fakeRealtime) disconnects() []disconnectCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]disconnectCall(nil), f.calls...)
}

type fixture struct {
	participants *fakeParticipants
	sessions     *fakeSessions
	reports      *fakeReports
	bans         *fakeBans
	media        *fakeMedia
	realtime     *fakeRealtime
	notifier     *fakeNotifier
	drops        *fakeDrops
	coord        *Coordinator
}

func newFixture() *fixture {
	f := &fixture{
		participants: newFakeParticipants(),
		sessions:     &fakeSessions{rows: make(map[uuid.UUID]*models.Session)},
		reports:      &fakeReports{rows: make(map[uuid.UUID]*models.Report)},
		bans:         &fakeBans{},
		media:        &fakeMedia{},
		realtime:     &fakeRealtime{},
		notifier:     &fakeNotifier{},
		drops:        &fakeDrops{},
	}
	cfg := Config{DropRetryAttempts: 2, DropRetryBackoff: time.Millisecond}
	f.coord = NewCoordinator(f.participants, f.sessions, f.reports, f.bans, f.media, f.notifier, f.drops, cfg, zap.NewNop())
	f.coord.SetRealtime(f.realtime)
	return f
}

func (f *fixture) addSession(creatorID uuid.UUID, status models.SessionStatus) *models.Session {
	s := &models.Session{
		ID:            uuid.New(),
		CreatorID:     creatorID,
		Status:        status,
		RoomReference: uuid.NewString(),
	}
	f.sessions.rows[s.ID] = s
	return s
}

func (f *fixture) addParticipant(sessionID, userID uuid.UUID) *models.Participant {
	p := &models.Participant{
		ID:                       uuid.New(),
		SessionID:                sessionID,
		UserID:                   userID,
		Role:                     models.RoleViewer,
		IsActive:                 true,
		JoinedAt:                 time.Now(),
		RoomParticipantReference: uuid.NewString(),
	}
	f.participants.mu.Lock()
	f.participants.rows[p.ID] = p
	f.participants.mu.Unlock()
	return p
}

func (f *fixture) addReport(sessionID, reportedUserID uuid.UUID) *models.Report {
	r := &models.Report{
		ID:             uuid.New(),
		SessionID:      sessionID,
		ReporterID:     uuid.New(),
		ReportedUserID: reportedUserID,
		Reason:         "spam",
		Status:         models.ReportPending,
		CreatedAt:      time.Now(),
	}
	f.reports.rows[r.ID] = r
	return r
}

func TestDismissIdempotent(t *testing.T) {
	f := newFixture()
	mod := uuid.New()
	rep := f.addReport(uuid.New(), uuid.New())

	res, err := f.coord.Dismiss(context.Background(), rep.ID, mod, "not actionable")
	require.NoError(t, err)
	assert.True(t, res.Applied)

	// Second dismiss is a no-op success.
	res, err = f.coord.Dismiss(context.Background(), rep.ID, mod, "again")
	require.NoError(t, err)
	assert.True(t, res.Applied)

	stored := f.reports.rows[rep.ID]
	assert.Equal(t, models.ReportDismissed, stored.Status)
	assert.Equal(t, "not actionable", *stored.ReviewNotes)
}

func TestDismissAfterResolveConflicts(t *testing.T) {
	f := newFixture()
	mod := uuid.New()
	rep := f.addReport(uuid.New(), uuid.New())

	_, err := f.coord.Warn(context.Background(), rep.ID, mod, "first strike")
	require.NoError(t, err)

	_, err = f.coord.Dismiss(context.Background(), rep.ID, mod, "nope")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeConflict, apperrors.CodeOf(err))
}

func TestDismissMissingReport(t *testing.T) {
	f := newFixture()
	_, err := f.coord.Dismiss(context.Background(), uuid.New(), uuid.New(), "")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeNotFound, apperrors.CodeOf(err))
}

func TestWarnNotifiesOnce(t *testing.T) {
	f := newFixture()
	mod := uuid.New()
	rep := f.addReport(uuid.New(), uuid.New())

	res, err := f.coord.Warn(context.Background(), rep.ID, mod, "tone it down")
	require.NoError(t, err)
	assert.True(t, res.Applied)

	res, err = f.coord.Warn(context.Background(), rep.ID, mod, "tone it down")
	require.NoError(t, err)
	assert.True(t, res.Applied)

	assert.Equal(t, []string{"moderation_warning"}, f.notifier.templates)
	assert.Equal(t, models.ActionWarn, *f.reports.rows[rep.ID].ActionTaken)
}

func TestKickRemovesAndDrops(t *testing.T) {
	f := newFixture()
	s := f.addSession(uuid.New(), models.SessionLive)
	p := f.addParticipant(s.ID, uuid.New())

	res, err := f.coord.Kick(context.Background(), KickParams{
		ParticipantID: p.ID,
		ModeratorID:   uuid.New(),
		Reason:        "disruptive",
	})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.False(t, res.Degraded)

	require.Equal(t, 1, f.media.dropCount())
	assert.Equal(t, s.RoomReference, f.media.calls[0].roomRef)
	assert.Equal(t, p.RoomParticipantReference, f.media.calls[0].participantRef)

	stored := f.participants.rows[p.ID]
	assert.False(t, stored.IsActive)
	assert.NotNil(t, stored.LeftAt)
	assert.Equal(t, "disruptive", *stored.LeftReason)
}

func TestKickSeversWebsocket(t *testing.T) {
	f := newFixture()
	s := f.addSession(uuid.New(), models.SessionLive)
	p := f.addParticipant(s.ID, uuid.New())

	_, err := f.coord.Kick(context.Background(), KickParams{
		ParticipantID: p.ID,
		ModeratorID:   uuid.New(),
		Reason:        "disruptive",
	})
	require.NoError(t, err)

	calls := f.realtime.disconnects()
	require.Len(t, calls, 1)
	assert.Equal(t, s.ID, calls[0].sessionID)
	assert.Equal(t, p.UserID, calls[0].userID)

	// Re-kicking an inactive participant must not disconnect again.
	_, err = f.coord.Kick(context.Background(), KickParams{
		ParticipantID: p.ID,
		ModeratorID:   uuid.New(),
		Reason:        "disruptive",
	})
	require.NoError(t, err)
	assert.Len(t, f.realtime.disconnects(), 1)
}

func TestKickSeversWebsocketEvenWhenDropFails(t *testing.T) {
	f := newFixture()
	f.media.err = errors.New("sfu unreachable")
	s := f.addSession(uuid.New(), models.SessionLive)
	p := f.addParticipant(s.ID, uuid.New())

	res, err := f.coord.Kick(context.Background(), KickParams{
		ParticipantID: p.ID,
		ModeratorID:   uuid.New(),
		Reason:        "disruptive",
	})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Len(t, f.realtime.disconnects(), 1)
}

func TestConcurrentKickSingleDrop(t *testing.T) {
	f := newFixture()
	s := f.addSession(uuid.New(), models.SessionLive)
	p := f.addParticipant(s.ID, uuid.New())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.coord.Kick(context.Background(), KickParams{ParticipantID: p.ID, Reason: "spam"})
			assert.NoError(t, err)
			assert.True(t, res.Applied)
		}()
	}
	wg.Wait()

	// Only the compare-and-set winner talks to the media backend.
	assert.Equal(t, 1, f.media.dropCount())
	assert.False(t, f.participants.rows[p.ID].IsActive)
}

func TestKickUnknownParticipantSucceeds(t *testing.T) {
	f := newFixture()
	res, err := f.coord.Kick(context.Background(), KickParams{ParticipantID: uuid.New(), Reason: "gone"})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Zero(t, f.media.dropCount())
}

func TestKickDegradedWhenDropFails(t *testing.T) {
	f := newFixture()
	f.media.err = errors.New("backend unreachable")
	s := f.addSession(uuid.New(), models.SessionLive)
	p := f.addParticipant(s.ID, uuid.New())

	res, err := f.coord.Kick(context.Background(), KickParams{ParticipantID: p.ID, Reason: "abuse"})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.True(t, res.Degraded)

	// Store stays authoritative and the drop lands on the retry queue.
	assert.False(t, f.participants.rows[p.ID].IsActive)
	assert.Equal(t, 2, f.media.dropCount())
	require.Len(t, f.drops.payloads, 1)
	assert.Equal(t, p.ID, f.drops.payloads[0].ParticipantID)
	assert.Equal(t, s.RoomReference, f.drops.payloads[0].RoomRef)
}

func TestKickResolvesReport(t *testing.T) {
	f := newFixture()
	s := f.addSession(uuid.New(), models.SessionLive)
	user := uuid.New()
	p := f.addParticipant(s.ID, user)
	rep := f.addReport(s.ID, user)

	res, err := f.coord.Kick(context.Background(), KickParams{
		ParticipantID: p.ID,
		ModeratorID:   uuid.New(),
		Reason:        "harassment",
		ReportID:      &rep.ID,
	})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	require.NotNil(t, res.ReportID)

	stored := f.reports.rows[rep.ID]
	assert.Equal(t, models.ReportResolved, stored.Status)
	assert.Equal(t, models.ActionKick, *stored.ActionTaken)
}

func TestBanSessionScopeKicksOnlyThatSession(t *testing.T) {
	f := newFixture()
	creator := uuid.New()
	user := uuid.New()
	s1 := f.addSession(creator, models.SessionLive)
	s2 := f.addSession(creator, models.SessionLive)
	p1 := f.addParticipant(s1.ID, user)
	p2 := f.addParticipant(s2.ID, user)

	res, err := f.coord.Ban(context.Background(), BanParams{
		TargetUserID: user,
		ModeratorID:  uuid.New(),
		BanType:      models.BanScopeSession,
		SessionID:    &s1.ID,
		Reason:       "spam",
	})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	require.NotNil(t, res.BanID)

	assert.False(t, f.participants.rows[p1.ID].IsActive)
	assert.True(t, f.participants.rows[p2.ID].IsActive)
	assert.Equal(t, 1, f.media.dropCount())

	record := f.bans.rows[*res.BanID]
	require.NotNil(t, record.SessionID)
	assert.Equal(t, s1.ID, *record.SessionID)
}

func TestBanCreatorScopeKicksAllCreatorSessions(t *testing.T) {
	f := newFixture()
	creator := uuid.New()
	other := uuid.New()
	user := uuid.New()
	s1 := f.addSession(creator, models.SessionLive)
	s2 := f.addSession(creator, models.SessionLive)
	s3 := f.addSession(other, models.SessionLive)
	p1 := f.addParticipant(s1.ID, user)
	p2 := f.addParticipant(s2.ID, user)
	p3 := f.addParticipant(s3.ID, user)

	res, err := f.coord.Ban(context.Background(), BanParams{
		TargetUserID: user,
		ModeratorID:  uuid.New(),
		BanType:      models.BanScopeCreator,
		SessionID:    &s1.ID, // creator resolved from the originating session
		Reason:       "repeat offender",
	})
	require.NoError(t, err)
	assert.True(t, res.Applied)

	assert.False(t, f.participants.rows[p1.ID].IsActive)
	assert.False(t, f.participants.rows[p2.ID].IsActive)
	assert.True(t, f.participants.rows[p3.ID].IsActive)

	record := f.bans.rows[*res.BanID]
	require.NotNil(t, record.CreatorID)
	assert.Equal(t, creator, *record.CreatorID)
	assert.Nil(t, record.SessionID)
}

func TestBanGlobalScopeKicksEverywhere(t *testing.T) {
	f := newFixture()
	user := uuid.New()
	s1 := f.addSession(uuid.New(), models.SessionLive)
	s2 := f.addSession(uuid.New(), models.SessionLive)
	p1 := f.addParticipant(s1.ID, user)
	p2 := f.addParticipant(s2.ID, user)

	minutes := 60
	res, err := f.coord.Ban(context.Background(), BanParams{
		TargetUserID:    user,
		ModeratorID:     uuid.New(),
		BanType:         models.BanScopeGlobal,
		DurationMinutes: &minutes,
		Reason:          "platform abuse",
	})
	require.NoError(t, err)

	assert.False(t, f.participants.rows[p1.ID].IsActive)
	assert.False(t, f.participants.rows[p2.ID].IsActive)

	record := f.bans.rows[*res.BanID]
	require.NotNil(t, record.ExpiresAt)
	assert.Nil(t, record.SessionID)
	assert.Nil(t, record.CreatorID)
	assert.Equal(t, []string{"moderation_ban"}, f.notifier.templates)
}

func TestBanRecordFailureSkipsKicks(t *testing.T) {
	f := newFixture()
	f.bans.createErr = errors.New("write failed")
	user := uuid.New()
	s := f.addSession(uuid.New(), models.SessionLive)
	p := f.addParticipant(s.ID, user)

	_, err := f.coord.Ban(context.Background(), BanParams{
		TargetUserID: user,
		ModeratorID:  uuid.New(),
		BanType:      models.BanScopeGlobal,
		Reason:       "abuse",
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodePersistence, apperrors.CodeOf(err))

	// No partial effect: the participant is untouched.
	assert.True(t, f.participants.rows[p.ID].IsActive)
	assert.Zero(t, f.media.dropCount())
}

func TestBanResolvesReportExactlyOnce(t *testing.T) {
	f := newFixture()
	user := uuid.New()
	s := f.addSession(uuid.New(), models.SessionLive)
	f.addParticipant(s.ID, user)
	rep := f.addReport(s.ID, user)

	res, err := f.coord.Ban(context.Background(), BanParams{
		TargetUserID: user,
		ModeratorID:  uuid.New(),
		BanType:      models.BanScopeSession,
		SessionID:    &s.ID,
		Reason:       "spam",
		ReportID:     &rep.ID,
	})
	require.NoError(t, err)
	require.NotNil(t, res.ReportID)
	assert.Equal(t, models.ActionBan, *f.reports.rows[rep.ID].ActionTaken)

	// A later warn against the same report conflicts.
	_, err = f.coord.Warn(context.Background(), rep.ID, uuid.New(), "late")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeConflict, apperrors.CodeOf(err))
}

func TestBanValidation(t *testing.T) {
	f := newFixture()
	cases := []struct {
		name   string
		params BanParams
	}{
		{"missing reason", BanParams{TargetUserID: uuid.New(), BanType: models.BanScopeGlobal}},
		{"session scope without session", BanParams{TargetUserID: uuid.New(), BanType: models.BanScopeSession, Reason: "x"}},
		{"creator scope without anchor", BanParams{TargetUserID: uuid.New(), BanType: models.BanScopeCreator, Reason: "x"}},
		{"unknown scope", BanParams{TargetUserID: uuid.New(), BanType: models.BanScope("country"), Reason: "x"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.coord.Ban(context.Background(), tc.params)
			require.Error(t, err)
			assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(err))
		})
	}
}

func TestLiftBanIdempotent(t *testing.T) {
	f := newFixture()
	user := uuid.New()
	record := &models.BanRecord{BannedUserID: user, BannedBy: uuid.New(), Reason: "spam", BanType: models.BanScopeGlobal}
	require.NoError(t, f.bans.Create(context.Background(), record))

	mod := uuid.New()
	res, err := f.coord.LiftBan(context.Background(), record.ID, mod, "appeal accepted")
	require.NoError(t, err)
	assert.True(t, res.Applied)

	res, err = f.coord.LiftBan(context.Background(), record.ID, mod, "appeal accepted")
	require.NoError(t, err)
	assert.True(t, res.Applied)

	stored := f.bans.rows[record.ID]
	assert.False(t, stored.IsActive)
	require.NotNil(t, stored.LiftedBy)
	assert.Equal(t, mod, *stored.LiftedBy)
}

func TestLiftBanMissing(t *testing.T) {
	f := newFixture()
	_, err := f.coord.LiftBan(context.Background(), uuid.New(), uuid.New(), "")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeNotFound, apperrors.CodeOf(err))
}
