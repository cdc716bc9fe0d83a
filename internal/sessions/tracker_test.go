package sessions

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitlive/backend/internal/apperrors"
	"github.com/orbitlive/backend/internal/models"
)

// fakeStore holds session rows in memory and applies the same
// state-guarded transitions as the SQL repository.
type fakeStore struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*models.Session
}

func newFakeStore(rows ...*models.Session) *fakeStore {
	f := &fakeStore{rows: make(map[uuid.UUID]*models.Session)}
	for _, r := range rows {
		f.rows[r.ID] = r
	}
	return f
}

func (f *fakeStore) GetByID(_ context.Context, id uuid.UUID) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.rows[id]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeStore) StartIfScheduled(_ context.Context, id uuid.UUID, at time.Time) (*models.Session, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.rows[id]
	if !ok {
		return nil, false, nil
	}
	if s.Status != models.SessionScheduled {
		cp := *s
		return &cp, false, nil
	}
	s.Status = models.SessionLive
	s.StartedAt = &at
	cp := *s
	return &cp, true, nil
}

func (f *fakeStore) EndIfLive(_ context.Context, id uuid.UUID, reason string, at time.Time) (*models.Session, bool, error) {
	return f.terminate(id, models.SessionEnded, reason, at)
}

func (f *fakeStore) MarkHostDisconnectedIfLive(_ context.Context, id uuid.UUID, at time.Time) (*models.Session, bool, error) {
	return f.terminate(id, models.SessionHostDisconnected, "host_disconnected", at)
}

func (f *fakeStore) terminate(id uuid.UUID, status models.SessionStatus, reason string, at time.Time) (*models.Session, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.rows[id]
	if !ok {
		return nil, false, nil
	}
	if s.Status != models.SessionLive {
		cp := *s
		return &cp, false, nil
	}
	s.Status = status
	s.EndedAt = &at
	s.EndReason = &reason
	if s.StartedAt != nil {
		s.TotalDurationSeconds = int64(at.Sub(*s.StartedAt) / time.Second)
	}
	cp := *s
	return &cp, true, nil
}

func (f *fakeStore) RaisePeakViewers(_ context.Context, id uuid.UUID, count int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.rows[id]
	if ok && s.Status == models.SessionLive && count > s.PeakViewers {
		s.PeakViewers = count
	}
	return nil
}

func scheduledSession() *models.Session {
	return &models.Session{
		ID:            uuid.New(),
		CreatorID:     uuid.New(),
		Status:        models.SessionScheduled,
		RoomReference: uuid.NewString(),
	}
}

func liveSession() *models.Session {
	s := scheduledSession()
	now := time.Now().Add(-time.Hour)
	s.Status = models.SessionLive
	s.StartedAt = &now
	return s
}

func TestStartTransitionsScheduledToLive(t *testing.T) {
	s := scheduledSession()
	store := newFakeStore(s)
	tr := NewTracker(store, time.Minute, nil)

	got, err := tr.Start(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionLive, got.Status)
	require.NotNil(t, got.StartedAt)

	// Starting again is a no-op success.
	got, err = tr.Start(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionLive, got.Status)
}

func TestStartTerminalSessionConflicts(t *testing.T) {
	s := liveSession()
	store := newFakeStore(s)
	tr := NewTracker(store, time.Minute, nil)

	_, err := tr.End(context.Background(), s.ID, "done")
	require.NoError(t, err)

	_, err = tr.Start(context.Background(), s.ID)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeConflict, apperrors.CodeOf(err))
}

func TestEndIsReentrant(t *testing.T) {
	s := liveSession()
	store := newFakeStore(s)
	tr := NewTracker(store, time.Minute, nil)

	first, err := tr.End(context.Background(), s.ID, "scheduled wrap-up")
	require.NoError(t, err)

	second, err := tr.End(context.Background(), s.ID, "a different reason")
	require.NoError(t, err)

	// Repeated termination observes the original end state.
	assert.Equal(t, first.EndedAt, second.EndedAt)
	assert.Equal(t, first.EndReason, second.EndReason)
	assert.Equal(t, "scheduled wrap-up", *second.EndReason)
}

func TestEndRunsTerminalHookOnce(t *testing.T) {
	s := liveSession()
	store := newFakeStore(s)
	tr := NewTracker(store, time.Minute, nil)

	var mu sync.Mutex
	calls := 0
	tr.SetTerminalHook(func(_ context.Context, _ *models.Session) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	_, err := tr.End(context.Background(), s.ID, "done")
	require.NoError(t, err)
	_, err = tr.End(context.Background(), s.ID, "done")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestGraceWindowExpiryMarksHostDisconnected(t *testing.T) {
	s := liveSession()
	store := newFakeStore(s)
	tr := NewTracker(store, 20*time.Millisecond, nil)

	hookDone := make(chan *models.Session, 1)
	tr.SetTerminalHook(func(_ context.Context, final *models.Session) {
		hookDone <- final
	})

	tr.HostDisconnected(s.ID)

	select {
	case final := <-hookDone:
		assert.Equal(t, models.SessionHostDisconnected, final.Status)
	case <-time.After(time.Second):
		t.Fatal("grace window never expired")
	}

	stored, err := store.GetByID(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionHostDisconnected, stored.Status)
	require.NotNil(t, stored.EndReason)
	assert.Equal(t, "host_disconnected", *stored.EndReason)
}

func TestHostReconnectWithinGraceKeepsLive(t *testing.T) {
	s := liveSession()
	store := newFakeStore(s)
	tr := NewTracker(store, 50*time.Millisecond, nil)

	tr.HostDisconnected(s.ID)
	tr.HostReconnected(s.ID)

	time.Sleep(120 * time.Millisecond)

	stored, err := store.GetByID(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionLive, stored.Status)
}

func TestExplicitEndWinsOverGraceWindow(t *testing.T) {
	s := liveSession()
	store := newFakeStore(s)
	tr := NewTracker(store, 30*time.Millisecond, nil)

	tr.HostDisconnected(s.ID)
	got, err := tr.End(context.Background(), s.ID, "host closed the room")
	require.NoError(t, err)
	assert.Equal(t, models.SessionEnded, got.Status)

	time.Sleep(80 * time.Millisecond)

	stored, err := store.GetByID(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionEnded, stored.Status)
	assert.Equal(t, "host closed the room", *stored.EndReason)
}

func TestPeakViewersMonotonic(t *testing.T) {
	s := liveSession()
	store := newFakeStore(s)
	tr := NewTracker(store, time.Minute, nil)

	for _, count := range []int{1, 3, 5, 2, 4, 1} {
		tr.ActiveCountChanged(context.Background(), s.ID, count)
	}

	stored, err := store.GetByID(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, stored.PeakViewers)
}

func TestPeakViewersFrozenAfterEnd(t *testing.T) {
	s := liveSession()
	s.PeakViewers = 5
	store := newFakeStore(s)
	tr := NewTracker(store, time.Minute, nil)

	_, err := tr.End(context.Background(), s.ID, "done")
	require.NoError(t, err)

	tr.ActiveCountChanged(context.Background(), s.ID, 50)

	stored, err := store.GetByID(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, stored.PeakViewers)
}
