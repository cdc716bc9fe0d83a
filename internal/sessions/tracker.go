package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orbitlive/backend/internal/apperrors"
	"github.com/orbitlive/backend/internal/models"
)

// Store is the persistence surface the tracker drives. Implemented by
// Repository; mocked in tests.
type Store interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error)
	StartIfScheduled(ctx context.Context, id uuid.UUID, at time.Time) (*models.Session, bool, error)
	EndIfLive(ctx context.Context, id uuid.UUID, reason string, at time.Time) (*models.Session, bool, error)
	MarkHostDisconnectedIfLive(ctx context.Context, id uuid.UUID, at time.Time) (*models.Session, bool, error)
	RaisePeakViewers(ctx context.Context, id uuid.UUID, count int) error
}

// TerminalHook is called after a session reaches a terminal state, with the
// final row. Used to close participant rows and tear down the media room.
type TerminalHook func(ctx context.Context, s *models.Session)

// Tracker owns the session state machine: scheduled -> live ->
// {ended, host_disconnected}. Host disconnects are held for a grace window
// before the terminal transition; a host reconnect within the window keeps
// the session live. Once marked host_disconnected the state is terminal and
// a new session is required (see DESIGN.md).
type Tracker struct {
	store  Store
	grace  time.Duration
	logger *zap.Logger
	now    func() time.Time

	mu         sync.Mutex
	graceTimer map[uuid.UUID]*time.Timer
	onTerminal TerminalHook
}

// NewTracker creates a lifecycle tracker with the given grace window.
func NewTracker(store Store, grace time.Duration, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		store:      store,
		grace:      grace,
		logger:     logger,
		now:        time.Now,
		graceTimer: make(map[uuid.UUID]*time.Timer),
	}
}

// SetTerminalHook registers the hook run after terminal transitions.
func (t *Tracker) SetTerminalHook(fn TerminalHook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onTerminal = fn
}

// Start transitions a scheduled session to live. Starting an
// already-live session is a no-op success; starting a terminal session is
// a conflict.
func (t *Tracker) Start(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	s, transitioned, err := t.store.StartIfScheduled(ctx, id, t.now())
	if err != nil {
		return nil, apperrors.Persistence("start session", err)
	}
	if s == nil {
		return nil, apperrors.NotFound("session")
	}
	if !transitioned && s.Status != models.SessionLive {
		return nil, apperrors.Conflict("session already " + string(s.Status))
	}
	if transitioned {
		t.logger.Info("session live", zap.String("session_id", id.String()))
	}
	return s, nil
}

// End transitions a live session to ended. Reentrant: terminating an
// already-terminal session returns the existing end state unchanged, so
// repeated calls observe identical ended_at/end_reason.
func (t *Tracker) End(ctx context.Context, id uuid.UUID, reason string) (*models.Session, error) {
	t.cancelGrace(id)
	s, transitioned, err := t.store.EndIfLive(ctx, id, reason, t.now())
	if err != nil {
		return nil, apperrors.Persistence("end session", err)
	}
	if s == nil {
		return nil, apperrors.NotFound("session")
	}
	if !transitioned {
		if s.Status.Terminal() {
			return s, nil
		}
		return nil, apperrors.Conflict("session is " + string(s.Status) + ", not live")
	}
	t.logger.Info("session ended",
		zap.String("session_id", id.String()),
		zap.String("reason", reason),
		zap.Int64("duration_seconds", s.TotalDurationSeconds))
	t.runTerminalHook(ctx, s)
	return s, nil
}

// HostJoined handles a host-role join: the first one takes a scheduled
// session live, and any host join cancels a pending disconnect window.
func (t *Tracker) HostJoined(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	t.cancelGrace(id)
	s, _, err := t.store.StartIfScheduled(ctx, id, t.now())
	if err != nil {
		return nil, apperrors.Persistence("start session", err)
	}
	if s == nil {
		return nil, apperrors.NotFound("session")
	}
	return s, nil
}

// HostDisconnected arms the grace window for a live session after the
// media backend reports the host connection dropped. When the window
// elapses without a reconnect, the session becomes host_disconnected.
func (t *Tracker) HostDisconnected(id uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, armed := t.graceTimer[id]; armed {
		return
	}
	t.logger.Info("host disconnected, grace window armed",
		zap.String("session_id", id.String()),
		zap.Duration("grace", t.grace))
	t.graceTimer[id] = time.AfterFunc(t.grace, func() {
		t.mu.Lock()
		delete(t.graceTimer, id)
		t.mu.Unlock()
		t.expireGrace(id)
	})
}

// HostReconnected cancels a pending grace window. Reconnecting after the
// session is already host_disconnected has no effect on the stored state.
func (t *Tracker) HostReconnected(id uuid.UUID) {
	if t.cancelGrace(id) {
		t.logger.Info("host reconnected within grace window", zap.String("session_id", id.String()))
	}
}

func (t *Tracker) cancelGrace(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	timer, ok := t.graceTimer[id]
	if !ok {
		return false
	}
	timer.Stop()
	delete(t.graceTimer, id)
	return true
}

func (t *Tracker) expireGrace(id uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, transitioned, err := t.store.MarkHostDisconnectedIfLive(ctx, id, t.now())
	if err != nil {
		t.logger.Error("mark host_disconnected failed", zap.String("session_id", id.String()), zap.Error(err))
		return
	}
	if !transitioned {
		return
	}
	t.logger.Warn("session marked host_disconnected", zap.String("session_id", id.String()))
	t.runTerminalHook(ctx, s)
}

// ActiveCountChanged records a new active-participant count; while the
// session is live the stored peak only ever rises.
func (t *Tracker) ActiveCountChanged(ctx context.Context, id uuid.UUID, count int) {
	if err := t.store.RaisePeakViewers(ctx, id, count); err != nil {
		t.logger.Warn("peak viewers update failed", zap.String("session_id", id.String()), zap.Error(err))
	}
}

func (t *Tracker) runTerminalHook(ctx context.Context, s *models.Session) {
	t.mu.Lock()
	hook := t.onTerminal
	t.mu.Unlock()
	if hook != nil && s != nil {
		hook(ctx, s)
	}
}
