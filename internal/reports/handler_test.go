package reports

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orbitlive/backend/internal/middleware"
	"github.com/orbitlive/backend/internal/models"
)

type fakeStore struct {
	created []*models.Report
}

func (f *fakeStore) Create(_ context.Context, rep *models.Report) error {
	rep.ID = uuid.New()
	rep.Status = models.ReportPending
	f.created = append(f.created, rep)
	return nil
}

func (f *fakeStore) GetByID(context.Context, uuid.UUID) (*models.Report, error) {
	return nil, nil
}

func (f *fakeStore) List(context.Context, ListFilter, int, int) ([]models.Report, error) {
	return nil, nil
}

type fakeParticipants struct {
	active map[uuid.UUID]uuid.UUID // sessionID -> userID
}

func (f *fakeParticipants) GetActive(_ context.Context, sessionID, userID uuid.UUID) (*models.Participant, error) {
	if f.active[sessionID] == userID {
		return &models.Participant{ID: uuid.New(), SessionID: sessionID, UserID: userID, IsActive: true}, nil
	}
	return nil, nil
}

func createRouter(store *fakeStore, participants *fakeParticipants, userID uuid.UUID) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewHandler(store, participants, nil, zap.NewNop())
	r := gin.New()
	r.POST("/reports", func(c *gin.Context) {
		c.Set(middleware.ContextUserID, userID)
		h.Create(c)
	})
	return r
}

func postReport(t *testing.T, r *gin.Engine, sessionID, reportedID uuid.UUID) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(CreateRequest{
		SessionID:      sessionID.String(),
		ReportedUserID: reportedID.String(),
		Reason:         "harassment",
	})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/reports", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCreateRequiresSessionParticipation(t *testing.T) {
	reporter := uuid.New()
	sessionID := uuid.New()
	store := &fakeStore{}
	r := createRouter(store, &fakeParticipants{active: map[uuid.UUID]uuid.UUID{}}, reporter)

	w := postReport(t, r, sessionID, uuid.New())
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, store.created)
}

func TestCreateAcceptsActiveParticipant(t *testing.T) {
	reporter := uuid.New()
	sessionID := uuid.New()
	store := &fakeStore{}
	r := createRouter(store, &fakeParticipants{active: map[uuid.UUID]uuid.UUID{sessionID: reporter}}, reporter)

	w := postReport(t, r, sessionID, uuid.New())
	assert.Equal(t, http.StatusCreated, w.Code)
	require.Len(t, store.created, 1)
	assert.Equal(t, reporter, store.created[0].ReporterID)
}

func TestCreateRejectsSelfReport(t *testing.T) {
	reporter := uuid.New()
	sessionID := uuid.New()
	store := &fakeStore{}
	r := createRouter(store, &fakeParticipants{active: map[uuid.UUID]uuid.UUID{sessionID: reporter}}, reporter)

	w := postReport(t, r, sessionID, reporter)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, store.created)
}
