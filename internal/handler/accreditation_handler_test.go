package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/accreditation-api/internal/dto"
	"github.com/noah-isme/accreditation-api/internal/models"
	appErrors "github.com/noah-isme/accreditation-api/pkg/errors"
)

type tokenMap map[string]*models.JWTClaims

func (m tokenMap) ValidateToken(token string) (*models.JWTClaims, error) {
	if claims, ok := m[token]; ok {
		return claims, nil
	}
	return nil, appErrors.ErrUnauthorized
}

type requestServiceMock struct {
	lastActor   models.Actor
	lastID      string
	lastComment string
	lastZones   []string
	lastFilter  models.RequestFilter
	lastBuilder dto.DraftRequestBuilder
	err         error
}

func (m *requestServiceMock) respond(actor models.Actor, id string, status models.RequestStatus) (*dto.RequestResponse, error) {
	m.lastActor = actor
	m.lastID = id
	if m.err != nil {
		return nil, m.err
	}
	return &dto.RequestResponse{ID: id, Status: status}, nil
}

func (m *requestServiceMock) CreateDraft(_ context.Context, actor models.Actor, builder dto.DraftRequestBuilder) (*dto.RequestResponse, error) {
	m.lastBuilder = builder
	return m.respond(actor, "req-new", models.RequestStatusDraft)
}

func (m *requestServiceMock) Get(_ context.Context, actor models.Actor, id string) (*dto.RequestResponse, error) {
	return m.respond(actor, id, models.RequestStatusDraft)
}

func (m *requestServiceMock) List(_ context.Context, actor models.Actor, filter models.RequestFilter) ([]dto.RequestResponse, error) {
	m.lastActor = actor
	m.lastFilter = filter
	return []dto.RequestResponse{{ID: "req-1"}}, m.err
}

func (m *requestServiceMock) Submit(_ context.Context, actor models.Actor, id string, zoneIDs []string) (*dto.RequestResponse, error) {
	m.lastZones = zoneIDs
	return m.respond(actor, id, models.RequestStatusSubmitted)
}

func (m *requestServiceMock) Review(_ context.Context, actor models.Actor, id, comment string) (*dto.RequestResponse, error) {
	m.lastComment = comment
	return m.respond(actor, id, models.RequestStatusUnderReview)
}

func (m *requestServiceMock) Approve(_ context.Context, actor models.Actor, id, comment string) (*dto.RequestResponse, error) {
	m.lastComment = comment
	return m.respond(actor, id, models.RequestStatusApproved)
}

func (m *requestServiceMock) Reject(_ context.Context, actor models.Actor, id, reason string) (*dto.RequestResponse, error) {
	m.lastComment = reason
	return m.respond(actor, id, models.RequestStatusRejected)
}

func (m *requestServiceMock) ReturnToDraft(_ context.Context, actor models.Actor, id, reason string) (*dto.RequestResponse, error) {
	m.lastComment = reason
	return m.respond(actor, id, models.RequestStatusDraft)
}

func (m *requestServiceMock) Cancel(_ context.Context, actor models.Actor, id, reason string) (*dto.RequestResponse, error) {
	m.lastComment = reason
	return m.respond(actor, id, models.RequestStatusCancelled)
}

func (m *requestServiceMock) Suspend(_ context.Context, actor models.Actor, id, reason string) (*dto.RequestResponse, error) {
	m.lastComment = reason
	return m.respond(actor, id, models.RequestStatusSuspended)
}

func (m *requestServiceMock) Delete(_ context.Context, actor models.Actor, id string) error {
	m.lastActor = actor
	m.lastID = id
	return m.err
}

type credentialServiceMock struct {
	lastForce bool
	lastCode  string
	lastEvent string
	err       error
}

func (m *credentialServiceMock) Get(_ context.Context, _ models.Actor, id string) (*dto.CredentialResponse, error) {
	return &dto.CredentialResponse{ID: id, Status: models.CredentialStatusReady, IsReady: true}, m.err
}

func (m *credentialServiceMock) Regenerate(_ context.Context, _ models.Actor, id string, force bool) (*dto.CredentialResponse, error) {
	m.lastForce = force
	if m.err != nil {
		return nil, m.err
	}
	return &dto.CredentialResponse{ID: id, Status: models.CredentialStatusPending}, nil
}

func (m *credentialServiceMock) RegenerateFailed(_ context.Context, _ models.Actor, eventID string) (*dto.RegenerateResult, error) {
	m.lastEvent = eventID
	return &dto.RegenerateResult{Scheduled: 2}, m.err
}

func (m *credentialServiceMock) Verify(_ context.Context, code string) (*dto.VerificationResult, error) {
	m.lastCode = code
	if code == "GOOD" {
		return &dto.VerificationResult{Valid: true, Code: code}, nil
	}
	return &dto.VerificationResult{Valid: false, Code: code, Reason: dto.VerificationReasonNotFound}, nil
}

func (m *credentialServiceMock) StatusReport(_ context.Context, _ models.Actor, eventID string) (*dto.CredentialStatusReport, error) {
	m.lastEvent = eventID
	return &dto.CredentialStatusReport{EventID: eventID, Total: 3}, m.err
}

func (m *credentialServiceMock) Cleanup(context.Context, models.Actor) (*dto.CredentialCleanupResult, error) {
	return &dto.CredentialCleanupResult{Orphaned: 1}, m.err
}

func (m *credentialServiceMock) ExpireEvent(_ context.Context, _ models.Actor, eventID string) (*dto.ExpireEventResult, error) {
	m.lastEvent = eventID
	return &dto.ExpireEventResult{EventID: eventID, Expired: 4}, m.err
}

type printBatchServiceMock struct {
	lastFilters dto.PrintFiltersRequest
	lastDays    int
	queueErr    error
	download    *dto.BatchDownload
	downloadErr error
}

func (m *printBatchServiceMock) Preview(_ context.Context, _ models.Actor, req dto.PrintFiltersRequest) (*dto.PrintPreview, error) {
	m.lastFilters = req
	return &dto.PrintPreview{Count: 0, Credentials: []models.PrintableCredential{}}, nil
}

func (m *printBatchServiceMock) QueueBatch(_ context.Context, _ models.Actor, req dto.PrintFiltersRequest) (*dto.PrintBatchResponse, error) {
	m.lastFilters = req
	if m.queueErr != nil {
		return nil, m.queueErr
	}
	return &dto.PrintBatchResponse{ID: "batch-1", Status: models.PrintBatchStatusQueued, CredentialCount: 3}, nil
}

func (m *printBatchServiceMock) GetBatch(_ context.Context, _ models.Actor, id string) (*dto.PrintBatchResponse, error) {
	return &dto.PrintBatchResponse{ID: id, Status: models.PrintBatchStatusReady}, nil
}

func (m *printBatchServiceMock) GetProcessingBatches(context.Context, models.Actor) ([]dto.PrintBatchResponse, error) {
	return []dto.PrintBatchResponse{{ID: "batch-1"}, {ID: "batch-2"}}, nil
}

func (m *printBatchServiceMock) RetryBatch(_ context.Context, _ models.Actor, id string) (*dto.PrintBatchResponse, error) {
	return &dto.PrintBatchResponse{ID: id, Status: models.PrintBatchStatusQueued}, nil
}

func (m *printBatchServiceMock) DownloadBatch(context.Context, models.Actor, string) (*dto.BatchDownload, error) {
	return m.download, m.downloadErr
}

func (m *printBatchServiceMock) CleanupOldBatches(_ context.Context, _ models.Actor, daysOld int) (*dto.CleanupBatchesResult, error) {
	m.lastDays = daysOld
	return &dto.CleanupBatchesResult{ArchivedBatches: 1, TotalProcessed: 1}, nil
}

type signerMock struct {
	paths map[string]string
}

func (s signerMock) Parse(token string, _ bool) (string, string, time.Time, error) {
	rel, ok := s.paths[token]
	if !ok {
		return "", "", time.Time{}, errors.New("bad signature")
	}
	return "entity", rel, time.Now().Add(time.Minute), nil
}

type dirFiles struct{ dir string }

func (d dirFiles) Exists(relPath string) (bool, error) {
	_, err := os.Stat(filepath.Join(d.dir, relPath))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (d dirFiles) Path(relPath string) string { return filepath.Join(d.dir, relPath) }

type apiFixture struct {
	router      *gin.Engine
	requests    *requestServiceMock
	credentials *credentialServiceMock
	batches     *printBatchServiceMock
	dir         string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "batches"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "batches", "b1.pdf"), []byte("%PDF-1.3 batch"), 0o644))

	f := &apiFixture{
		requests:    &requestServiceMock{},
		credentials: &credentialServiceMock{},
		batches:     &printBatchServiceMock{},
		dir:         dir,
	}
	files := dirFiles{dir: dir}
	routes := Routes{
		Tokens: tokenMap{
			"admin":       {UserID: "admin-1", Role: models.RoleAdmin},
			"accreditor":  {UserID: "acc-1", Role: models.RoleAccreditor},
			"operator":    {UserID: "op-1", Role: models.RoleOperator},
			"coordinator": {UserID: "coord-1", Role: models.RoleCoordinator},
		},
		Requests:    NewRequestHandler(f.requests),
		Credentials: NewCredentialHandler(f.credentials),
		Batches:     NewPrintBatchHandler(f.batches, files),
		Files:       NewFileHandler(signerMock{paths: map[string]string{"tok-ok": "batches/b1.pdf", "tok-gone": "batches/none.pdf"}}, files),
	}
	f.router = gin.New()
	routes.Register(f.router.Group("/api/v1"))
	return f
}

func (f *apiFixture) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, out))
}

func TestRequestRoutesPassActorAndPayload(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(http.MethodPost, "/api/v1/requests", "coordinator", map[string]interface{}{
		"employee_id": "emp-1", "event_id": "event-1", "zone_ids": []string{"zone-a"}, "created_by": "someone-else",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "coord-1", f.requests.lastActor.ID)
	assert.Equal(t, "emp-1", f.requests.lastBuilder.EmployeeID)
	assert.Empty(t, f.requests.lastBuilder.CreatedBy)

	w = f.do(http.MethodPost, "/api/v1/requests/req-9/submit", "coordinator", map[string]interface{}{"zone_ids": []string{"zone-b"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"zone-b"}, f.requests.lastZones)

	w = f.do(http.MethodPost, "/api/v1/requests/req-9/reject", "accreditor", map[string]string{"comment": "badge photo missing"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "badge photo missing", f.requests.lastComment)
	var resp dto.RequestResponse
	decodeData(t, w, &resp)
	assert.Equal(t, models.RequestStatusRejected, resp.Status)

	w = f.do(http.MethodPost, "/api/v1/requests/req-9/approve", "accreditor", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, f.requests.lastComment)
	assert.Equal(t, models.Actor{ID: "acc-1", Role: models.RoleAccreditor}, f.requests.lastActor)
}

func TestRequestRoutesMapErrors(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(http.MethodGet, "/api/v1/requests/req-1", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	f.requests.err = appErrors.Clone(appErrors.ErrInvalidTransition, "only submitted or reviewed requests can be approved")
	w = f.do(http.MethodPost, "/api/v1/requests/req-1/approve", "accreditor", nil)
	assert.Equal(t, appErrors.ErrInvalidTransition.Status, w.Code)
	assert.Contains(t, w.Body.String(), appErrors.ErrInvalidTransition.Code)

	w = f.do(http.MethodDelete, "/api/v1/requests/req-1", "accreditor", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	f.requests.err = nil
	w = f.do(http.MethodDelete, "/api/v1/requests/req-1", "admin", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = f.do(http.MethodGet, "/api/v1/requests?limit=abc", "admin", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRequestListParsesFilters(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(http.MethodGet, "/api/v1/requests?event_id=event-1&area_id=area-north&status=submitted,+under_review&limit=10&offset=20", "accreditor", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.RequestFilter{
		EventID: "event-1",
		AreaID:  "area-north",
		Status:  []models.RequestStatus{models.RequestStatusSubmitted, models.RequestStatusUnderReview},
		Limit:   10,
		Offset:  20,
	}, f.requests.lastFilter)
	assert.Contains(t, w.Body.String(), `"count":1`)
}

func TestVerifyIsPublic(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(http.MethodGet, "/api/v1/verify/GOOD", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var result dto.VerificationResult
	decodeData(t, w, &result)
	assert.True(t, result.Valid)

	w = f.do(http.MethodGet, "/api/v1/verify/NOPE", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decodeData(t, w, &result)
	assert.False(t, result.Valid)
	assert.Equal(t, dto.VerificationReasonNotFound, result.Reason)
}

func TestCredentialRoutes(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(http.MethodPost, "/api/v1/credentials/cred-1/regenerate", "operator", map[string]bool{"force": true})
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.True(t, f.credentials.lastForce)

	w = f.do(http.MethodGet, "/api/v1/credentials/status?event_id=event-1", "operator", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "event-1", f.credentials.lastEvent)

	w = f.do(http.MethodGet, "/api/v1/credentials/cred-1", "operator", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"is_ready":true`)

	w = f.do(http.MethodPost, "/api/v1/events/event-1/expire-credentials", "operator", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = f.do(http.MethodPost, "/api/v1/events/event-1/expire-credentials", "admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"expired":4`)

	f.credentials.err = appErrors.Clone(appErrors.ErrValidation, "retry limit reached")
	w = f.do(http.MethodPost, "/api/v1/credentials/cred-1/regenerate", "operator", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPrintBatchRoutes(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(http.MethodPost, "/api/v1/print-batches", "operator", map[string]interface{}{"event_id": "event-1", "area_ids": []string{"area-north"}})
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"area-north"}, f.batches.lastFilters.AreaIDs)
	assert.Nil(t, f.batches.lastFilters.OnlyUnprinted)

	f.batches.queueErr = appErrors.ErrEmptyBatch
	w = f.do(http.MethodPost, "/api/v1/print-batches", "operator", map[string]interface{}{"event_id": "event-1"})
	assert.Equal(t, appErrors.ErrEmptyBatch.Status, w.Code)

	w = f.do(http.MethodPost, "/api/v1/print-batches", "operator", "not an object")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodGet, "/api/v1/print-batches/processing", "operator", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":2`)

	w = f.do(http.MethodPost, "/api/v1/print-batches/cleanup?days=30", "admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 30, f.batches.lastDays)
}

func TestPrintBatchDownload(t *testing.T) {
	f := newAPIFixture(t)

	f.batches.downloadErr = appErrors.ErrNotReady
	w := f.do(http.MethodGet, "/api/v1/print-batches/batch-1/download", "operator", nil)
	assert.Equal(t, appErrors.ErrNotReady.Status, w.Code)

	f.batches.downloadErr = nil
	f.batches.download = &dto.BatchDownload{BatchID: "batch-1", Path: "batches/b1.pdf", Filename: "print-batch-u1.pdf"}
	w = f.do(http.MethodGet, "/api/v1/print-batches/batch-1/download", "operator", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "print-batch-u1.pdf")
	assert.Equal(t, "%PDF-1.3 batch", w.Body.String())
}

func TestSignedFiles(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(http.MethodGet, "/api/v1/files/tok-ok", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "%PDF-1.3 batch", w.Body.String())

	w = f.do(http.MethodGet, "/api/v1/files/tok-bad", "", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(http.MethodGet, "/api/v1/files/tok-gone", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
