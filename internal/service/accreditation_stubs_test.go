package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/accreditation-api/internal/models"
	"github.com/noah-isme/accreditation-api/internal/repository"
	appErrors "github.com/noah-isme/accreditation-api/pkg/errors"
	"github.com/noah-isme/accreditation-api/pkg/jobs"
)

// memDB keeps every table the services touch behind one mutex so multi-row
// operations behave like a single transaction.
type memDB struct {
	mu          sync.Mutex
	requests    map[string]*models.AccreditationRequest
	credentials map[string]*models.Credential
	batches     map[string]*models.PrintBatch
	items       map[string][]string
	events      map[string]*models.Event
	zones       map[string][]models.Zone
	areas       map[string]*models.Area
	providers   map[string]*models.Provider
	employees   map[string]*models.Employee
	templates   map[string]*models.CredentialTemplate

	approveErr error
	raceCount  int
}

func newMemDB() *memDB {
	return &memDB{
		requests:    map[string]*models.AccreditationRequest{},
		credentials: map[string]*models.Credential{},
		batches:     map[string]*models.PrintBatch{},
		items:       map[string][]string{},
		events:      map[string]*models.Event{},
		zones:       map[string][]models.Zone{},
		areas:       map[string]*models.Area{},
		providers:   map[string]*models.Provider{},
		employees:   map[string]*models.Employee{},
		templates:   map[string]*models.CredentialTemplate{},
	}
}

func copyRequest(req *models.AccreditationRequest) *models.AccreditationRequest {
	c := *req
	c.ZoneIDs = append([]string(nil), req.ZoneIDs...)
	c.Transitions = append(models.Transitions(nil), req.Transitions...)
	return &c
}

func copyCredential(cred *models.Credential) *models.Credential {
	c := *cred
	c.TemplateSnapshot = append([]byte(nil), cred.TemplateSnapshot...)
	return &c
}

func (db *memDB) credentialForRequestLocked(requestID string) *models.Credential {
	for _, cred := range db.credentials {
		if cred.RequestID == requestID {
			return cred
		}
	}
	return nil
}

func (db *memDB) providerOfLocked(req *models.AccreditationRequest) *models.Provider {
	emp, ok := db.employees[req.EmployeeID]
	if !ok {
		return nil
	}
	return db.providers[emp.ProviderID]
}

func (db *memDB) zoneNamesLocked(req *models.AccreditationRequest) []string {
	names := make([]string, 0, len(req.ZoneIDs))
	for _, zone := range db.zones[req.EventID] {
		for _, id := range req.ZoneIDs {
			if zone.ID == id {
				names = append(names, zone.Name)
			}
		}
	}
	sort.Strings(names)
	return names
}

func (db *memDB) printableRowLocked(cred *models.Credential) (models.PrintableCredential, bool) {
	req, ok := db.requests[cred.RequestID]
	if !ok {
		return models.PrintableCredential{}, false
	}
	emp := db.employees[req.EmployeeID]
	provider := db.providerOfLocked(req)
	if emp == nil || provider == nil {
		return models.PrintableCredential{}, false
	}
	area := db.areas[provider.AreaID]
	event := db.events[req.EventID]
	row := models.PrintableCredential{
		CredentialID:     cred.ID,
		RequestID:        req.ID,
		VerificationCode: cred.VerificationCode,
		ImagePath:        cred.ImagePath,
		TemplateSnapshot: cred.TemplateSnapshot,
		GeneratedAt:      cred.GeneratedAt,
		EventID:          req.EventID,
		AreaID:           provider.AreaID,
		ProviderID:       provider.ID,
		ProviderName:     provider.Name,
		FirstName:        emp.FirstName,
		LastName:         emp.LastName,
	}
	if area != nil {
		row.AreaName = area.Name
	}
	if event != nil {
		row.EventName = event.Name
		row.EventEndsAt = event.EndsAt
	}
	return row, true
}

func (db *memDB) stampableLocked(cred *models.Credential, onlyUnprinted bool) bool {
	if cred.PrintBatchID == nil {
		return true
	}
	if onlyUnprinted {
		return false
	}
	batch, ok := db.batches[*cred.PrintBatchID]
	return ok && batch.Status == models.PrintBatchStatusArchived
}

func (db *memDB) printableLocked(filters models.PrintBatchFilters) []models.PrintableCredential {
	areas := toSet(filters.AreaIDs)
	providers := toSet(filters.ProviderIDs)
	var rows []models.PrintableCredential
	for _, cred := range db.credentials {
		if cred.Status != models.CredentialStatusReady || cred.RevokedAt != nil || !db.stampableLocked(cred, filters.OnlyUnprinted) {
			continue
		}
		row, ok := db.printableRowLocked(cred)
		if !ok || row.EventID != filters.EventID {
			continue
		}
		if len(areas) > 0 && !areas[row.AreaID] {
			continue
		}
		if len(providers) > 0 && !providers[row.ProviderID] {
			continue
		}
		rows = append(rows, row)
	}
	return rows
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}

type memRequests struct{ db *memDB }

func (r memRequests) Create(_ context.Context, req *models.AccreditationRequest) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	r.db.requests[req.ID] = copyRequest(req)
	return nil
}

func (r memRequests) GetByID(_ context.Context, id string) (*models.AccreditationRequest, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	req, ok := r.db.requests[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return copyRequest(req), nil
}

func (r memRequests) ReplaceZones(_ context.Context, requestID string, zoneIDs []string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	req, ok := r.db.requests[requestID]
	if !ok {
		return sql.ErrNoRows
	}
	req.ZoneIDs = append([]string(nil), zoneIDs...)
	return nil
}

func (r memRequests) transitionLocked(params repository.TransitionParams) error {
	req, ok := r.db.requests[params.ID]
	if !ok || !statusIn(req.Status, params.From) {
		return sql.ErrNoRows
	}
	req.Status = params.To
	req.Transitions = append(req.Transitions, params.Record)
	req.UpdatedAt = params.Record.At
	return nil
}

func (r memRequests) Transition(_ context.Context, params repository.TransitionParams) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	return r.transitionLocked(params)
}

func (r memRequests) ApproveMany(_ context.Context, approvals []repository.Approval) ([]string, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if r.db.approveErr != nil {
		return nil, r.db.approveErr
	}
	approved := make([]string, 0, len(approvals))
	for _, approval := range approvals {
		if err := r.transitionLocked(approval.Transition); err != nil {
			continue
		}
		if approval.Credential != nil && r.db.credentialForRequestLocked(approval.Transition.ID) == nil {
			r.db.credentials[approval.Credential.ID] = copyCredential(approval.Credential)
		}
		approved = append(approved, approval.Transition.ID)
	}
	return approved, nil
}

func (r memRequests) Delete(_ context.Context, id string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.requests[id]; !ok {
		return sql.ErrNoRows
	}
	delete(r.db.requests, id)
	if cred := r.db.credentialForRequestLocked(id); cred != nil {
		delete(r.db.credentials, cred.ID)
	}
	return nil
}

func (r memRequests) List(_ context.Context, filter models.RequestFilter) ([]models.AccreditationRequest, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	ids := toSet(filter.IDs)
	var out []models.AccreditationRequest
	for _, req := range r.db.requests {
		if filter.EventID != "" && req.EventID != filter.EventID {
			continue
		}
		if len(ids) > 0 && !ids[req.ID] {
			continue
		}
		if len(filter.Status) > 0 && !statusIn(req.Status, filter.Status) {
			continue
		}
		provider := r.db.providerOfLocked(req)
		if filter.ProviderID != "" && (provider == nil || provider.ID != filter.ProviderID) {
			continue
		}
		if filter.AreaID != "" && (provider == nil || provider.AreaID != filter.AreaID) {
			continue
		}
		out = append(out, *copyRequest(req))
	}
	sortRequests(out)
	return out, nil
}

type memCredentials struct{ db *memDB }

func (c memCredentials) Create(_ context.Context, cred *models.Credential) (bool, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	if c.db.credentialForRequestLocked(cred.RequestID) != nil {
		return false, nil
	}
	c.db.credentials[cred.ID] = copyCredential(cred)
	return true, nil
}

func (c memCredentials) GetByID(_ context.Context, id string) (*models.Credential, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	cred, ok := c.db.credentials[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return copyCredential(cred), nil
}

func (c memCredentials) GetByRequestID(_ context.Context, requestID string) (*models.Credential, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	cred := c.db.credentialForRequestLocked(requestID)
	if cred == nil {
		return nil, sql.ErrNoRows
	}
	return copyCredential(cred), nil
}

func (c memCredentials) Update(_ context.Context, id string, params repository.UpdateCredentialParams) error {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	cred, ok := c.db.credentials[id]
	if !ok {
		return sql.ErrNoRows
	}
	if len(params.ExpectStatus) > 0 {
		match := false
		for _, s := range params.ExpectStatus {
			if cred.Status == s {
				match = true
			}
		}
		if !match {
			return sql.ErrNoRows
		}
	}
	if params.UpdatedBefore != nil && !cred.UpdatedAt.Before(*params.UpdatedBefore) {
		return sql.ErrNoRows
	}
	if params.Status != nil {
		cred.Status = *params.Status
	}
	if params.IncrementRetry {
		cred.RetryCount++
	}
	if params.ErrorMessage != nil {
		msg := *params.ErrorMessage
		cred.ErrorMessage = &msg
	} else if params.ClearError {
		cred.ErrorMessage = nil
	}
	if params.GeneratedAt != nil {
		cred.GeneratedAt = params.GeneratedAt
	}
	if params.ImagePath != nil {
		cred.ImagePath = params.ImagePath
	}
	if params.PDFPath != nil {
		cred.PDFPath = params.PDFPath
	}
	if params.TemplateID != nil {
		cred.TemplateID = params.TemplateID
	}
	if params.TemplateVersion != nil {
		cred.TemplateVersion = *params.TemplateVersion
	}
	if params.TemplateSnapshot != nil {
		cred.TemplateSnapshot = append([]byte(nil), params.TemplateSnapshot...)
	}
	if params.RevokedAt != nil {
		cred.RevokedAt = params.RevokedAt
	}
	if params.ExpiredAt != nil {
		cred.ExpiredAt = params.ExpiredAt
	}
	cred.UpdatedAt = time.Now().UTC()
	return nil
}

func (c memCredentials) sorted(keep func(*models.Credential) bool) []models.Credential {
	var out []models.Credential
	for _, cred := range c.db.credentials {
		if keep(cred) {
			out = append(out, *copyCredential(cred))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c memCredentials) eventOf(cred *models.Credential) string {
	if req, ok := c.db.requests[cred.RequestID]; ok {
		return req.EventID
	}
	return ""
}

func (c memCredentials) ListByStatus(_ context.Context, status models.CredentialStatus, limit int) ([]models.Credential, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	out := c.sorted(func(cred *models.Credential) bool { return cred.Status == status })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (c memCredentials) ListStale(_ context.Context, status models.CredentialStatus, before time.Time, limit int) ([]models.Credential, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	out := c.sorted(func(cred *models.Credential) bool {
		return cred.Status == status && cred.UpdatedAt.Before(before)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (c memCredentials) ListForEvent(_ context.Context, eventID string, status models.CredentialStatus) ([]models.Credential, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	return c.sorted(func(cred *models.Credential) bool {
		return cred.Status == status && c.eventOf(cred) == eventID
	}), nil
}

func (c memCredentials) CountByStatus(_ context.Context, eventID string) ([]models.CredentialStatusCount, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	counts := map[models.CredentialStatus]int{}
	for _, cred := range c.db.credentials {
		if eventID != "" && c.eventOf(cred) != eventID {
			continue
		}
		counts[cred.Status]++
	}
	rows := make([]models.CredentialStatusCount, 0, len(counts))
	for status, count := range counts {
		rows = append(rows, models.CredentialStatusCount{Status: status, Count: count})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Status < rows[j].Status })
	return rows, nil
}

func (c memCredentials) CountStuck(_ context.Context, eventID string, cutoff time.Time) (int, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	return len(c.sorted(func(cred *models.Credential) bool {
		return cred.Status == models.CredentialStatusGenerating && cred.UpdatedAt.Before(cutoff) && (eventID == "" || c.eventOf(cred) == eventID)
	})), nil
}

func (c memCredentials) CountRetryable(_ context.Context, eventID string, maxRetries int) (int, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	return len(c.sorted(func(cred *models.Credential) bool {
		return cred.Status == models.CredentialStatusFailed && cred.RetryCount < maxRetries && (eventID == "" || c.eventOf(cred) == eventID)
	})), nil
}

func (c memCredentials) CountReady(_ context.Context, requestIDs []string) (int, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	ids := toSet(requestIDs)
	return len(c.sorted(func(cred *models.Credential) bool {
		return ids[cred.RequestID] && cred.Status == models.CredentialStatusReady
	})), nil
}

func (c memCredentials) deleteWhere(keep func(*models.Credential) bool) []models.Credential {
	removed := c.sorted(keep)
	for _, cred := range removed {
		delete(c.db.credentials, cred.ID)
	}
	return removed
}

func (c memCredentials) DeleteOrphaned(_ context.Context) ([]models.Credential, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	return c.deleteWhere(func(cred *models.Credential) bool {
		_, ok := c.db.requests[cred.RequestID]
		return !ok
	}), nil
}

func (c memCredentials) DeleteFailedBefore(_ context.Context, cutoff time.Time) ([]models.Credential, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	return c.deleteWhere(func(cred *models.Credential) bool {
		return cred.Status == models.CredentialStatusFailed && cred.UpdatedAt.Before(cutoff) && cred.PrintBatchID == nil
	}), nil
}

func (c memCredentials) ExpireEvent(_ context.Context, eventID string, at time.Time) ([]string, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	var codes []string
	for _, cred := range c.db.credentials {
		if cred.ExpiredAt != nil || c.eventOf(cred) != eventID {
			continue
		}
		expired := at
		cred.ExpiredAt = &expired
		codes = append(codes, cred.VerificationCode)
	}
	sort.Strings(codes)
	return codes, nil
}

func (c memCredentials) GetVerification(_ context.Context, code string) (*models.CredentialVerification, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	for _, cred := range c.db.credentials {
		if cred.VerificationCode != code {
			continue
		}
		req, ok := c.db.requests[cred.RequestID]
		if !ok {
			return nil, sql.ErrNoRows
		}
		emp := c.db.employees[req.EmployeeID]
		provider := c.db.providerOfLocked(req)
		event := c.db.events[req.EventID]
		return &models.CredentialVerification{
			CredentialID:     cred.ID,
			VerificationCode: cred.VerificationCode,
			Status:           cred.Status,
			RequestStatus:    req.Status,
			GeneratedAt:      cred.GeneratedAt,
			RevokedAt:        cred.RevokedAt,
			ExpiredAt:        cred.ExpiredAt,
			EventID:          event.ID,
			EventName:        event.Name,
			EventEndsAt:      event.EndsAt,
			EmployeeID:       emp.ID,
			FirstName:        emp.FirstName,
			LastName:         emp.LastName,
			ProviderName:     provider.Name,
			Zones:            c.db.zoneNamesLocked(req),
		}, nil
	}
	return nil, sql.ErrNoRows
}

func (c memCredentials) GetRenderData(_ context.Context, credentialID string) (*models.CredentialRenderData, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	cred, ok := c.db.credentials[credentialID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	row, ok := c.db.printableRowLocked(cred)
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &models.CredentialRenderData{
		CredentialID:     cred.ID,
		VerificationCode: cred.VerificationCode,
		TemplateSnapshot: append([]byte(nil), cred.TemplateSnapshot...),
		RequestID:        row.RequestID,
		EventID:          row.EventID,
		EventName:        row.EventName,
		EventEndsAt:      row.EventEndsAt,
		FirstName:        row.FirstName,
		LastName:         row.LastName,
		ProviderName:     row.ProviderName,
		AreaName:         row.AreaName,
		Zones:            c.db.zoneNamesLocked(c.db.requests[cred.RequestID]),
	}, nil
}

type memBatches struct{ db *memDB }

func (b memBatches) SelectPrintable(_ context.Context, filters models.PrintBatchFilters) ([]models.PrintableCredential, error) {
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	return b.db.printableLocked(filters), nil
}

func (b memBatches) CountPrintable(_ context.Context, filters models.PrintBatchFilters) (int, error) {
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	return len(b.db.printableLocked(filters)), nil
}

func (b memBatches) CreateWithStamp(_ context.Context, batch *models.PrintBatch, credentialIDs []string) error {
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	if len(credentialIDs) == 0 {
		return appErrors.ErrEmptyBatch
	}
	if b.db.raceCount > 0 {
		b.db.raceCount--
		return appErrors.Clone(appErrors.ErrRaceCondition, "simulated collision")
	}
	for _, id := range credentialIDs {
		cred, ok := b.db.credentials[id]
		if !ok || cred.Status != models.CredentialStatusReady || !b.db.stampableLocked(cred, batch.Filters.OnlyUnprinted) {
			return appErrors.Clone(appErrors.ErrRaceCondition, fmt.Sprintf("credential %s already stamped", id))
		}
	}
	if batch.ID == "" {
		batch.ID = uuid.NewString()
	}
	if batch.UUID == "" {
		batch.UUID = uuid.NewString()
	}
	batch.CredentialCount = len(credentialIDs)
	batch.UpdatedAt = batch.CreatedAt
	stored := *batch
	b.db.batches[batch.ID] = &stored
	for _, id := range credentialIDs {
		batchID := batch.ID
		b.db.credentials[id].PrintBatchID = &batchID
	}
	b.db.items[batch.ID] = append([]string(nil), credentialIDs...)
	return nil
}

func (b memBatches) GetByID(_ context.Context, id string) (*models.PrintBatch, error) {
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	batch, ok := b.db.batches[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	out := *batch
	return &out, nil
}

func (b memBatches) Update(_ context.Context, id string, params repository.UpdatePrintBatchParams) error {
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	batch, ok := b.db.batches[id]
	if !ok {
		return sql.ErrNoRows
	}
	if len(params.ExpectStatus) > 0 {
		match := false
		for _, s := range params.ExpectStatus {
			if batch.Status == s {
				match = true
			}
		}
		if !match {
			return sql.ErrNoRows
		}
	}
	if params.UpdatedBefore != nil && !batch.UpdatedAt.Before(*params.UpdatedBefore) {
		return sql.ErrNoRows
	}
	if params.Status != nil {
		batch.Status = *params.Status
	}
	if params.FilePath != nil {
		batch.FilePath = params.FilePath
	}
	if params.ErrorMessage != nil {
		msg := *params.ErrorMessage
		batch.ErrorMessage = &msg
	} else if params.ClearError {
		batch.ErrorMessage = nil
	}
	if params.IncrementAttempts {
		batch.Attempts++
	}
	if params.FinishedAt != nil {
		batch.FinishedAt = params.FinishedAt
	}
	if params.ArchivedAt != nil {
		batch.ArchivedAt = params.ArchivedAt
	}
	batch.UpdatedAt = time.Now().UTC()
	return nil
}

func (b memBatches) list(keep func(*models.PrintBatch) bool, limit int) []models.PrintBatch {
	var out []models.PrintBatch
	for _, batch := range b.db.batches {
		if keep(batch) {
			out = append(out, *batch)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (b memBatches) ListByStatus(_ context.Context, statuses []models.PrintBatchStatus, limit int) ([]models.PrintBatch, error) {
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	return b.list(func(batch *models.PrintBatch) bool {
		for _, s := range statuses {
			if batch.Status == s {
				return true
			}
		}
		return false
	}, limit), nil
}

func (b memBatches) ListStale(_ context.Context, status models.PrintBatchStatus, before time.Time, limit int) ([]models.PrintBatch, error) {
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	return b.list(func(batch *models.PrintBatch) bool {
		return batch.Status == status && batch.UpdatedAt.Before(before)
	}, limit), nil
}

func (b memBatches) ListArchivable(_ context.Context, cutoff time.Time, limit int) ([]models.PrintBatch, error) {
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	return b.list(func(batch *models.PrintBatch) bool {
		finished := batch.Status == models.PrintBatchStatusReady || batch.Status == models.PrintBatchStatusFailed
		return finished && batch.CreatedAt.Before(cutoff)
	}, limit), nil
}

func (b memBatches) Items(_ context.Context, batchID string) ([]models.PrintBatchItem, error) {
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	ids := b.db.items[batchID]
	items := make([]models.PrintBatchItem, 0, len(ids))
	for i, id := range ids {
		item := models.PrintBatchItem{BatchID: batchID, CredentialID: id, Position: i + 1}
		if cred, ok := b.db.credentials[id]; ok {
			code := cred.VerificationCode
			item.Present = true
			item.Code = &code
		}
		items = append(items, item)
	}
	return items, nil
}

func (b memBatches) PrintableForBatch(_ context.Context, batchID string) ([]models.PrintableCredential, error) {
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	var rows []models.PrintableCredential
	for _, id := range b.db.items[batchID] {
		cred, ok := b.db.credentials[id]
		if !ok {
			continue
		}
		if row, ok := b.db.printableRowLocked(cred); ok {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

type memRefs struct{ db *memDB }

func (r memRefs) GetEvent(_ context.Context, id string) (*models.Event, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	event, ok := r.db.events[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	out := *event
	return &out, nil
}

func (r memRefs) GetArea(_ context.Context, id string) (*models.Area, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	area, ok := r.db.areas[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	out := *area
	return &out, nil
}

func (r memRefs) EventZoneIDs(_ context.Context, eventID string) ([]string, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var ids []string
	for _, zone := range r.db.zones[eventID] {
		ids = append(ids, zone.ID)
	}
	return ids, nil
}

func (r memRefs) ExistingAreaIDs(_ context.Context, ids []string) ([]string, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []string
	for _, id := range ids {
		if _, ok := r.db.areas[id]; ok {
			out = append(out, id)
		}
	}
	return out, nil
}

func (r memRefs) ExistingProviderIDs(_ context.Context, ids []string) ([]string, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []string
	for _, id := range ids {
		if _, ok := r.db.providers[id]; ok {
			out = append(out, id)
		}
	}
	return out, nil
}

func (r memRefs) ActiveProvidersInArea(_ context.Context, areaID string) ([]models.Provider, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []models.Provider
	for _, p := range r.db.providers {
		if p.AreaID == areaID && p.Active {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

type memTemplates struct{ db *memDB }

func (t memTemplates) ActiveForEvent(_ context.Context, eventID string) (*models.CredentialTemplate, error) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	tpl, ok := t.db.templates[eventID]
	if !ok || !tpl.Active {
		return nil, sql.ErrNoRows
	}
	out := *tpl
	return &out, nil
}

type memCache struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func newMemCache() *memCache {
	return &memCache{entries: map[string][]byte{}}
}

func (c *memCache) Get(_ context.Context, key string, dest interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, ok := c.entries[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	return json.Unmarshal(raw, dest)
}

func (c *memCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.entries[key] = raw
	return nil
}

func (c *memCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		delete(c.entries, key)
	}
	return nil
}

func (c *memCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

type memBlobs struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newMemBlobs() *memBlobs {
	return &memBlobs{files: map[string][]byte{}}
}

func (b *memBlobs) Put(relPath string, data []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.files[relPath] = append([]byte(nil), data...)
	return relPath, nil
}

func (b *memBlobs) Exists(relPath string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.files[relPath]
	return ok, nil
}

func (b *memBlobs) Read(relPath string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.files[relPath]
	if !ok {
		return nil, os.ErrNotExist
	}
	return data, nil
}

func (b *memBlobs) Delete(relPath string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.files, relPath)
	return nil
}

type signerStub struct{}

func (signerStub) URL(prefix, entityID, _ string) (string, error) {
	return fmt.Sprintf("%s/files/%s", prefix, entityID), nil
}

type dispatchStub struct {
	mu        sync.Mutex
	jobs      []jobs.Job
	err       error
	onEnqueue func(jobs.Job)
}

func (d *dispatchStub) Enqueue(_ context.Context, job jobs.Job) error {
	d.mu.Lock()
	if d.err != nil {
		d.mu.Unlock()
		return d.err
	}
	d.jobs = append(d.jobs, job)
	hook := d.onEnqueue
	d.mu.Unlock()
	if hook != nil {
		hook(job)
	}
	return nil
}

func (d *dispatchStub) ofType(jobType string) []jobs.Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []jobs.Job
	for _, job := range d.jobs {
		if job.Type == jobType {
			out = append(out, job)
		}
	}
	return out
}

type stepClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return ctx.Err()
}

func (c *stepClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *stepClock) slept() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

type lockStub struct {
	mu       sync.Mutex
	deny     bool
	acquired []string
	released []string
}

func (l *lockStub) Acquire(_ context.Context, key, _ string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.deny {
		return false, nil
	}
	l.acquired = append(l.acquired, key)
	return true, nil
}

func (l *lockStub) Release(_ context.Context, key, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = append(l.released, key)
	return nil
}

type rendererStub struct {
	err error
}

func (r rendererStub) Render(_ context.Context, data *models.CredentialRenderData) (string, string, error) {
	if r.err != nil {
		return "", "", r.err
	}
	base := fmt.Sprintf("credentials/%s/%s", data.EventID, data.CredentialID)
	return base + ".png", base + ".pdf", nil
}

var (
	adminActor       = models.Actor{ID: "admin-1", Role: models.RoleAdmin}
	accreditorActor  = models.Actor{ID: "acc-1", Role: models.RoleAccreditor}
	coordinatorActor = models.Actor{ID: "coord-1", Role: models.RoleCoordinator}
	operatorActor    = models.Actor{ID: "op-1", Role: models.RoleOperator}
)

// accreditationFixture wires the real services over the in-memory stores.
// The reference data has two areas: North holds the providers Acme and Beta, South holds Gamma.
type accreditationFixture struct {
	db          *memDB
	dispatch    *dispatchStub
	cache       *memCache
	blobs       *memBlobs
	clock       *stepClock
	lock        *lockStub
	credentials *CredentialService
	requests    *RequestService
	batches     *PrintBatchService
	bulk        *BulkOrchestrator
	seq         int
}

func newAccreditationFixture(t *testing.T) *accreditationFixture {
	t.Helper()
	db := newMemDB()
	clock := &stepClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	ends := clock.now.Add(30 * 24 * time.Hour)

	db.events["event-1"] = &models.Event{ID: "event-1", Name: "Spring Expo", EndsAt: &ends, Active: true}
	db.events["event-2"] = &models.Event{ID: "event-2", Name: "Summer Fair", EndsAt: &ends, Active: true}
	db.zones["event-1"] = []models.Zone{
		{ID: "zone-a", EventID: "event-1", Code: "A", Name: "Backstage"},
		{ID: "zone-b", EventID: "event-1", Code: "B", Name: "Field"},
	}
	db.zones["event-2"] = []models.Zone{{ID: "zone-c", EventID: "event-2", Code: "C", Name: "Hall"}}
	db.areas["area-north"] = &models.Area{ID: "area-north", Name: "North"}
	db.areas["area-south"] = &models.Area{ID: "area-south", Name: "South"}
	db.providers["prov-acme"] = &models.Provider{ID: "prov-acme", AreaID: "area-north", Name: "Acme", Active: true}
	db.providers["prov-beta"] = &models.Provider{ID: "prov-beta", AreaID: "area-north", Name: "Beta", Active: true}
	db.providers["prov-gamma"] = &models.Provider{ID: "prov-gamma", AreaID: "area-south", Name: "Gamma", Active: true}

	f := &accreditationFixture{
		db:       db,
		dispatch: &dispatchStub{},
		cache:    newMemCache(),
		blobs:    newMemBlobs(),
		clock:    clock,
		lock:     &lockStub{},
	}
	logger := zap.NewNop()
	f.credentials = NewCredentialService(memCredentials{db}, memTemplates{db}, memRequests{db}, memRefs{db}, f.cache, f.dispatch, f.blobs, signerStub{}, nil, nil, logger, CredentialServiceConfig{
		MaxRetries:      3,
		FailedRetention: 24 * time.Hour,
		ErrorMaxLength:  40,
		URLPrefix:       "/api/v1",
	})
	f.credentials.now = clock.Now
	f.requests = NewRequestService(memRequests{db}, memRefs{db}, f.credentials, nil, nil, nil, logger)
	f.requests.now = clock.Now
	f.batches = NewPrintBatchService(memBatches{db}, memRefs{db}, f.dispatch, f.blobs, signerStub{}, nil, nil, nil, logger, PrintBatchServiceConfig{
		RetentionDays: 90,
		StampRetries:  3,
		URLPrefix:     "/api/v1",
	})
	f.batches.now = clock.Now
	f.batches.sleep = clock.Sleep
	f.bulk = NewBulkOrchestrator(memRequests{db}, f.requests, memCredentials{db}, f.batches, memRefs{db}, f.lock, nil, clock, nil, logger, BulkOrchestratorConfig{
		BatchSize:    100,
		PollInterval: 5 * time.Second,
	})
	return f
}

// generateOnSchedule renders credentials synchronously whenever generation is scheduled.
func (f *accreditationFixture) generateOnSchedule(renderer credentialRenderer) *CredentialWorker {
	worker := NewCredentialWorker(memCredentials{f.db}, renderer, f.cache, nil, 40, zap.NewNop())
	f.dispatch.onEnqueue = func(job jobs.Job) {
		if job.Type == JobTypeGenerateCredential {
			_ = worker.Handle(context.Background(), job)
		}
	}
	return worker
}

func (f *accreditationFixture) addEmployee(providerID, first, last string) string {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("emp-%04d", f.seq)
	f.db.employees[id] = &models.Employee{ID: id, ProviderID: providerID, FirstName: first, LastName: last}
	return id
}

// addRequest seeds a request for a fresh employee; later calls sort after earlier ones.
func (f *accreditationFixture) addRequest(status models.RequestStatus, providerID, eventID, lastName string) *models.AccreditationRequest {
	employeeID := f.addEmployee(providerID, "Pat", lastName)
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	f.seq++
	created := f.clock.now.Add(time.Duration(f.seq) * time.Second)
	zone := "zone-a"
	if eventID == "event-2" {
		zone = "zone-c"
	}
	req := &models.AccreditationRequest{
		ID:         fmt.Sprintf("req-%04d", f.seq),
		UUID:       uuid.NewString(),
		EmployeeID: employeeID,
		EventID:    eventID,
		Status:     status,
		CreatedBy:  coordinatorActor.ID,
		ZoneIDs:    []string{zone},
		CreatedAt:  created,
		UpdatedAt:  created,
	}
	req.Record(models.TransitionCreated, coordinatorActor.ID, created, "")
	f.db.requests[req.ID] = copyRequest(req)
	return req
}

// addCredential seeds a credential; ready credentials get artifact paths.
func (f *accreditationFixture) addCredential(requestID string, status models.CredentialStatus) *models.Credential {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	now := f.clock.now
	cred := &models.Credential{
		ID:               "cred-" + requestID,
		UUID:             uuid.NewString(),
		RequestID:        requestID,
		Status:           status,
		VerificationCode: newVerificationCode(),
		TemplateSnapshot: []byte(`{}`),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if status == models.CredentialStatusReady {
		image := "credentials/" + cred.ID + ".png"
		pdf := "credentials/" + cred.ID + ".pdf"
		cred.ImagePath = &image
		cred.PDFPath = &pdf
		cred.GeneratedAt = &now
	}
	f.db.credentials[cred.ID] = cred
	return copyCredential(cred)
}

func (f *accreditationFixture) request(id string) *models.AccreditationRequest {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	req, ok := f.db.requests[id]
	if !ok {
		return nil
	}
	return copyRequest(req)
}

func (f *accreditationFixture) credentialFor(requestID string) *models.Credential {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	cred := f.db.credentialForRequestLocked(requestID)
	if cred == nil {
		return nil
	}
	return copyCredential(cred)
}

func (f *accreditationFixture) countCredentials() int {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	return len(f.db.credentials)
}

func (f *accreditationFixture) countBatches() int {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	return len(f.db.batches)
}
