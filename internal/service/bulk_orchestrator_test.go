package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/accreditation-api/internal/dto"
	"github.com/noah-isme/accreditation-api/internal/models"
	appErrors "github.com/noah-isme/accreditation-api/pkg/errors"
)

var bulkActor = models.SystemActor("bulk-cli")

func TestBulkOrchestratorChunksAndPaces(t *testing.T) {
	f := newAccreditationFixture(t)
	for i := 0; i < 250; i++ {
		f.addRequest(models.RequestStatusSubmitted, "prov-acme", "event-1", "Lopez")
	}

	summary, err := f.bulk.Run(context.Background(), bulkActor, dto.BulkOptions{
		AreaID:            "area-north",
		ProviderIDs:       []string{"prov-acme"},
		BatchSize:         100,
		WaitTime:          10 * time.Second,
		NoWaitCredentials: true,
	})
	require.NoError(t, err)
	require.Len(t, summary.Units, 1)

	unit := summary.Units[0]
	assert.Equal(t, []int{100, 100, 50}, unit.Chunks)
	assert.Equal(t, 250, unit.Approved)
	assert.Equal(t, 250, summary.Approved)
	assert.Equal(t, []time.Duration{10 * time.Second, 10 * time.Second}, f.clock.slept())
	assert.Equal(t, 250, f.countCredentials())
	assert.Len(t, f.dispatch.ofType(JobTypeGenerateCredential), 250)
	assert.Empty(t, unit.Batches)
	assert.False(t, summary.HasErrors())
	assert.Equal(t, []string{"bulk:lock:area-north"}, f.lock.acquired)
	assert.Equal(t, []string{"bulk:lock:area-north"}, f.lock.released)
}

// seedBulkArea fills area-north and returns a request of area-south.
func seedBulkArea(f *accreditationFixture) *models.AccreditationRequest {
	for i := 0; i < 3; i++ {
		f.addRequest(models.RequestStatusDraft, "prov-acme", "event-1", "Draft")
	}
	for i := 0; i < 4; i++ {
		f.addRequest(models.RequestStatusSubmitted, "prov-acme", "event-1", "Submitted")
	}
	for i := 0; i < 2; i++ {
		f.addRequest(models.RequestStatusUnderReview, "prov-acme", "event-1", "Review")
	}
	f.addRequest(models.RequestStatusRejected, "prov-acme", "event-1", "Rejected")
	for i := 0; i < 2; i++ {
		f.addRequest(models.RequestStatusDraft, "prov-beta", "event-2", "Draft")
	}
	return f.addRequest(models.RequestStatusSubmitted, "prov-gamma", "event-1", "South")
}

func TestBulkOrchestratorDryRunMatchesRealRun(t *testing.T) {
	opts := dto.BulkOptions{AreaID: "area-north", BatchSize: 4, WaitTime: time.Second, MaxWait: time.Minute}

	dry := newAccreditationFixture(t)
	seedBulkArea(dry)
	dryOpts := opts
	dryOpts.DryRun = true
	planned, err := dry.bulk.Run(context.Background(), bulkActor, dryOpts)
	require.NoError(t, err)
	assert.True(t, planned.DryRun)
	assert.Empty(t, dry.clock.slept())
	assert.Empty(t, dry.dispatch.jobs)
	assert.Zero(t, dry.countCredentials())
	assert.Zero(t, dry.countBatches())
	assert.Empty(t, dry.lock.acquired)
	for _, req := range dry.db.requests {
		assert.Len(t, req.Transitions, 1, req.ID)
	}

	live := newAccreditationFixture(t)
	outside := seedBulkArea(live)
	live.generateOnSchedule(rendererStub{})
	executed, err := live.bulk.Run(context.Background(), bulkActor, opts)
	require.NoError(t, err)

	assert.Equal(t, planned.Submitted, executed.Submitted)
	assert.Equal(t, planned.Approved, executed.Approved)
	assert.Equal(t, planned.BatchesCreated, executed.BatchesCreated)
	assert.Equal(t, planned.CredentialsBatched, executed.CredentialsBatched)
	require.Len(t, executed.Units, len(planned.Units))
	for i := range planned.Units {
		assert.Equal(t, planned.Units[i].Unit, executed.Units[i].Unit)
		assert.Equal(t, planned.Units[i].Chunks, executed.Units[i].Chunks)
		require.Len(t, executed.Units[i].Batches, len(planned.Units[i].Batches))
		for j := range planned.Units[i].Batches {
			assert.Equal(t, planned.Units[i].Batches[j].EventID, executed.Units[i].Batches[j].EventID)
			assert.Equal(t, planned.Units[i].Batches[j].Count, executed.Units[i].Batches[j].Count)
		}
	}

	assert.Equal(t, 5, executed.Submitted)
	assert.Equal(t, 11, executed.Approved)
	assert.Equal(t, []int{4, 4, 1}, executed.Units[0].Chunks)
	assert.Equal(t, []int{2}, executed.Units[1].Chunks)
	assert.Equal(t, 2, executed.BatchesCreated)
	assert.Equal(t, 11, executed.CredentialsBatched)
	assert.Equal(t, 9, executed.Units[0].CredentialsReady)
	assert.Equal(t, models.RequestStatusSubmitted, live.request(outside.ID).Status, "requests of other areas stay untouched")
}

func TestBulkOrchestratorCredentialWaitTimesOut(t *testing.T) {
	f := newAccreditationFixture(t)
	for i := 0; i < 2; i++ {
		f.addRequest(models.RequestStatusSubmitted, "prov-acme", "event-1", "Lopez")
	}

	summary, err := f.bulk.Run(context.Background(), bulkActor, dto.BulkOptions{
		AreaID:       "area-north",
		ProviderIDs:  []string{"prov-acme"},
		MaxWait:      12 * time.Second,
		PollInterval: 5 * time.Second,
	})
	require.NoError(t, err)
	unit := summary.Units[0]
	assert.True(t, unit.CredentialWaitTimeout)
	assert.Equal(t, 2, unit.CredentialsExpected)
	assert.Zero(t, unit.CredentialsReady)
	assert.Empty(t, unit.Batches)
	assert.False(t, summary.HasErrors())
	assert.False(t, summary.Aborted)
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second, 5 * time.Second}, f.clock.slept())
}

func TestBulkOrchestratorAbortsOnError(t *testing.T) {
	seed := func(f *accreditationFixture) {
		f.addRequest(models.RequestStatusSubmitted, "prov-acme", "event-1", "Lopez")
		f.addRequest(models.RequestStatusSubmitted, "prov-beta", "event-1", "Moreno")
		f.db.approveErr = errors.New("deadlock detected")
	}

	f := newAccreditationFixture(t)
	seed(f)
	summary, err := f.bulk.Run(context.Background(), bulkActor, dto.BulkOptions{AreaID: "area-north", NoWaitCredentials: true})
	require.NoError(t, err)
	assert.True(t, summary.Aborted)
	require.Len(t, summary.Units, 1)
	require.Len(t, summary.Errors, 1)
	assert.Equal(t, "approve", summary.Errors[0].Stage)
	assert.Equal(t, "Acme", summary.Errors[0].Unit)
	assert.Empty(t, f.clock.slept())
	assert.Len(t, f.lock.released, 1)

	skipping := newAccreditationFixture(t)
	seed(skipping)
	summary, err = skipping.bulk.Run(context.Background(), bulkActor, dto.BulkOptions{AreaID: "area-north", NoWaitCredentials: true, SkipErrors: true})
	require.NoError(t, err)
	assert.False(t, summary.Aborted)
	assert.Len(t, summary.Units, 2)
	assert.Len(t, summary.Errors, 2)
	assert.Equal(t, 2, summary.UnitsProcessed)
}

func TestBulkOrchestratorBatchesReadyCredentialsOnRerun(t *testing.T) {
	f := newAccreditationFixture(t)
	req := f.addRequest(models.RequestStatusApproved, "prov-acme", "event-1", "Lopez")
	f.addCredential(req.ID, models.CredentialStatusReady)

	summary, err := f.bulk.Run(context.Background(), bulkActor, dto.BulkOptions{AreaID: "area-north", WaitTime: time.Second})
	require.NoError(t, err)
	require.Len(t, summary.Units, 2)

	acme := summary.Units[0]
	assert.False(t, acme.Skipped)
	assert.Zero(t, acme.Eligible)
	require.Len(t, acme.Batches, 1)
	assert.Equal(t, 1, acme.Batches[0].Count)
	assert.NotEmpty(t, acme.Batches[0].BatchID)

	beta := summary.Units[1]
	assert.True(t, beta.Skipped)
	assert.Equal(t, "no eligible requests", beta.SkipReason)
	assert.Equal(t, 1, summary.UnitsSkipped)
	assert.Equal(t, []time.Duration{time.Second}, f.clock.slept())

	again, err := f.bulk.Run(context.Background(), bulkActor, dto.BulkOptions{AreaID: "area-north"})
	require.NoError(t, err)
	assert.Zero(t, again.BatchesCreated)
	assert.Equal(t, 2, again.UnitsSkipped)
}

func TestBulkOrchestratorConcurrentUnits(t *testing.T) {
	f := newAccreditationFixture(t)
	for _, provider := range []string{"prov-acme", "prov-beta"} {
		for i := 0; i < 3; i++ {
			f.addRequest(models.RequestStatusSubmitted, provider, "event-1", "Lopez")
		}
	}

	summary, err := f.bulk.Run(context.Background(), bulkActor, dto.BulkOptions{
		AreaID:            "area-north",
		Concurrency:       2,
		BatchSize:         2,
		WaitTime:          time.Second,
		NoWaitCredentials: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 6, summary.Approved)
	require.Len(t, summary.Units, 2)
	assert.Equal(t, "Acme", summary.Units[0].Unit)
	assert.Equal(t, "Beta", summary.Units[1].Unit)
	assert.Len(t, f.clock.slept(), 2)
}

func TestBulkOrchestratorRequestIDsUnit(t *testing.T) {
	f := newAccreditationFixture(t)
	picked := f.addRequest(models.RequestStatusDraft, "prov-acme", "event-1", "Lopez")
	skipped := f.addRequest(models.RequestStatusSubmitted, "prov-acme", "event-1", "Moreno")

	summary, err := f.bulk.Run(context.Background(), bulkActor, dto.BulkOptions{
		AreaID:            "area-north",
		RequestIDs:        []string{picked.ID},
		NoWaitCredentials: true,
	})
	require.NoError(t, err)
	require.Len(t, summary.Units, 1)
	assert.Equal(t, 1, summary.Submitted)
	assert.Equal(t, 1, summary.Approved)
	assert.Equal(t, models.RequestStatusApproved, f.request(picked.ID).Status)
	assert.Equal(t, models.RequestStatusSubmitted, f.request(skipped.ID).Status)
}

func TestBulkOrchestratorSetupErrors(t *testing.T) {
	f := newAccreditationFixture(t)
	ctx := context.Background()

	_, err := f.bulk.Run(ctx, bulkActor, dto.BulkOptions{AreaID: "area-void"})
	assert.True(t, appErrors.HasCode(err, appErrors.ErrNotFound.Code))

	_, err = f.bulk.Run(ctx, bulkActor, dto.BulkOptions{AreaID: "area-north", ProviderIDs: []string{"prov-gamma"}})
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, []string{"provider_ids"}, appErr.Fields)

	_, err = f.bulk.Run(ctx, bulkActor, dto.BulkOptions{AreaID: "area-north", BatchSize: -1})
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, []string{"batch_size"}, appErr.Fields)

	_, err = f.bulk.Run(ctx, operatorActor, dto.BulkOptions{AreaID: "area-north"})
	assert.ErrorIs(t, err, appErrors.ErrForbidden)

	f.lock.deny = true
	_, err = f.bulk.Run(ctx, bulkActor, dto.BulkOptions{AreaID: "area-north"})
	assert.True(t, appErrors.HasCode(err, appErrors.ErrConflict.Code))

	summary, err := f.bulk.Run(ctx, bulkActor, dto.BulkOptions{AreaID: "area-north", DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.UnitsSkipped)
}

func TestChunkRequests(t *testing.T) {
	requests := make([]models.AccreditationRequest, 7)
	chunks := chunkRequests(requests, 3)
	sizes := make([]int, len(chunks))
	for i, chunk := range chunks {
		sizes[i] = len(chunk)
	}
	assert.Equal(t, []int{3, 3, 1}, sizes)
	assert.Empty(t, chunkRequests(nil, 3))
}
