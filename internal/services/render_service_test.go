package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"example.com/tradeworks/services/billing/internal/artifacts"
	"example.com/tradeworks/services/billing/internal/models"
)

func renderFixtures() (*models.RenderJob, *models.Document) {
	docID := uuid.New()
	job := &models.RenderJob{
		ID:         uuid.New(),
		DocumentID: docID,
		Mode:       "standard",
	}
	doc := &models.Document{
		ID:     docID,
		Kind:   models.KindInvoice,
		Status: models.StatusDraft,
	}
	return job, doc
}

func TestRenderDocumentStoresInlineArtifact(t *testing.T) {
	f := newServiceFixture(t)
	job, doc := renderFixtures()

	f.renderer.On("Generate", mock.Anything, doc, "standard").Return(&artifacts.GenerateResult{
		ArtifactID: "art-1",
		URL:        "https://cdn.example.com/art-1.pdf",
	}, nil)
	f.docs.On("SetArtifact", mock.Anything, doc.ID, "art-1", "https://cdn.example.com/art-1.pdf").Return(nil)
	f.jobs.On("MarkAsProcessed", mock.Anything, job.ID).Return(nil)

	err := f.service.renderDocument(context.Background(), job, doc)

	require.NoError(t, err)
	f.docs.AssertExpectations(t)
	f.jobs.AssertExpectations(t)
	f.renderer.AssertNotCalled(t, "Status", mock.Anything, mock.Anything)
}

func TestRenderDocumentPollsQueuedJobUntilDone(t *testing.T) {
	f := newServiceFixture(t)
	job, doc := renderFixtures()

	f.renderer.On("Generate", mock.Anything, doc, "standard").Return(&artifacts.GenerateResult{
		JobID: "remote-7",
	}, nil)
	f.jobs.On("RecordAttempt", mock.Anything, job.ID, mock.AnythingOfType("*string")).Return(nil)
	f.renderer.On("Status", mock.Anything, "remote-7").Return(&artifacts.JobStatus{Done: false}, nil).Twice()
	f.renderer.On("Status", mock.Anything, "remote-7").Return(&artifacts.JobStatus{
		Done:       true,
		URL:        "https://cdn.example.com/art-7.pdf",
		ArtifactID: "art-7",
	}, nil).Once()
	f.docs.On("SetArtifact", mock.Anything, doc.ID, "art-7", "https://cdn.example.com/art-7.pdf").Return(nil)
	f.jobs.On("MarkAsProcessed", mock.Anything, job.ID).Return(nil)

	err := f.service.renderDocument(context.Background(), job, doc)

	require.NoError(t, err)
	f.renderer.AssertNumberOfCalls(t, "Status", 3)
	f.docs.AssertExpectations(t)
}

func TestRenderDocumentGivesUpAfterPollBudget(t *testing.T) {
	f := newServiceFixture(t)
	job, doc := renderFixtures()

	f.renderer.On("Generate", mock.Anything, doc, "standard").Return(&artifacts.GenerateResult{
		JobID: "remote-slow",
	}, nil)
	f.jobs.On("RecordAttempt", mock.Anything, job.ID, mock.AnythingOfType("*string")).Return(nil)
	f.renderer.On("Status", mock.Anything, "remote-slow").Return(&artifacts.JobStatus{Done: false}, nil)
	f.jobs.On("MarkAsProcessed", mock.Anything, job.ID).Return(nil)

	err := f.service.renderDocument(context.Background(), job, doc)

	// Exhausting the poll budget is not an error, the save already succeeded
	require.NoError(t, err)
	f.renderer.AssertNumberOfCalls(t, "Status", 45)
	f.docs.AssertNotCalled(t, "SetArtifact", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.jobs.AssertCalled(t, "MarkAsProcessed", mock.Anything, job.ID)
}

func TestRenderDocumentRecordsFailedGeneration(t *testing.T) {
	f := newServiceFixture(t)
	job, doc := renderFixtures()

	f.renderer.On("Generate", mock.Anything, doc, "standard").Return(nil, errors.New("renderer unavailable"))
	f.jobs.On("RecordAttempt", mock.Anything, job.ID, (*string)(nil)).Return(nil)

	err := f.service.renderDocument(context.Background(), job, doc)

	require.Error(t, err)
	f.jobs.AssertCalled(t, "RecordAttempt", mock.Anything, job.ID, (*string)(nil))
	// The job stays unprocessed so reconciliation can retry it
	f.jobs.AssertNotCalled(t, "MarkAsProcessed", mock.Anything, mock.Anything)
}

func TestProcessRenderMessageSkipsProcessedJob(t *testing.T) {
	f := newServiceFixture(t)
	job, _ := renderFixtures()
	job.IsProcessed = true

	body, err := json.Marshal(models.RenderJobMessage{
		JobID:      job.ID,
		DocumentID: job.DocumentID,
		Mode:       job.Mode,
	})
	require.NoError(t, err)

	f.jobs.On("GetByID", mock.Anything, job.ID).Return(job, nil)

	err = f.service.ProcessRenderMessage(context.Background(), &azservicebus.ReceivedMessage{Body: body}, nil)

	require.NoError(t, err)
	f.docs.AssertNotCalled(t, "GetByID", mock.Anything, mock.Anything)
	f.renderer.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessRenderMessageRendersDocument(t *testing.T) {
	f := newServiceFixture(t)
	job, doc := renderFixtures()

	body, err := json.Marshal(models.RenderJobMessage{
		JobID:      job.ID,
		DocumentID: job.DocumentID,
		Mode:       job.Mode,
	})
	require.NoError(t, err)

	f.jobs.On("GetByID", mock.Anything, job.ID).Return(job, nil)
	f.docs.On("GetByID", mock.Anything, doc.ID).Return(doc, nil)
	f.renderer.On("Generate", mock.Anything, doc, "standard").Return(&artifacts.GenerateResult{
		ArtifactID: "art-9",
		URL:        "https://cdn.example.com/art-9.pdf",
	}, nil)
	f.docs.On("SetArtifact", mock.Anything, doc.ID, "art-9", "https://cdn.example.com/art-9.pdf").Return(nil)
	f.jobs.On("MarkAsProcessed", mock.Anything, job.ID).Return(nil)

	err = f.service.ProcessRenderMessage(context.Background(), &azservicebus.ReceivedMessage{Body: body}, nil)

	require.NoError(t, err)
	f.jobs.AssertExpectations(t)
}

func TestProcessRenderMessageRejectsMalformedBody(t *testing.T) {
	f := newServiceFixture(t)

	err := f.service.ProcessRenderMessage(context.Background(), &azservicebus.ReceivedMessage{Body: []byte("not json")}, nil)

	require.Error(t, err)
	f.jobs.AssertNotCalled(t, "GetByID", mock.Anything, mock.Anything)
}

func TestReconcileRenderJobsContinuesPastFailures(t *testing.T) {
	f := newServiceFixture(t)

	brokenJob := models.RenderJob{ID: uuid.New(), DocumentID: uuid.New(), Mode: "standard"}
	goodJob, goodDoc := renderFixtures()

	f.jobs.On("GetUnprocessed", mock.Anything, 100).Return([]models.RenderJob{brokenJob, *goodJob}, nil)
	f.docs.On("GetByID", mock.Anything, brokenJob.DocumentID).Return(nil, errors.New("document gone"))
	f.docs.On("GetByID", mock.Anything, goodJob.DocumentID).Return(goodDoc, nil)
	f.renderer.On("Generate", mock.Anything, goodDoc, "standard").Return(&artifacts.GenerateResult{
		ArtifactID: "art-2",
		URL:        "https://cdn.example.com/art-2.pdf",
	}, nil)
	f.docs.On("SetArtifact", mock.Anything, goodDoc.ID, "art-2", "https://cdn.example.com/art-2.pdf").Return(nil)
	f.jobs.On("MarkAsProcessed", mock.Anything, goodJob.ID).Return(nil)

	err := f.service.ReconcileRenderJobs(context.Background())

	require.NoError(t, err)
	f.jobs.AssertCalled(t, "MarkAsProcessed", mock.Anything, goodJob.ID)
	f.jobs.AssertNotCalled(t, "MarkAsProcessed", mock.Anything, brokenJob.ID)
}

func TestSleepWithContextHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := sleepWithContext(ctx, time.Hour)
	require.ErrorIs(t, err, context.Canceled)
}
