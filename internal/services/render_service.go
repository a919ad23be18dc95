package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/tradeworks/services/billing/internal/models"
	"example.com/tradeworks/services/billing/internal/notifications"
)

// ProcessRenderMessage handles one render-job message from the queue
func (s *BillingService) ProcessRenderMessage(ctx context.Context, message *azservicebus.ReceivedMessage, txn *newrelic.Transaction) error {
	var msg models.RenderJobMessage
	if err := json.Unmarshal(message.Body, &msg); err != nil {
		return errors.Wrap(err, "failed to unmarshal render job message")
	}

	span := s.tracer.StartSpan("process-render-job", txn)
	defer span.End()

	job, err := s.jobs.GetByID(ctx, msg.JobID)
	if err != nil {
		return errors.Wrap(err, "failed to load render job")
	}
	if job.IsProcessed {
		log.Debug().Str("job_id", job.ID.String()).Msg("Render job already processed, skipping")
		return nil
	}

	doc, err := s.docs.GetByID(ctx, job.DocumentID)
	if err != nil {
		return errors.Wrap(err, "failed to load document for render job")
	}

	return s.renderDocument(ctx, job, doc)
}

// renderDocument calls the external renderer and stores the artifact URL on
// the document. A renderer that queues the work instead of answering
// immediately is polled at a fixed interval for a bounded number of
// attempts. Exhausting the poll budget is not a failure: the document is
// already saved, it just carries no artifact URL yet.
func (s *BillingService) renderDocument(ctx context.Context, job *models.RenderJob, doc *models.Document) error {
	if s.renderer == nil {
		return errors.New("no renderer configured")
	}

	result, err := s.renderer.Generate(ctx, doc, job.Mode)
	if err != nil {
		if recordErr := s.jobs.RecordAttempt(ctx, job.ID, nil); recordErr != nil {
			log.Warn().Err(recordErr).Str("job_id", job.ID.String()).Msg("Failed to record render attempt")
		}
		s.notifyRenderFailed(ctx)
		if s.metrics != nil {
			s.metrics.IncrementCounter("render_failures")
		}
		return errors.Wrap(err, "render request failed")
	}

	url := result.URL
	artifactID := result.ArtifactID

	if url == "" && result.JobID != "" {
		if recordErr := s.jobs.RecordAttempt(ctx, job.ID, &result.JobID); recordErr != nil {
			log.Warn().Err(recordErr).Str("job_id", job.ID.String()).Msg("Failed to record render attempt")
		}
		url, artifactID = s.pollRender(ctx, result.JobID)
	}

	if url != "" {
		if artifactID == "" {
			artifactID = result.JobID
		}
		if err := s.docs.SetArtifact(ctx, doc.ID, artifactID, url); err != nil {
			return errors.Wrap(err, "failed to store artifact on document")
		}
		s.invalidateDocument(ctx, doc.ID)
		if s.metrics != nil {
			s.metrics.IncrementCounter("renders_completed")
		}
	} else {
		// Gave up waiting; the document stays saved without an artifact URL
		log.Warn().
			Str("document_id", doc.ID.String()).
			Str("job_id", job.ID.String()).
			Msg("Render job never completed within the poll budget, continuing without artifact")
		if s.metrics != nil {
			s.metrics.IncrementCounter("renders_abandoned")
		}
	}

	if err := s.jobs.MarkAsProcessed(ctx, job.ID); err != nil {
		return errors.Wrap(err, "failed to mark render job as processed")
	}
	return nil
}

// pollRender polls the renderer's status endpoint until the job completes or
// the attempt budget runs out. Returns empty strings when the budget is
// exhausted.
func (s *BillingService) pollRender(ctx context.Context, remoteJobID string) (string, string) {
	interval := s.rendererCfg.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	attempts := s.rendererCfg.PollAttempts
	if attempts <= 0 {
		attempts = 45
	}

	for attempt := 0; attempt < attempts; attempt++ {
		status, err := s.renderer.Status(ctx, remoteJobID)
		if err != nil {
			log.Debug().Err(err).Str("remote_job_id", remoteJobID).Msg("Render status poll failed")
		} else if status.Done {
			return status.URL, status.ArtifactID
		}

		if err := s.sleep(ctx, interval); err != nil {
			return "", ""
		}
	}
	return "", ""
}

func (s *BillingService) notifyRenderFailed(ctx context.Context) {
	if s.notifier == nil {
		return
	}
	// The save already succeeded; this is a secondary notice, distinct from
	// a failed save.
	s.notifier.Notify(ctx, notifications.Notice{
		Title:       "PDF generation failed",
		Description: "Your document is saved. The rendered PDF could not be produced and will be retried.",
		Severity:    notifications.SeverityWarning,
	})
}

// ReconcileRenderJobs re-processes render jobs the worker never completed.
// Runs on a schedule as a fallback for lost or failed queue messages.
func (s *BillingService) ReconcileRenderJobs(ctx context.Context) error {
	txn := s.tracer.StartTransaction("reconcile-render-jobs")
	defer s.tracer.EndTransaction(txn)

	span := s.tracer.StartSpan("get-unprocessed-jobs", txn)
	jobs, err := s.jobs.GetUnprocessed(ctx, 100)
	span.End()

	if err != nil {
		s.tracer.RecordError(txn, err)
		return errors.Wrap(err, "failed to get unprocessed render jobs")
	}

	log.Info().Msgf("Found %d unprocessed render jobs for reconciliation", len(jobs))

	if len(jobs) == 0 {
		return nil
	}

	for i := range jobs {
		job := &jobs[i]

		doc, err := s.docs.GetByID(ctx, job.DocumentID)
		if err != nil {
			log.Warn().
				Err(err).
				Str("job_id", job.ID.String()).
				Msg("Skipping render job whose document could not be loaded")
			continue
		}

		if err := s.renderDocument(ctx, job, doc); err != nil {
			log.Error().
				Err(err).
				Str("job_id", job.ID.String()).
				Msg("Failed to process render job during reconciliation")
			s.tracer.RecordError(txn, err)
			// Continue to next job
		} else {
			log.Info().
				Str("job_id", job.ID.String()).
				Msg("Successfully processed render job during reconciliation")
		}
	}

	return nil
}
