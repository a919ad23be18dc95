package services

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"example.com/tradeworks/services/billing/config"
	"example.com/tradeworks/services/billing/internal/artifacts"
	"example.com/tradeworks/services/billing/internal/cache"
	"example.com/tradeworks/services/billing/internal/metrics"
	"example.com/tradeworks/services/billing/internal/models"
	"example.com/tradeworks/services/billing/internal/notifications"
	"example.com/tradeworks/services/billing/internal/numbering"
	"example.com/tradeworks/services/billing/internal/repositories"
	"example.com/tradeworks/services/billing/internal/search"
	"example.com/tradeworks/services/billing/internal/tracing"
)

// ErrNumberConflictExhausted is returned when every retry of a save hit a
// document-number collision.
var ErrNumberConflictExhausted = errors.New("document number conflicts exhausted all retries")

// ErrInvalidTransition is returned for a lifecycle transition the state
// machine does not allow.
var ErrInvalidTransition = errors.New("invalid document status transition")

// DocumentStore is the persistence boundary for documents
type DocumentStore interface {
	Create(ctx context.Context, doc *models.Document) error
	Update(ctx context.Context, doc *models.Document) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Document, error)
	ListByAccount(ctx context.Context, accountID uuid.UUID, kind models.DocumentKind, status models.DocumentStatus) ([]models.Document, error)
	SoftDelete(ctx context.Context, id uuid.UUID) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.DocumentStatus, at time.Time, dueAt *time.Time) error
	BumpArtifactVersion(ctx context.Context, id uuid.UUID) (int, error)
	SetArtifact(ctx context.Context, id uuid.UUID, artifactID string, url string) error
}

// RenderJobStore is the persistence boundary for render job bookkeeping
type RenderJobStore interface {
	Create(ctx context.Context, job *models.RenderJob) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.RenderJob, error)
	GetUnprocessed(ctx context.Context, limit int) ([]models.RenderJob, error)
	MarkAsProcessed(ctx context.Context, id uuid.UUID) error
	RecordAttempt(ctx context.Context, id uuid.UUID, remoteJobID *string) error
}

// AccountStore is the persistence boundary for accounts
type AccountStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
}

// ClientStore is the persistence boundary for a business's clients
type ClientStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Client, error)
	ListByAccount(ctx context.Context, accountID uuid.UUID) ([]models.Client, error)
}

// NumberAllocator hands out the next document number for a stream
type NumberAllocator interface {
	Next(ctx context.Context, accountID uuid.UUID, kind models.DocumentKind) string
}

// DocumentIndexer pushes documents into the search index
type DocumentIndexer interface {
	IndexDocument(ctx context.Context, doc *models.Document) error
}

// QueuePublisher places a message on a queue
type QueuePublisher interface {
	SendMessage(ctx context.Context, body interface{}) error
}

// BillingService handles document assembly, persistence and rendering
type BillingService struct {
	db          *gorm.DB
	readOnlyDB  *gorm.DB
	cfg         config.BillingConfig
	rendererCfg config.RendererConfig

	docs     DocumentStore
	jobs     RenderJobStore
	accounts AccountStore
	clients  ClientStore
	numbers  NumberAllocator

	cache       *cache.RedisCache
	elastic     DocumentIndexer
	renderQueue QueuePublisher
	renderer    artifacts.Renderer
	notifier    notifications.Notifier
	metrics     *metrics.Metrics
	tracer      tracing.Tracer

	// Concurrent saves of the same document id are coalesced; the second
	// caller receives the first call's result.
	saves singleflight.Group

	sleep func(ctx context.Context, d time.Duration) error
}

// NewBillingService creates a new billing service
func NewBillingService(
	db *gorm.DB,
	readOnlyDB *gorm.DB,
	cfg config.BillingConfig,
	rendererCfg config.RendererConfig,
	redisCache *cache.RedisCache,
	elasticClient *search.ElasticClient,
	renderQueue QueuePublisher,
	renderer artifacts.Renderer,
	notifier notifications.Notifier,
	metricsCollector *metrics.Metrics,
	tracer tracing.Tracer,
) *BillingService {
	counterRepo := repositories.NewSequenceCounterRepository(db, readOnlyDB)

	s := &BillingService{
		db:          db,
		readOnlyDB:  readOnlyDB,
		cfg:         cfg,
		rendererCfg: rendererCfg,
		docs:        repositories.NewDocumentRepository(db, readOnlyDB),
		jobs:        repositories.NewRenderJobRepository(db, readOnlyDB),
		accounts:    repositories.NewAccountRepository(db, readOnlyDB),
		clients:     repositories.NewClientRepository(db, readOnlyDB),
		numbers:     numbering.NewGenerator(counterRepo, cfg.SequencePadWidth),
		cache:       redisCache,
		renderQueue: renderQueue,
		renderer:    renderer,
		notifier:    notifier,
		metrics:     metricsCollector,
		tracer:      tracer,
		sleep:       sleepWithContext,
	}
	if elasticClient != nil {
		s.elastic = elasticClient
	}
	return s
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SaveDocument validates, assembles and persists a draft. Documents leaving
// draft state must pass finalization validation first. The returned document
// carries its assigned number and recomputed totals.
func (s *BillingService) SaveDocument(ctx context.Context, draft *DraftDocument) (*models.Document, error) {
	txn := s.tracer.StartTransaction("save-document")
	defer s.tracer.EndTransaction(txn)

	if draft.Status != "" && draft.Status != models.StatusDraft {
		if err := ValidateForFinalize(draft); err != nil {
			return nil, err
		}
	}

	// Assemble defaults an omitted status to draft; remember the omission so
	// a re-save keeps the stored lifecycle state instead of reverting it.
	statusOmitted := draft.Status == ""
	doc := Assemble(draft)

	start := time.Now()
	result, err, shared := s.saves.Do(doc.ID.String(), func() (interface{}, error) {
		return s.saveWithRetry(ctx, doc, statusOmitted)
	})
	if shared {
		log.Debug().Str("document_id", doc.ID.String()).Msg("Coalesced concurrent save of the same document")
	}
	if err != nil {
		s.tracer.RecordError(txn, err)
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordTimer("save_document_ms", time.Since(start).Milliseconds())
	}
	return result.(*models.Document), nil
}

// saveWithRetry decides insert-vs-update and resolves document-number
// collisions optimistically: the unique index is the source of truth, and a
// collision triggers a fresh number and another attempt with jittered
// exponential backoff.
func (s *BillingService) saveWithRetry(ctx context.Context, doc *models.Document, statusOmitted bool) (*models.Document, error) {
	for attempt := 0; ; attempt++ {
		existing, err := s.docs.GetByID(ctx, doc.ID)
		insert := false
		if err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, errors.Wrap(err, "failed to check for existing document")
			}
			insert = true
		}

		if insert {
			if doc.DocumentNumber == "" {
				doc.DocumentNumber = s.numbers.Next(ctx, doc.AccountID, doc.Kind)
			}
			err = s.docs.Create(ctx, doc)
		} else {
			// The id never changes after creation; the record is mutated in
			// place, never re-inserted.
			doc.CreatedAt = existing.CreatedAt
			doc.ArtifactVersion = existing.ArtifactVersion
			doc.ArtifactID = existing.ArtifactID
			doc.ArtifactURL = existing.ArtifactURL
			if doc.DocumentNumber == "" {
				doc.DocumentNumber = existing.DocumentNumber
			}
			// Lifecycle state only moves through TransitionStatus; a re-save
			// that says nothing about status keeps the stored one.
			if statusOmitted {
				doc.Status = existing.Status
			}
			if doc.SentAt == nil {
				doc.SentAt = existing.SentAt
			}
			if doc.PaidAt == nil {
				doc.PaidAt = existing.PaidAt
			}
			err = s.docs.Update(ctx, doc)
		}

		if err == nil {
			if s.metrics != nil {
				s.metrics.IncrementCounter("documents_saved")
			}
			s.invalidateDocument(ctx, doc.ID)
			s.afterSave(ctx, doc)
			return doc, nil
		}

		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, errors.Wrap(err, "failed to save document")
		}

		if s.metrics != nil {
			s.metrics.IncrementCounter("document_number_conflicts")
		}

		if attempt >= s.maxRetries() {
			log.Error().
				Str("document_id", doc.ID.String()).
				Str("document_number", doc.DocumentNumber).
				Int("attempts", attempt+1).
				Msg("Document number conflicts exhausted all retries")
			return nil, ErrNumberConflictExhausted
		}

		delay := s.backoffDelay(attempt)
		log.Warn().
			Str("document_id", doc.ID.String()).
			Str("document_number", doc.DocumentNumber).
			Dur("backoff", delay).
			Int("attempt", attempt+1).
			Msg("Document number collision, retrying with a fresh number")

		if err := s.sleep(ctx, delay); err != nil {
			return nil, errors.Wrap(err, "save cancelled during backoff")
		}

		// A collided number is abandoned, never reused
		doc.DocumentNumber = ""
	}
}

func (s *BillingService) maxRetries() int {
	if s.cfg.SaveMaxRetries > 0 {
		return s.cfg.SaveMaxRetries
	}
	return 3
}

// backoffDelay doubles the base delay per attempt and adds jitter of up to
// half the base delay
func (s *BillingService) backoffDelay(attempt int) time.Duration {
	base := s.cfg.SaveBackoffBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	delay := base << uint(attempt)
	jitter := time.Duration(rand.Int63n(int64(base/2) + 1))
	return delay + jitter
}

// afterSave runs the decoupled side effects of a successful save: queue the
// artifact regeneration and refresh the search index. Neither may fail the
// save itself; failures surface as secondary notices only.
func (s *BillingService) afterSave(ctx context.Context, doc *models.Document) {
	// Index first so render-job bookkeeping failures cannot drop the
	// document from the search index
	if s.elastic != nil {
		if err := s.elastic.IndexDocument(ctx, doc); err != nil {
			log.Warn().Err(err).Str("document_id", doc.ID.String()).Msg("Failed to index document")
		}
	}

	version, err := s.docs.BumpArtifactVersion(ctx, doc.ID)
	if err != nil {
		log.Warn().Err(err).Str("document_id", doc.ID.String()).Msg("Failed to bump artifact version")
		version = doc.ArtifactVersion + 1
	}
	doc.ArtifactVersion = version

	job := &models.RenderJob{
		ID:         uuid.New(),
		DocumentID: doc.ID,
		Mode:       "standard",
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		log.Warn().Err(err).Str("document_id", doc.ID.String()).Msg("Failed to record render job")
		s.notifyRenderDeferred(ctx, doc)
		return
	}

	if s.renderQueue == nil {
		return
	}
	msg := models.RenderJobMessage{
		JobID:      job.ID,
		DocumentID: doc.ID,
		Mode:       job.Mode,
		Version:    version,
	}
	if err := s.renderQueue.SendMessage(ctx, msg); err != nil {
		// The fallback reconciliation job will pick the render job up later
		log.Warn().Err(err).Str("document_id", doc.ID.String()).Msg("Failed to enqueue render job")
		s.notifyRenderDeferred(ctx, doc)
	}
}

func (s *BillingService) notifyRenderDeferred(ctx context.Context, doc *models.Document) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, notifications.Notice{
		Title:       "Document saved",
		Description: "The document was saved, but the PDF could not be queued for regeneration yet.",
		Severity:    notifications.SeverityWarning,
	})
}

// GetDocument returns one document with its line items. Reads go through the
// cache; every write path invalidates the entry.
func (s *BillingService) GetDocument(ctx context.Context, id uuid.UUID) (*models.Document, error) {
	if s.cache != nil {
		var cached models.Document
		if err := s.cache.Get(ctx, cache.GetDocumentCacheKey(id), &cached); err == nil {
			return &cached, nil
		}
	}

	doc, err := s.docs.GetByID(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get document")
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, cache.GetDocumentCacheKey(id), doc, time.Minute); err != nil {
			log.Debug().Err(err).Str("document_id", id.String()).Msg("Failed to cache document")
		}
	}
	return doc, nil
}

func (s *BillingService) invalidateDocument(ctx context.Context, id uuid.UUID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, cache.GetDocumentCacheKey(id)); err != nil {
		log.Debug().Err(err).Str("document_id", id.String()).Msg("Failed to invalidate cached document")
	}
}

// ListDocuments lists an account's documents with optional filters
func (s *BillingService) ListDocuments(ctx context.Context, accountID uuid.UUID, kind models.DocumentKind, status models.DocumentStatus) ([]models.Document, error) {
	return s.docs.ListByAccount(ctx, accountID, kind, status)
}

// DeleteDocument soft-deletes a document
func (s *BillingService) DeleteDocument(ctx context.Context, id uuid.UUID) error {
	if err := s.docs.SoftDelete(ctx, id); err != nil {
		return err
	}
	s.invalidateDocument(ctx, id)
	return nil
}

// allowedTransitions is the document lifecycle state machine
var allowedTransitions = map[models.DocumentStatus][]models.DocumentStatus{
	models.StatusDraft:    {models.StatusSent},
	models.StatusSent:     {models.StatusAccepted, models.StatusRejected, models.StatusPaid, models.StatusOverdue},
	models.StatusOverdue:  {models.StatusPaid},
	models.StatusAccepted: {models.StatusPaid},
}

// TransitionStatus moves a document through its lifecycle, stamping the
// milestone timestamps. Sending an invoice without a due date assigns one
// from the account's payment terms.
func (s *BillingService) TransitionStatus(ctx context.Context, id uuid.UUID, target models.DocumentStatus) (*models.Document, error) {
	doc, err := s.docs.GetByID(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load document for transition")
	}

	if !transitionAllowed(doc.Status, target) {
		return nil, errors.Wrapf(ErrInvalidTransition, "%s -> %s", doc.Status, target)
	}

	// Leaving draft state is a finalization, whichever endpoint drives it
	if doc.Status == models.StatusDraft {
		if err := ValidateDocumentForFinalize(doc); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	var dueAt *time.Time
	if target == models.StatusSent && doc.Kind != models.KindQuote && doc.DueAt == nil {
		due := now.AddDate(0, 0, s.dueDays(ctx, doc.AccountID))
		dueAt = &due
	}

	if err := s.docs.UpdateStatus(ctx, id, target, now, dueAt); err != nil {
		return nil, errors.Wrap(err, "failed to transition document status")
	}
	s.invalidateDocument(ctx, id)

	if s.metrics != nil {
		s.metrics.IncrementCounter("document_transitions")
	}

	return s.docs.GetByID(ctx, id)
}

func transitionAllowed(from, to models.DocumentStatus) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (s *BillingService) dueDays(ctx context.Context, accountID uuid.UUID) int {
	account, err := s.getAccount(ctx, accountID)
	if err == nil && account.DefaultDueDays > 0 {
		return account.DefaultDueDays
	}
	if s.cfg.DefaultDueDays > 0 {
		return s.cfg.DefaultDueDays
	}
	return 30
}

// getAccount reads an account through the cache. Accounts are reference
// data; KPI snapshots are never cached.
func (s *BillingService) getAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	if s.cache != nil {
		var cached models.Account
		if err := s.cache.Get(ctx, cache.GetAccountCacheKey(id), &cached); err == nil {
			return &cached, nil
		}
	}

	account, err := s.accounts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, cache.GetAccountCacheKey(id), account, 10*time.Minute); err != nil {
			log.Debug().Err(err).Str("account_id", id.String()).Msg("Failed to cache account")
		}
	}
	return account, nil
}

// GetClient returns one client through the cache
func (s *BillingService) GetClient(ctx context.Context, id uuid.UUID) (*models.Client, error) {
	if s.cache != nil {
		var cached models.Client
		if err := s.cache.Get(ctx, cache.GetClientCacheKey(id), &cached); err == nil {
			return &cached, nil
		}
	}

	client, err := s.clients.GetByID(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get client")
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, cache.GetClientCacheKey(id), client, 10*time.Minute); err != nil {
			log.Debug().Err(err).Str("client_id", id.String()).Msg("Failed to cache client")
		}
	}
	return client, nil
}

// ListClients lists an account's clients
func (s *BillingService) ListClients(ctx context.Context, accountID uuid.UUID) ([]models.Client, error) {
	return s.clients.ListByAccount(ctx, accountID)
}

// AccountKPIs recomputes the dashboard snapshot from the account's documents
func (s *BillingService) AccountKPIs(ctx context.Context, accountID uuid.UUID) (KPISnapshot, error) {
	txn := s.tracer.StartTransaction("account-kpis")
	defer s.tracer.EndTransaction(txn)

	docs, err := s.docs.ListByAccount(ctx, accountID, "", "")
	if err != nil {
		s.tracer.RecordError(txn, err)
		return KPISnapshot{}, errors.Wrap(err, "failed to load documents for KPI snapshot")
	}

	return ComputeKPIs(docs, time.Now()), nil
}
