package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"example.com/tradeworks/services/billing/internal/models"
)

// AccountRepository provides access to account data
type AccountRepository struct {
	db         *gorm.DB // Write database
	readOnlyDB *gorm.DB // Read-only database
}

// NewAccountRepository creates a new account repository
func NewAccountRepository(db *gorm.DB, readOnlyDB *gorm.DB) *AccountRepository {
	return &AccountRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// GetByID gets an account by ID
func (r *AccountRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	var account models.Account
	// Use read-only DB for reads
	err := r.readOnlyDB.WithContext(ctx).First(&account, id).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get account by ID")
	}
	return &account, nil
}

// ClientRepository provides access to client (recipient) data
type ClientRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewClientRepository creates a new client repository
func NewClientRepository(db *gorm.DB, readOnlyDB *gorm.DB) *ClientRepository {
	return &ClientRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// GetByID gets a client by ID
func (r *ClientRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Client, error) {
	var client models.Client
	err := r.readOnlyDB.WithContext(ctx).First(&client, id).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get client by ID")
	}
	return &client, nil
}

// ListByAccount lists clients belonging to an account
func (r *ClientRepository) ListByAccount(ctx context.Context, accountID uuid.UUID) ([]models.Client, error) {
	var clients []models.Client
	err := r.readOnlyDB.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("name ASC").
		Find(&clients).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list clients by account")
	}
	return clients, nil
}

// DocumentRepository provides access to document data
type DocumentRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewDocumentRepository creates a new document repository
func NewDocumentRepository(db *gorm.DB, readOnlyDB *gorm.DB) *DocumentRepository {
	return &DocumentRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// Create inserts a new document with its line items. The error is returned
// untranslated so callers can recognize gorm.ErrDuplicatedKey on the
// (account_id, document_number) unique index.
func (r *DocumentRepository) Create(ctx context.Context, doc *models.Document) error {
	return r.db.WithContext(ctx).Create(doc).Error
}

// Update replaces a document and its line items in one transaction. The
// document keeps its id; line items are rewritten to preserve display order.
func (r *DocumentRepository) Update(ctx context.Context, doc *models.Document) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", doc.ID).Delete(&models.LineItem{}).Error; err != nil {
			return err
		}

		items := doc.LineItems
		doc.LineItems = nil
		if err := tx.Save(doc).Error; err != nil {
			doc.LineItems = items
			return err
		}
		doc.LineItems = items

		if len(items) > 0 {
			if err := tx.Create(&items).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// GetByID gets a document by ID with its line items in display order. Uses
// the write database so a save immediately followed by a re-save observes
// its own insert.
func (r *DocumentRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Document, error) {
	var doc models.Document
	err := r.db.WithContext(ctx).
		Preload("LineItems", func(db *gorm.DB) *gorm.DB {
			return db.Order("line_items.position ASC")
		}).
		First(&doc, id).Error
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// ListByAccount lists an account's documents, optionally filtered by kind and status
func (r *DocumentRepository) ListByAccount(ctx context.Context, accountID uuid.UUID, kind models.DocumentKind, status models.DocumentStatus) ([]models.Document, error) {
	query := r.readOnlyDB.WithContext(ctx).
		Preload("LineItems", func(db *gorm.DB) *gorm.DB {
			return db.Order("line_items.position ASC")
		}).
		Where("account_id = ?", accountID)

	if kind != "" {
		query = query.Where("kind = ?", kind)
	}
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var docs []models.Document
	err := query.Order("created_at DESC").Find(&docs).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list documents by account")
	}
	return docs, nil
}

// SoftDelete marks a document as deleted without removing the record
func (r *DocumentRepository) SoftDelete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&models.Document{}, id)
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to delete document")
	}
	if result.RowsAffected == 0 {
		return errors.New("no document deleted")
	}
	return nil
}

// UpdateStatus transitions a document's lifecycle status and stamps the
// matching milestone timestamp. A due date is assigned only when the caller
// provides one.
func (r *DocumentRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status models.DocumentStatus, at time.Time, dueAt *time.Time) error {
	updates := map[string]interface{}{"status": status}
	switch status {
	case models.StatusSent:
		updates["sent_at"] = at
	case models.StatusPaid:
		updates["paid_at"] = at
	}
	if dueAt != nil {
		updates["due_at"] = *dueAt
	}

	result := r.db.WithContext(ctx).
		Model(&models.Document{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to update document status")
	}
	if result.RowsAffected == 0 {
		return errors.New("no document updated")
	}
	return nil
}

// BumpArtifactVersion atomically increments the artifact version and returns
// the new value. The version never decreases and never reuses a prior value.
func (r *DocumentRepository) BumpArtifactVersion(ctx context.Context, id uuid.UUID) (int, error) {
	var version int
	err := r.db.WithContext(ctx).Raw(
		`UPDATE documents SET artifact_version = artifact_version + 1, updated_at = NOW()
		 WHERE id = ? AND deleted_at IS NULL
		 RETURNING artifact_version`, id).Scan(&version).Error
	if err != nil {
		return 0, errors.Wrap(err, "failed to bump artifact version")
	}
	if version == 0 {
		return 0, errors.New("no document found for artifact version bump")
	}
	return version, nil
}

// SetArtifact stores the rendered artifact reference on a document
func (r *DocumentRepository) SetArtifact(ctx context.Context, id uuid.UUID, artifactID string, url string) error {
	result := r.db.WithContext(ctx).
		Model(&models.Document{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"artifact_id":  artifactID,
			"artifact_url": url,
		})
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to set document artifact")
	}
	if result.RowsAffected == 0 {
		return errors.New("no document updated with artifact")
	}
	return nil
}

// SequenceCounterRepository provides access to per-account numbering streams
type SequenceCounterRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewSequenceCounterRepository creates a new sequence counter repository
func NewSequenceCounterRepository(db *gorm.DB, readOnlyDB *gorm.DB) *SequenceCounterRepository {
	return &SequenceCounterRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// NextValue advances a stream's counter and returns the new value. The
// increment is a single upsert so two concurrent calls can never observe the
// same value.
func (r *SequenceCounterRepository) NextValue(ctx context.Context, accountID uuid.UUID, stream models.DocumentKind) (int64, error) {
	var next int64
	err := r.db.WithContext(ctx).Raw(
		`INSERT INTO sequence_counters (id, account_id, stream, last_value, created_at, updated_at)
		 VALUES (?, ?, ?, 1, NOW(), NOW())
		 ON CONFLICT (account_id, stream)
		 DO UPDATE SET last_value = sequence_counters.last_value + 1, updated_at = NOW()
		 RETURNING last_value`,
		uuid.New(), accountID, stream).Scan(&next).Error
	if err != nil {
		return 0, errors.Wrap(err, "failed to advance sequence counter")
	}
	return next, nil
}

// RenderJobRepository provides access to artifact render job bookkeeping
type RenderJobRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewRenderJobRepository creates a new render job repository
func NewRenderJobRepository(db *gorm.DB, readOnlyDB *gorm.DB) *RenderJobRepository {
	return &RenderJobRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// Create creates a new render job
func (r *RenderJobRepository) Create(ctx context.Context, job *models.RenderJob) error {
	return r.db.WithContext(ctx).Create(job).Error
}

// GetByID gets a render job by ID
func (r *RenderJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.RenderJob, error) {
	var job models.RenderJob
	err := r.db.WithContext(ctx).First(&job, id).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get render job by ID")
	}
	return &job, nil
}

// GetUnprocessed gets render jobs the worker has not completed yet
func (r *RenderJobRepository) GetUnprocessed(ctx context.Context, limit int) ([]models.RenderJob, error) {
	var jobs []models.RenderJob
	err := r.readOnlyDB.WithContext(ctx).
		Where("is_processed = ?", false).
		Order("created_at ASC").
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get unprocessed render jobs")
	}
	return jobs, nil
}

// MarkAsProcessed marks a render job as processed
func (r *RenderJobRepository) MarkAsProcessed(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&models.RenderJob{}).
		Where("id = ?", id).
		Update("is_processed", true)
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to mark render job as processed")
	}
	if result.RowsAffected == 0 {
		return errors.New("no render job updated")
	}
	return nil
}

// RecordAttempt increments a job's attempt counter and stores the remote job
// reference when the renderer queued the work instead of returning a URL
func (r *RenderJobRepository) RecordAttempt(ctx context.Context, id uuid.UUID, remoteJobID *string) error {
	updates := map[string]interface{}{
		"attempts": gorm.Expr("attempts + 1"),
	}
	if remoteJobID != nil {
		updates["remote_job_id"] = *remoteJobID
	}

	result := r.db.WithContext(ctx).
		Model(&models.RenderJob{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to record render job attempt")
	}
	return nil
}
