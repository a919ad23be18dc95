package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// DocumentKind distinguishes the numbering stream a document belongs to
type DocumentKind string

const (
	KindQuote             DocumentKind = "quote"
	KindInvoice           DocumentKind = "invoice"
	KindStandaloneInvoice DocumentKind = "standalone_invoice"
)

// DocumentStatus is the persisted lifecycle state of a document
type DocumentStatus string

const (
	StatusDraft    DocumentStatus = "draft"
	StatusSent     DocumentStatus = "sent"
	StatusAccepted DocumentStatus = "accepted"
	StatusRejected DocumentStatus = "rejected"
	StatusOverdue  DocumentStatus = "overdue"
	StatusPaid     DocumentStatus = "paid"
)

// Account represents a trade business owning documents and numbering streams
type Account struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt      time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`
	Name           string         `gorm:"not null" json:"name"`
	Email          string         `json:"email"`
	TaxRegistered  bool           `gorm:"not null;default:false" json:"tax_registered"`
	TaxRate        float64        `gorm:"not null;default:20" json:"tax_rate"`
	DefaultDueDays int            `gorm:"not null;default:30" json:"default_due_days"`
	Documents      []Document     `gorm:"foreignKey:AccountID" json:"-"`
}

// Client represents a document recipient belonging to an account
type Client struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
	AccountID uuid.UUID      `gorm:"type:uuid;not null;index" json:"account_id"`
	Name      string         `gorm:"not null" json:"name"`
	Email     string         `json:"email"`
	Phone     string         `json:"phone"`
	Address   string         `json:"address"`
	Account   Account        `gorm:"foreignKey:AccountID" json:"-"`
}

// Document represents a quote or invoice. Quotes and invoices share a schema
// and are discriminated by Kind.
type Document struct {
	ID              uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt       time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt       gorm.DeletedAt `gorm:"index" json:"-"`
	AccountID       uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:idx_account_document_number" json:"account_id"`
	ClientID        *uuid.UUID     `gorm:"type:uuid" json:"client_id"`
	Kind            DocumentKind   `gorm:"not null" json:"kind"`
	DocumentNumber  string         `gorm:"not null;uniqueIndex:idx_account_document_number" json:"document_number"`
	Title           string         `json:"title"`
	Description     string         `json:"description"`
	RecipientName   string         `json:"recipient_name"`
	RecipientEmail  string         `json:"recipient_email"`
	Status          DocumentStatus `gorm:"not null;default:'draft'" json:"status"`
	TaxRegistered   bool           `gorm:"not null;default:false" json:"tax_registered"`
	TaxRate         float64        `gorm:"not null;default:0" json:"tax_rate"`
	ShowBreakdown   bool           `gorm:"not null;default:true" json:"show_breakdown"`
	GroupedCategory string         `json:"grouped_category"`
	Subtotal        float64        `gorm:"not null;default:0" json:"subtotal"`
	TaxAmount       float64        `gorm:"not null;default:0" json:"tax_amount"`
	GrandTotal      float64        `gorm:"not null;default:0" json:"grand_total"`
	SentAt          *time.Time     `json:"sent_at"`
	PaidAt          *time.Time     `json:"paid_at"`
	DueAt           *time.Time     `json:"due_at"`
	ArtifactID      *string        `json:"artifact_id"`
	ArtifactVersion int            `gorm:"not null;default:0" json:"artifact_version"`
	ArtifactURL     *string        `json:"artifact_url"`
	LineItems       []LineItem     `gorm:"foreignKey:DocumentID" json:"line_items"`
	Account         Account        `gorm:"foreignKey:AccountID" json:"-"`
	Client          *Client        `gorm:"foreignKey:ClientID" json:"-"`
}

// LineItem is one priced row on a document. Position preserves display order.
type LineItem struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
	DocumentID  uuid.UUID `gorm:"type:uuid;not null;index" json:"document_id"`
	Position    int       `gorm:"not null;default:0" json:"position"`
	Description string    `gorm:"not null" json:"description"`
	Quantity    float64   `gorm:"not null;default:1" json:"quantity"`
	UnitPrice   float64   `gorm:"not null;default:0" json:"unit_price"`
	Category    string    `json:"category"`
	Total       float64   `gorm:"not null;default:0" json:"total"`
}

// SequenceCounter backs one numbering stream of one account
type SequenceCounter struct {
	ID        uuid.UUID    `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
	AccountID uuid.UUID    `gorm:"type:uuid;not null;uniqueIndex:idx_account_stream" json:"account_id"`
	Stream    DocumentKind `gorm:"not null;uniqueIndex:idx_account_stream" json:"stream"`
	LastValue int64        `gorm:"not null;default:0" json:"last_value"`
}

// RenderJob tracks one artifact (PDF) regeneration request. Jobs that the
// worker never completed are retried by the fallback reconciliation job.
type RenderJob struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt   time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
	DocumentID  uuid.UUID      `gorm:"type:uuid;not null;index" json:"document_id"`
	Mode        string         `gorm:"not null;default:'standard'" json:"mode"`
	RemoteJobID *string        `json:"remote_job_id"`
	IsProcessed bool           `gorm:"not null;default:false" json:"is_processed"`
	Attempts    int            `gorm:"not null;default:0" json:"attempts"`
	Document    Document       `gorm:"foreignKey:DocumentID" json:"-"`
}

// RenderJobMessage is the payload placed on the render queue after a save
type RenderJobMessage struct {
	JobID      uuid.UUID `json:"job_id"`
	DocumentID uuid.UUID `json:"document_id"`
	Mode       string    `json:"mode"`
	Version    int       `json:"version"`
}

// SetupModels configures GORM models and runs migrations
func SetupModels(db *gorm.DB) error {
	// Apply all migrations
	err := db.AutoMigrate(
		&Account{},
		&Client{},
		&Document{},
		&LineItem{},
		&SequenceCounter{},
		&RenderJob{},
	)

	if err != nil {
		return errors.Wrap(err, "failed to run auto migrations")
	}

	return nil
}
