package services

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"example.com/tradeworks/services/billing/internal/models"
)

// DraftItem is a user-entered line before assembly
type DraftItem struct {
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
	Category    string  `json:"category"`
}

// DraftDocument carries user-entered document state. Assemble turns it into
// a persistable Document with derived totals.
type DraftDocument struct {
	ID              uuid.UUID             `json:"id"`
	AccountID       uuid.UUID             `json:"account_id"`
	ClientID        *uuid.UUID            `json:"client_id"`
	Kind            models.DocumentKind   `json:"kind"`
	Title           string                `json:"title"`
	Description     string                `json:"description"`
	RecipientName   string                `json:"recipient_name"`
	RecipientEmail  string                `json:"recipient_email"`
	Status          models.DocumentStatus `json:"status"`
	DocumentNumber  string                `json:"document_number"`
	TaxRegistered   bool                  `json:"tax_registered"`
	TaxRate         float64               `json:"tax_rate"`
	ShowBreakdown   bool                  `json:"show_breakdown"`
	GroupedCategory string                `json:"grouped_category"`
	LineItems       []DraftItem           `json:"line_items"`
	AdditionalItems []DraftItem           `json:"additional_items"`
	DueAt           *time.Time            `json:"due_at"`
}

// ValidationError reports which required fields are missing. It is returned
// instead of saving anything; no partial save happens on validation failure.
type ValidationError struct {
	Missing []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("document is missing required fields: %s", strings.Join(e.Missing, ", "))
}

// ValidateForFinalize checks the fields required before a document may leave
// draft state: a recipient, at least one line item, and for quotes a title
// and description.
func ValidateForFinalize(draft *DraftDocument) error {
	var missing []string

	if strings.TrimSpace(draft.RecipientName) == "" {
		missing = append(missing, "recipient")
	}
	if len(draft.LineItems)+len(draft.AdditionalItems) == 0 {
		missing = append(missing, "line items")
	}
	if draft.Kind == models.KindQuote {
		if strings.TrimSpace(draft.Title) == "" {
			missing = append(missing, "title")
		}
		if strings.TrimSpace(draft.Description) == "" {
			missing = append(missing, "description")
		}
	}

	if len(missing) > 0 {
		return &ValidationError{Missing: missing}
	}
	return nil
}

// ValidateDocumentForFinalize applies the finalization rules to an already
// persisted document, so a lifecycle transition out of draft enforces the
// same requirements as a finalizing save.
func ValidateDocumentForFinalize(doc *models.Document) error {
	var missing []string

	if strings.TrimSpace(doc.RecipientName) == "" {
		missing = append(missing, "recipient")
	}
	if len(doc.LineItems) == 0 {
		missing = append(missing, "line items")
	}
	if doc.Kind == models.KindQuote {
		if strings.TrimSpace(doc.Title) == "" {
			missing = append(missing, "title")
		}
		if strings.TrimSpace(doc.Description) == "" {
			missing = append(missing, "description")
		}
	}

	if len(missing) > 0 {
		return &ValidationError{Missing: missing}
	}
	return nil
}

// Assemble merges pending additional items into the draft's line items,
// applies category grouping, and recomputes totals. The additional-items
// list is cleared after the merge so a later assembly of the same draft
// never double-counts them. Assemble performs no I/O.
func Assemble(draft *DraftDocument) *models.Document {
	// One-time merge of additional items
	if len(draft.AdditionalItems) > 0 {
		draft.LineItems = append(draft.LineItems, draft.AdditionalItems...)
		draft.AdditionalItems = nil
	}

	visible := visibleItems(draft)

	subtotal := 0.0
	for _, item := range visible {
		subtotal += item.Quantity * item.UnitPrice
	}
	subtotal = round2(subtotal)

	taxAmount := 0.0
	if draft.TaxRegistered {
		taxAmount = round2(subtotal * draft.TaxRate / 100)
	}
	grandTotal := round2(subtotal + taxAmount)

	doc := &models.Document{
		ID:              draft.ID,
		AccountID:       draft.AccountID,
		ClientID:        draft.ClientID,
		Kind:            draft.Kind,
		DocumentNumber:  draft.DocumentNumber,
		Title:           draft.Title,
		Description:     draft.Description,
		RecipientName:   draft.RecipientName,
		RecipientEmail:  draft.RecipientEmail,
		Status:          draft.Status,
		TaxRegistered:   draft.TaxRegistered,
		TaxRate:         draft.TaxRate,
		ShowBreakdown:   draft.ShowBreakdown,
		GroupedCategory: draft.GroupedCategory,
		Subtotal:        subtotal,
		TaxAmount:       taxAmount,
		GrandTotal:      grandTotal,
		DueAt:           draft.DueAt,
	}
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	if doc.Status == "" {
		doc.Status = models.StatusDraft
	}

	for i, item := range visible {
		doc.LineItems = append(doc.LineItems, models.LineItem{
			ID:          uuid.New(),
			DocumentID:  doc.ID,
			Position:    i,
			Description: item.Description,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			Category:    item.Category,
			Total:       round2(item.Quantity * item.UnitPrice),
		})
	}

	return doc
}

// visibleItems projects the draft's items for display. When the breakdown is
// hidden, every item of the grouped category collapses into one synthetic
// summary line whose price is their sum. The draft's own items are left
// untouched, so toggling the breakdown back restores the originals.
func visibleItems(draft *DraftDocument) []DraftItem {
	if draft.ShowBreakdown || draft.GroupedCategory == "" {
		return draft.LineItems
	}

	var visible []DraftItem
	groupTotal := 0.0
	grouped := 0
	groupIndex := -1

	for _, item := range draft.LineItems {
		if item.Category == draft.GroupedCategory {
			groupTotal += item.Quantity * item.UnitPrice
			grouped++
			if groupIndex < 0 {
				// Synthetic line takes the slot of the first grouped item
				groupIndex = len(visible)
				visible = append(visible, DraftItem{})
			}
			continue
		}
		visible = append(visible, item)
	}

	if grouped == 0 {
		return draft.LineItems
	}

	visible[groupIndex] = DraftItem{
		Description: summaryLabel(draft.GroupedCategory),
		Quantity:    1,
		UnitPrice:   round2(groupTotal),
		Category:    draft.GroupedCategory,
	}
	return visible
}

func summaryLabel(category string) string {
	if category == "" {
		return category
	}
	return strings.ToUpper(category[:1]) + category[1:]
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
