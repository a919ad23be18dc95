package services

import (
	"math"
	"time"

	"example.com/tradeworks/services/billing/internal/models"
)

// KPISnapshot holds the dashboard numbers derived from one account's
// documents. Every field is recomputed on each read; nothing here is cached
// or persisted.
type KPISnapshot struct {
	Revenue       float64 `json:"revenue"`
	PaidThisMonth float64 `json:"paid_this_month"`
	Outstanding   float64 `json:"outstanding"`
	OverdueCount  int     `json:"overdue_count"`
	OverdueTotal  float64 `json:"overdue_total"`
	WinRate       int     `json:"win_rate"`
	QuoteCount    int     `json:"quote_count"`
	InvoiceCount  int     `json:"invoice_count"`
	DraftCount    int     `json:"draft_count"`
}

// IsOverdue is the single overdue predicate. A document counts as overdue
// when its persisted status says so, or when it was sent and its due date
// has passed even though the stored status still reads "sent".
func IsOverdue(doc *models.Document, now time.Time) bool {
	if doc.Status == models.StatusOverdue {
		return true
	}
	return doc.Status == models.StatusSent && doc.DueAt != nil && doc.DueAt.Before(now)
}

// ComputeKPIs reduces a document collection to dashboard numbers
func ComputeKPIs(docs []models.Document, now time.Time) KPISnapshot {
	var snap KPISnapshot
	accepted, rejected, undecided := 0, 0, 0

	for i := range docs {
		doc := &docs[i]

		switch doc.Kind {
		case models.KindQuote:
			snap.QuoteCount++
		default:
			snap.InvoiceCount++
		}
		if doc.Status == models.StatusDraft {
			snap.DraftCount++
		}

		if doc.Status == models.StatusPaid {
			snap.Revenue += doc.GrandTotal
			if doc.PaidAt != nil && sameMonth(doc.PaidAt.In(now.Location()), now) {
				snap.PaidThisMonth += doc.GrandTotal
			}
		}

		if doc.Status == models.StatusSent || doc.Status == models.StatusOverdue {
			snap.Outstanding += doc.GrandTotal
		}

		if doc.Kind != models.KindQuote && IsOverdue(doc, now) {
			snap.OverdueCount++
			snap.OverdueTotal += doc.GrandTotal
		}

		if doc.Kind == models.KindQuote {
			switch doc.Status {
			case models.StatusAccepted:
				accepted++
			case models.StatusRejected:
				rejected++
			case models.StatusSent:
				undecided++
			}
		}
	}

	// Zero decided quotes means a 0% win rate, not a division by zero
	if denominator := accepted + rejected + undecided; denominator > 0 {
		snap.WinRate = int(math.Round(float64(accepted) / float64(denominator) * 100))
	}

	snap.Revenue = round2(snap.Revenue)
	snap.PaidThisMonth = round2(snap.PaidThisMonth)
	snap.Outstanding = round2(snap.Outstanding)
	snap.OverdueTotal = round2(snap.OverdueTotal)

	return snap
}

func sameMonth(t, now time.Time) bool {
	return t.Year() == now.Year() && t.Month() == now.Month()
}
