package services

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"example.com/tradeworks/services/billing/internal/models"
)

func kpiDoc(kind models.DocumentKind, status models.DocumentStatus, total float64) models.Document {
	return models.Document{
		ID:         uuid.New(),
		Kind:       kind,
		Status:     status,
		GrandTotal: total,
	}
}

func TestComputeKPIsEmptyCollection(t *testing.T) {
	snap := ComputeKPIs(nil, time.Now())

	require.Equal(t, 0, snap.WinRate)
	require.Equal(t, 0.0, snap.Revenue)
	require.Equal(t, 0.0, snap.Outstanding)
	require.Equal(t, 0, snap.OverdueCount)
}

func TestComputeKPIsWinRateZeroWithoutDecidedQuotes(t *testing.T) {
	docs := []models.Document{
		kpiDoc(models.KindQuote, models.StatusDraft, 100),
		kpiDoc(models.KindInvoice, models.StatusPaid, 200),
	}

	snap := ComputeKPIs(docs, time.Now())
	require.Equal(t, 0, snap.WinRate)
}

func TestComputeKPIsWinRateAllAccepted(t *testing.T) {
	docs := []models.Document{
		kpiDoc(models.KindQuote, models.StatusAccepted, 100),
		kpiDoc(models.KindQuote, models.StatusAccepted, 250),
	}

	snap := ComputeKPIs(docs, time.Now())
	require.Equal(t, 100, snap.WinRate)
}

func TestComputeKPIsWinRateCountsOpenQuotes(t *testing.T) {
	docs := []models.Document{
		kpiDoc(models.KindQuote, models.StatusAccepted, 100),
		kpiDoc(models.KindQuote, models.StatusRejected, 100),
		kpiDoc(models.KindQuote, models.StatusSent, 100),
		// Invoices never enter the win rate
		kpiDoc(models.KindInvoice, models.StatusPaid, 500),
	}

	snap := ComputeKPIs(docs, time.Now())
	require.Equal(t, 33, snap.WinRate)
}

func TestComputeKPIsInfersOverdueFromDueDate(t *testing.T) {
	now := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
	pastDue := now.AddDate(0, 0, -3)
	futureDue := now.AddDate(0, 0, 14)

	sentLate := kpiDoc(models.KindInvoice, models.StatusSent, 300)
	sentLate.DueAt = &pastDue
	sentOnTime := kpiDoc(models.KindInvoice, models.StatusSent, 150)
	sentOnTime.DueAt = &futureDue
	flagged := kpiDoc(models.KindInvoice, models.StatusOverdue, 50)

	// A quote past its date is a stale quote, not an overdue invoice
	quoteLate := kpiDoc(models.KindQuote, models.StatusSent, 999)
	quoteLate.DueAt = &pastDue

	snap := ComputeKPIs([]models.Document{sentLate, sentOnTime, flagged, quoteLate}, now)

	require.Equal(t, 2, snap.OverdueCount)
	require.Equal(t, 350.0, snap.OverdueTotal)
	// Outstanding covers everything sent or overdue, quotes included
	require.Equal(t, 1499.0, snap.Outstanding)
}

func TestComputeKPIsRevenueAndPaidThisMonth(t *testing.T) {
	now := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	thisMonth := time.Date(2026, 8, 2, 9, 0, 0, 0, time.UTC)
	lastMonth := time.Date(2026, 7, 28, 9, 0, 0, 0, time.UTC)

	recent := kpiDoc(models.KindInvoice, models.StatusPaid, 400)
	recent.PaidAt = &thisMonth
	older := kpiDoc(models.KindInvoice, models.StatusPaid, 600)
	older.PaidAt = &lastMonth

	snap := ComputeKPIs([]models.Document{recent, older}, now)

	require.Equal(t, 1000.0, snap.Revenue)
	require.Equal(t, 400.0, snap.PaidThisMonth)
}

func TestComputeKPIsCounts(t *testing.T) {
	docs := []models.Document{
		kpiDoc(models.KindQuote, models.StatusDraft, 0),
		kpiDoc(models.KindQuote, models.StatusSent, 100),
		kpiDoc(models.KindInvoice, models.StatusDraft, 0),
		kpiDoc(models.KindStandaloneInvoice, models.StatusPaid, 75),
	}

	snap := ComputeKPIs(docs, time.Now())

	require.Equal(t, 2, snap.QuoteCount)
	require.Equal(t, 2, snap.InvoiceCount)
	require.Equal(t, 2, snap.DraftCount)
}

func TestIsOverdue(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	flagged := kpiDoc(models.KindInvoice, models.StatusOverdue, 10)
	require.True(t, IsOverdue(&flagged, now))

	sentLate := kpiDoc(models.KindInvoice, models.StatusSent, 10)
	sentLate.DueAt = &past
	require.True(t, IsOverdue(&sentLate, now))

	sentOnTime := kpiDoc(models.KindInvoice, models.StatusSent, 10)
	sentOnTime.DueAt = &future
	require.False(t, IsOverdue(&sentOnTime, now))

	noDue := kpiDoc(models.KindInvoice, models.StatusSent, 10)
	require.False(t, IsOverdue(&noDue, now))

	paidLate := kpiDoc(models.KindInvoice, models.StatusPaid, 10)
	paidLate.DueAt = &past
	require.False(t, IsOverdue(&paidLate, now))
}
