package services

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"example.com/tradeworks/services/billing/internal/models"
)

func TestAssembleComputesTotalsWithTax(t *testing.T) {
	draft := &DraftDocument{
		AccountID:     uuid.New(),
		Kind:          models.KindInvoice,
		TaxRegistered: true,
		TaxRate:       20,
		ShowBreakdown: true,
		LineItems: []DraftItem{
			{Description: "Consumer unit", Quantity: 2, UnitPrice: 50},
			{Description: "Call-out", Quantity: 1, UnitPrice: 30},
		},
	}

	doc := Assemble(draft)

	require.Equal(t, 130.0, doc.Subtotal)
	require.Equal(t, 26.0, doc.TaxAmount)
	require.Equal(t, 156.0, doc.GrandTotal)
}

func TestAssembleZeroTaxWhenNotRegistered(t *testing.T) {
	draft := &DraftDocument{
		AccountID:     uuid.New(),
		Kind:          models.KindInvoice,
		TaxRegistered: false,
		TaxRate:       20,
		ShowBreakdown: true,
		LineItems: []DraftItem{
			{Description: "Rewire", Quantity: 3, UnitPrice: 99.99},
		},
	}

	doc := Assemble(draft)

	require.Equal(t, 299.97, doc.Subtotal)
	require.Equal(t, 0.0, doc.TaxAmount)
	require.Equal(t, doc.Subtotal, doc.GrandTotal)
}

func TestAssembleEmptyDocument(t *testing.T) {
	draft := &DraftDocument{
		AccountID:     uuid.New(),
		Kind:          models.KindQuote,
		TaxRegistered: true,
		TaxRate:       20,
	}

	doc := Assemble(draft)

	require.Equal(t, 0.0, doc.Subtotal)
	require.Equal(t, 0.0, doc.TaxAmount)
	require.Equal(t, 0.0, doc.GrandTotal)
	require.Empty(t, doc.LineItems)
	require.NotEqual(t, uuid.Nil, doc.ID)
	require.Equal(t, models.StatusDraft, doc.Status)
}

func TestAssembleMergesAdditionalItemsOnce(t *testing.T) {
	draft := &DraftDocument{
		AccountID:     uuid.New(),
		Kind:          models.KindInvoice,
		ShowBreakdown: true,
		LineItems: []DraftItem{
			{Description: "Labour", Quantity: 1, UnitPrice: 100},
		},
		AdditionalItems: []DraftItem{
			{Description: "Parking", Quantity: 1, UnitPrice: 10},
		},
	}

	first := Assemble(draft)
	require.Len(t, first.LineItems, 2)
	require.Equal(t, 110.0, first.Subtotal)
	require.Empty(t, draft.AdditionalItems)

	// A second assembly of the same draft must not double-count
	second := Assemble(draft)
	require.Len(t, second.LineItems, 2)
	require.Equal(t, 110.0, second.Subtotal)
}

func TestAssembleGroupsCategoryWhenBreakdownHidden(t *testing.T) {
	draft := &DraftDocument{
		AccountID:       uuid.New(),
		Kind:            models.KindQuote,
		ShowBreakdown:   false,
		GroupedCategory: "materials",
		LineItems: []DraftItem{
			{Description: "Cable", Quantity: 1, UnitPrice: 10, Category: "materials"},
			{Description: "Labour", Quantity: 1, UnitPrice: 100, Category: "labour"},
			{Description: "Sockets", Quantity: 1, UnitPrice: 20, Category: "materials"},
			{Description: "Breakers", Quantity: 1, UnitPrice: 30, Category: "materials"},
		},
	}

	doc := Assemble(draft)

	require.Len(t, doc.LineItems, 2)
	require.Equal(t, "Materials", doc.LineItems[0].Description)
	require.Equal(t, 60.0, doc.LineItems[0].Total)
	require.Equal(t, "Labour", doc.LineItems[1].Description)

	// Subtotal is unchanged by the projection
	require.Equal(t, 160.0, doc.Subtotal)

	// Toggling the breakdown back restores the original items
	draft.ShowBreakdown = true
	expanded := Assemble(draft)
	require.Len(t, expanded.LineItems, 4)
	require.Equal(t, "Cable", expanded.LineItems[0].Description)
	require.Equal(t, 160.0, expanded.Subtotal)
}

func TestAssembleGroupingNoopWithoutMatches(t *testing.T) {
	draft := &DraftDocument{
		AccountID:       uuid.New(),
		Kind:            models.KindQuote,
		ShowBreakdown:   false,
		GroupedCategory: "materials",
		LineItems: []DraftItem{
			{Description: "Labour", Quantity: 2, UnitPrice: 45, Category: "labour"},
		},
	}

	doc := Assemble(draft)
	require.Len(t, doc.LineItems, 1)
	require.Equal(t, "Labour", doc.LineItems[0].Description)
}

func TestValidateForFinalizeReportsMissingFields(t *testing.T) {
	draft := &DraftDocument{
		Kind:   models.KindQuote,
		Status: models.StatusSent,
	}

	err := ValidateForFinalize(draft)
	require.Error(t, err)

	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	require.ElementsMatch(t,
		[]string{"recipient", "line items", "title", "description"},
		validationErr.Missing)
}

func TestValidateForFinalizeInvoiceNeedsNoTitle(t *testing.T) {
	draft := &DraftDocument{
		Kind:          models.KindInvoice,
		RecipientName: "J. Bloggs",
		LineItems:     []DraftItem{{Description: "Inspection", Quantity: 1, UnitPrice: 80}},
	}

	require.NoError(t, ValidateForFinalize(draft))
}

func TestAssembleLineItemPositionsFollowInsertionOrder(t *testing.T) {
	draft := &DraftDocument{
		AccountID:     uuid.New(),
		Kind:          models.KindInvoice,
		ShowBreakdown: true,
		LineItems: []DraftItem{
			{Description: "First", Quantity: 1, UnitPrice: 1},
			{Description: "Second", Quantity: 1, UnitPrice: 2},
			{Description: "Third", Quantity: 1, UnitPrice: 3},
		},
	}

	doc := Assemble(draft)
	for i, item := range doc.LineItems {
		require.Equal(t, i, item.Position)
	}
}
