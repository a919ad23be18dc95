package numbering

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"example.com/tradeworks/services/billing/internal/models"
)

type stubCounterStore struct {
	next int64
	err  error
}

func (s *stubCounterStore) NextValue(ctx context.Context, accountID uuid.UUID, stream models.DocumentKind) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	return s.next, nil
}

func fixedTime() time.Time {
	return time.Date(2026, time.March, 14, 10, 30, 0, 0, time.UTC)
}

func TestNextFormatsQuoteNumbers(t *testing.T) {
	gen := NewGenerator(&stubCounterStore{next: 123}, 6)
	gen.now = fixedTime

	number := gen.Next(context.Background(), uuid.New(), models.KindQuote)
	require.Equal(t, "2026/T000123", number)
}

func TestNextFormatsInvoiceNumbers(t *testing.T) {
	gen := NewGenerator(&stubCounterStore{next: 456}, 6)
	gen.now = fixedTime

	number := gen.Next(context.Background(), uuid.New(), models.KindInvoice)
	require.Equal(t, "Invoice/000456", number)
}

func TestNextFormatsStandaloneInvoiceNumbers(t *testing.T) {
	gen := NewGenerator(&stubCounterStore{next: 789}, 6)
	gen.now = fixedTime

	number := gen.Next(context.Background(), uuid.New(), models.KindStandaloneInvoice)
	require.Equal(t, "Cash/000789", number)
}

func TestNextFallsBackWhenCounterUnavailable(t *testing.T) {
	gen := NewGenerator(&stubCounterStore{err: errors.New("connection refused")}, 6)
	gen.now = fixedTime

	millis := fixedTime().UnixMilli() % 1000000

	number := gen.Next(context.Background(), uuid.New(), models.KindQuote)
	require.Equal(t, "2026/T", number[:6])
	require.Len(t, number, 12)

	invoice := gen.Next(context.Background(), uuid.New(), models.KindInvoice)
	require.Contains(t, invoice, "Invoice/")
	require.Equal(t, int64(millis), parseSuffix(t, invoice))
}

func parseSuffix(t *testing.T, number string) int64 {
	t.Helper()
	var suffix int64
	for _, r := range number[len(number)-6:] {
		require.True(t, r >= '0' && r <= '9')
		suffix = suffix*10 + int64(r-'0')
	}
	return suffix
}

func TestNewGeneratorDefaultsPadWidth(t *testing.T) {
	gen := NewGenerator(&stubCounterStore{next: 7}, 0)
	gen.now = fixedTime

	require.Equal(t, "Invoice/000007", gen.Next(context.Background(), uuid.New(), models.KindInvoice))
}
