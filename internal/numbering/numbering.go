package numbering

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"example.com/tradeworks/services/billing/internal/models"
)

// CounterStore advances a per-account numbering stream atomically
type CounterStore interface {
	NextValue(ctx context.Context, accountID uuid.UUID, stream models.DocumentKind) (int64, error)
}

// Generator allocates human-readable document numbers. It is a best-effort
// allocator: when the counter store is unreachable it falls back to a
// timestamp-derived number, and uniqueness is ultimately enforced by the
// database index on (account_id, document_number).
type Generator struct {
	counters CounterStore
	padWidth int
	now      func() time.Time
}

// NewGenerator creates a new number generator
func NewGenerator(counters CounterStore, padWidth int) *Generator {
	if padWidth <= 0 {
		padWidth = 6
	}
	return &Generator{
		counters: counters,
		padWidth: padWidth,
		now:      time.Now,
	}
}

// Next returns the next number for the account's stream. Quotes are
// year-prefixed (2026/T000123), invoices and standalone invoices carry a
// fixed prefix (Invoice/000456, Cash/000789).
func (g *Generator) Next(ctx context.Context, accountID uuid.UUID, kind models.DocumentKind) string {
	seq, err := g.counters.NextValue(ctx, accountID, kind)
	if err != nil {
		log.Warn().
			Err(err).
			Str("account_id", accountID.String()).
			Str("stream", string(kind)).
			Msg("Sequence counter unavailable, falling back to timestamp-derived number")
		return g.fallback(kind)
	}

	return g.format(kind, seq)
}

func (g *Generator) format(kind models.DocumentKind, seq int64) string {
	switch kind {
	case models.KindQuote:
		return fmt.Sprintf("%d/T%0*d", g.now().Year(), g.padWidth, seq)
	case models.KindStandaloneInvoice:
		return fmt.Sprintf("Cash/%0*d", g.padWidth, seq)
	default:
		return fmt.Sprintf("Invoice/%0*d", g.padWidth, seq)
	}
}

// fallback derives a number from the last six digits of the current epoch
// milliseconds. Sequentiality is sacrificed for availability here.
func (g *Generator) fallback(kind models.DocumentKind) string {
	millis := g.now().UnixMilli() % 1000000
	switch kind {
	case models.KindQuote:
		return fmt.Sprintf("%d/T%06d", g.now().Year(), millis)
	case models.KindStandaloneInvoice:
		return fmt.Sprintf("Cash/%06d", millis)
	default:
		return fmt.Sprintf("Invoice/%06d", millis)
	}
}
