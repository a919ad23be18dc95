package notifications

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Severity classifies a notice for the consuming surface
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Notice is a title/description/severity triple surfaced to the user. It is
// purely observational and never affects control flow.
type Notice struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`
}

// Notifier fires notices toward whatever surface is configured
type Notifier interface {
	Notify(ctx context.Context, notice Notice)
}

// Publisher sends a notice payload to a downstream queue
type Publisher interface {
	SendMessage(ctx context.Context, body interface{}) error
}

// LogNotifier writes notices to the structured log
type LogNotifier struct{}

// NewLogNotifier creates a log-backed notifier
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

// Notify logs the notice at a level matching its severity
func (n *LogNotifier) Notify(_ context.Context, notice Notice) {
	var event *zerolog.Event
	switch notice.Severity {
	case SeverityError:
		event = log.Error()
	case SeverityWarning:
		event = log.Warn()
	default:
		event = log.Info()
	}
	event.Str("title", notice.Title).Msg(notice.Description)
}

// BusNotifier forwards notices to a Service Bus queue in addition to logging
// them. A publish failure only logs; notices never fail their caller.
type BusNotifier struct {
	publisher Publisher
	fallback  *LogNotifier
}

// NewBusNotifier creates a queue-backed notifier
func NewBusNotifier(publisher Publisher) *BusNotifier {
	return &BusNotifier{
		publisher: publisher,
		fallback:  NewLogNotifier(),
	}
}

// Notify publishes the notice and logs it
func (n *BusNotifier) Notify(ctx context.Context, notice Notice) {
	n.fallback.Notify(ctx, notice)

	if n.publisher == nil {
		return
	}
	if err := n.publisher.SendMessage(ctx, notice); err != nil {
		log.Warn().Err(err).Str("title", notice.Title).Msg("Failed to publish notice to event queue")
	}
}
