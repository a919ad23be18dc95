package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"example.com/tradeworks/services/billing/internal/tracing"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/rs/zerolog/log"
)

// ServiceBusClient is an interface for Azure Service Bus send operations
type ServiceBusClient interface {
	SendMessage(ctx context.Context, body interface{}) error
	Close() error
}

// serviceBusClient implements the ServiceBusClient interface
type serviceBusClient struct {
	client     *azservicebus.Client
	sender     *azservicebus.Sender
	queueName  string
	clientType string
}

// NewSender creates a new Azure Service Bus sender for a queue
func NewSender(connStr, queueName, clientType string) (ServiceBusClient, error) {
	if connStr == "" {
		return nil, fmt.Errorf("Azure Service Bus connection string is empty")
	}

	// Create the Service Bus client
	client, err := azservicebus.NewClientFromConnectionString(connStr, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus client: %w", err)
	}

	// Create a sender for the queue
	sender, err := client.NewSender(queueName, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus sender: %w", err)
	}

	return &serviceBusClient{
		client:     client,
		sender:     sender,
		queueName:  queueName,
		clientType: clientType,
	}, nil
}

// SendMessage sends a message to the Service Bus queue
func (s *serviceBusClient) SendMessage(ctx context.Context, body interface{}) error {
	// Convert the body to JSON
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal message body: %w", err)
	}

	// Create the message
	msg := &azservicebus.Message{
		Body: data,
		ApplicationProperties: map[string]interface{}{
			"source": s.clientType,
			"time":   time.Now().UTC().Format(time.RFC3339),
		},
	}

	// Send the message
	return s.sender.SendMessage(ctx, msg, nil)
}

// Close closes the Service Bus client
func (s *serviceBusClient) Close() error {
	// Close the sender
	if s.sender != nil {
		if err := s.sender.Close(context.Background()); err != nil {
			return err
		}
	}

	// Close the client
	if s.client != nil {
		return s.client.Close(context.Background())
	}

	return nil
}

// MessageHandler processes one received queue message
type MessageHandler func(ctx context.Context, message *azservicebus.ReceivedMessage, txn *newrelic.Transaction) error

// Processor consumes messages from a Service Bus queue
type Processor struct {
	client    *azservicebus.Client
	receiver  *azservicebus.Receiver
	queueName string
	tracer    tracing.Tracer
}

// NewProcessor creates a new queue processor
func NewProcessor(connStr, queueName string, tracer tracing.Tracer) (*Processor, error) {
	if connStr == "" {
		return nil, fmt.Errorf("Azure Service Bus connection string is empty")
	}

	client, err := azservicebus.NewClientFromConnectionString(connStr, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus client: %w", err)
	}

	receiver, err := client.NewReceiverForQueue(queueName, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus receiver: %w", err)
	}

	return &Processor{
		client:    client,
		receiver:  receiver,
		queueName: queueName,
		tracer:    tracer,
	}, nil
}

// ProcessMessages receives and dispatches messages until the context is
// cancelled. A handler error abandons the message so the queue redelivers it.
func (p *Processor) ProcessMessages(ctx context.Context, handler MessageHandler) error {
	for {
		select {
		case <-ctx.Done():
			return p.close()
		default:
		}

		messages, err := p.receiver.ReceiveMessages(ctx, 10, nil)
		if err != nil {
			if ctx.Err() != nil {
				return p.close()
			}
			log.Error().Err(err).Str("queue", p.queueName).Msg("Failed to receive messages")
			continue
		}

		for _, message := range messages {
			txn := p.tracer.StartTransaction("process-queue-message")

			if err := handler(ctx, message, txn); err != nil {
				log.Error().
					Err(err).
					Str("queue", p.queueName).
					Str("message_id", message.MessageID).
					Msg("Failed to process message")
				p.tracer.RecordError(txn, err)
				p.tracer.EndTransaction(txn)

				if abandonErr := p.receiver.AbandonMessage(ctx, message, nil); abandonErr != nil {
					log.Error().Err(abandonErr).Str("message_id", message.MessageID).Msg("Failed to abandon message")
				}
				continue
			}

			p.tracer.EndTransaction(txn)

			if completeErr := p.receiver.CompleteMessage(ctx, message, nil); completeErr != nil {
				log.Error().Err(completeErr).Str("message_id", message.MessageID).Msg("Failed to complete message")
			}
		}
	}
}

func (p *Processor) close() error {
	if p.receiver != nil {
		if err := p.receiver.Close(context.Background()); err != nil {
			return err
		}
	}
	if p.client != nil {
		return p.client.Close(context.Background())
	}
	return nil
}
