package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-relay/config"
	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/health"
	"github.com/glimte/mmate-relay/internal/reliability"
	"github.com/glimte/mmate-relay/topology"
)

// rawEnvelope wraps a JSON payload given on the command line
func rawEnvelope(messageType string, payload []byte, correlationID string) (contracts.Envelope, error) {
	if messageType == "" {
		return contracts.Envelope{}, errors.New("message type is required")
	}
	if !sonic.Valid(payload) {
		return contracts.Envelope{}, fmt.Errorf("%w: payload is not valid JSON", contracts.ErrSerialization)
	}

	msg := contracts.NewBaseMessage(messageType)
	var opts []contracts.EnvelopeOption
	if correlationID != "" {
		opts = append(opts, contracts.WithCorrelationID(correlationID))
	}
	return contracts.NewEnvelope(&msg, payload, opts...), nil
}

func printHealth(cmd *cobra.Command, cfg config.Config, result health.Result) {
	cmd.Printf("Broker:   %s\n", cfg.Broker.RedactedURL())
	cmd.Printf("Check:    %s\n", result.Name)
	cmd.Printf("Status:   %s\n", result.Status)
	if result.Reason != "" {
		cmd.Printf("Reason:   %s\n", result.Reason)
	}
	cmd.Printf("Duration: %s\n", result.Duration.Truncate(time.Millisecond))
}

func printTopology(cmd *cobra.Command, desc *topology.Descriptor) {
	cmd.Printf("%-40s %-20s %-10s\n", "Exchange", "Kind", "Durable")
	cmd.Println(strings.Repeat("-", 72))
	for _, e := range desc.Exchanges() {
		kind, _ := topology.ExchangeArguments(e)
		cmd.Printf("%-40s %-20s %-10t\n", truncate(e.Name, 40), kind, e.Durable)
	}

	cmd.Println()
	cmd.Printf("%-30s %-30s %-25s %-12s\n", "Queue", "Exchange", "Routing Key", "Dead-letter")
	cmd.Println(strings.Repeat("-", 100))
	for _, q := range desc.Queues() {
		exchange := q.Exchange
		if exchange == "" {
			exchange = "(default)"
		}
		cmd.Printf("%-30s %-30s %-25s %-12t\n",
			truncate(q.Name, 30), truncate(exchange, 30), truncate(q.RoutingKey, 25), q.DeadLetter)
	}

	if dl, ok := desc.DeadLetter(); ok {
		cmd.Println()
		cmd.Printf("Dead-letter: %s -> %s (key %q)\n", dl.Exchange, dl.Queue, dl.RoutingKey)
	}
}

func printDeadLetters(cmd *cobra.Command, queue string, messages []amqp.Delivery) {
	if len(messages) == 0 {
		cmd.Printf("No messages in %s\n", queue)
		return
	}

	for i, msg := range messages {
		meta := reliability.ExtractMetadata(msg.Headers)
		cmd.Printf("Message %d:\n", i+1)
		cmd.Printf("  ID: %s\n", msg.MessageId)
		cmd.Printf("  Type: %s\n", msg.Type)
		cmd.Printf("  Correlation ID: %s\n", msg.CorrelationId)
		cmd.Printf("  Reason: %s\n", meta.Reason)
		cmd.Printf("  Attempts: %d\n", meta.Attempts)
		cmd.Printf("  Original: queue=%s exchange=%s key=%s\n",
			meta.OriginalQueue, meta.OriginalExchange, meta.OriginalRoutingKey)
		if !meta.FailedAt.IsZero() {
			cmd.Printf("  Failed At: %s\n", meta.FailedAt.Format(time.RFC3339))
		}
		if meta.LastError != "" {
			cmd.Printf("  Last Error: %s\n", truncate(meta.LastError, 200))
		}
		cmd.Printf("  Body Preview: %s\n", truncate(string(msg.Body), 100))
		cmd.Println(strings.Repeat("-", 60))
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
