package main

import (
	"bytes"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-relay/config"
	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/health"
	"github.com/glimte/mmate-relay/internal/reliability"
	"github.com/glimte/mmate-relay/topology"
)

func captured() (*cobra.Command, *bytes.Buffer) {
	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)
	return cmd, &buf
}

func TestRawEnvelope(t *testing.T) {
	t.Run("valid payload", func(t *testing.T) {
		env, err := rawEnvelope("ScanServer", []byte(`{"serverId":"srv-1"}`), "corr-1")
		require.NoError(t, err)
		assert.Equal(t, "ScanServer", env.Type)
		assert.Equal(t, "corr-1", env.CorrelationID)
		assert.NotEmpty(t, env.ID)
		assert.JSONEq(t, `{"serverId":"srv-1"}`, string(env.Payload))
	})

	t.Run("generated correlation", func(t *testing.T) {
		env, err := rawEnvelope("ScanServer", []byte(`{}`), "")
		require.NoError(t, err)
		assert.NotEmpty(t, env.CorrelationID)
	})

	t.Run("invalid JSON", func(t *testing.T) {
		_, err := rawEnvelope("ScanServer", []byte(`{not json`), "")
		assert.ErrorIs(t, err, contracts.ErrSerialization)
	})

	t.Run("missing type", func(t *testing.T) {
		_, err := rawEnvelope("", []byte(`{}`), "")
		assert.Error(t, err)
	})
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}

func TestPrintHealth(t *testing.T) {
	cmd, buf := captured()
	cfg := config.Default()
	cfg.Broker.Password = "secret"

	printHealth(cmd, cfg, health.Result{
		Name:     health.CheckName,
		Status:   health.StatusUnhealthy,
		Reason:   "unreachable: connection refused",
		Duration: 12 * time.Millisecond,
	})

	out := buf.String()
	assert.Contains(t, out, "messagequeue")
	assert.Contains(t, out, "unhealthy")
	assert.Contains(t, out, "unreachable")
	assert.NotContains(t, out, "secret")
}

func TestPrintTopology(t *testing.T) {
	desc, err := topology.New(topology.Spec{
		Exchanges: []topology.Exchange{{Name: "inventory.commands", Kind: topology.KindDirect, Durable: true}},
		Queues: []topology.Queue{
			{Name: "scanner", Durable: true, Exchange: "inventory.commands", RoutingKey: "ScanServer", DeadLetter: true},
		},
		DeadLetter: &topology.DeadLetter{Exchange: "relay.dlx", Queue: "relay.dlq"},
	})
	require.NoError(t, err)

	cmd, buf := captured()
	printTopology(cmd, desc)

	out := buf.String()
	assert.Contains(t, out, "inventory.commands")
	assert.Contains(t, out, "scanner")
	assert.Contains(t, out, "relay.dlx -> relay.dlq")
}

func TestPrintDeadLetters(t *testing.T) {
	t.Run("empty queue", func(t *testing.T) {
		cmd, buf := captured()
		printDeadLetters(cmd, "relay.dlq", nil)
		assert.Contains(t, buf.String(), "No messages in relay.dlq")
	})

	t.Run("metadata is shown", func(t *testing.T) {
		meta := reliability.DLQMetadata{
			Reason:        "max retries exceeded",
			LastError:     "disk full",
			Attempts:      3,
			OriginalQueue: "scanner",
			FailedAt:      time.Now(),
		}
		cmd, buf := captured()
		printDeadLetters(cmd, "relay.dlq", []amqp.Delivery{{
			MessageId: "m-1",
			Type:      "ScanServer",
			Headers:   amqp.Table(meta.Headers()),
			Body:      []byte(`{"serverId":"srv-1"}`),
		}})

		out := buf.String()
		assert.Contains(t, out, "m-1")
		assert.Contains(t, out, "Attempts: 3")
		assert.Contains(t, out, "queue=scanner")
		assert.Contains(t, out, "disk full")
	})
}
