package reliability

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

func TestDLQMetadataRoundTrip(t *testing.T) {
	failedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	in := DLQMetadata{
		Reason:             ReasonRetriesExhausted,
		LastError:          "scan failed",
		Attempts:           3,
		OriginalQueue:      "scanner.commands",
		OriginalExchange:   "inventory.commands",
		OriginalRoutingKey: "ScanServer",
		FailedAt:           failedAt,
	}

	out := ExtractMetadata(in.Headers())

	assert.Equal(t, in, out)
}

func TestDLQMetadataTruncatesErrors(t *testing.T) {
	h := DLQMetadata{LastError: strings.Repeat("x", 5000)}.Headers()

	assert.Len(t, h[HeaderLastError], maxErrorHeaderLength)
	assert.NotEmpty(t, h[HeaderFailedAt])
}

func TestDLQMetadataTruncatesOnRuneBoundary(t *testing.T) {
	h := DLQMetadata{LastError: "x" + strings.Repeat("é", 600)}.Headers()

	lastErr, ok := h[HeaderLastError].(string)
	assert.True(t, ok)
	assert.True(t, utf8.ValidString(lastErr))
	assert.Len(t, lastErr, maxErrorHeaderLength-1)
}

func TestTruncateUTF8(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		limit int
		want  string
	}{
		{"short", "abc", 10, "abc"},
		{"ascii", "abcdef", 3, "abc"},
		{"inside two byte rune", "aéb", 2, "a"},
		{"after two byte rune", "aéb", 3, "aé"},
		{"inside four byte rune", "🐇🐇", 6, "🐇"},
		{"first rune too long", "🐇", 2, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TruncateUTF8(tt.in, tt.limit)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
		})
	}
}

func TestExtractMetadataFromBrokerDeath(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	headers := amqp.Table{
		HeaderDeath: []any{
			amqp.Table{
				"queue":        "scanner.commands",
				"exchange":     "inventory.commands",
				"reason":       "rejected",
				"count":        int64(2),
				"routing-keys": []any{"ScanServer"},
				"time":         ts,
			},
		},
	}

	m := ExtractMetadata(headers)

	assert.Equal(t, "scanner.commands", m.OriginalQueue)
	assert.Equal(t, "inventory.commands", m.OriginalExchange)
	assert.Equal(t, "rejected", m.Reason)
	assert.Equal(t, "ScanServer", m.OriginalRoutingKey)
	assert.Equal(t, 2, m.Attempts)
	assert.Equal(t, ts, m.FailedAt)
}

func TestDeathCount(t *testing.T) {
	headers := map[string]any{
		HeaderDeath: []any{
			amqp.Table{"queue": "q", "reason": "rejected", "count": int64(2)},
			amqp.Table{"queue": "q.retry.1000", "reason": "expired", "count": int64(2)},
			amqp.Table{"queue": "other", "reason": "rejected", "count": int64(7)},
		},
	}

	assert.Equal(t, 2, DeathCount(headers, "q"))
	assert.Equal(t, 0, DeathCount(nil, "q"))
}

func TestHeaderInt(t *testing.T) {
	h := map[string]any{
		"i": 1, "i32": int32(2), "i64": int64(3), "f": float64(4), "s": "5", "bad": "x", "b": true,
	}

	assert.Equal(t, 1, HeaderInt(h, "i"))
	assert.Equal(t, 2, HeaderInt(h, "i32"))
	assert.Equal(t, 3, HeaderInt(h, "i64"))
	assert.Equal(t, 4, HeaderInt(h, "f"))
	assert.Equal(t, 5, HeaderInt(h, "s"))
	assert.Equal(t, 0, HeaderInt(h, "bad"))
	assert.Equal(t, 0, HeaderInt(h, "b"))
	assert.Equal(t, 0, HeaderInt(h, "missing"))
}
