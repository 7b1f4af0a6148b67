package reliability

import (
	"strconv"
	"time"
	"unicode/utf8"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Headers written on messages as they move through retry and dead-lettering
const (
	HeaderRetryCount         = "x-retry-count"
	HeaderDeathReason        = "x-death-reason"
	HeaderLastError          = "x-last-error"
	HeaderFinalAttemptCount  = "x-final-attempt-count"
	HeaderOriginalQueue      = "x-original-queue"
	HeaderOriginalExchange   = "x-original-exchange"
	HeaderOriginalRoutingKey = "x-original-routing-key"
	HeaderFailedAt           = "x-failed-at"
	HeaderDeath              = "x-death"
	HeaderDeliveryCount      = "x-delivery-count"
)

// Reasons recorded in HeaderDeathReason
const (
	ReasonMalformedPayload = "malformed-payload"
	ReasonUnknownType      = "unknown-message-type"
	ReasonPermanentFailure = "permanent-failure"
	ReasonRetriesExhausted = "retries-exhausted"
)

const maxErrorHeaderLength = 1024

// DLQMetadata describes why a message was dead-lettered
type DLQMetadata struct {
	Reason             string
	LastError          string
	Attempts           int
	OriginalQueue      string
	OriginalExchange   string
	OriginalRoutingKey string
	FailedAt           time.Time
}

// Headers returns the annotation headers for a dead-lettered copy
func (m DLQMetadata) Headers() map[string]any {
	lastErr := TruncateUTF8(m.LastError, maxErrorHeaderLength)
	failedAt := m.FailedAt
	if failedAt.IsZero() {
		failedAt = time.Now()
	}

	return map[string]any{
		HeaderDeathReason:        m.Reason,
		HeaderLastError:          lastErr,
		HeaderFinalAttemptCount:  int64(m.Attempts),
		HeaderOriginalQueue:      m.OriginalQueue,
		HeaderOriginalExchange:   m.OriginalExchange,
		HeaderOriginalRoutingKey: m.OriginalRoutingKey,
		HeaderFailedAt:           failedAt.UTC().Format(time.RFC3339Nano),
	}
}

// ExtractMetadata reads dead-letter metadata from message headers. Our own
// annotations win; the broker's x-death record fills the gaps for messages
// the broker dead-lettered by itself.
func ExtractMetadata(headers map[string]any) DLQMetadata {
	metadata := DLQMetadata{
		Reason:             HeaderString(headers, HeaderDeathReason),
		LastError:          HeaderString(headers, HeaderLastError),
		Attempts:           HeaderInt(headers, HeaderFinalAttemptCount),
		OriginalQueue:      HeaderString(headers, HeaderOriginalQueue),
		OriginalExchange:   HeaderString(headers, HeaderOriginalExchange),
		OriginalRoutingKey: HeaderString(headers, HeaderOriginalRoutingKey),
	}
	if ts := HeaderString(headers, HeaderFailedAt); ts != "" {
		metadata.FailedAt, _ = time.Parse(time.RFC3339Nano, ts)
	}

	death, ok := firstDeath(headers)
	if !ok {
		return metadata
	}
	if metadata.OriginalQueue == "" {
		metadata.OriginalQueue = HeaderString(death, "queue")
	}
	if metadata.OriginalExchange == "" {
		metadata.OriginalExchange = HeaderString(death, "exchange")
	}
	if metadata.Reason == "" {
		metadata.Reason = HeaderString(death, "reason")
	}
	if metadata.OriginalRoutingKey == "" {
		if keys, ok := death["routing-keys"].([]any); ok && len(keys) > 0 {
			metadata.OriginalRoutingKey, _ = keys[0].(string)
		}
	}
	if metadata.Attempts == 0 {
		metadata.Attempts = HeaderInt(death, "count")
	}
	if metadata.FailedAt.IsZero() {
		if ts, ok := death["time"].(time.Time); ok {
			metadata.FailedAt = ts
		}
	}
	return metadata
}

// DeathCount sums the broker's x-death counts for queue
func DeathCount(headers map[string]any, queue string) int {
	deaths, ok := headers[HeaderDeath].([]any)
	if !ok {
		return 0
	}
	total := 0
	for _, d := range deaths {
		entry := asMap(d)
		if entry == nil || HeaderString(entry, "queue") != queue {
			continue
		}
		if reason := HeaderString(entry, "reason"); reason == "expired" {
			continue
		}
		total += HeaderInt(entry, "count")
	}
	return total
}

func firstDeath(headers map[string]any) (map[string]any, bool) {
	deaths, ok := headers[HeaderDeath].([]any)
	if !ok || len(deaths) == 0 {
		return nil, false
	}
	entry := asMap(deaths[0])
	return entry, entry != nil
}

func asMap(v any) map[string]any {
	switch t := v.(type) {
	case amqp.Table:
		return t
	case map[string]any:
		return t
	}
	return nil
}

// TruncateUTF8 cuts s to at most limit bytes without splitting a rune
func TruncateUTF8(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}

// HeaderString safely extracts a string from headers
func HeaderString(headers map[string]any, key string) string {
	switch val := headers[key].(type) {
	case string:
		return val
	case []byte:
		return string(val)
	}
	return ""
}

// HeaderInt safely extracts an int from headers
func HeaderInt(headers map[string]any, key string) int {
	switch val := headers[key].(type) {
	case int:
		return val
	case int8:
		return int(val)
	case int16:
		return int(val)
	case int32:
		return int(val)
	case int64:
		return int(val)
	case uint8:
		return int(val)
	case uint16:
		return int(val)
	case uint32:
		return int(val)
	case float32:
		return int(val)
	case float64:
		return int(val)
	case string:
		n, _ := strconv.Atoi(val)
		return n
	}
	return 0
}
