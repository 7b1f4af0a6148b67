// Package serialization converts messages and envelopes to and from the bytes
// carried by the broker. JSON is the default encoding.
package serialization
