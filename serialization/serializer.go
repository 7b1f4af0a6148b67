package serialization

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/glimte/mmate-relay/contracts"
)

// Serializer converts messages to and from transport payloads
type Serializer interface {
	// ContentType identifies the encoding on the wire
	ContentType() string

	// Serialize encodes v
	Serialize(v any) ([]byte, error)

	// Deserialize decodes data into target, which must be a non-nil pointer
	Deserialize(data []byte, target any) error

	// DeserializeType decodes data into a new value of type t and returns a pointer to it
	DeserializeType(data []byte, t reflect.Type) (any, error)
}

// Decode decodes data into a new T. Pointer types are allocated.
func Decode[T any](s Serializer, data []byte) (T, error) {
	var zero T
	rt := reflect.TypeOf((*T)(nil)).Elem()
	if rt.Kind() == reflect.Ptr {
		v, err := s.DeserializeType(data, rt.Elem())
		if err != nil {
			return zero, err
		}
		return v.(T), nil
	}

	var v T
	if err := s.Deserialize(data, &v); err != nil {
		return zero, err
	}
	return v, nil
}

// Registry selects a serializer by content type
type Registry struct {
	mu          sync.RWMutex
	serializers map[string]Serializer
	def         Serializer
}

// NewRegistry creates a registry whose default serializer is def
func NewRegistry(def Serializer, others ...Serializer) *Registry {
	r := &Registry{
		serializers: make(map[string]Serializer),
		def:         def,
	}
	r.Register(def)
	for _, s := range others {
		r.Register(s)
	}
	return r
}

// Register adds or replaces a serializer for its content type
func (r *Registry) Register(s Serializer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.serializers[normalizeContentType(s.ContentType())] = s
}

// Default returns the serializer used for publishing
func (r *Registry) Default() Serializer {
	return r.def
}

// Lookup returns the serializer for a content type header. An empty header
// selects the default serializer.
func (r *Registry) Lookup(contentType string) (Serializer, error) {
	if contentType == "" {
		return r.def, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.serializers[normalizeContentType(contentType)]
	if !ok {
		return nil, fmt.Errorf("%w: no serializer for content type %q", contracts.ErrMalformedPayload, contentType)
	}
	return s, nil
}

func normalizeContentType(ct string) string {
	ct, _, _ = strings.Cut(ct, ";")
	return strings.ToLower(strings.TrimSpace(ct))
}
