package serialization

import (
	"bytes"
	"fmt"
	"reflect"

	"github.com/bytedance/sonic"

	"github.com/glimte/mmate-relay/contracts"
)

// ContentTypeJSON is the content type written by JSONSerializer
const ContentTypeJSON = "application/json"

var jsonNull = []byte("null")

// JSONSerializer encodes messages as JSON
type JSONSerializer struct {
	api sonic.API
}

// NewJSONSerializer creates a JSON serializer compatible with encoding/json
func NewJSONSerializer() *JSONSerializer {
	return &JSONSerializer{api: sonic.ConfigStd}
}

// ContentType implements Serializer
func (s *JSONSerializer) ContentType() string {
	return ContentTypeJSON
}

// Serialize implements Serializer
func (s *JSONSerializer) Serialize(v any) ([]byte, error) {
	if v == nil {
		return nil, fmt.Errorf("%w: nil value", contracts.ErrSerialization)
	}
	data, err := s.api.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", contracts.ErrSerialization, err)
	}
	return data, nil
}

// Deserialize implements Serializer. Empty input, whitespace and a bare null
// are rejected rather than decoded to a zero value.
func (s *JSONSerializer) Deserialize(data []byte, target any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return fmt.Errorf("%w: empty payload", contracts.ErrMalformedPayload)
	}
	if bytes.Equal(trimmed, jsonNull) {
		return fmt.Errorf("%w: null payload", contracts.ErrMalformedPayload)
	}
	if rv := reflect.ValueOf(target); rv.Kind() != reflect.Ptr || rv.IsNil() {
		return fmt.Errorf("%w: target must be a non-nil pointer, got %T", contracts.ErrSerialization, target)
	}
	if !s.api.Valid(trimmed) {
		return fmt.Errorf("%w: invalid JSON", contracts.ErrMalformedPayload)
	}
	if err := s.api.Unmarshal(trimmed, target); err != nil {
		return fmt.Errorf("%w: %v", contracts.ErrMalformedPayload, err)
	}
	return nil
}

// DeserializeType implements Serializer
func (s *JSONSerializer) DeserializeType(data []byte, t reflect.Type) (any, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: nil target type", contracts.ErrSerialization)
	}
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	v := reflect.New(t)
	if err := s.Deserialize(data, v.Interface()); err != nil {
		return nil, err
	}
	return v.Interface(), nil
}
