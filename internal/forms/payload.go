package forms

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ValueKind tags the variant held by a FieldValue.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindString
	KindNumber
	KindBool
	KindList
)

// ErrUnsupportedValue indicates a payload value outside the string/number/boolean/list union.
var ErrUnsupportedValue = errors.New("forms: unsupported payload value")

// FieldValue holds one answer in a submission payload.
type FieldValue struct {
	kind    ValueKind
	text    string
	number  float64
	boolean bool
	items   []FieldValue
}

// StringValue wraps a string answer.
func StringValue(value string) FieldValue {
	return FieldValue{kind: KindString, text: value}
}

// NumberValue wraps a numeric answer.
func NumberValue(value float64) FieldValue {
	return FieldValue{kind: KindNumber, number: value}
}

// BoolValue wraps a boolean answer.
func BoolValue(value bool) FieldValue {
	return FieldValue{kind: KindBool, boolean: value}
}

// ListValue wraps a multi-valued answer.
func ListValue(items ...FieldValue) FieldValue {
	copied := make([]FieldValue, len(items))
	copy(copied, items)
	return FieldValue{kind: KindList, items: copied}
}

// NullValue represents an explicit absence of an answer.
func NullValue() FieldValue {
	return FieldValue{}
}

// Kind returns the active variant.
func (v FieldValue) Kind() ValueKind {
	return v.kind
}

// AsString returns the string variant.
func (v FieldValue) AsString() (string, bool) {
	return v.text, v.kind == KindString
}

// AsNumber returns the number variant.
func (v FieldValue) AsNumber() (float64, bool) {
	return v.number, v.kind == KindNumber
}

// AsBool returns the boolean variant.
func (v FieldValue) AsBool() (bool, bool) {
	return v.boolean, v.kind == KindBool
}

// AsList returns the list variant.
func (v FieldValue) AsList() ([]FieldValue, bool) {
	return v.items, v.kind == KindList
}

// IsEmpty reports whether the value counts as missing for required-field checks.
func (v FieldValue) IsEmpty() bool {
	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return strings.TrimSpace(v.text) == ""
	case KindList:
		return len(v.items) == 0
	default:
		return false
	}
}

// String renders the value for display and search.
func (v FieldValue) String() string {
	switch v.kind {
	case KindString:
		return v.text
	case KindNumber:
		return strconv.FormatFloat(v.number, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.boolean)
	case KindList:
		parts := make([]string, 0, len(v.items))
		for _, item := range v.items {
			parts = append(parts, item.String())
		}
		return strings.Join(parts, ", ")
	default:
		return ""
	}
}

// Equal compares two values structurally.
func (v FieldValue) Equal(other FieldValue) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.text == other.text
	case KindNumber:
		return v.number == other.number
	case KindBool:
		return v.boolean == other.boolean
	case KindList:
		if len(v.items) != len(other.items) {
			return false
		}
		for index := range v.items {
			if !v.items[index].Equal(other.items[index]) {
				return false
			}
		}
		return true
	default:
		return true
	}
}

// MarshalJSON encodes the active variant as plain JSON.
func (v FieldValue) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return marshalVerbatim(v.text)
	case KindNumber:
		return json.Marshal(v.number)
	case KindBool:
		return json.Marshal(v.boolean)
	case KindList:
		if v.items == nil {
			return []byte("[]"), nil
		}
		return marshalVerbatim(v.items)
	default:
		return []byte("null"), nil
	}
}

// marshalVerbatim encodes without escaping HTML characters so stored payloads stay searchable.
func marshalVerbatim(value any) ([]byte, error) {
	var buffer bytes.Buffer
	encoder := json.NewEncoder(&buffer)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(value); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buffer.Bytes(), "\n"), nil
}

// UnmarshalJSON decodes plain JSON into the union, rejecting objects.
func (v *FieldValue) UnmarshalJSON(data []byte) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var raw any
	if err := decoder.Decode(&raw); err != nil {
		return err
	}
	converted, err := fieldValueFromAny(raw)
	if err != nil {
		return err
	}
	*v = converted
	return nil
}

func fieldValueFromAny(raw any) (FieldValue, error) {
	switch typed := raw.(type) {
	case nil:
		return NullValue(), nil
	case string:
		return StringValue(typed), nil
	case bool:
		return BoolValue(typed), nil
	case json.Number:
		number, err := typed.Float64()
		if err != nil {
			return FieldValue{}, fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
		}
		return NumberValue(number), nil
	case float64:
		return NumberValue(typed), nil
	case []any:
		items := make([]FieldValue, 0, len(typed))
		for _, element := range typed {
			item, err := fieldValueFromAny(element)
			if err != nil {
				return FieldValue{}, err
			}
			items = append(items, item)
		}
		return FieldValue{kind: KindList, items: items}, nil
	default:
		return FieldValue{}, fmt.Errorf("%w: %T", ErrUnsupportedValue, raw)
	}
}

// Payload maps field ids to answers. Keys not declared by the schema are kept.
type Payload map[string]FieldValue

// ParsePayload decodes a JSON object into a Payload. Empty input yields an empty payload.
func ParsePayload(data []byte) (Payload, error) {
	payload := Payload{}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return payload, nil
	}
	if err := json.Unmarshal(trimmed, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// Keys returns the payload keys in sorted order.
func (p Payload) Keys() []string {
	keys := make([]string, 0, len(p))
	for key := range p {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a shallow copy safe for independent mutation of keys.
func (p Payload) Clone() Payload {
	cloned := make(Payload, len(p))
	for key, value := range p {
		cloned[key] = value
	}
	return cloned
}
