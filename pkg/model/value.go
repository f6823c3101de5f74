package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Kind identifies which variant a Value holds.
type Kind string

const (
	// KindUndefined is the kind of the zero Value.
	KindUndefined Kind = "UNDEFINED"

	// KindString holds a string.
	KindString Kind = "STRING"

	// KindInt holds a signed 64-bit integer.
	KindInt Kind = "INT"

	// KindBool holds a boolean.
	KindBool Kind = "BOOLEAN"

	// KindObject holds an insertion-ordered set of named values.
	KindObject Kind = "OBJECT"

	// KindList holds an ordered list of values.
	KindList Kind = "LIST"

	// KindExpression holds an unresolved "${...}" placeholder.
	KindExpression Kind = "EXPRESSION"
)

// Validate checks if the kind is one of the known kinds.
func (k Kind) Validate() error {
	switch k {
	case KindUndefined, KindString, KindInt, KindBool, KindObject, KindList, KindExpression:
		return nil
	default:
		return fmt.Errorf("invalid value kind: %s", k)
	}
}

// exprKey is the distinguished single key of the JSON expression wrapper.
const exprKey = "$expr"

// Value is an immutable tagged variant. The zero Value is undefined.
// Builders such as With and Append return a new Value and never alter the receiver.
type Value struct {
	kind   Kind
	s      string
	i      int64
	b      bool
	keys   []string
	fields map[string]Value
	items  []Value
}

// Undefined is the undefined value.
var Undefined = Value{}

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Int returns an integer value.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Expression returns an unresolved expression value such as "${jboss.bind.address:127.0.0.1}".
func Expression(expr string) Value { return Value{kind: KindExpression, s: expr} }

// EmptyObject returns an object value with no keys.
func EmptyObject() Value { return Value{kind: KindObject, fields: map[string]Value{}} }

// EmptyList returns a list value with no elements.
func EmptyList() Value { return Value{kind: KindList} }

// List returns a list value holding items.
func List(items ...Value) Value {
	cp := make([]Value, len(items))
	copy(cp, items)
	return Value{kind: KindList, items: cp}
}

// Object builds an object from alternating key/value pairs in order.
func Object(pairs ...any) Value {
	obj := EmptyObject()
	for i := 0; i+1 < len(pairs); i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			panic(fmt.Sprintf("model.Object: key at %d is %T, not string", i, pairs[i]))
		}
		obj = obj.With(key, ValueOf(pairs[i+1]))
	}
	return obj
}

// Kind returns the variant held by v.
func (v Value) Kind() Kind {
	if v.kind == "" {
		return KindUndefined
	}
	return v.kind
}

// IsDefined reports whether v holds anything.
func (v Value) IsDefined() bool { return v.Kind() != KindUndefined }

// IsExpression reports whether v is an unresolved expression.
func (v Value) IsExpression() bool { return v.kind == KindExpression }

// AsString converts v to a string. Objects and lists are rendered as JSON.
func (v Value) AsString() (string, error) {
	switch v.Kind() {
	case KindString, KindExpression:
		return v.s, nil
	case KindInt:
		return strconv.FormatInt(v.i, 10), nil
	case KindBool:
		return strconv.FormatBool(v.b), nil
	case KindUndefined:
		return "", fmt.Errorf("cannot convert %s to %s", KindUndefined, KindString)
	default:
		return v.String(), nil
	}
}

// AsInt converts v to an integer. Strings must hold a base-10 integer.
func (v Value) AsInt() (int64, error) {
	switch v.Kind() {
	case KindInt:
		return v.i, nil
	case KindString:
		i, err := strconv.ParseInt(strings.TrimSpace(v.s), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("cannot convert %q to %s", v.s, KindInt)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("cannot convert %s to %s", v.Kind(), KindInt)
	}
}

// AsBool converts v to a boolean. Strings must be "true" or "false".
func (v Value) AsBool() (bool, error) {
	switch v.Kind() {
	case KindBool:
		return v.b, nil
	case KindString:
		switch strings.ToLower(strings.TrimSpace(v.s)) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		return false, fmt.Errorf("cannot convert %q to %s", v.s, KindBool)
	default:
		return false, fmt.Errorf("cannot convert %s to %s", v.Kind(), KindBool)
	}
}

// StringOr returns the string form of v, or def when v is undefined or not convertible.
func (v Value) StringOr(def string) string {
	if s, err := v.AsString(); err == nil {
		return s
	}
	return def
}

// IntOr returns the integer form of v, or def when v is undefined or not convertible.
func (v Value) IntOr(def int64) int64 {
	if i, err := v.AsInt(); err == nil {
		return i
	}
	return def
}

// BoolOr returns the boolean form of v, or def when v is undefined or not convertible.
func (v Value) BoolOr(def bool) bool {
	if b, err := v.AsBool(); err == nil {
		return b
	}
	return def
}

// Get returns the value stored under key, or Undefined.
func (v Value) Get(key string) Value {
	if v.kind != KindObject {
		return Undefined
	}
	return v.fields[key]
}

// Has reports whether the object holds key.
func (v Value) Has(key string) bool {
	if v.kind != KindObject {
		return false
	}
	_, ok := v.fields[key]
	return ok
}

// Keys returns the object keys in insertion order.
func (v Value) Keys() []string {
	if v.kind != KindObject {
		return nil
	}
	keys := make([]string, len(v.keys))
	copy(keys, v.keys)
	return keys
}

// Len returns the number of keys of an object or elements of a list.
func (v Value) Len() int {
	switch v.kind {
	case KindObject:
		return len(v.keys)
	case KindList:
		return len(v.items)
	default:
		return 0
	}
}

// Items returns the elements of a list.
func (v Value) Items() []Value {
	if v.kind != KindList {
		return nil
	}
	items := make([]Value, len(v.items))
	copy(items, v.items)
	return items
}

// Index returns the i-th list element, or Undefined.
func (v Value) Index(i int) Value {
	if v.kind != KindList || i < 0 || i >= len(v.items) {
		return Undefined
	}
	return v.items[i]
}

// With returns a copy of the object with key set to val. A non-object receiver starts empty.
// Existing keys keep their position.
func (v Value) With(key string, val Value) Value {
	out := Value{kind: KindObject, fields: make(map[string]Value, len(v.fields)+1)}
	if v.kind == KindObject {
		out.keys = make([]string, len(v.keys), len(v.keys)+1)
		copy(out.keys, v.keys)
		for k, f := range v.fields {
			out.fields[k] = f
		}
	}
	if _, ok := out.fields[key]; !ok {
		out.keys = append(out.keys, key)
	}
	out.fields[key] = val
	return out
}

// Without returns a copy of the object lacking key.
func (v Value) Without(key string) Value {
	if v.kind != KindObject {
		return v
	}
	if _, ok := v.fields[key]; !ok {
		return v
	}
	out := Value{kind: KindObject, fields: make(map[string]Value, len(v.fields))}
	for _, k := range v.keys {
		if k == key {
			continue
		}
		out.keys = append(out.keys, k)
		out.fields[k] = v.fields[k]
	}
	return out
}

// Append returns a copy of the list with items added at the end. A non-list receiver starts empty.
func (v Value) Append(items ...Value) Value {
	out := Value{kind: KindList}
	if v.kind == KindList {
		out.items = make([]Value, len(v.items), len(v.items)+len(items))
		copy(out.items, v.items)
	}
	out.items = append(out.items, items...)
	return out
}

// Equal reports structural equality. Object key order is not significant.
func (v Value) Equal(o Value) bool {
	if v.Kind() != o.Kind() {
		return false
	}
	switch v.Kind() {
	case KindUndefined:
		return true
	case KindString, KindExpression:
		return v.s == o.s
	case KindInt:
		return v.i == o.i
	case KindBool:
		return v.b == o.b
	case KindList:
		if len(v.items) != len(o.items) {
			return false
		}
		for i := range v.items {
			if !v.items[i].Equal(o.items[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(v.keys) != len(o.keys) {
			return false
		}
		for k, f := range v.fields {
			of, ok := o.fields[k]
			if !ok || !f.Equal(of) {
				return false
			}
		}
		return true
	}
	return false
}

// ContainsExpression reports whether v or any nested value is an expression.
func (v Value) ContainsExpression() bool {
	switch v.kind {
	case KindExpression:
		return true
	case KindObject:
		for _, f := range v.fields {
			if f.ContainsExpression() {
				return true
			}
		}
	case KindList:
		for _, item := range v.items {
			if item.ContainsExpression() {
				return true
			}
		}
	}
	return false
}

// String renders v as JSON.
func (v Value) String() string {
	var buf bytes.Buffer
	v.writeJSON(&buf)
	return buf.String()
}

// MarshalJSON encodes v. Expressions use the {"$expr": "..."} wrapper.
func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	v.writeJSON(&buf)
	return buf.Bytes(), nil
}

func (v Value) writeJSON(buf *bytes.Buffer) {
	switch v.Kind() {
	case KindUndefined:
		buf.WriteString("null")
	case KindString:
		writeJSONString(buf, v.s)
	case KindExpression:
		buf.WriteString(`{"` + exprKey + `":`)
		writeJSONString(buf, v.s)
		buf.WriteByte('}')
	case KindInt:
		buf.WriteString(strconv.FormatInt(v.i, 10))
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.b))
	case KindList:
		buf.WriteByte('[')
		for i, item := range v.items {
			if i > 0 {
				buf.WriteByte(',')
			}
			item.writeJSON(buf)
		}
		buf.WriteByte(']')
	case KindObject:
		buf.WriteByte('{')
		for i, k := range v.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeJSONString(buf, k)
			buf.WriteByte(':')
			v.fields[k].writeJSON(buf)
		}
		buf.WriteByte('}')
	}
}

func writeJSONString(buf *bytes.Buffer, s string) {
	b, _ := json.Marshal(s)
	buf.Write(b)
}

// UnmarshalJSON decodes v, keeping object key order.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	val, err := decodeValue(dec)
	if err != nil {
		return err
	}
	*v = val
	return nil
}

// ParseJSON decodes a Value from JSON text.
func ParseJSON(data []byte) (Value, error) {
	var v Value
	if err := v.UnmarshalJSON(data); err != nil {
		return Undefined, err
	}
	return v, nil
}

func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Undefined, err
	}

	switch t := tok.(type) {
	case nil:
		return Undefined, nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case json.Number:
		i, err := t.Int64()
		if err != nil {
			return Undefined, fmt.Errorf("unsupported number %s: only integers are allowed", t)
		}
		return Int(i), nil
	case json.Delim:
		switch t {
		case '[':
			out := Value{kind: KindList}
			for dec.More() {
				item, err := decodeValue(dec)
				if err != nil {
					return Undefined, err
				}
				out.items = append(out.items, item)
			}
			if _, err := dec.Token(); err != nil {
				return Undefined, err
			}
			return out, nil
		case '{':
			out := EmptyObject()
			for dec.More() {
				kt, err := dec.Token()
				if err != nil {
					return Undefined, err
				}
				key, ok := kt.(string)
				if !ok {
					return Undefined, fmt.Errorf("unexpected object key %v", kt)
				}
				item, err := decodeValue(dec)
				if err != nil {
					return Undefined, err
				}
				if _, seen := out.fields[key]; !seen {
					out.keys = append(out.keys, key)
				}
				out.fields[key] = item
			}
			if _, err := dec.Token(); err != nil {
				return Undefined, err
			}
			if len(out.keys) == 1 && out.keys[0] == exprKey && out.fields[exprKey].kind == KindString {
				return Expression(out.fields[exprKey].s), nil
			}
			return out, nil
		}
	}
	return Undefined, fmt.Errorf("unexpected JSON token %v", tok)
}

// ValueOf converts a plain Go value into a Value. Maps are ordered by key.
// Strings containing "${" become expressions, as configuration parsers expect.
func ValueOf(x any) Value {
	switch t := x.(type) {
	case nil:
		return Undefined
	case Value:
		return t
	case string:
		if strings.Contains(t, "${") {
			return Expression(t)
		}
		return String(t)
	case bool:
		return Bool(t)
	case int:
		return Int(int64(t))
	case int32:
		return Int(int64(t))
	case int64:
		return Int(t)
	case uint16:
		return Int(int64(t))
	case float64:
		if t == float64(int64(t)) {
			return Int(int64(t))
		}
		return String(strconv.FormatFloat(t, 'f', -1, 64))
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i)
		}
		return String(t.String())
	case []string:
		out := Value{kind: KindList}
		for _, s := range t {
			out.items = append(out.items, ValueOf(s))
		}
		return out
	case []any:
		out := Value{kind: KindList}
		for _, item := range t {
			out.items = append(out.items, ValueOf(item))
		}
		return out
	case map[string]string:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := EmptyObject()
		for _, k := range keys {
			out = out.With(k, ValueOf(t[k]))
		}
		return out
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := EmptyObject()
		for _, k := range keys {
			out = out.With(k, ValueOf(t[k]))
		}
		return out
	default:
		return String(fmt.Sprint(t))
	}
}

// Interface converts v to plain Go values (map[string]any, []any, string, int64, bool, nil).
// Expressions keep their wrapper form.
func (v Value) Interface() any {
	switch v.Kind() {
	case KindString:
		return v.s
	case KindExpression:
		return map[string]any{exprKey: v.s}
	case KindInt:
		return v.i
	case KindBool:
		return v.b
	case KindList:
		out := make([]any, len(v.items))
		for i, item := range v.items {
			out[i] = item.Interface()
		}
		return out
	case KindObject:
		out := make(map[string]any, len(v.keys))
		for _, k := range v.keys {
			out[k] = v.fields[k].Interface()
		}
		return out
	default:
		return nil
	}
}
