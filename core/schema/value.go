package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"unicode/utf8"
)

func mismatchf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValueMismatch, fmt.Sprintf(format, args...))
}

// CheckValue validates a stored value against the schema. The first SkipSize bytes
// are an opaque prefix and are kept as they are; the rest must be a JSON object.
//
// Defined fields that are missing from the value but carry a DEFAULT are filled in.
// The returned bool reports whether that happened, in which case the returned bytes
// are the prefix followed by the amended JSON. Otherwise raw is returned unchanged.
func (o *Object) CheckValue(raw []byte) ([]byte, bool, error) {
	if !o.IsValid() {
		return raw, false, ErrInvalidSchema
	}
	if uint64(len(raw)) < uint64(o.skipSize) {
		return nil, false, mismatchf("value shorter than skip size %d", o.skipSize)
	}
	prefix, body := raw[:o.skipSize], raw[o.skipSize:]
	if !json.Valid(body) {
		return nil, false, mismatchf("value is not valid JSON")
	}
	// Decoding replaces invalid UTF-8 with U+FFFD, so an amended value would no
	// longer hold the stored bytes.
	if !utf8.Valid(body) {
		return nil, false, mismatchf("value is not valid UTF-8")
	}
	// SQLite reads the first of two members with the same name, the decoder the last.
	if err := checkUniqueMembers(body); err != nil {
		return nil, false, err
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var root map[string]any
	if err := dec.Decode(&root); err != nil || root == nil {
		return nil, false, mismatchf("value is not a JSON object")
	}

	if o.mode == ModeStrict {
		if err := o.checkStrict(root, nil); err != nil {
			return nil, false, err
		}
	}

	var lacking []Field
	for _, field := range o.Fields() {
		v, found := lookupValue(root, field.Path)
		if !found {
			if field.Attribute.NotNull && !field.Attribute.HasDefault {
				return nil, false, mismatchf("%s is NOT NULL but absent", field.Path)
			}
			if field.Attribute.HasDefault {
				lacking = append(lacking, field)
			}
			continue
		}
		if err := checkValueType(field, v); err != nil {
			return nil, false, err
		}
	}
	if len(lacking) == 0 {
		return raw, false, nil
	}

	for _, field := range lacking {
		if err := insertValue(root, field.Path, field.Attribute.Default); err != nil {
			return nil, false, err
		}
	}
	amended, err := encodeValue(root)
	if err != nil {
		return nil, false, err
	}
	out := make([]byte, 0, len(prefix)+len(amended))
	out = append(out, prefix...)
	out = append(out, amended...)
	return out, true, nil
}

// checkStrict rejects a member that is not defined, below the root or below any
// INTERNAL_OBJECT. Content of leaf objects and arrays is not inspected.
func (o *Object) checkStrict(obj map[string]any, parent FieldPath) error {
	for name, v := range obj {
		path := append(append(FieldPath(nil), parent...), name)
		attr, ok := o.Lookup(path)
		if !ok {
			return mismatchf("%s is not defined in STRICT mode", path)
		}
		if attr.Type != FieldTypeInternalObject {
			continue
		}
		if sub, isObj := v.(map[string]any); isObj {
			if err := o.checkStrict(sub, path); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkUniqueMembers walks body token by token and rejects any object, at any depth,
// that names the same member twice.
func checkUniqueMembers(body []byte) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	return walkMembers(dec, nil)
}

func walkMembers(dec *json.Decoder, parent FieldPath) error {
	tok, err := dec.Token()
	if err != nil {
		return mismatchf("value is not valid JSON")
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		return nil
	}
	switch delim {
	case '{':
		seen := make(map[string]struct{})
		for dec.More() {
			keyTok, err := dec.Token()
			if err != nil {
				return mismatchf("value is not valid JSON")
			}
			key, _ := keyTok.(string)
			path := append(append(FieldPath(nil), parent...), key)
			if _, dup := seen[key]; dup {
				return mismatchf("%s appears more than once", path)
			}
			seen[key] = struct{}{}
			if err := walkMembers(dec, path); err != nil {
				return err
			}
		}
	case '[':
		for dec.More() {
			if err := walkMembers(dec, parent); err != nil {
				return err
			}
		}
	}
	if _, err := dec.Token(); err != nil {
		return mismatchf("value is not valid JSON")
	}
	return nil
}

func lookupValue(root map[string]any, path FieldPath) (any, bool) {
	var cur any = root
	for _, name := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[name]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func insertValue(root map[string]any, path FieldPath, value any) error {
	obj := root
	for _, name := range path[:len(path)-1] {
		next, ok := obj[name]
		if !ok {
			created := make(map[string]any)
			obj[name] = created
			obj = created
			continue
		}
		sub, isObj := next.(map[string]any)
		if !isObj {
			return mismatchf("cannot insert default for %s: %s is not an object", path, name)
		}
		obj = sub
	}
	obj[path[len(path)-1]] = value
	return nil
}

func encodeValue(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("failed to encode amended value: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// valueType maps a decoded JSON node to the schema type it would satisfy.
func valueType(v any) FieldType {
	switch val := v.(type) {
	case nil:
		return FieldTypeNull
	case bool:
		return FieldTypeBool
	case string:
		return FieldTypeString
	case []any:
		return FieldTypeArray
	case map[string]any:
		if len(val) == 0 {
			return FieldTypeLeafObject
		}
		return FieldTypeInternalObject
	case json.Number:
		if n, err := val.Int64(); err == nil {
			if n >= math.MinInt32 && n <= math.MaxInt32 {
				return FieldTypeInteger
			}
			return FieldTypeLong
		}
		return FieldTypeDouble
	default:
		return FieldTypeNull
	}
}

func checkValueType(field Field, v any) error {
	got := valueType(v)
	want := field.Attribute.Type
	if got == FieldTypeNull {
		if field.Attribute.NotNull {
			return mismatchf("%s is NOT NULL but null", field.Path)
		}
		return nil
	}
	ok := false
	switch want {
	case FieldTypeBool, FieldTypeString, FieldTypeArray:
		ok = got == want
	case FieldTypeLeafObject, FieldTypeInternalObject:
		ok = got.IsObject()
	case FieldTypeInteger:
		ok = got == FieldTypeInteger
	case FieldTypeLong:
		ok = got == FieldTypeInteger || got == FieldTypeLong
	case FieldTypeDouble:
		ok = got == FieldTypeInteger || got == FieldTypeLong || got == FieldTypeDouble
	}
	if !ok {
		return mismatchf("%s expects %s, got %s", field.Path, want, got)
	}
	return nil
}
