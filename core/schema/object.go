package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Field is a defined field together with its full path.
type Field struct {
	Path      FieldPath
	Attribute Attribute
}

// Object is a parsed schema. The zero value is an invalid schema, which stands for
// "no schema": a plain key-value store whose values are opaque bytes.
//
// An Object is immutable once Parse returns it.
type Object struct {
	valid    bool
	version  string
	mode     Mode
	skipSize uint32
	// define maps depth to fields at that depth, keyed by FieldPath.String().
	define map[int]map[string]Field
	// indexes maps index name (the first path of the index) to its fields.
	indexes map[string]IndexInfo
	text    string
}

// Invalid returns an invalid schema object, meaning "no schema".
func Invalid() *Object {
	return &Object{}
}

// Parse parses and validates a schema string.
func Parse(text string) (*Object, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &top); err != nil {
		return nil, parseErrorf("schema is not a JSON object: %v", err)
	}
	if err := checkMetaFields(top); err != nil {
		return nil, err
	}

	o := &Object{
		define:  make(map[int]map[string]Field),
		indexes: make(map[string]IndexInfo),
	}
	if err := o.parseVersionMode(top); err != nil {
		return nil, err
	}
	if err := o.parseDefine(top[KeywordSchemaDefine]); err != nil {
		return nil, err
	}
	if raw, ok := top[KeywordSchemaIndexes]; ok {
		if err := o.parseIndexes(raw); err != nil {
			return nil, err
		}
	}
	if raw, ok := top[KeywordSchemaSkipSize]; ok {
		if err := o.parseSkipSize(raw); err != nil {
			return nil, err
		}
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, []byte(text)); err != nil {
		return nil, parseErrorf("compact schema: %v", err)
	}
	o.text = compact.String()
	o.valid = true
	return o, nil
}

// IsValid reports whether o holds a parsed schema.
func (o *Object) IsValid() bool {
	return o != nil && o.valid
}

// String returns the serialized form that is persisted in store metadata.
// It is empty for an invalid schema.
func (o *Object) String() string {
	if !o.IsValid() {
		return ""
	}
	return o.text
}

// Mode returns the schema mode.
func (o *Object) Mode() Mode { return o.mode }

// SkipSize is the number of opaque prefix bytes before the JSON body of a value.
func (o *Object) SkipSize() uint32 { return o.skipSize }

// Indexes returns a copy of the index definitions keyed by index name.
func (o *Object) Indexes() map[string]IndexInfo {
	out := make(map[string]IndexInfo, len(o.indexes))
	for name, info := range o.indexes {
		out[name] = append(IndexInfo(nil), info...)
	}
	return out
}

// IndexNames returns the index names in sorted order.
func (o *Object) IndexNames() []string {
	names := make([]string, 0, len(o.indexes))
	for name := range o.indexes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Fields returns every defined field ordered by depth then path.
func (o *Object) Fields() []Field {
	var out []Field
	for depth := 0; depth < MaxFieldPathDepth; depth++ {
		level := o.define[depth]
		keys := make([]string, 0, len(level))
		for k := range level {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out = append(out, level[k])
		}
	}
	return out
}

// Lookup returns the attribute of the field at path.
func (o *Object) Lookup(path FieldPath) (Attribute, bool) {
	if len(path) == 0 {
		return Attribute{}, false
	}
	f, ok := o.define[path.Depth()][path.String()]
	return f.Attribute, ok
}

type jsonKind int

const (
	kindInvalid jsonKind = iota
	kindNull
	kindBool
	kindNumber
	kindString
	kindArray
	kindObject
)

func rawKind(raw json.RawMessage) jsonKind {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) == 0 {
		return kindInvalid
	}
	switch c := trimmed[0]; {
	case c == 'n':
		return kindNull
	case c == 't', c == 'f':
		return kindBool
	case c == '"':
		return kindString
	case c == '[':
		return kindArray
	case c == '{':
		return kindObject
	case c == '-' || isDigit(c):
		return kindNumber
	default:
		return kindInvalid
	}
}

func checkMetaFields(top map[string]json.RawMessage) error {
	if len(top) < 3 || len(top) > 5 {
		return parseErrorf("unexpected meta field count %d", len(top))
	}
	for key, raw := range top {
		var want jsonKind
		switch key {
		case KeywordSchemaVersion, KeywordSchemaMode:
			want = kindString
		case KeywordSchemaDefine:
			want = kindObject
		case KeywordSchemaIndexes:
			want = kindArray
		case KeywordSchemaSkipSize:
			want = kindNumber
		default:
			return parseErrorf("unrecognized meta field %q", key)
		}
		if rawKind(raw) != want {
			return parseErrorf("meta field %s has unexpected type", key)
		}
	}
	for _, required := range []string{KeywordSchemaVersion, KeywordSchemaMode, KeywordSchemaDefine} {
		if _, ok := top[required]; !ok {
			return parseErrorf("missing meta field %s", required)
		}
	}
	return nil
}

func (o *Object) parseVersionMode(top map[string]json.RawMessage) error {
	var version, mode string
	if err := json.Unmarshal(top[KeywordSchemaVersion], &version); err != nil {
		return parseErrorf("read %s: %v", KeywordSchemaVersion, err)
	}
	if strings.Trim(version, blankSet) != SupportVersion {
		return parseErrorf("unsupported %s %q", KeywordSchemaVersion, version)
	}
	o.version = SupportVersion

	if err := json.Unmarshal(top[KeywordSchemaMode], &mode); err != nil {
		return parseErrorf("read %s: %v", KeywordSchemaMode, err)
	}
	switch Mode(strings.Trim(mode, blankSet)) {
	case ModeStrict:
		o.mode = ModeStrict
	case ModeCompatible:
		o.mode = ModeCompatible
	default:
		return parseErrorf("unsupported %s %q", KeywordSchemaMode, mode)
	}
	return nil
}

type nestedObject struct {
	path FieldPath
	raw  json.RawMessage
}

func (o *Object) parseDefine(raw json.RawMessage) error {
	level := []nestedObject{{raw: raw}}
	count := 0
	for depth := 0; depth < MaxFieldPathDepth && len(level) > 0; depth++ {
		var next []nestedObject
		for _, parent := range level {
			var fields map[string]json.RawMessage
			if err := json.Unmarshal(parent.raw, &fields); err != nil {
				return parseErrorf("read %s: %v", parent.path, err)
			}
			if depth == 0 && len(fields) == 0 {
				return parseErrorf("%s must not be empty", KeywordSchemaDefine)
			}
			for name, sub := range fields {
				if err := CheckFieldName(name); err != nil {
					return err
				}
				path := append(append(FieldPath(nil), parent.path...), name)
				attr, err := decideAttribute(path, sub)
				if err != nil {
					return err
				}
				if o.define[depth] == nil {
					o.define[depth] = make(map[string]Field)
				}
				o.define[depth][path.String()] = Field{Path: path, Attribute: attr}
				count++
				if attr.Type == FieldTypeInternalObject {
					if depth == MaxFieldPathDepth-1 {
						return parseErrorf("%s nests deeper than %d", path, MaxFieldPathDepth)
					}
					next = append(next, nestedObject{path: path, raw: sub})
				}
			}
		}
		level = next
	}
	if count > MaxFieldCount {
		return parseErrorf("field count %d exceeds %d", count, MaxFieldCount)
	}
	return nil
}

func decideAttribute(path FieldPath, raw json.RawMessage) (Attribute, error) {
	switch rawKind(raw) {
	case kindString:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Attribute{}, parseErrorf("read %s: %v", path, err)
		}
		attr, err := ParseAttribute(s)
		if err != nil {
			return Attribute{}, fmt.Errorf("attribute of %s: %w", path, err)
		}
		return attr, nil
	case kindArray:
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return Attribute{}, parseErrorf("read %s: %v", path, err)
		}
		if len(items) != 0 {
			return Attribute{}, parseErrorf("array field %s must be declared empty", path)
		}
		return Attribute{Type: FieldTypeArray}, nil
	case kindObject:
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			return Attribute{}, parseErrorf("read %s: %v", path, err)
		}
		if len(fields) == 0 {
			return Attribute{Type: FieldTypeLeafObject}, nil
		}
		return Attribute{Type: FieldTypeInternalObject}, nil
	default:
		return Attribute{}, parseErrorf("field %s has unsupported declaration", path)
	}
}

func (o *Object) parseIndexes(raw json.RawMessage) error {
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return parseErrorf("read %s: %v", KeywordSchemaIndexes, err)
	}
	if len(entries) > MaxIndexCount {
		return parseErrorf("index count %d exceeds %d", len(entries), MaxIndexCount)
	}
	for _, entry := range entries {
		var paths []string
		switch rawKind(entry) {
		case kindString:
			var s string
			if err := json.Unmarshal(entry, &s); err != nil {
				return parseErrorf("read index: %v", err)
			}
			paths = []string{s}
		case kindArray:
			if err := json.Unmarshal(entry, &paths); err != nil {
				return parseErrorf("index must be a string or an array of strings: %v", err)
			}
			if len(paths) == 0 {
				return parseErrorf("index must not be an empty array")
			}
		default:
			return parseErrorf("index must be a string or an array of strings")
		}
		if err := o.addIndex(paths); err != nil {
			return err
		}
	}
	return nil
}

func (o *Object) addIndex(pathStrings []string) error {
	info := make(IndexInfo, 0, len(pathStrings))
	seen := make(map[string]struct{}, len(pathStrings))
	for _, s := range pathStrings {
		path, err := ParseFieldPath(s)
		if err != nil {
			return err
		}
		key := path.String()
		if _, dup := seen[key]; dup {
			return parseErrorf("index path %s duplicated", key)
		}
		seen[key] = struct{}{}
		field, ok := o.define[path.Depth()][key]
		if !ok {
			return parseErrorf("index path %s is not defined", key)
		}
		if !field.Attribute.Indexable {
			return parseErrorf("index path %s is not indexable", key)
		}
		info = append(info, IndexField{Path: path, Type: field.Attribute.Type})
	}
	name := info[0].Path.String()
	if _, dup := o.indexes[name]; dup {
		return parseErrorf("index %s already defined", name)
	}
	o.indexes[name] = info
	return nil
}

func (o *Object) parseSkipSize(raw json.RawMessage) error {
	n, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 32)
	if err != nil {
		return parseErrorf("%s must be an integer", KeywordSchemaSkipSize)
	}
	if n < 0 || n > MaxSkipSize {
		return parseErrorf("%s %d out of range", KeywordSchemaSkipSize, n)
	}
	o.skipSize = uint32(n)
	return nil
}
