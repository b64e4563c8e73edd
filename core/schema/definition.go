// Package schema implements the JSON schema object that can be layered on top of a
// key-value store: parsing and validation of the schema text, structural comparison
// between two schemas, and checking stored values against a schema.
package schema

import (
	"errors"
	"strings"
)

// Schema keywords recognised at the top level of a schema document.
const (
	KeywordSchemaVersion  = "SCHEMA_VERSION"
	KeywordSchemaMode     = "SCHEMA_MODE"
	KeywordSchemaDefine   = "SCHEMA_DEFINE"
	KeywordSchemaIndexes  = "SCHEMA_INDEXES"
	KeywordSchemaSkipSize = "SCHEMA_SKIPSIZE"

	// SupportVersion is the only SCHEMA_VERSION this package understands.
	SupportVersion = "1.0"
)

// Limits enforced while parsing.
const (
	MaxFieldPathDepth  = 4
	MaxFieldNameLength = 64
	MaxFieldCount      = 256
	MaxIndexCount      = 32
	MaxSkipSize        = 4 * 1024 * 1024
	MaxDefaultString   = 4 * 1024
)

var (
	// ErrParse is returned when a schema string is malformed or violates a limit.
	ErrParse = errors.New("schema parse failed")
	// ErrValueMismatch is returned when a value does not conform to a schema.
	ErrValueMismatch = errors.New("value does not conform to schema")
)

// Mode controls whether values may carry fields the schema does not define.
type Mode string

const (
	ModeStrict     Mode = "STRICT"     // Values may only contain defined fields
	ModeCompatible Mode = "COMPATIBLE" // Values may contain extra fields
)

// FieldType represents the type of a field in SCHEMA_DEFINE.
type FieldType string

const (
	FieldTypeNull           FieldType = "NULL"
	FieldTypeBool           FieldType = "BOOL"
	FieldTypeInteger        FieldType = "INTEGER"
	FieldTypeLong           FieldType = "LONG"
	FieldTypeDouble         FieldType = "DOUBLE"
	FieldTypeString         FieldType = "STRING"
	FieldTypeArray          FieldType = "ARRAY"           // Declared as []
	FieldTypeLeafObject     FieldType = "LEAF_OBJECT"     // Declared as {}
	FieldTypeInternalObject FieldType = "INTERNAL_OBJECT" // Object with defined sub fields
)

// IsObject reports whether t is one of the two object types.
func (t FieldType) IsObject() bool {
	return t == FieldTypeLeafObject || t == FieldTypeInternalObject
}

// FieldPath addresses a field from the root of a value, one name per level.
type FieldPath []string

// String renders the path as "$.a.b".
func (p FieldPath) String() string {
	if len(p) == 0 {
		return "$"
	}
	return "$." + strings.Join(p, ".")
}

// Depth is the zero-based nesting level of the field the path points at.
func (p FieldPath) Depth() int {
	return len(p) - 1
}

// Equal reports whether both paths name the same field.
func (p FieldPath) Equal(other FieldPath) bool {
	if len(p) != len(other) {
		return false
	}
	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}
	return true
}

// Attribute describes one field in SCHEMA_DEFINE.
type Attribute struct {
	Type       FieldType
	NotNull    bool
	HasDefault bool
	// Default holds bool, int32, int64, float64 or string according to Type.
	Default any
	// Indexable is true for scalar types only.
	Indexable bool
}

// IndexField is one column of an index.
type IndexField struct {
	Path FieldPath
	Type FieldType
}

// IndexInfo is the ordered list of fields an index covers.
type IndexInfo []IndexField

// Equal requires the same count, order and type of every field.
func (i IndexInfo) Equal(other IndexInfo) bool {
	if len(i) != len(other) {
		return false
	}
	for n := range i {
		if !i[n].Path.Equal(other[n].Path) || i[n].Type != other[n].Type {
			return false
		}
	}
	return true
}

// Paths returns the field paths of the index in order.
func (i IndexInfo) Paths() []FieldPath {
	paths := make([]FieldPath, len(i))
	for n, f := range i {
		paths[n] = f.Path
	}
	return paths
}

// IndexDifference is the set of indexes to add and to remove when moving from one
// schema to another. An index kept with an identical definition appears in neither
// set; an index kept under the same name with a new definition is in Increase.
type IndexDifference struct {
	Increase map[string]IndexInfo
	Decrease map[string]struct{}
}

// NewIndexDifference returns an empty difference.
func NewIndexDifference() IndexDifference {
	return IndexDifference{
		Increase: make(map[string]IndexInfo),
		Decrease: make(map[string]struct{}),
	}
}

// IsEmpty reports whether no index needs to change.
func (d IndexDifference) IsEmpty() bool {
	return len(d.Increase) == 0 && len(d.Decrease) == 0
}

// ComparisonResult classifies the relationship between two schemas.
type ComparisonResult int

const (
	EqualExactly             ComparisonResult = iota // Nothing to do
	UnequalCompatible                                // Only indexes differ
	UnequalCompatibleUpgrade                         // Value layout changed, values must be rewritten
	UnequalIncompatible                              // Cannot be reconciled
)

func (r ComparisonResult) String() string {
	switch r {
	case EqualExactly:
		return "EQUAL_EXACTLY"
	case UnequalCompatible:
		return "UNEQUAL_COMPATIBLE"
	case UnequalCompatibleUpgrade:
		return "UNEQUAL_COMPATIBLE_UPGRADE"
	case UnequalIncompatible:
		return "UNEQUAL_INCOMPATIBLE"
	default:
		return "UNKNOWN"
	}
}
