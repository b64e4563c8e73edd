package schema

import (
	"errors"
	"math"
)

// ErrInvalidSchema is returned when a comparison involves an invalid schema.
var ErrInvalidSchema = errors.New("schema is not valid")

// CompareAgainst classifies moving from o (the existing schema) to newSchema and
// computes the index difference. Both schemas must be valid.
//
// The cascade is: version and mode, then skip size, then the field definitions, then
// the indexes. Any incompatibility ends the comparison with an empty difference.
func (o *Object) CompareAgainst(newSchema *Object) (ComparisonResult, IndexDifference, error) {
	if !o.IsValid() || !newSchema.IsValid() {
		return UnequalIncompatible, NewIndexDifference(), ErrInvalidSchema
	}
	if o.version != newSchema.version || o.mode != newSchema.mode {
		return UnequalIncompatible, NewIndexDifference(), nil
	}
	if o.skipSize != newSchema.skipSize {
		return UnequalIncompatible, NewIndexDifference(), nil
	}

	defineResult := o.compareDefine(newSchema)
	if defineResult == UnequalIncompatible {
		return UnequalIncompatible, NewIndexDifference(), nil
	}

	indexResult, diff := o.compareIndexes(newSchema)
	if defineResult == EqualExactly {
		return indexResult, diff, nil
	}
	return defineResult, diff, nil
}

// compareDefine never lets the new schema drop a field. A STRICT schema may not
// gain fields either; a COMPATIBLE one may gain nullable or defaulted fields.
func (o *Object) compareDefine(newSchema *Object) ComparisonResult {
	equal := true
	for depth := 0; depth < MaxFieldPathDepth; depth++ {
		oldLevel, newLevel := o.define[depth], newSchema.define[depth]
		if len(oldLevel) == 0 && len(newLevel) == 0 {
			break
		}
		if len(newLevel) < len(oldLevel) {
			return UnequalIncompatible
		}
		if len(newLevel) > len(oldLevel) {
			if o.mode == ModeStrict {
				return UnequalIncompatible
			}
			equal = false
		}
		if !compatibleLevel(oldLevel, newLevel) {
			return UnequalIncompatible
		}
	}
	if equal {
		return EqualExactly
	}
	return UnequalCompatibleUpgrade
}

func compatibleLevel(oldLevel, newLevel map[string]Field) bool {
	for key, oldField := range oldLevel {
		newField, ok := newLevel[key]
		if !ok {
			return false
		}
		if !sameAttribute(oldField.Attribute, newField.Attribute) {
			return false
		}
	}
	for key, newField := range newLevel {
		if _, ok := oldLevel[key]; ok {
			continue
		}
		if newField.Attribute.NotNull && !newField.Attribute.HasDefault {
			return false
		}
	}
	return true
}

// sameAttribute allows a leaf object to gain sub fields; everything else about an
// existing field must stay exactly as it was.
func sameAttribute(oldAttr, newAttr Attribute) bool {
	if oldAttr.Type != newAttr.Type {
		if oldAttr.Type != FieldTypeLeafObject || newAttr.Type != FieldTypeInternalObject {
			return false
		}
	}
	if !oldAttr.Indexable {
		return true
	}
	if oldAttr.NotNull != newAttr.NotNull || oldAttr.HasDefault != newAttr.HasDefault {
		return false
	}
	if oldAttr.HasDefault {
		return sameDefault(oldAttr, newAttr)
	}
	return true
}

func sameDefault(oldAttr, newAttr Attribute) bool {
	if oldAttr.Type == FieldTypeDouble {
		oldF, _ := oldAttr.Default.(float64)
		newF, _ := newAttr.Default.(float64)
		return math.Float64bits(oldF) == math.Float64bits(newF)
	}
	return oldAttr.Default == newAttr.Default
}

func (o *Object) compareIndexes(newSchema *Object) (ComparisonResult, IndexDifference) {
	diff := NewIndexDifference()
	for name, info := range newSchema.indexes {
		oldInfo, ok := o.indexes[name]
		if !ok || !oldInfo.Equal(info) {
			diff.Increase[name] = append(IndexInfo(nil), info...)
		}
	}
	for name := range o.indexes {
		if _, ok := newSchema.indexes[name]; !ok {
			diff.Decrease[name] = struct{}{}
		}
	}
	if diff.IsEmpty() {
		return EqualExactly, diff
	}
	return UnequalCompatible, diff
}
