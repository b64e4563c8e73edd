package schema

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	keywordNotNull = "NOT NULL"
	keywordDefault = "DEFAULT"
	keywordNull    = "null"
	keywordTrue    = "true"
	keywordFalse   = "false"
	blankSet       = "\r\t "
)

var scalarTypes = map[string]FieldType{
	string(FieldTypeBool):    FieldTypeBool,
	string(FieldTypeInteger): FieldTypeInteger,
	string(FieldTypeLong):    FieldTypeLong,
	string(FieldTypeDouble):  FieldTypeDouble,
	string(FieldTypeString):  FieldTypeString,
}

func parseErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrParse, fmt.Sprintf(format, args...))
}

// CheckFieldName validates a single field name: a letter or underscore followed by
// letters, digits or underscores, at most MaxFieldNameLength long.
func CheckFieldName(name string) error {
	if name == "" || len(name) > MaxFieldNameLength {
		return parseErrorf("field name %q has invalid length", name)
	}
	if !isAlpha(name[0]) && name[0] != '_' {
		return parseErrorf("field name %q must begin with a letter or underscore", name)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if !isAlpha(c) && !isDigit(c) && c != '_' {
			return parseErrorf("field name %q contains unsupported character %q", name, c)
		}
	}
	return nil
}

// ParseFieldPath parses "$.a.b" or "a.b" into a FieldPath.
func ParseFieldPath(s string) (FieldPath, error) {
	s = strings.Trim(s, blankSet)
	if s == "" {
		return nil, parseErrorf("empty field path")
	}
	switch {
	case strings.HasPrefix(s, "$."):
		s = s[2:]
	case s[0] == '$', s[0] == '.':
		return nil, parseErrorf("field path %q has malformed prefix", s)
	case len(s) > 1 && s[1] == '$':
		return nil, parseErrorf("field path %q has malformed prefix", s)
	}
	parts := strings.Split(s, ".")
	if len(parts) > MaxFieldPathDepth {
		return nil, parseErrorf("field path %q exceeds depth %d", s, MaxFieldPathDepth)
	}
	for _, part := range parts {
		if err := CheckFieldName(part); err != nil {
			return nil, err
		}
	}
	return FieldPath(parts), nil
}

// ParseAttribute parses an attribute string of the form
// "TYPE[, NOT NULL][, DEFAULT value]". DEFAULT, when present, is always last.
func ParseAttribute(s string) (Attribute, error) {
	s = strings.Trim(s, blankSet)
	if s == "" {
		return Attribute{}, parseErrorf("empty attribute")
	}

	typePart, rest, hasRest := strings.Cut(s, ",")
	typePart = strings.Trim(typePart, blankSet)
	fieldType, ok := scalarTypes[typePart]
	if !ok {
		return Attribute{}, parseErrorf("unknown field type %q", typePart)
	}
	attr := Attribute{Type: fieldType, Indexable: true}
	if !hasRest {
		return attr, nil
	}

	rest = strings.TrimLeft(rest, blankSet)
	if strings.HasPrefix(rest, keywordNotNull) {
		attr.NotNull = true
		rest = strings.TrimLeft(rest[len(keywordNotNull):], blankSet)
		if rest == "" {
			return attr, nil
		}
		if rest[0] != ',' {
			return Attribute{}, parseErrorf("unexpected content after %s in %q", keywordNotNull, s)
		}
		rest = strings.TrimLeft(rest[1:], blankSet)
	}

	if !strings.HasPrefix(rest, keywordDefault) {
		return Attribute{}, parseErrorf("malformed attribute %q", s)
	}
	rest = rest[len(keywordDefault):]
	if rest == "" || !strings.ContainsRune(blankSet, rune(rest[0])) {
		return Attribute{}, parseErrorf("missing default value in %q", s)
	}
	value := strings.Trim(rest, blankSet)
	if value == "" {
		return Attribute{}, parseErrorf("missing default value in %q", s)
	}
	if err := parseDefault(value, &attr); err != nil {
		return Attribute{}, err
	}
	return attr, nil
}

func parseDefault(value string, attr *Attribute) error {
	if value == keywordNull {
		if attr.NotNull {
			return parseErrorf("NOT NULL field cannot default to null")
		}
		attr.HasDefault = false
		return nil
	}

	attr.HasDefault = true
	switch attr.Type {
	case FieldTypeBool:
		switch value {
		case keywordTrue:
			attr.Default = true
		case keywordFalse:
			attr.Default = false
		default:
			return parseErrorf("default %q is not a BOOL", value)
		}
	case FieldTypeInteger:
		n, err := strconv.ParseInt(value, 10, 32)
		if err != nil {
			return parseErrorf("default %q is not an INTEGER", value)
		}
		attr.Default = int32(n)
	case FieldTypeLong:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return parseErrorf("default %q is not a LONG", value)
		}
		attr.Default = n
	case FieldTypeDouble:
		f, err := parseDouble(value)
		if err != nil {
			return err
		}
		attr.Default = f
	case FieldTypeString:
		if len(value) < 2 || value[0] != '\'' || value[len(value)-1] != '\'' {
			return parseErrorf("default %q is not a quoted STRING", value)
		}
		str := value[1 : len(value)-1]
		if len(str) > MaxDefaultString {
			return parseErrorf("default string exceeds %d bytes", MaxDefaultString)
		}
		attr.Default = str
	default:
		return parseErrorf("type %s cannot carry a default", attr.Type)
	}
	return nil
}

// parseDouble rejects scientific notation and more than one dot.
func parseDouble(value string) (float64, error) {
	dots := 0
	for i := 0; i < len(value); i++ {
		c := value[i]
		if !isDigit(c) && c != '.' && c != '-' && c != '+' {
			return 0, parseErrorf("default %q is not a DOUBLE", value)
		}
		if c == '.' {
			dots++
		}
	}
	if dots > 1 {
		return 0, parseErrorf("default %q is not a DOUBLE", value)
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, parseErrorf("default %q is not a finite DOUBLE", value)
	}
	return f, nil
}

func isAlpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
