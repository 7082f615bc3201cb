package filter

import (
	"fmt"
	"strings"

	"github.com/kloudmate/live-metrics-agent/internal/models"
)

type Predicate int8

const (
	PredicateEqual Predicate = iota
	PredicateNotEqual
	PredicateLessThan
	PredicateGreaterThan
	PredicateLessThanOrEqual
	PredicateGreaterThanOrEqual
	PredicateContains
	PredicateDoesNotContain
)

var predicateNames = map[string]Predicate{
	"equal":              PredicateEqual,
	"notequal":           PredicateNotEqual,
	"lessthan":           PredicateLessThan,
	"greaterthan":        PredicateGreaterThan,
	"lessthanorequal":    PredicateLessThanOrEqual,
	"greaterthanorequal": PredicateGreaterThanOrEqual,
	"contains":           PredicateContains,
	"doesnotcontain":     PredicateDoesNotContain,
}

func ParsePredicate(name string) (Predicate, bool) {
	p, ok := predicateNames[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

func (p Predicate) ordering() bool {
	switch p {
	case PredicateLessThan, PredicateGreaterThan, PredicateLessThanOrEqual, PredicateGreaterThanOrEqual:
		return true
	}
	return false
}

func (p Predicate) textual() bool {
	return p == PredicateContains || p == PredicateDoesNotContain
}

// Filter is a single compiled field comparison.
type Filter struct {
	fieldName string
	kind      fieldKind
	predicate Predicate

	comparand      string
	lowerComparand string
	numComparand   float64
	hasNum         bool
	boolComparand  bool
}

func newFilter(t models.TelemetryType, info models.FilterInfo) (*Filter, *models.ConfigurationError) {
	fail := func(errType models.ConfigurationErrorType, format string, args ...any) (*Filter, *models.ConfigurationError) {
		return nil, &models.ConfigurationError{
			Type:    errType,
			Message: fmt.Sprintf(format, args...),
			Data: map[string]string{
				"FieldName": info.FieldName,
				"Predicate": info.Predicate,
				"Comparand": info.Comparand,
			},
		}
	}

	predicate, ok := ParsePredicate(info.Predicate)
	if !ok {
		return fail(models.ErrorTypeFilterPredicateUnknown, "unknown predicate %q", info.Predicate)
	}

	f := &Filter{
		fieldName:      info.FieldName,
		predicate:      predicate,
		comparand:      info.Comparand,
		lowerComparand: strings.ToLower(info.Comparand),
	}

	if info.FieldName == AnyField {
		if !predicate.textual() {
			return fail(models.ErrorTypeFilterPredicateUnknown,
				"predicate %q is not supported for field %q, only Contains and DoesNotContain are", info.Predicate, AnyField)
		}
		f.kind = kindString
		return f, nil
	}

	kind, ok := lookupField(t, info.FieldName)
	if !ok {
		return fail(models.ErrorTypeFilterFieldUnknown, "field %q is not defined for telemetry type %s", info.FieldName, t)
	}
	f.kind = kind

	switch kind {
	case kindBool:
		if predicate != PredicateEqual && predicate != PredicateNotEqual {
			return fail(models.ErrorTypeFilterPredicateUnknown, "predicate %q is not supported for boolean field %q", info.Predicate, info.FieldName)
		}
		b, ok := toBool(info.Comparand)
		if !ok {
			return fail(models.ErrorTypeFilterComparandInvalid, "comparand %q is not a boolean", info.Comparand)
		}
		f.boolComparand = b

	case kindNumber, kindDuration:
		if predicate.textual() {
			return fail(models.ErrorTypeFilterPredicateUnknown, "predicate %q is not supported for numeric field %q", info.Predicate, info.FieldName)
		}
		var num float64
		if kind == kindDuration {
			num, ok = parseDurationComparand(info.Comparand)
		} else {
			num, ok = ToFloat(info.Comparand)
		}
		if !ok {
			return fail(models.ErrorTypeFilterComparandInvalid, "comparand %q is not a number", info.Comparand)
		}
		f.numComparand, f.hasNum = num, true

	case kindString:
		if predicate.ordering() {
			num, ok := ToFloat(info.Comparand)
			if !ok {
				return fail(models.ErrorTypeFilterComparandInvalid,
					"predicate %q requires a numeric comparand, got %q", info.Predicate, info.Comparand)
			}
			f.numComparand, f.hasNum = num, true
		}
	}

	return f, nil
}

// Matches evaluates the filter against one document. A missing field is
// treated as an empty value.
func (f *Filter) Matches(doc *models.Document) bool {
	if f.fieldName == AnyField {
		return f.matchesAnyField(doc)
	}

	if !doc.HasField(f.fieldName) {
		return f.matchesMissing()
	}
	value, _ := doc.Field(f.fieldName)

	switch f.kind {
	case kindBool:
		b, ok := toBool(value)
		equal := ok && b == f.boolComparand
		if f.predicate == PredicateEqual {
			return equal
		}
		return !equal

	case kindNumber, kindDuration:
		return f.compareNumber(value)

	default:
		if f.predicate.ordering() {
			return f.compareNumber(value)
		}
		return f.compareString(toString(value))
	}
}

// matchesMissing evaluates the filter against an absent field: strings
// compare as empty, and only NotEqual holds for booleans and numbers.
func (f *Filter) matchesMissing() bool {
	if f.kind == kindString && !f.predicate.ordering() {
		return f.compareString("")
	}
	return f.predicate == PredicateNotEqual
}

func (f *Filter) matchesAnyField(doc *models.Document) bool {
	found := false
	for _, value := range doc.Fields {
		if strings.Contains(strings.ToLower(toString(value)), f.lowerComparand) {
			found = true
			break
		}
	}
	if f.predicate == PredicateContains {
		return found
	}
	return !found
}

func (f *Filter) compareNumber(value any) bool {
	num, ok := ToFloat(value)
	if !ok {
		return f.predicate == PredicateNotEqual
	}

	switch f.predicate {
	case PredicateEqual:
		return num == f.numComparand
	case PredicateNotEqual:
		return num != f.numComparand
	case PredicateLessThan:
		return num < f.numComparand
	case PredicateGreaterThan:
		return num > f.numComparand
	case PredicateLessThanOrEqual:
		return num <= f.numComparand
	case PredicateGreaterThanOrEqual:
		return num >= f.numComparand
	default:
		return false
	}
}

func (f *Filter) compareString(value string) bool {
	switch f.predicate {
	case PredicateEqual:
		return strings.EqualFold(value, f.comparand)
	case PredicateNotEqual:
		return !strings.EqualFold(value, f.comparand)
	case PredicateContains:
		return strings.Contains(strings.ToLower(value), f.lowerComparand)
	case PredicateDoesNotContain:
		return !strings.Contains(strings.ToLower(value), f.lowerComparand)
	default:
		return false
	}
}
