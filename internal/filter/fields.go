package filter

import (
	"strings"

	"github.com/kloudmate/live-metrics-agent/internal/models"
)

type fieldKind int8

const (
	kindString fieldKind = iota
	kindNumber
	kindBool
	kindDuration
)

// AnyField matches against the values of every field of a document.
const AnyField = "*"

var knownFields = map[models.TelemetryType]map[string]fieldKind{
	models.TelemetryTypeRequest: {
		"Name":         kindString,
		"Url":          kindString,
		"ResponseCode": kindString,
		"Success":      kindBool,
		"Duration":     kindDuration,
	},
	models.TelemetryTypeDependency: {
		"Name":       kindString,
		"Target":     kindString,
		"Type":       kindString,
		"Data":       kindString,
		"ResultCode": kindString,
		"Success":    kindBool,
		"Duration":   kindDuration,
	},
	models.TelemetryTypeException: {
		"Exception": kindString,
		"Message":   kindString,
	},
	models.TelemetryTypeTrace: {
		"Message":       kindString,
		"SeverityLevel": kindString,
	},
	models.TelemetryTypeEvent: {
		"Name": kindString,
	},
	models.TelemetryTypeMetric: {
		"Name":  kindString,
		"Value": kindNumber,
	},
}

// lookupField resolves the kind of a field name for the given telemetry type.
// Custom dimensions are strings, custom metrics are numbers.
func lookupField(t models.TelemetryType, name string) (fieldKind, bool) {
	if rest, ok := strings.CutPrefix(name, models.CustomDimensionsPrefix); ok {
		return kindString, rest != ""
	}
	if rest, ok := strings.CutPrefix(name, models.CustomMetricsPrefix); ok {
		return kindNumber, rest != ""
	}
	fields, ok := knownFields[t]
	if !ok {
		return kindString, false
	}
	kind, ok := fields[name]
	return kind, ok
}

// IsProjectable reports whether name can be projected into a numeric value
// for the given telemetry type.
func IsProjectable(t models.TelemetryType, name string) bool {
	kind, ok := lookupField(t, name)
	if !ok {
		return false
	}
	// string fields such as ResponseCode are projected when they parse as numbers
	return kind != kindBool
}
