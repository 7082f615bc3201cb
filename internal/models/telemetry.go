package models

import (
	"strings"
	"time"
)

type TelemetryType int8

const (
	TelemetryTypeUnknown TelemetryType = iota
	TelemetryTypeRequest
	TelemetryTypeDependency
	TelemetryTypeException
	TelemetryTypeTrace
	TelemetryTypeEvent
	TelemetryTypeMetric
)

var telemetryTypeNames = map[TelemetryType]string{
	TelemetryTypeRequest:    "Request",
	TelemetryTypeDependency: "Dependency",
	TelemetryTypeException:  "Exception",
	TelemetryTypeTrace:      "Trace",
	TelemetryTypeEvent:      "Event",
	TelemetryTypeMetric:     "Metric",
}

func (t TelemetryType) String() string {
	if name, ok := telemetryTypeNames[t]; ok {
		return name
	}
	return "Unknown"
}

// ParseTelemetryType matches the type name case-insensitively.
func ParseTelemetryType(name string) (TelemetryType, bool) {
	for t, n := range telemetryTypeNames {
		if strings.EqualFold(n, strings.TrimSpace(name)) {
			return t, true
		}
	}
	return TelemetryTypeUnknown, false
}

const (
	CustomDimensionsPrefix = "CustomDimensions."
	CustomMetricsPrefix    = "CustomMetrics."
)

// Document is one observed telemetry item. Documents are immutable once
// handed to the pipeline.
type Document struct {
	Type      TelemetryType
	Timestamp time.Time
	Fields    map[string]any
}

func NewDocument(t TelemetryType, ts time.Time, fields map[string]any) *Document {
	if fields == nil {
		fields = make(map[string]any)
	}
	return &Document{
		Type:      t,
		Timestamp: ts,
		Fields:    fields,
	}
}

func (d *Document) HasField(name string) bool {
	_, ok := d.Fields[name]
	return ok
}

func (d *Document) Field(name string) (any, bool) {
	v, ok := d.Fields[name]
	return v, ok
}

type AggregationType int8

const (
	AggregationUnknown AggregationType = iota
	AggregationSum
	AggregationCount
	AggregationMin
	AggregationMax
	AggregationAvg
)

var aggregationNames = map[AggregationType]string{
	AggregationSum:   "Sum",
	AggregationCount: "Count",
	AggregationMin:   "Min",
	AggregationMax:   "Max",
	AggregationAvg:   "Avg",
}

func (a AggregationType) String() string {
	if name, ok := aggregationNames[a]; ok {
		return name
	}
	return "Unknown"
}

// ParseAggregationType accepts "Average" as an alias of "Avg".
func ParseAggregationType(name string) (AggregationType, bool) {
	name = strings.TrimSpace(name)
	if strings.EqualFold(name, "Average") {
		return AggregationAvg, true
	}
	for a, n := range aggregationNames {
		if strings.EqualFold(n, name) {
			return a, true
		}
	}
	return AggregationUnknown, false
}

type Sample struct {
	MetricID    string
	Aggregation AggregationType
	Value       float64
	Count       uint64
	Sum         float64
	Min         float64
	Max         float64
	Timestamp   time.Time
}

type ProcessObservation struct {
	Name               string
	TotalProcessorTime time.Duration
}

type ProcessCPU struct {
	Name       string `json:"ProcessName"`
	CPUPercent int    `json:"CpuPercentage"`
}
