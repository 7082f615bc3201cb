package models

type ConfigurationInfo struct {
	ETag    string       `json:"ETag"`
	Metrics []MetricInfo `json:"Metrics"`
}

type MetricInfo struct {
	ID            string                       `json:"Id"`
	TelemetryType string                       `json:"TelemetryType"`
	Projection    string                       `json:"Projection"`
	Aggregation   string                       `json:"Aggregation"`
	FilterGroups  []FilterConjunctionGroupInfo `json:"FilterGroups"`
}

type FilterConjunctionGroupInfo struct {
	Filters []FilterInfo `json:"Filters"`
}

type FilterInfo struct {
	FieldName string `json:"FieldName"`
	Predicate string `json:"Predicate"`
	Comparand string `json:"Comparand"`
}

type ConfigurationErrorType string

const (
	ErrorTypeUnknown                 ConfigurationErrorType = "Unknown"
	ErrorTypeMetricDuplicateIDs      ConfigurationErrorType = "MetricDuplicateIds"
	ErrorTypeMetricMissingID         ConfigurationErrorType = "MetricMissingId"
	ErrorTypeMetricTelemetryType     ConfigurationErrorType = "MetricTelemetryTypeUnsupported"
	ErrorTypeMetricAggregation       ConfigurationErrorType = "MetricAggregationUnsupported"
	ErrorTypeMetricProjection        ConfigurationErrorType = "MetricProjectionInvalid"
	ErrorTypeFilterFailureToCreate   ConfigurationErrorType = "FilterFailureToCreateUnexpected"
	ErrorTypeFilterFieldUnknown      ConfigurationErrorType = "FilterFieldUnknown"
	ErrorTypeFilterPredicateUnknown  ConfigurationErrorType = "FilterPredicateUnknown"
	ErrorTypeFilterComparandInvalid  ConfigurationErrorType = "FilterComparandInvalid"
	ErrorTypeConfigurationPayloadNil ConfigurationErrorType = "ConfigurationPayloadMissing"
)

// ConfigurationError describes one rule dropped while compiling a
// configuration. Errors are reported back to the collector.
type ConfigurationError struct {
	Type     ConfigurationErrorType `json:"CollectionConfigurationErrorType"`
	Message  string                 `json:"Message"`
	MetricID string                 `json:"MetricId,omitempty"`
	Data     map[string]string      `json:"Data,omitempty"`
}

func (e ConfigurationError) Error() string {
	if e.MetricID == "" {
		return string(e.Type) + ": " + e.Message
	}
	return string(e.Type) + " (metric " + e.MetricID + "): " + e.Message
}

type Outcome int8

const (
	OutcomeUnknown Outcome = iota
	OutcomeExpected
	OutcomeNotExpected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeExpected:
		return "expected"
	case OutcomeNotExpected:
		return "not_expected"
	default:
		return "unknown"
	}
}
