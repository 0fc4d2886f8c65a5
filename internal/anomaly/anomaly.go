package anomaly

import (
	"fmt"
	"strings"
)

// Kind identifies which rule produced a finding.
type Kind string

const (
	KindRowDrop       Kind = "row_drop"
	KindRevenueChange Kind = "revenue_change"
	KindSchemaMissing Kind = "schema_missing"
	KindSchemaExtra   Kind = "schema_extra"
)

// Severity is ordered: Info < Warning < Critical.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseSeverity accepts info, warning or critical in any case.
func ParseSeverity(v string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "info":
		return SeverityInfo, nil
	case "warning", "warn":
		return SeverityWarning, nil
	case "critical":
		return SeverityCritical, nil
	default:
		return SeverityInfo, fmt.Errorf("unknown severity %q", v)
	}
}

// Anomaly is one finding for the current run. Findings are not persisted on
// their own; they are folded into the run record notes.
type Anomaly struct {
	Kind        Kind     `json:"kind"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
	Previous    float64  `json:"previous,omitempty"`
	Current     float64  `json:"current,omitempty"`
	Change      float64  `json:"change,omitempty"`
	Columns     []string `json:"columns,omitempty"`
}

// Notes renders findings and extra diagnostics the way they are stored in
// the run record: joined by "; ", or "OK" when there is nothing to report.
func Notes(found []Anomaly, diagnostics ...string) string {
	parts := make([]string, 0, len(found)+len(diagnostics))
	for _, a := range found {
		parts = append(parts, a.Description)
	}
	for _, d := range diagnostics {
		if d != "" {
			parts = append(parts, d)
		}
	}
	if len(parts) == 0 {
		return "OK"
	}
	return strings.Join(parts, "; ")
}

// Alerting returns the findings at or above min.
func Alerting(found []Anomaly, min Severity) []Anomaly {
	var out []Anomaly
	for _, a := range found {
		if a.Severity >= min {
			out = append(out, a)
		}
	}
	return out
}
