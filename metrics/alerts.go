package metrics

import (
	"time"

	"github.com/google/uuid"
)

// Severity ranks how urgent an alert is.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Category names the vitals dimension an alert refers to.
type Category string

const (
	CategoryCPU     Category = "cpu"
	CategoryMemory  Category = "memory"
	CategoryThermal Category = "thermal"
	CategoryBattery Category = "battery"
	CategoryDisk    Category = "disk"
	CategoryNetwork Category = "network"
)

// AlertState tracks an alert's lifecycle.
type AlertState string

const (
	StateFiring   AlertState = "firing"
	StateResolved AlertState = "resolved"
)

// Alert is an actionable notification that a vitals metric crossed a
// threshold. Alerts for the same (category, severity) pair are rate limited
// by the collector's cooldown; repeated threshold crossings while an alert
// is active increment FireCount instead of opening a new alert.
type Alert struct {
	ID          string             `json:"id"`
	Category    Category           `json:"category"`
	Severity    Severity           `json:"severity"`
	State       AlertState         `json:"state"`
	FireCount   int                `json:"fire_count"`
	Message     string             `json:"message"`
	Values      map[string]float64 `json:"values"`
	Suggestions []string           `json:"suggestions"`
	Timestamp   time.Time          `json:"timestamp"`
}

func newAlert(cat Category, sev Severity, msg string, values map[string]float64, suggestions []string, at time.Time) Alert {
	return Alert{
		ID:          uuid.NewString(),
		Category:    cat,
		Severity:    sev,
		State:       StateFiring,
		FireCount:   1,
		Message:     msg,
		Values:      values,
		Suggestions: suggestions,
		Timestamp:   at,
	}
}

type alertKey struct {
	cat Category
	sev Severity
}
