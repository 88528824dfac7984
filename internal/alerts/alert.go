package alerts

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Severity orders alerts from informational to critical.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Color returns the display color for dashboards and rich channels.
func (s Severity) Color() string {
	switch s {
	case SeverityCritical:
		return "#dc3545"
	case SeverityHigh:
		return "#fd7e14"
	case SeverityMedium:
		return "#ffc107"
	case SeverityLow:
		return "#28a745"
	default:
		return "#17a2b8"
	}
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	sev, err := ParseSeverity(str)
	if err != nil {
		return err
	}
	*s = sev
	return nil
}

// ParseSeverity maps a config string to a Severity.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(s) {
	case "info":
		return SeverityInfo, nil
	case "low":
		return SeverityLow, nil
	case "medium":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	default:
		return SeverityInfo, fmt.Errorf("unknown severity %q", s)
	}
}

// Status is the lifecycle state of an alert. Transitions are monotone:
// active -> acknowledged -> resolved, with active -> resolved allowed.
type Status string

const (
	StatusActive       Status = "active"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
)

// Alert is a rule finding flowing through dedup, storage, and fan-out.
type Alert struct {
	ID               string            `json:"id"`
	RuleName         string            `json:"rule_name"`
	ProgramID        string            `json:"program_id"`
	ProgramName      string            `json:"program_name,omitempty"`
	Severity         Severity          `json:"severity"`
	Message          string            `json:"message"`
	Confidence       float64           `json:"confidence"`
	Timestamp        time.Time         `json:"timestamp"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	SuggestedActions []string          `json:"suggested_actions,omitempty"`

	// VolatileKeys lists metadata keys the fingerprint ignores, as
	// declared by the emitting rule.
	VolatileKeys []string `json:"-"`

	Status          Status     `json:"status"`
	OccurrenceCount uint64     `json:"occurrence_count"`
	LastSeen        time.Time  `json:"last_seen"`
	AcknowledgedAt  *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
}

// defaultVolatileKeys are always excluded from the fingerprint.
var defaultVolatileKeys = []string{"observed_at", "sample_id"}

// dedupBucket is the time bucket width of the dedup key.
const dedupBucket = 60 * time.Second

// DedupKey derives the stable identifier used to merge repeats:
// hash(rule ∥ program ∥ floor(timestamp/60s) ∥ fingerprint(metadata)).
func (a *Alert) DedupKey() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%d\x00", a.RuleName, a.ProgramID, a.Timestamp.Unix()/int64(dedupBucket.Seconds()))

	volatile := make(map[string]struct{}, len(defaultVolatileKeys)+len(a.VolatileKeys))
	for _, k := range defaultVolatileKeys {
		volatile[k] = struct{}{}
	}
	for _, k := range a.VolatileKeys {
		volatile[k] = struct{}{}
	}

	keys := make([]string, 0, len(a.Metadata))
	for k := range a.Metadata {
		if _, skip := volatile[k]; skip {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s\x00", k, a.Metadata[k])
	}

	return hex.EncodeToString(h.Sum(nil))
}
