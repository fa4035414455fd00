package engine

import "strings"

// ThreatLevel is the displayed threat assessment of the monitored scene.
type ThreatLevel int

const (
	ThreatUnspecified ThreatLevel = iota
	ThreatSafe                    // safe
	ThreatCaution                 // caution
	ThreatDanger                  // danger
	// ThreatAnalyzing is shown while a single-shot deep scan is in flight.
	// The classifier never returns it.
	ThreatAnalyzing
)

// String returns the upper-case wire name used by the reasoning service.
func (l ThreatLevel) String() string {
	switch l {
	case ThreatSafe:
		return "SAFE"
	case ThreatCaution:
		return "CAUTION"
	case ThreatDanger:
		return "DANGER"
	case ThreatAnalyzing:
		return "ANALYZING"
	default:
		return "UNSPECIFIED"
	}
}

// MarshalText renders the level for JSON status payloads.
func (l ThreatLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// ParseThreatLevel maps a wire name to a ThreatLevel. Matching is
// case-insensitive; ANALYZING is not accepted from the wire.
func ParseThreatLevel(s string) (ThreatLevel, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SAFE":
		return ThreatSafe, true
	case "CAUTION":
		return ThreatCaution, true
	case "DANGER":
		return ThreatDanger, true
	default:
		return ThreatUnspecified, false
	}
}
