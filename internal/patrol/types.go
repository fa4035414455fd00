package patrol

import (
	"errors"
	"time"

	"github.com/triage-ai/patrol/internal/engine"
)

var (
	ErrInvalidTransition  = errors.New("command not valid in current patrol state")
	ErrDeviceUnavailable  = errors.New("camera or microphone unavailable")
	ErrBaselineFailed     = errors.New("baseline scan failed")
	ErrWrongCredential    = errors.New("wrong password")
	ErrBiometricMismatch  = errors.New("biometric mismatch")
	ErrCameraUnavailable  = errors.New("camera unavailable for verification")
	ErrServiceUnavailable = errors.New("verification service unavailable")
	ErrAuthInProgress     = errors.New("verification already in progress")
	ErrArchiveFailed      = errors.New("archive failed")
	ErrLinkFailed         = errors.New("live link could not be opened")
	ErrStopped            = errors.New("patrol machine stopped")
)

// State is the patrol protocol state.
type State int

const (
	StateIdle State = iota
	StateBaseline
	StateReview
	StateActive
	StateAuth
	StateSummary
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateBaseline:
		return "BASELINE"
	case StateReview:
		return "REVIEW"
	case StateActive:
		return "ACTIVE"
	case StateAuth:
		return "AUTH"
	case StateSummary:
		return "SUMMARY"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// BaselineProfile is the authorized reference captured at BASELINE.
type BaselineProfile struct {
	Analysis   string    `json:"analysis"`
	Action     string    `json:"action"`
	Confidence int       `json:"confidence"`
	Snapshot   []byte    `json:"snapshot"`
	CapturedAt time.Time `json:"captured_at"`
}

// SessionStats are the per-ACTIVE-session counters.
type SessionStats struct {
	ThreatCount     int `json:"threat_count"`
	ManualScanCount int `json:"manual_scan_count"`
}

// Summary describes a patrol that reached SUMMARY.
type Summary struct {
	PatrolID         string             `json:"patrol_id"`
	StartedAt        time.Time          `json:"started_at"`
	Duration         time.Duration      `json:"duration_ns"`
	Stats            SessionStats       `json:"stats"`
	FinalThreatLevel engine.ThreatLevel `json:"final_threat_level"`
	EvidenceCount    int                `json:"evidence_count"`
	LogCount         int                `json:"log_count"`
}

// Status is a point-in-time view of the machine.
type Status struct {
	PatrolID      string             `json:"patrol_id,omitempty"`
	State         State              `json:"state"`
	ThreatLevel   engine.ThreatLevel `json:"threat_level"`
	Live          bool               `json:"live"`
	Volume        float32            `json:"volume"`
	LastNarration string             `json:"last_narration,omitempty"`
	Stats         SessionStats       `json:"stats"`
	Elapsed       time.Duration      `json:"elapsed_ns"`
	EvidenceCount int                `json:"evidence_count"`
	LogCount      int                `json:"log_count"`
	AuthPending   bool               `json:"auth_pending"`
	Baseline      *BaselineProfile   `json:"baseline,omitempty"`
	Summary       *Summary           `json:"summary,omitempty"`
}
