package api

import (
	"time"

	"github.com/triage-ai/patrol/internal/chread"
	"github.com/triage-ai/patrol/internal/engine"
	"github.com/triage-ai/patrol/internal/evidence"
	"github.com/triage-ai/patrol/internal/patrol"
)

// --- Patrol commands ---

// CommandResp is returned by every state-changing command.
type CommandResp struct {
	Command string       `json:"command"`
	State   patrol.State `json:"state"`
}

// UnlockReq is the JSON body for POST /v1/patrol/unlock.
type UnlockReq struct {
	Credential string `json:"credential"`
}

// DeepScanResp is the outcome of POST /v1/patrol/scan.
type DeepScanResp struct {
	ThreatLevel engine.ThreatLevel `json:"threat_level"`
	Analysis    string             `json:"analysis"`
	Action      string             `json:"action"`
	Confidence  int                `json:"confidence"`
	Degraded    bool               `json:"degraded"`
}

// --- Patrol views ---

// LogListResp holds journal entries after the requested offset.
type LogListResp struct {
	Entries []patrol.LogEntry `json:"entries"`
	Skip    int               `json:"skip"`
	Total   int               `json:"total"`
}

// EvidenceListResp holds the current session's evidence.
type EvidenceListResp struct {
	Items []evidence.Item `json:"items"`
}

// --- Archives ---

// ArchiveResp mirrors a patrol_archives row.
type ArchiveResp struct {
	ID               string    `json:"id"`
	PatrolID         string    `json:"patrol_id"`
	StartedAt        time.Time `json:"started_at"`
	DurationMs       int64     `json:"duration_ms"`
	ThreatCount      int       `json:"threat_count"`
	ManualScanCount  int       `json:"manual_scan_count"`
	FinalThreatLevel string    `json:"final_threat_level"`
	BaselineAnalysis string    `json:"baseline_analysis"`
	EvidenceCount    int       `json:"evidence_count"`
	LogCount         int       `json:"log_count"`
	ArchivedAt       time.Time `json:"archived_at"`
}

// ArchiveListResp wraps a page of archives.
type ArchiveListResp struct {
	Archives []ArchiveResp `json:"archives"`
}

// --- Patrol events ---

// EventListResp is a page of patrol events.
type EventListResp struct {
	Events   []chread.EventRow `json:"events"`
	Total    int               `json:"total"`
	Page     int               `json:"page"`
	PageSize int               `json:"page_size"`
}

// ErrorResp is a standard error response body.
type ErrorResp struct {
	Detail string `json:"detail"`
}
