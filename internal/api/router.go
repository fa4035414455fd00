package api

import (
	"context"
	"net/http"

	"github.com/triage-ai/patrol/internal/chread"
	"github.com/triage-ai/patrol/internal/deepscan"
	"github.com/triage-ai/patrol/internal/evidence"
	"github.com/triage-ai/patrol/internal/patrol"
	"github.com/triage-ai/patrol/internal/store"
	"go.uber.org/zap"
)

// Patrol is the operator command surface of the patrol state machine.
type Patrol interface {
	Start(ctx context.Context) error
	Retake(ctx context.Context) error
	Confirm(ctx context.Context) error
	Lock(ctx context.Context) error
	Unlock(ctx context.Context, credential string) error
	DeepScan(ctx context.Context) (deepscan.Result, error)
	Discard(ctx context.Context) error
	Archive(ctx context.Context) error
	Status(ctx context.Context) (patrol.Status, error)
	Logs(skip int) []patrol.LogEntry
	Evidence() []evidence.Item
}

// ArchiveReader lists persisted patrols.
type ArchiveReader interface {
	ListArchives(ctx context.Context, limit int) ([]*store.Archive, error)
	GetArchive(ctx context.Context, id string) (*store.Archive, error)
}

// EventReader queries the patrol event history.
type EventReader interface {
	ListEvents(ctx context.Context, params chread.ListEventsParams) ([]chread.EventRow, int, error)
	GetActivity(ctx context.Context, days int) (*chread.ActivityResult, error)
}

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Patrol   Patrol
	Archives ArchiveReader // nil if Postgres unavailable
	Reader   EventReader   // nil if ClickHouse unavailable
	APIToken string        // empty disables bearer auth
	Logger   *zap.Logger
}

// NewRouter builds the HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	mux := http.NewServeMux()
	a := deps.authMiddleware

	// Patrol commands
	mux.HandleFunc("POST /v1/patrol/start", a(deps.command("start", deps.Patrol.Start)))
	mux.HandleFunc("POST /v1/patrol/retake", a(deps.command("retake", deps.Patrol.Retake)))
	mux.HandleFunc("POST /v1/patrol/confirm", a(deps.command("confirm", deps.Patrol.Confirm)))
	mux.HandleFunc("POST /v1/patrol/lock", a(deps.command("lock", deps.Patrol.Lock)))
	mux.HandleFunc("POST /v1/patrol/unlock", a(deps.handleUnlock))
	mux.HandleFunc("POST /v1/patrol/scan", a(deps.handleDeepScan))
	mux.HandleFunc("POST /v1/patrol/discard", a(deps.command("discard", deps.Patrol.Discard)))
	mux.HandleFunc("POST /v1/patrol/archive", a(deps.command("archive", deps.Patrol.Archive)))

	// Patrol views
	mux.HandleFunc("GET /v1/patrol/status", a(deps.handleStatus))
	mux.HandleFunc("GET /v1/patrol/logs", a(deps.handleLogs))
	mux.HandleFunc("GET /v1/patrol/evidence", a(deps.handleEvidence))

	// History
	mux.HandleFunc("GET /v1/archives", a(deps.handleListArchives))
	mux.HandleFunc("GET /v1/archives/{archive_id}", a(deps.handleGetArchive))
	mux.HandleFunc("GET /v1/events", a(deps.handleListEvents))
	mux.HandleFunc("GET /v1/activity", a(deps.handleGetActivity))

	// Health check
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return corsMiddleware(requestLogging(mux, deps.Logger))
}
