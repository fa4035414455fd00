package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/triage-ai/patrol/internal/chread"
	"github.com/triage-ai/patrol/internal/deepscan"
	"github.com/triage-ai/patrol/internal/engine"
	"github.com/triage-ai/patrol/internal/evidence"
	"github.com/triage-ai/patrol/internal/patrol"
	"github.com/triage-ai/patrol/internal/store"
	"go.uber.org/zap"
)

// fakePatrol records commands and answers with canned errors.
type fakePatrol struct {
	mu         sync.Mutex
	state      patrol.State
	errs       map[string]error
	calls      []string
	credential string
	scan       deepscan.Result
	logs       []patrol.LogEntry
	items      []evidence.Item
}

func (p *fakePatrol) run(name string, next patrol.State) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, name)
	if err := p.errs[name]; err != nil {
		return err
	}
	p.state = next
	return nil
}

func (p *fakePatrol) Start(context.Context) error   { return p.run("start", patrol.StateReview) }
func (p *fakePatrol) Retake(context.Context) error  { return p.run("retake", patrol.StateReview) }
func (p *fakePatrol) Confirm(context.Context) error { return p.run("confirm", patrol.StateActive) }
func (p *fakePatrol) Lock(context.Context) error    { return p.run("lock", patrol.StateAuth) }
func (p *fakePatrol) Discard(context.Context) error { return p.run("discard", patrol.StateIdle) }
func (p *fakePatrol) Archive(context.Context) error { return p.run("archive", patrol.StateIdle) }

func (p *fakePatrol) Unlock(_ context.Context, credential string) error {
	p.mu.Lock()
	p.credential = credential
	p.mu.Unlock()
	return p.run("unlock", patrol.StateSummary)
}

func (p *fakePatrol) DeepScan(context.Context) (deepscan.Result, error) {
	if err := p.run("scan", patrol.StateActive); err != nil {
		return deepscan.Result{}, err
	}
	return p.scan, nil
}

func (p *fakePatrol) Status(context.Context) (patrol.Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.errs["status"]; err != nil {
		return patrol.Status{}, err
	}
	return patrol.Status{State: p.state, ThreatLevel: engine.ThreatSafe}, nil
}

func (p *fakePatrol) Logs(skip int) []patrol.LogEntry {
	if skip >= len(p.logs) {
		return []patrol.LogEntry{}
	}
	return p.logs[skip:]
}

func (p *fakePatrol) Evidence() []evidence.Item { return p.items }

type fakeArchives struct {
	archives []*store.Archive
	err      error
	limit    int
}

func (f *fakeArchives) ListArchives(_ context.Context, limit int) ([]*store.Archive, error) {
	f.limit = limit
	return f.archives, f.err
}

func (f *fakeArchives) GetArchive(_ context.Context, id string) (*store.Archive, error) {
	for _, a := range f.archives {
		if a.ID == id {
			return a, nil
		}
	}
	return nil, f.err
}

type fakeReader struct {
	params chread.ListEventsParams
	rows   []chread.EventRow
	days   int
}

func (f *fakeReader) ListEvents(_ context.Context, params chread.ListEventsParams) ([]chread.EventRow, int, error) {
	f.params = params
	return f.rows, len(f.rows), nil
}

func (f *fakeReader) GetActivity(_ context.Context, days int) (*chread.ActivityResult, error) {
	f.days = days
	return &chread.ActivityResult{Summary: chread.SummaryStats{Danger: 3}}, nil
}

func newTestRouter(p *fakePatrol) (*Dependencies, http.Handler) {
	deps := &Dependencies{Patrol: p, Logger: zap.NewNop()}
	return deps, NewRouter(deps)
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return v
}

func TestRouter_Commands(t *testing.T) {
	tests := []struct {
		path  string
		state string
	}{
		{"/v1/patrol/start", "REVIEW"},
		{"/v1/patrol/retake", "REVIEW"},
		{"/v1/patrol/confirm", "ACTIVE"},
		{"/v1/patrol/lock", "AUTH"},
		{"/v1/patrol/discard", "IDLE"},
		{"/v1/patrol/archive", "IDLE"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			_, h := newTestRouter(&fakePatrol{})
			rec := do(t, h, http.MethodPost, tt.path, "")
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
			}
			resp := decode[map[string]string](t, rec)
			if resp["state"] != tt.state {
				t.Errorf("state = %q, want %q", resp["state"], tt.state)
			}
		})
	}
}

func TestRouter_CommandErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid transition", fmt.Errorf("confirm in IDLE: %w", patrol.ErrInvalidTransition), http.StatusConflict},
		{"auth in progress", patrol.ErrAuthInProgress, http.StatusConflict},
		{"wrong credential", patrol.ErrWrongCredential, http.StatusUnauthorized},
		{"biometric mismatch", patrol.ErrBiometricMismatch, http.StatusForbidden},
		{"baseline failed", patrol.ErrBaselineFailed, http.StatusUnprocessableEntity},
		{"device", patrol.ErrDeviceUnavailable, http.StatusServiceUnavailable},
		{"camera", patrol.ErrCameraUnavailable, http.StatusServiceUnavailable},
		{"service", patrol.ErrServiceUnavailable, http.StatusServiceUnavailable},
		{"stopped", patrol.ErrStopped, http.StatusServiceUnavailable},
		{"archive", patrol.ErrArchiveFailed, http.StatusBadGateway},
		{"link", patrol.ErrLinkFailed, http.StatusBadGateway},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, h := newTestRouter(&fakePatrol{errs: map[string]error{"confirm": tt.err}})
			rec := do(t, h, http.MethodPost, "/v1/patrol/confirm", "")
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			resp := decode[ErrorResp](t, rec)
			if resp.Detail == "" {
				t.Error("expected error detail")
			}
		})
	}
}

func TestRouter_Unlock(t *testing.T) {
	p := &fakePatrol{state: patrol.StateAuth}
	_, h := newTestRouter(p)

	rec := do(t, h, http.MethodPost, "/v1/patrol/unlock", `{"credential":"hunter2"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if p.credential != "hunter2" {
		t.Errorf("credential = %q, want hunter2", p.credential)
	}
	if resp := decode[map[string]string](t, rec); resp["state"] != "SUMMARY" {
		t.Errorf("state = %q, want SUMMARY", resp["state"])
	}
}

func TestRouter_UnlockBadBody(t *testing.T) {
	p := &fakePatrol{}
	_, h := newTestRouter(p)

	rec := do(t, h, http.MethodPost, "/v1/patrol/unlock", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if len(p.calls) != 0 {
		t.Errorf("unlock should not be attempted, calls %v", p.calls)
	}
}

func TestRouter_DeepScan(t *testing.T) {
	p := &fakePatrol{scan: deepscan.Result{
		ThreatLevel: engine.ThreatDanger,
		Analysis:    "Person at the window",
		Action:      "Sound alarm",
		Confidence:  88,
	}}
	_, h := newTestRouter(p)

	rec := do(t, h, http.MethodPost, "/v1/patrol/scan", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decode[map[string]any](t, rec)
	if resp["threat_level"] != "DANGER" {
		t.Errorf("threat_level = %v, want DANGER", resp["threat_level"])
	}
	if resp["confidence"] != float64(88) {
		t.Errorf("confidence = %v, want 88", resp["confidence"])
	}
}

func TestRouter_StatusAndViews(t *testing.T) {
	p := &fakePatrol{
		state: patrol.StateActive,
		logs: []patrol.LogEntry{
			{ID: "a", Message: "one", Source: patrol.SourceSystem},
			{ID: "b", Message: "two", Source: patrol.SourcePerception},
		},
		items: []evidence.Item{{ID: "e1", Kind: evidence.KindIntrusion, CapturedAt: time.Now()}},
	}
	_, h := newTestRouter(p)

	rec := do(t, h, http.MethodGet, "/v1/patrol/status", "")
	if st := decode[map[string]any](t, rec); st["state"] != "ACTIVE" || st["threat_level"] != "SAFE" {
		t.Errorf("status = %v", st)
	}

	rec = do(t, h, http.MethodGet, "/v1/patrol/logs?skip=1", "")
	logs := decode[LogListResp](t, rec)
	if len(logs.Entries) != 1 || logs.Entries[0].ID != "b" || logs.Total != 2 {
		t.Errorf("logs = %+v", logs)
	}

	rec = do(t, h, http.MethodGet, "/v1/patrol/logs?skip=-4", "")
	if logs := decode[LogListResp](t, rec); logs.Skip != 0 || len(logs.Entries) != 2 {
		t.Errorf("negative skip: %+v", logs)
	}

	rec = do(t, h, http.MethodGet, "/v1/patrol/evidence", "")
	if ev := decode[EvidenceListResp](t, rec); len(ev.Items) != 1 || ev.Items[0].ID != "e1" {
		t.Errorf("evidence = %+v", ev)
	}
}

func TestRouter_BearerAuth(t *testing.T) {
	deps := &Dependencies{Patrol: &fakePatrol{}, APIToken: "s3cret", Logger: zap.NewNop()}
	h := NewRouter(deps)

	rec := do(t, h, http.MethodGet, "/v1/patrol/status", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/patrol/status", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	ok := httptest.NewRecorder()
	h.ServeHTTP(ok, req)
	if ok.Code != http.StatusOK {
		t.Errorf("valid token: status = %d, want 200", ok.Code)
	}

	if rec := do(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Errorf("healthz: status = %d, want 200", rec.Code)
	}
}

func TestRouter_Archives(t *testing.T) {
	p := &fakePatrol{}
	deps, _ := newTestRouter(p)

	rec := do(t, NewRouter(deps), http.MethodGet, "/v1/archives", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("unconfigured: status = %d, want 503", rec.Code)
	}

	archives := &fakeArchives{archives: []*store.Archive{
		{ID: "arc-1", PatrolID: "p-1", ThreatCount: 2, FinalThreatLevel: "DANGER"},
	}}
	deps.Archives = archives
	h := NewRouter(deps)

	rec = do(t, h, http.MethodGet, "/v1/archives?limit=5", "")
	list := decode[ArchiveListResp](t, rec)
	if len(list.Archives) != 1 || list.Archives[0].PatrolID != "p-1" {
		t.Errorf("list = %+v", list)
	}
	if archives.limit != 5 {
		t.Errorf("limit = %d, want 5", archives.limit)
	}

	rec = do(t, h, http.MethodGet, "/v1/archives/arc-1", "")
	if got := decode[ArchiveResp](t, rec); got.ThreatCount != 2 {
		t.Errorf("get = %+v", got)
	}

	rec = do(t, h, http.MethodGet, "/v1/archives/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing: status = %d, want 404", rec.Code)
	}
}

func TestRouter_Events(t *testing.T) {
	reader := &fakeReader{rows: []chread.EventRow{{EventID: "ev-1", Source: "PERCEPTION"}}}
	deps := &Dependencies{Patrol: &fakePatrol{}, Reader: reader, Logger: zap.NewNop()}
	h := NewRouter(deps)

	rec := do(t, h, http.MethodGet, "/v1/events?patrol_id=p-1&threat_level=DANGER&page=0&page_size=999", "")
	resp := decode[EventListResp](t, rec)
	if resp.Total != 1 || resp.Page != 1 || resp.PageSize != 200 {
		t.Errorf("resp = %+v", resp)
	}
	if reader.params.PatrolID == nil || *reader.params.PatrolID != "p-1" {
		t.Error("patrol_id filter not forwarded")
	}
	if reader.params.ThreatLevel == nil || *reader.params.ThreatLevel != "DANGER" {
		t.Error("threat_level filter not forwarded")
	}
	if reader.params.Source != nil {
		t.Error("source filter should be unset")
	}

	rec = do(t, h, http.MethodGet, "/v1/activity?days=365", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("activity: status = %d", rec.Code)
	}
	if reader.days != 90 {
		t.Errorf("days = %d, want clamp to 90", reader.days)
	}
}

func TestCORSPreflight(t *testing.T) {
	_, h := newTestRouter(&fakePatrol{})
	rec := do(t, h, http.MethodOptions, "/v1/patrol/start", "")
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}
