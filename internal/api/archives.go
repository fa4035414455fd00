package api

import (
	"net/http"

	"github.com/triage-ai/patrol/internal/store"
	"go.uber.org/zap"
)

func (d *Dependencies) handleListArchives(w http.ResponseWriter, r *http.Request) {
	if d.Archives == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "Postgres not configured"})
		return
	}

	archives, err := d.Archives.ListArchives(r.Context(), queryInt(r.URL.Query(), "limit", 50))
	if err != nil {
		d.Logger.Error("failed to list archives", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to list archives"})
		return
	}

	resp := ArchiveListResp{Archives: make([]ArchiveResp, 0, len(archives))}
	for _, a := range archives {
		resp.Archives = append(resp.Archives, archiveToResp(a))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d *Dependencies) handleGetArchive(w http.ResponseWriter, r *http.Request) {
	if d.Archives == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "Postgres not configured"})
		return
	}

	a, err := d.Archives.GetArchive(r.Context(), r.PathValue("archive_id"))
	if err != nil {
		d.Logger.Error("failed to get archive", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to get archive"})
		return
	}
	if a == nil {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Archive not found."})
		return
	}
	writeJSON(w, http.StatusOK, archiveToResp(a))
}

func archiveToResp(a *store.Archive) ArchiveResp {
	return ArchiveResp{
		ID:               a.ID,
		PatrolID:         a.PatrolID,
		StartedAt:        a.StartedAt,
		DurationMs:       a.DurationMs,
		ThreatCount:      a.ThreatCount,
		ManualScanCount:  a.ManualScanCount,
		FinalThreatLevel: a.FinalThreatLevel,
		BaselineAnalysis: a.BaselineAnalysis,
		EvidenceCount:    a.EvidenceCount,
		LogCount:         a.LogCount,
		ArchivedAt:       a.ArchivedAt,
	}
}
