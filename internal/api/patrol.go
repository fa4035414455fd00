package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/triage-ai/patrol/internal/patrol"
	"go.uber.org/zap"
)

// command adapts a no-argument patrol command into a handler that reports
// the resulting state.
func (d *Dependencies) command(name string, fn func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(r.Context()); err != nil {
			d.writeCommandError(w, name, err)
			return
		}
		d.writeState(w, r, name)
	}
}

func (d *Dependencies) handleUnlock(w http.ResponseWriter, r *http.Request) {
	var req UnlockReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid request body"})
		return
	}
	if err := d.Patrol.Unlock(r.Context(), req.Credential); err != nil {
		d.writeCommandError(w, "unlock", err)
		return
	}
	d.writeState(w, r, "unlock")
}

func (d *Dependencies) handleDeepScan(w http.ResponseWriter, r *http.Request) {
	res, err := d.Patrol.DeepScan(r.Context())
	if err != nil {
		d.writeCommandError(w, "scan", err)
		return
	}
	writeJSON(w, http.StatusOK, DeepScanResp{
		ThreatLevel: res.ThreatLevel,
		Analysis:    res.Analysis,
		Action:      res.Action,
		Confidence:  res.Confidence,
		Degraded:    res.Degraded,
	})
}

func (d *Dependencies) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := d.Patrol.Status(r.Context())
	if err != nil {
		d.writeCommandError(w, "status", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (d *Dependencies) handleLogs(w http.ResponseWriter, r *http.Request) {
	skip := queryInt(r.URL.Query(), "skip", 0)
	if skip < 0 {
		skip = 0
	}
	entries := d.Patrol.Logs(skip)
	writeJSON(w, http.StatusOK, LogListResp{
		Entries: entries,
		Skip:    skip,
		Total:   skip + len(entries),
	})
}

func (d *Dependencies) handleEvidence(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, EvidenceListResp{Items: d.Patrol.Evidence()})
}

func (d *Dependencies) writeState(w http.ResponseWriter, r *http.Request, name string) {
	st, err := d.Patrol.Status(r.Context())
	if err != nil {
		d.writeCommandError(w, name, err)
		return
	}
	writeJSON(w, http.StatusOK, CommandResp{Command: name, State: st.State})
}

// writeCommandError maps patrol errors to HTTP statuses.
func (d *Dependencies) writeCommandError(w http.ResponseWriter, name string, err error) {
	status := commandStatus(err)
	if status >= http.StatusInternalServerError {
		d.Logger.Error("patrol command failed", zap.String("command", name), zap.Error(err))
	} else {
		d.Logger.Info("patrol command rejected", zap.String("command", name), zap.Error(err))
	}
	writeJSON(w, status, ErrorResp{Detail: err.Error()})
}

func commandStatus(err error) int {
	switch {
	case errors.Is(err, patrol.ErrInvalidTransition),
		errors.Is(err, patrol.ErrAuthInProgress):
		return http.StatusConflict
	case errors.Is(err, patrol.ErrWrongCredential):
		return http.StatusUnauthorized
	case errors.Is(err, patrol.ErrBiometricMismatch):
		return http.StatusForbidden
	case errors.Is(err, patrol.ErrBaselineFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, patrol.ErrDeviceUnavailable),
		errors.Is(err, patrol.ErrCameraUnavailable),
		errors.Is(err, patrol.ErrServiceUnavailable),
		errors.Is(err, patrol.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, patrol.ErrArchiveFailed),
		errors.Is(err, patrol.ErrLinkFailed):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
