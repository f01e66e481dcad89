package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/lendingsim/internal/domain"
)

// HistoryService defines the methods the run handler requires from the
// service layer. It is declared locally so the handler package does not
// depend on the concrete service implementation.
type HistoryService interface {
	ListRuns(ctx context.Context, limit int) ([]domain.Run, error)
	GetRun(ctx context.Context, id string) (domain.Run, error)
	Snapshots(ctx context.Context, runID string, opts domain.ListOpts) ([]domain.Snapshot, error)
	Liquidations(ctx context.Context, runID string, opts domain.ListOpts) ([]domain.Liquidation, error)
	Audit(ctx context.Context, runID string, opts domain.ListOpts) ([]domain.AuditEntry, error)
	Archive(ctx context.Context, runID string) (domain.ArchiveResult, error)
	ArchivedRun(ctx context.Context, runID string) (domain.ArchiveManifest, error)
	ArchivedRuns(ctx context.Context) ([]string, error)
}

// RunHandler serves persisted run history.
type RunHandler struct {
	history HistoryService
	logger  *slog.Logger
}

// NewRunHandler creates a RunHandler with the given service and logger.
func NewRunHandler(history HistoryService, logger *slog.Logger) *RunHandler {
	return &RunHandler{history: history, logger: logHandler(logger, "runs")}
}

// ListRuns returns the most recent runs.
// GET /api/runs?limit=50
func (h *RunHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	runs, err := h.history.ListRuns(r.Context(), limit)
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to list runs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

// GetRun returns one run.
// GET /api/runs/{id}
func (h *RunHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.history.GetRun(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to get run", err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// ListSnapshots returns a page of a run's snapshots.
// GET /api/runs/{id}/snapshots?limit=50&offset=0
func (h *RunHandler) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	snaps, err := h.history.Snapshots(r.Context(), pathParam(r, "id"), opts)
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to list snapshots", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"snapshots": snaps,
		"limit":     opts.Limit,
		"offset":    opts.Offset,
	})
}

// ListLiquidations returns a page of a run's liquidation events.
// GET /api/runs/{id}/liquidations?limit=50&offset=0
func (h *RunHandler) ListLiquidations(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	evs, err := h.history.Liquidations(r.Context(), pathParam(r, "id"), opts)
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to list liquidations", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"liquidations": evs,
		"limit":        opts.Limit,
		"offset":       opts.Offset,
	})
}

// ListAudit returns a run's audit trail.
// GET /api/runs/{id}/audit
func (h *RunHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.history.Audit(r.Context(), pathParam(r, "id"), parseListOpts(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to list audit entries", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// ArchiveRun copies a finished run to object storage.
// POST /api/runs/{id}/archive
func (h *RunHandler) ArchiveRun(w http.ResponseWriter, r *http.Request) {
	res, err := h.history.Archive(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to archive run", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetArchive returns the manifest of an archived run.
// GET /api/runs/{id}/archive
func (h *RunHandler) GetArchive(w http.ResponseWriter, r *http.Request) {
	m, err := h.history.ArchivedRun(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to read archive manifest", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// ListArchives returns the ids of runs in object storage.
// GET /api/archives
func (h *RunHandler) ListArchives(w http.ResponseWriter, r *http.Request) {
	ids, err := h.history.ArchivedRuns(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to list archives", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": ids, "count": len(ids)})
}
