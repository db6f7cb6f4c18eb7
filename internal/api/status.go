package api

import (
	"net/http"
)

func (h *Handler) snapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.status.Snapshot(r.Context())
	if err != nil {
		h.writeServiceError(w, "build status", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) schedulerStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.status.SchedulerStatus(r.Context())
	if err != nil {
		h.writeServiceError(w, "read scheduler status", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) scheduledTriggers(w http.ResponseWriter, r *http.Request) {
	sched, err := h.status.ScheduledTriggers(r.Context())
	if err != nil {
		h.writeServiceError(w, "list triggers", err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (h *Handler) triggerFeed(w http.ResponseWriter, r *http.Request) {
	if h.calendar == nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	feed, err := h.calendar.Render(r.Context())
	if err != nil {
		h.writeServiceError(w, "render calendar", err)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(feed))
}

func (h *Handler) recentActivity(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// The feed is always the newest records; older ones are paged via /audit.
	if offset != 0 {
		writeError(w, http.StatusBadRequest, "offset is not supported on the activity feed, use /audit")
		return
	}
	if r.URL.Query().Get("limit") == "" {
		limit = 0
	}

	items, err := h.status.RecentActivity(r.Context(), limit)
	if err != nil {
		h.writeServiceError(w, "read activity", err)
		return
	}
	writeJSON(w, http.StatusOK, ActivityResponse{Activity: items})
}

func (h *Handler) queryAudit(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter, err := parseAuditFilter(r.URL.Query(), limit, offset)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := h.audit.Query(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, "query audit log", err)
		return
	}

	resp := ListAuditResponse{Records: make([]AuditRecordResponse, len(records))}
	for i, rec := range records {
		resp.Records[i] = auditRecordResponse(rec)
	}
	writeJSON(w, http.StatusOK, resp)
}
