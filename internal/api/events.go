package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
)

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

// decodeBody decodes a size-limited JSON body, writing the error response
// itself when it returns false.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid event id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) createEvent(w http.ResponseWriter, r *http.Request) {
	var req CreateEventRequest
	if !decodeBody(w, r, &req) {
		return
	}

	in, err := validateCreateEvent(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	e, err := h.events.Create(r.Context(), in)
	if err != nil {
		h.writeServiceError(w, "create event", err)
		return
	}
	writeJSON(w, http.StatusCreated, eventResponse(e))
}

func (h *Handler) getEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	e, err := h.events.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, "get event", err)
		return
	}
	writeJSON(w, http.StatusOK, eventResponse(e))
}

func (h *Handler) updateTiming(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req UpdateTimingRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := validateVersion(req.Version); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	e, err := h.events.UpdateTiming(r.Context(), id, req.Version, req.timing())
	if err != nil {
		h.writeServiceError(w, "update timing", err)
		return
	}
	writeJSON(w, http.StatusOK, eventResponse(e))
}

func (h *Handler) setStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req StatusRequest
	if !decodeBody(w, r, &req) {
		return
	}
	o, err := validateStatusRequest(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	e, err := h.events.Override(r.Context(), id, req.Version, o)
	if err != nil {
		h.writeServiceError(w, "override status", err)
		return
	}
	writeJSON(w, http.StatusOK, eventResponse(e))
}

func (h *Handler) deleteEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if err := h.events.Delete(r.Context(), id); err != nil {
		h.writeServiceError(w, "delete event", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
