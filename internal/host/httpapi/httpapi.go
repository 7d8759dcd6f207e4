// Package httpapi exposes the receiver's host surface over HTTP: status
// queries, the pairing window and per-tracker commands. The handler only
// enqueues into the receiver's mailbox, so requests return before the
// protocol loop has acted on them.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/mingyuefenglou/slimerf/internal/host"
)

// Handler serves the control API for one receiver.
type Handler struct {
	ctrl   host.Controller
	logger *slog.Logger
}

// NewHandler builds the API router over the given controller.
func NewHandler(ctrl host.Controller, logger *slog.Logger) http.Handler {
	h := Handler{
		ctrl:   ctrl,
		logger: logger.With(slog.String("component", "httpapi")),
	}

	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/status", h.status).Methods(http.MethodGet)
	api.HandleFunc("/trackers", h.trackers).Methods(http.MethodGet)
	api.HandleFunc("/trackers", h.unpairAll).Methods(http.MethodDelete)
	api.HandleFunc("/trackers/{id:[0-9]+}", h.unpair).Methods(http.MethodDelete)
	api.HandleFunc("/trackers/{id:[0-9]+}/command", h.command).Methods(http.MethodPost)
	api.HandleFunc("/pairing", h.startPairing).Methods(http.MethodPost)
	api.HandleFunc("/pairing", h.stopPairing).Methods(http.MethodDelete)

	return r
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.ctrl.Status())
}

func (h *Handler) trackers(w http.ResponseWriter, r *http.Request) {
	st := h.ctrl.Status()
	if st.Trackers == nil {
		st.Trackers = []host.TrackerStatus{}
	}
	h.writeJSON(w, http.StatusOK, st.Trackers)
}

func (h *Handler) startPairing(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.StartPairing(); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "pairing"})
}

func (h *Handler) stopPairing(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.StopPairing(); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopped"})
}

func (h *Handler) unpair(w http.ResponseWriter, r *http.Request) {
	id, ok := h.trackerID(w, r)
	if !ok {
		return
	}
	if err := h.ctrl.Unpair(id); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) unpairAll(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.UnpairAll(); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type commandRequest struct {
	Command uint8 `json:"command"`
	Param   uint8 `json:"param"`
}

func (h *Handler) command(w http.ResponseWriter, r *http.Request) {
	id, ok := h.trackerID(w, r)
	if !ok {
		return
	}

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid command body"})
		return
	}

	if err := h.ctrl.SendCommand(id, req.Command, req.Param); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (h *Handler) trackerID(w http.ResponseWriter, r *http.Request) (uint8, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 8)
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid tracker id"})
		return 0, false
	}
	return uint8(id), true
}

// Controller errors mean the receiver's command mailbox is full, so the
// client should retry once the protocol loop has drained it.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	h.logger.Warn("command rejected", slog.Any("error", err))
	h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("writing response", slog.Any("error", err))
	}
}
