package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/clearcard/sqljobs/internal/api/respond"
	"github.com/clearcard/sqljobs/internal/broker"
	"github.com/clearcard/sqljobs/internal/model"
)

// JobHandler provides HTTP transport for the broker operations.
type JobHandler struct {
	svc *broker.Service
}

func NewJobHandler(svc *broker.Service) *JobHandler {
	return &JobHandler{svc: svc}
}

type submitBody struct {
	SQL         string `json:"sql"`
	UserID      string `json:"userId,omitempty"`
	RequestID   string `json:"requestId,omitempty"`
	Title       string `json:"title,omitempty"`
	TableConfig string `json:"tableConfig,omitempty"`
	ChartConfig string `json:"chartConfig,omitempty"`
	Options     struct {
		PageSize int    `json:"pageSize,omitempty"`
		MaxRows  int64  `json:"maxRows,omitempty"`
		Format   string `json:"format,omitempty"`
	} `json:"options"`
}

// Submit POST /v0/jobs
func (h *JobHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respond.WriteBadRequest(w, "Invalid JSON")
		return
	}
	ack, err := h.svc.Submit(r.Context(), broker.SubmitRequest{
		SQL:         body.SQL,
		UserID:      body.UserID,
		RequestID:   body.RequestID,
		Title:       body.Title,
		TableConfig: body.TableConfig,
		ChartConfig: body.ChartConfig,
		PageSize:    body.Options.PageSize,
		MaxRows:     body.Options.MaxRows,
		Format:      body.Options.Format,
	})
	if err != nil {
		if errors.Is(err, model.ErrValidation) {
			respond.WriteBadRequest(w, err.Error())
			return
		}
		respond.WriteInternalError(w, err.Error())
		return
	}
	respond.WriteJSON(w, http.StatusAccepted, ack)
}

// GetStatus GET /v0/jobs/{jobId}
func (h *JobHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobId"]
	st, err := h.svc.GetStatus(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			respond.WriteNotFound(w, "job not found")
			return
		}
		respond.WriteInternalError(w, err.Error())
		return
	}
	respond.WriteJSON(w, http.StatusOK, st)
}

// GetResultManifest GET /v0/jobs/{jobId}/manifest
func (h *JobHandler) GetResultManifest(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobId"]
	ref, err := h.svc.GetResultManifest(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			respond.WriteNotFound(w, "job not found")
			return
		}
		respond.WriteInternalError(w, err.Error())
		return
	}
	respond.WriteJSON(w, http.StatusOK, ref)
}

// Cancel POST /v0/jobs/{jobId}/cancel
func (h *JobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobId"]
	st, err := h.svc.Cancel(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			respond.WriteNotFound(w, "job not found")
			return
		}
		respond.WriteInternalError(w, err.Error())
		return
	}
	respond.WriteJSON(w, http.StatusOK, st)
}

// List GET /v0/jobs?userId=&limit=
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respond.WriteBadRequest(w, "invalid limit")
			return
		}
		limit = n
	}
	jobs, err := h.svc.ListJobs(r.Context(), userID, limit)
	if err != nil {
		respond.WriteInternalError(w, err.Error())
		return
	}
	respond.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}
