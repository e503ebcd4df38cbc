package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mklimuk/atelier-pilot/pkg/conflict"
	"github.com/mklimuk/atelier-pilot/pkg/export"
	"github.com/mklimuk/atelier-pilot/pkg/lifecycle"
	"github.com/mklimuk/atelier-pilot/pkg/model"
	"github.com/mklimuk/atelier-pilot/pkg/store"
	"github.com/sirupsen/logrus"
)

// Exporter writes a snapshot on demand.
type Exporter interface {
	Export(ctx context.Context) (*export.Result, error)
}

// Handler holds dependencies for API handlers
type Handler struct {
	Sync *lifecycle.Synchronizer
	// Exporter is optional; POST /maintenance/export answers 404 without it.
	Exporter Exporter
}

type createLeadRequest struct {
	Name            string `json:"name"`
	Email           string `json:"email"`
	Phone           string `json:"phone"`
	Note            string `json:"note"`
	CollaboratorRef string `json:"collaboratorRef"`
}

type createTaskRequest struct {
	Kind            model.TaskKind             `json:"kind"`
	StatusLabel     string                     `json:"statusLabel"`
	Title           string                     `json:"title"`
	Subject         string                     `json:"subject"`
	Note            string                     `json:"note"`
	DueDate         *model.Date                `json:"dueDate"`
	CollaboratorRef string                     `json:"collaboratorRef"`
	ClientRef       string                     `json:"clientRef"`
	ProjectRef      string                     `json:"projectRef"`
	Schedule        *lifecycle.ScheduleRequest `json:"schedule"`
}

type statusRequest struct {
	Label string `json:"label"`
}

type moveRequest struct {
	From int `json:"from"`
	To   int `json:"to"`
}

type createAppointmentRequest struct {
	Date            model.Date              `json:"date"`
	Start           model.Clock             `json:"start"`
	End             model.Clock             `json:"end"`
	Title           string                  `json:"title"`
	CollaboratorRef string                  `json:"collaboratorRef"`
	ClientRef       string                  `json:"clientRef"`
	ProjectRef      string                  `json:"projectRef"`
	Status          model.AppointmentStatus `json:"status"`
}

type conflictRequest struct {
	Date            model.Date  `json:"date"`
	Start           model.Clock `json:"start"`
	End             model.Clock `json:"end"`
	CollaboratorRef string      `json:"collaboratorRef"`
	ExcludeID       string      `json:"excludeId"`
}

type createProjectRequest struct {
	ClientRef string `json:"clientRef"`
	Name      string `json:"name"`
}

type clientStatusRequest struct {
	Status model.ClientStatus `json:"status"`
}

// HandleCreateLead handles POST /leads
func (h *Handler) HandleCreateLead(w http.ResponseWriter, r *http.Request) {
	var req createLeadRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Sync.CreateLead(r.Context(), lifecycle.NewLead{
		Name:            req.Name,
		Email:           req.Email,
		Phone:           req.Phone,
		Note:            req.Note,
		CollaboratorRef: req.CollaboratorRef,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// HandleCreateTask handles POST /tasks
func (h *Handler) HandleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Sync.CreateTask(r.Context(), lifecycle.NewTask{
		Kind:            req.Kind,
		Label:           req.StatusLabel,
		Title:           req.Title,
		Subject:         req.Subject,
		Note:            req.Note,
		DueDate:         req.DueDate,
		CollaboratorRef: req.CollaboratorRef,
		ClientRef:       req.ClientRef,
		ProjectRef:      req.ProjectRef,
		Schedule:        req.Schedule,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// HandleGetTask handles GET /tasks/{id}
func (h *Handler) HandleGetTask(w http.ResponseWriter, r *http.Request) {
	res, err := h.Sync.LoadTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleDeleteTask handles DELETE /tasks/{id}
func (h *Handler) HandleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := h.Sync.DeleteTask(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleChangeStatus handles PUT /tasks/{id}/status
func (h *Handler) HandleChangeStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !decode(w, r, &req) {
		return
	}
	task, err := h.Sync.ChangeStatusLabel(r.Context(), r.PathValue("id"), req.Label)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// HandleSchedule handles PUT /tasks/{id}/schedule
func (h *Handler) HandleSchedule(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.ScheduleRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Sync.Schedule(r.Context(), r.PathValue("id"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleQueue handles GET /collaborators/{id}/queue
func (h *Handler) HandleQueue(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.Sync.Queue(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": nonNil(tasks)})
}

// HandleMoveInQueue handles POST /collaborators/{id}/queue/move
func (h *Handler) HandleMoveInQueue(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if !decode(w, r, &req) {
		return
	}
	tasks, err := h.Sync.MoveInQueue(r.Context(), r.PathValue("id"), req.From, req.To)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": nonNil(tasks)})
}

// HandleAgenda handles GET /collaborators/{id}/agenda?date=YYYY-MM-DD
func (h *Handler) HandleAgenda(w http.ResponseWriter, r *http.Request) {
	date, err := model.ParseDate(r.URL.Query().Get("date"))
	if err != nil {
		writeError(w, model.Invalid("date", "%v", err))
		return
	}
	appts, err := h.Sync.Agenda(r.Context(), r.PathValue("id"), date)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"appointments": nonNil(appts)})
}

// HandleCreateAppointment handles POST /appointments
func (h *Handler) HandleCreateAppointment(w http.ResponseWriter, r *http.Request) {
	var req createAppointmentRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Sync.CreateAppointment(r.Context(), lifecycle.NewAppointment{
		Date:            req.Date,
		Start:           req.Start,
		End:             req.End,
		Title:           req.Title,
		CollaboratorRef: req.CollaboratorRef,
		ClientRef:       req.ClientRef,
		ProjectRef:      req.ProjectRef,
		Status:          req.Status,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// HandleUpdateAppointment handles PATCH /appointments/{id}
func (h *Handler) HandleUpdateAppointment(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.AppointmentUpdate
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Sync.UpdateAppointment(r.Context(), r.PathValue("id"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleDeleteAppointment handles DELETE /appointments/{id}
func (h *Handler) HandleDeleteAppointment(w http.ResponseWriter, r *http.Request) {
	if err := h.Sync.DeleteAppointment(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleFindConflicts handles POST /conflicts
func (h *Handler) HandleFindConflicts(w http.ResponseWriter, r *http.Request) {
	var req conflictRequest
	if !decode(w, r, &req) {
		return
	}
	cand := conflict.Candidate{Date: req.Date, Start: req.Start, End: req.End, CollaboratorRef: req.CollaboratorRef}
	conflicts, err := h.Sync.FindConflicts(r.Context(), cand, req.ExcludeID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": nonNil(conflicts)})
}

// HandleCreateProject handles POST /projects. The project is reported as
// created even when client promotion or lead task closing failed; those
// failures are listed in warnings and retried by the resume job.
func (h *Handler) HandleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if !decode(w, r, &req) {
		return
	}
	project, err := h.Sync.CreateProject(r.Context(), lifecycle.NewProject{ClientRef: req.ClientRef, Name: req.Name})
	var partial *lifecycle.PartialFailureError
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, map[string]any{"project": project})
	case errors.As(err, &partial) && project != nil:
		warnings := make([]string, 0, len(partial.Steps))
		for _, s := range partial.Steps {
			warnings = append(warnings, s.Step+": "+s.Err.Error())
		}
		logrus.WithFields(logrus.Fields{
			"component":  "api",
			"project_id": project.ID,
		}).WithError(err).Warn("project created with pending follow-up steps")
		writeJSON(w, http.StatusCreated, map[string]any{"project": project, "warnings": warnings})
	default:
		writeError(w, err)
	}
}

// HandleSetClientStatus handles PUT /clients/{id}/status
func (h *Handler) HandleSetClientStatus(w http.ResponseWriter, r *http.Request) {
	var req clientStatusRequest
	if !decode(w, r, &req) {
		return
	}
	client, err := h.Sync.SetClientStatus(r.Context(), r.PathValue("id"), req.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, client)
}

// HandleReconcile handles POST /maintenance/reconcile
func (h *Handler) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.Sync.ReconcileAll(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// HandleResumeClosures handles POST /maintenance/resume-closures
func (h *Handler) HandleResumeClosures(w http.ResponseWriter, r *http.Request) {
	n, err := h.Sync.ResumeLeadClosures(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"resumed": n})
}

// HandleExport handles POST /maintenance/export
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	if h.Exporter == nil {
		http.Error(w, "export is not configured", http.StatusNotFound)
		return
	}
	res, err := h.Exporter.Export(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleHealth handles GET /healthz
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case model.IsValidation(err):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	default:
		logrus.WithField("component", "api").WithError(err).Error("request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
