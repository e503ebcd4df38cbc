package api

import (
	"net/http"

	"github.com/mklimuk/atelier-pilot/pkg/lifecycle"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a new HTTP router
func NewRouter(sync *lifecycle.Synchronizer, exporter Exporter) *http.ServeMux {
	mux := http.NewServeMux()

	h := &Handler{
		Sync:     sync,
		Exporter: exporter,
	}

	mux.HandleFunc("POST /leads", h.HandleCreateLead)
	mux.HandleFunc("POST /tasks", h.HandleCreateTask)
	mux.HandleFunc("GET /tasks/{id}", h.HandleGetTask)
	mux.HandleFunc("DELETE /tasks/{id}", h.HandleDeleteTask)
	mux.HandleFunc("PUT /tasks/{id}/status", h.HandleChangeStatus)
	mux.HandleFunc("PUT /tasks/{id}/schedule", h.HandleSchedule)
	mux.HandleFunc("GET /collaborators/{id}/queue", h.HandleQueue)
	mux.HandleFunc("GET /collaborators/{id}/agenda", h.HandleAgenda)
	mux.HandleFunc("POST /collaborators/{id}/queue/move", h.HandleMoveInQueue)
	mux.HandleFunc("POST /appointments", h.HandleCreateAppointment)
	mux.HandleFunc("PATCH /appointments/{id}", h.HandleUpdateAppointment)
	mux.HandleFunc("DELETE /appointments/{id}", h.HandleDeleteAppointment)
	mux.HandleFunc("POST /conflicts", h.HandleFindConflicts)
	mux.HandleFunc("POST /projects", h.HandleCreateProject)
	mux.HandleFunc("PUT /clients/{id}/status", h.HandleSetClientStatus)
	mux.HandleFunc("POST /maintenance/reconcile", h.HandleReconcile)
	mux.HandleFunc("POST /maintenance/resume-closures", h.HandleResumeClosures)
	mux.HandleFunc("POST /maintenance/export", h.HandleExport)
	mux.HandleFunc("GET /healthz", h.HandleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}
