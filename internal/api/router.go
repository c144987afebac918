package api

import (
	"github.com/gorilla/mux"

	"github.com/clearcard/sqljobs/internal/broker"
)

// NewRouter wires the broker operations onto a mux router.
func NewRouter(svc *broker.Service, health *HealthHandler) *mux.Router {
	r := mux.NewRouter()

	jobs := NewJobHandler(svc)
	r.HandleFunc("/v0/jobs", jobs.Submit).Methods("POST")
	r.HandleFunc("/v0/jobs", jobs.List).Methods("GET")
	r.HandleFunc("/v0/jobs/{jobId}", jobs.GetStatus).Methods("GET")
	r.HandleFunc("/v0/jobs/{jobId}/manifest", jobs.GetResultManifest).Methods("GET")
	r.HandleFunc("/v0/jobs/{jobId}/cancel", jobs.Cancel).Methods("POST")

	if health != nil {
		r.HandleFunc("/v0/health", health.Check).Methods("GET")
	}
	return r
}
