// Package api is the local admin surface: submit and track queries, inspect
// the queue, tune pacing behavior, and start/stop dispatching.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"paceq/internal/pacing"
	"paceq/internal/scheduler"
	"paceq/internal/storage"
	"paceq/pkg/logx"
)

type Deps struct {
	Sched *scheduler.Scheduler
	Model *pacing.Model
	Store storage.Store // may be nil when storage is disabled
	Log   logx.Logger
}

func Routes(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(RequestLogger(d.Log))

	r.Route("/api/queue", func(r chi.Router) {
		r.Get("/status", d.getStatus)
		r.Get("/settings/behavior", d.getBehavior)
		r.Post("/settings/behavior", d.setBehavior)

		r.Post("/query", d.submitQuery)
		r.Get("/query/{id}", d.getQuery)
		r.Get("/result/{id}", d.getResult)
		r.Delete("/result/{id}", d.deleteResult)

		r.Post("/cancel/{id}", d.cancelQuery)
		r.Post("/cancel", d.cancelAll)
		r.Post("/start", d.start)
		r.Post("/stop", d.stop)
	})

	return r
}
