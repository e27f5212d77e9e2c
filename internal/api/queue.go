package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"paceq/internal/config"
	"paceq/internal/pacing"
	"paceq/internal/scheduler"
	"paceq/pkg/logx"
)

func (d Deps) getStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.Sched.Snapshot())
}

// behaviorView is pacing.Settings with durations rendered as strings, the
// same shape the config file uses.
type behaviorView struct {
	MinDelay         string  `json:"min_delay"`
	MaxDelay         string  `json:"max_delay"`
	PeakHoursStart   int     `json:"peak_hours_start"`
	PeakHoursEnd     int     `json:"peak_hours_end"`
	WeekendFactor    float64 `json:"weekend_factor"`
	BurstProbability float64 `json:"burst_probability"`
	BurstSize        int     `json:"burst_size"`
	IdleProbability  float64 `json:"idle_probability"`
}

func viewOf(set pacing.Settings) behaviorView {
	return behaviorView{
		MinDelay:         set.MinDelay.String(),
		MaxDelay:         set.MaxDelay.String(),
		PeakHoursStart:   set.PeakHoursStart,
		PeakHoursEnd:     set.PeakHoursEnd,
		WeekendFactor:    set.WeekendFactor,
		BurstProbability: set.BurstProbability,
		BurstSize:        set.BurstSize,
		IdleProbability:  set.IdleProbability,
	}
}

func (d Deps) getBehavior(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, viewOf(d.Model.Settings()))
}

func (d Deps) setBehavior(w http.ResponseWriter, r *http.Request) {
	var body config.BehaviorConfig
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	set, err := body.Settings()
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid_behavior", err.Error())
		return
	}
	d.Model.Apply(set)
	d.Log.Info("behavior updated via api")
	writeJSON(w, http.StatusOK, viewOf(set))
}

type submitBody struct {
	Query    string            `json:"query"`
	Priority string            `json:"priority,omitempty"`
	Options  map[string]string `json:"options,omitempty"`
	Timeout  string            `json:"timeout,omitempty"`
	Async    bool              `json:"async,omitempty"`
}

func (d Deps) submitQuery(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	prio, err := scheduler.ParsePriority(body.Priority)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid_priority", err.Error())
		return
	}
	var timeout time.Duration
	if body.Timeout != "" {
		if timeout, err = time.ParseDuration(body.Timeout); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "invalid_timeout", err.Error())
			return
		}
	}

	req, err := d.Sched.Submit(scheduler.Payload{Query: body.Query, Options: body.Options}, prio, timeout)
	if err != nil {
		var ve *scheduler.ValidationError
		switch {
		case errors.As(err, &ve):
			writeError(w, http.StatusUnprocessableEntity, "invalid_query", err.Error())
		case errors.Is(err, scheduler.ErrNotRunning):
			writeError(w, http.StatusConflict, "not_running", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "submit_failed", err.Error())
		}
		return
	}

	if body.Async {
		writeJSON(w, http.StatusAccepted, map[string]any{
			"id":       req.ID(),
			"state":    req.State().String(),
			"position": d.Sched.QueuePosition(req.ID()),
		})
		return
	}

	res, err := req.Await(r.Context())
	if err != nil {
		if r.Context().Err() != nil {
			// Client went away; the request keeps running.
			return
		}
		d.writeOutcomeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": req.ID(), "result": res})
}

func (d Deps) writeOutcomeError(w http.ResponseWriter, req *scheduler.Request, err error) {
	status := http.StatusBadGateway
	code := "execution_failed"
	switch {
	case errors.Is(err, scheduler.ErrTimedOut):
		status, code = http.StatusGatewayTimeout, "timed_out"
	case errors.Is(err, scheduler.ErrCancelled):
		status, code = http.StatusConflict, "cancelled"
	case errors.Is(err, scheduler.ErrNoCapacity):
		status, code = http.StatusServiceUnavailable, "no_capacity"
	}
	w.Header().Set("X-Request-ID", req.ID())
	writeError(w, status, code, err.Error())
}

func (d Deps) getQuery(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, err := d.Sched.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown_request", err.Error())
		return
	}

	state := req.State()
	out := map[string]any{
		"id":           req.ID(),
		"state":        state.String(),
		"priority":     req.Priority().String(),
		"attempts":     req.Attempts(),
		"submitted_at": req.SubmittedAt(),
	}
	if acct := req.Account(); acct != "" {
		out["account"] = acct
	}
	if t := req.StartedAt(); !t.IsZero() {
		out["started_at"] = t
	}
	if t := req.CompletedAt(); !t.IsZero() {
		out["completed_at"] = t
	}
	if state == scheduler.StateQueued {
		if pos := d.Sched.QueuePosition(id); pos >= 0 {
			out["position"] = pos
		}
	}
	if state.Terminal() {
		res, rerr := req.Outcome()
		if res != nil {
			out["result"] = res
		}
		if rerr != nil {
			out["error"] = rerr.Error()
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (d Deps) getResult(w http.ResponseWriter, r *http.Request) {
	if d.Store == nil {
		writeError(w, http.StatusNotFound, "storage_disabled", "result storage is disabled")
		return
	}
	id := chi.URLParam(r, "id")
	rec, ok, err := d.Store.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_result", "no stored result for id")
		return
	}
	if r.URL.Query().Get("delete_after") == "true" {
		if _, err := d.Store.Delete(r.Context(), id); err != nil {
			d.Log.Warn("delete after fetch failed", logx.String("id", id), logx.Err(err))
		}
	}
	writeJSON(w, http.StatusOK, rec)
}

func (d Deps) deleteResult(w http.ResponseWriter, r *http.Request) {
	if d.Store == nil {
		writeError(w, http.StatusNotFound, "storage_disabled", "result storage is disabled")
		return
	}
	id := chi.URLParam(r, "id")
	ok, err := d.Store.Delete(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_result", "no stored result for id")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}

func (d Deps) cancelQuery(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := d.Sched.Cancel(id); err != nil {
		writeError(w, http.StatusNotFound, "unknown_request", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "cancelled": true})
}

func (d Deps) cancelAll(w http.ResponseWriter, r *http.Request) {
	n := d.Sched.CancelAll()
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": n})
}

func (d Deps) start(w http.ResponseWriter, r *http.Request) {
	d.Sched.Start()
	writeJSON(w, http.StatusOK, map[string]any{"running": true})
}

func (d Deps) stop(w http.ResponseWriter, r *http.Request) {
	d.Sched.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"running": false})
}
