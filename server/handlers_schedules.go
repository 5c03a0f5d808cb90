package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/onnwee/live-tender/capture"
	"github.com/onnwee/live-tender/schedule"
	"github.com/onnwee/live-tender/telemetry"
)

type scheduleJSON struct {
	ID            string   `json:"id,omitempty"`
	BroadcasterID string   `json:"broadcaster_id"`
	Quality       string   `json:"quality"`
	MinViewers    *int     `json:"min_viewers,omitempty"`
	Categories    []string `json:"categories,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	Enabled       bool     `json:"enabled"`
	OwnerID       string   `json:"owner_id"`
}

func toScheduleJSON(s schedule.Schedule) scheduleJSON {
	out := scheduleJSON{
		ID:            s.ID,
		BroadcasterID: s.BroadcasterID,
		Quality:       s.Quality.String(),
		Enabled:       s.Enabled,
		OwnerID:       s.OwnerID,
	}
	if s.Criteria.HasMinViewers {
		n := s.Criteria.MinViewers
		out.MinViewers = &n
	}
	if s.Criteria.HasCategories {
		out.Categories = s.Criteria.Categories
	}
	if s.Criteria.HasTags {
		out.Tags = s.Criteria.Tags
	}
	return out
}

// fromScheduleJSON maps absent criteria to unset has-flags. An empty list that is present sets
// the flag, so Validate rejects it instead of it silently matching everything.
func fromScheduleJSON(in scheduleJSON, raw map[string]json.RawMessage) (schedule.Schedule, error) {
	q, err := capture.ParseResolution(in.Quality)
	if err != nil {
		return schedule.Schedule{}, err
	}
	s := schedule.Schedule{
		ID:            in.ID,
		BroadcasterID: in.BroadcasterID,
		Quality:       q,
		Enabled:       in.Enabled,
		OwnerID:       in.OwnerID,
	}
	if in.MinViewers != nil {
		s.Criteria.HasMinViewers = true
		s.Criteria.MinViewers = *in.MinViewers
	}
	if _, ok := raw["categories"]; ok {
		s.Criteria.HasCategories = true
		s.Criteria.Categories = in.Categories
	}
	if _, ok := raw["tags"]; ok {
		s.Criteria.HasTags = true
		s.Criteria.Tags = in.Tags
	}
	return s, nil
}

// HandleSchedulesList returns every schedule of a broadcaster.
func (h *Handlers) HandleSchedulesList(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.ListSchedules(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("list schedules failed", slog.String("component", "admin"), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "list schedules failed")
		return
	}
	out := make([]scheduleJSON, 0, len(list))
	for _, s := range list {
		out = append(out, toScheduleJSON(s))
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleScheduleUpsert creates a schedule, or replaces it when the body carries an id.
func (h *Handlers) HandleScheduleUpsert(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 16<<10))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body failed")
		return
	}
	var raw map[string]json.RawMessage
	var in scheduleJSON
	if err := json.Unmarshal(body, &raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := json.Unmarshal(body, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	in.BroadcasterID = mux.Vars(r)["id"]
	s, err := fromScheduleJSON(in, raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := h.store.UpsertSchedule(r.Context(), s)
	switch {
	case err == nil:
		telemetry.LoggerWithCorr(r.Context()).Info("schedule saved", slog.String("component", "admin"),
			slog.String("schedule_id", id), slog.String("broadcaster_id", s.BroadcasterID))
		writeJSON(w, http.StatusOK, map[string]string{"id": id})
	case errors.Is(err, schedule.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		telemetry.LoggerWithCorr(r.Context()).Error("save schedule failed", slog.String("component", "admin"), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "save schedule failed")
	}
}

// HandleScheduleDelete removes a schedule by id.
func (h *Handlers) HandleScheduleDelete(w http.ResponseWriter, r *http.Request) {
	ok, err := h.store.DeleteSchedule(r.Context(), mux.Vars(r)["sid"])
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("delete schedule failed", slog.String("component", "admin"), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "delete schedule failed")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "schedule not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
