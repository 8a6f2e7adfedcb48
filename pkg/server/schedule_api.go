package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/solixplan/solixplan/pkg/controller"
	"github.com/solixplan/solixplan/pkg/ess"
	"github.com/solixplan/solixplan/pkg/log"
	"github.com/solixplan/solixplan/pkg/schedule"
	"github.com/solixplan/solixplan/pkg/types"
)

// ScheduleRes is the cached schedule of a site with the interval active on
// the device clock.
type ScheduleRes struct {
	Schedule     types.Schedule     `json:"schedule"`
	Version      uint64             `json:"version"`
	Capabilities types.Capabilities `json:"capabilities"`
	Active       *schedule.Active   `json:"active,omitempty"`
	LocalTime    string             `json:"localTime"`
	Fetched      time.Time          `json:"fetched"`
}

// MutationRes is returned by every schedule change.
type MutationRes struct {
	ScheduleRes
	ChangeID  string   `json:"changeID"`
	Warnings  []string `json:"warnings"`
	Submitted bool     `json:"submitted"`
}

func scheduleResponse(snap controller.Snapshot) ScheduleRes {
	res := ScheduleRes{
		Schedule:     snap.Schedule,
		Version:      snap.Version,
		Capabilities: snap.Options.Capabilities,
		LocalTime:    snap.Options.Local().Format("2006-01-02T15:04:05"),
		Fetched:      snap.Fetched,
	}
	if active, err := schedule.GetActive(snap.Schedule, "", snap.Options); err == nil {
		res.Active = &active
	}
	return res
}

// scheduleErrorStatus maps an error of the schedule path to its HTTP status.
func scheduleErrorStatus(err error) int {
	switch {
	case errors.Is(err, schedule.ErrInvalidRange),
		errors.Is(err, schedule.ErrInvalidValue),
		errors.Is(err, schedule.ErrUnsupportedField),
		errors.Is(err, schedule.ErrAmbiguousWeekdays):
		return http.StatusBadRequest
	case errors.Is(err, schedule.ErrNoPlan):
		return http.StatusNotFound
	case errors.Is(err, schedule.ErrStaleSchedule),
		errors.Is(err, controller.ErrPaused):
		return http.StatusConflict
	case errors.Is(err, errNoESS),
		errors.Is(err, ess.ErrUnknownModel),
		errors.Is(err, ess.ErrUnknownProvider):
		return http.StatusPreconditionFailed
	case errors.Is(err, errAuthLocked),
		errors.Is(err, errAuthLimit):
		return http.StatusTooManyRequests
	case errors.Is(err, ess.ErrUnauthorized):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) writeScheduleError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	ctx := r.Context()
	code := scheduleErrorStatus(err)
	if code == http.StatusInternalServerError {
		log.Ctx(ctx).ErrorContext(ctx, msg, slog.Any("error", err))
		writeJSONError(w, msg, code)
		return
	}
	log.Ctx(ctx).WarnContext(ctx, msg, slog.Int("status", code), slog.Any("error", err))
	writeJSONError(w, err.Error(), code)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	snap, err := s.controller.Schedule(r.Context(), s.getSiteID(r))
	if err != nil {
		s.writeScheduleError(w, r, "failed to get schedule", err)
		return
	}
	writeJSON(w, scheduleResponse(snap))
}

func (s *Server) handleScheduleRefresh(w http.ResponseWriter, r *http.Request) {
	snap, err := s.controller.Refresh(r.Context(), s.getSiteID(r))
	if err != nil {
		s.writeScheduleError(w, r, "failed to refresh schedule", err)
		return
	}
	writeJSON(w, scheduleResponse(snap))
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	var plan types.PlanType
	if p := r.URL.Query().Get("plan"); p != "" {
		var err error
		plan, err = types.ParsePlanType(p)
		if err != nil {
			writeJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	snap, err := s.controller.Schedule(r.Context(), s.getSiteID(r))
	if err != nil {
		s.writeScheduleError(w, r, "failed to get schedule", err)
		return
	}
	active, err := schedule.GetActive(snap.Schedule, plan, snap.Options)
	if err != nil {
		s.writeScheduleError(w, r, "failed to resolve active interval", err)
		return
	}
	writeJSON(w, active)
}

// mutate decodes the request, applies it through the controller and writes
// the outcome.
func (s *Server) mutate(w http.ResponseWriter, r *http.Request, operation string, req interface{ version() uint64 }, apply func(types.Schedule, schedule.Options) (schedule.Result, error)) {
	out, err := s.controller.Mutate(r.Context(), s.getSiteID(r), controller.Mutation{
		Operation: operation,
		Request:   req,
		Version:   req.version(),
		Apply:     apply,
	})
	if err != nil {
		s.writeScheduleError(w, r, "failed to change schedule", err)
		return
	}
	warnings := out.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	writeJSON(w, MutationRes{
		ScheduleRes: scheduleResponse(out.Snapshot),
		ChangeID:    out.ChangeID,
		Warnings:    warnings,
		Submitted:   out.Submitted,
	})
}

func decodeMutation(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		log.Ctx(r.Context()).WarnContext(r.Context(), "failed to decode request", slog.Any("error", err))
		writeJSONError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// base carries the fields shared by every mutation request.
type base struct {
	SiteID string `json:"siteID,omitempty"`
	// Version is the schedule version the client saw, 0 skips the check.
	Version uint64 `json:"version,omitempty"`
}

func (b base) version() uint64 { return b.Version }

type rangeRequest struct {
	base
	schedule.Request
}

func (s *Server) handleRange(operation string, op func(types.Schedule, schedule.Request, schedule.Options) (schedule.Result, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.requireWriter(w, r) {
			return
		}
		var req rangeRequest
		if !decodeMutation(w, r, &req) {
			return
		}
		s.mutate(w, r, operation, req, func(sch types.Schedule, opt schedule.Options) (schedule.Result, error) {
			return op(sch, req.Request, opt)
		})
	}
}

func (s *Server) handleScheduleSet(w http.ResponseWriter, r *http.Request) {
	s.handleRange("set", schedule.Set)(w, r)
}

func (s *Server) handleScheduleUpdate(w http.ResponseWriter, r *http.Request) {
	s.handleRange("update", schedule.Update)(w, r)
}

func (s *Server) handleScheduleClear(w http.ResponseWriter, r *http.Request) {
	s.handleRange("clear", schedule.Clear)(w, r)
}

type modeRequest struct {
	base
	Mode string `json:"mode"`
}

func (s *Server) handleScheduleMode(w http.ResponseWriter, r *http.Request) {
	if !s.requireWriter(w, r) {
		return
	}
	var req modeRequest
	if !decodeMutation(w, r, &req) {
		return
	}
	mode, err := types.ParseUsageMode(req.Mode)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mutate(w, r, "mode", req, func(sch types.Schedule, opt schedule.Options) (schedule.Result, error) {
		return schedule.SetUsageMode(sch, mode, opt)
	})
}

type backupRequest struct {
	base
	Start           *time.Time `json:"start,omitempty"`
	End             *time.Time `json:"end,omitempty"`
	DurationMinutes *int       `json:"durationMinutes,omitempty"`
	Enable          *bool      `json:"enable,omitempty"`
}

func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	if !s.requireWriter(w, r) {
		return
	}
	var req backupRequest
	if !decodeMutation(w, r, &req) {
		return
	}
	br := schedule.BackupRequest{
		Start:  req.Start,
		End:    req.End,
		Enable: req.Enable,
	}
	if req.DurationMinutes != nil {
		d := time.Duration(*req.DurationMinutes) * time.Minute
		br.Duration = &d
	}
	s.mutate(w, r, "backup", req, func(sch types.Schedule, opt schedule.Options) (schedule.Result, error) {
		return schedule.ModifyBackup(sch, br, opt)
	})
}

type tariffRequest struct {
	base
	schedule.TariffRequest
}

func (s *Server) handleTariff(w http.ResponseWriter, r *http.Request) {
	if !s.requireWriter(w, r) {
		return
	}
	var req tariffRequest
	if !decodeMutation(w, r, &req) {
		return
	}
	s.mutate(w, r, "tariff", req, func(sch types.Schedule, opt schedule.Options) (schedule.Result, error) {
		return schedule.ModifyTariff(sch, req.TariffRequest, opt)
	})
}
