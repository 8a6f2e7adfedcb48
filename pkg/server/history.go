package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/solixplan/solixplan/pkg/log"
	"github.com/solixplan/solixplan/pkg/types"
)

const maxHistoryRange = 31 * 24 * time.Hour

func (s *Server) handleHistoryChanges(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	siteID := s.getSiteID(r)
	start, end, err := parseTimeRange(r, time.Now())
	if err != nil {
		writeJSONError(w, "invalid time range: "+err.Error(), http.StatusBadRequest)
		return
	}

	changes, err := s.storage.GetChangeHistory(ctx, siteID, start, end)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get changes", slog.String("siteID", siteID), slog.Any("error", err))
		writeJSONError(w, "failed to get changes", http.StatusInternalServerError)
		return
	}
	// Always return an array, even if empty
	if changes == nil {
		changes = []types.Change{}
	}

	w.Header().Set("Content-Type", "application/json")
	// a range that ended cannot change anymore
	if end.Before(time.Now().Add(-time.Minute)) {
		w.Header().Set("Cache-Control", "private, max-age=86400")
	} else {
		w.Header().Set("Cache-Control", "no-store")
	}
	if err := json.NewEncoder(w).Encode(changes); err != nil {
		panic(http.ErrAbortHandler)
	}
}

// parseTimeRange reads the RFC 3339 start and end query parameters. Without
// them the last 24 hours are returned.
func parseTimeRange(r *http.Request, now time.Time) (time.Time, time.Time, error) {
	startStr := r.URL.Query().Get("start")
	endStr := r.URL.Query().Get("end")

	if startStr == "" && endStr == "" {
		return now.Add(-24 * time.Hour), now, nil
	}

	end := now
	if endStr != "" {
		var err error
		end, err = time.Parse(time.RFC3339, endStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid end time: %w", err)
		}
	}
	start := end.Add(-24 * time.Hour)
	if startStr != "" {
		var err error
		start, err = time.Parse(time.RFC3339, startStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid start time: %w", err)
		}
	}

	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("start time must be before end time")
	}
	if end.Sub(start) > maxHistoryRange {
		return time.Time{}, time.Time{}, fmt.Errorf("time range cannot exceed 31 days")
	}
	return start, end, nil
}
