package schedule

import (
	"fmt"
	"time"

	"github.com/solixplan/solixplan/pkg/types"
)

// DefaultBackupDuration is used when a backup interval has no end.
const DefaultBackupDuration = 3 * time.Hour

// BackupRequest changes the backup interval. Nil values keep what is there.
type BackupRequest struct {
	Start    *time.Time     `json:"start,omitempty"`
	End      *time.Time     `json:"end,omitempty"`
	Duration *time.Duration `json:"duration,omitempty"`
	Enable   *bool          `json:"enable,omitempty"`
}

// ModifyBackup writes the single backup interval.
//
// A missing or past start becomes now unless the current interval is still
// running, in which case its start is kept. The end is the given end, else
// start plus the duration, else the end of the running interval, else start
// plus three hours. An end not after the start is replaced the same way as
// a missing one. Enabling an expired interval restarts it at now.
func ModifyBackup(s types.Schedule, req BackupRequest, opt Options) (Result, error) {
	if opt.Capabilities.Gen1() {
		return Result{}, unsupported("backup interval on %s", opt.Capabilities.Model)
	}
	if req.Duration != nil && *req.Duration <= 0 {
		return Result{}, fmt.Errorf("%w: backup duration %s", ErrInvalidValue, *req.Duration)
	}
	now := opt.now().Truncate(time.Second)
	out := s.Clone()
	mb := out.ManualBackup
	if mb == nil {
		mb = &types.ManualBackup{}
	}

	var existing *types.BackupRange
	running := false
	if len(mb.Ranges) > 0 {
		existing = &mb.Ranges[0]
		running = existing.EndTime > now.Unix()
	}

	enabling := req.Enable != nil && *req.Enable
	timesGiven := req.Start != nil || req.End != nil || req.Duration != nil
	if existing != nil && !timesGiven && (running || !enabling) {
		if req.Enable != nil {
			mb.Switch = *req.Enable
		}
		mb.Ranges = mb.Ranges[:1]
		out.ManualBackup = mb
		return Result{Schedule: out}, nil
	}

	var start time.Time
	switch {
	case req.Start != nil && !req.Start.Before(now):
		start = req.Start.Truncate(time.Second)
	case req.Start == nil && running:
		start = time.Unix(existing.StartTime, 0)
	default:
		start = now
	}

	fallbackEnd := func() time.Time {
		if req.Duration != nil {
			return start.Add(*req.Duration)
		}
		if req.Start == nil && running && existing.EndTime > start.Unix() {
			return time.Unix(existing.EndTime, 0)
		}
		return start.Add(DefaultBackupDuration)
	}
	end := fallbackEnd()
	if req.End != nil {
		end = req.End.Truncate(time.Second)
		if !end.After(start) {
			end = fallbackEnd()
		}
	}

	mb.Ranges = []types.BackupRange{{StartTime: start.Unix(), EndTime: end.Unix()}}
	if req.Enable != nil {
		mb.Switch = *req.Enable
	}
	out.ManualBackup = mb
	return Result{Schedule: out}, nil
}
