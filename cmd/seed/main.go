package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/levenlabs/go-lflag"

	"github.com/solixplan/solixplan/pkg/ess"
	"github.com/solixplan/solixplan/pkg/log"
	"github.com/solixplan/solixplan/pkg/schedule"
	"github.com/solixplan/solixplan/pkg/storage"
	"github.com/solixplan/solixplan/pkg/types"
)

type seedStep struct {
	op    string
	req   any
	apply func(types.Schedule, schedule.Options) (schedule.Result, error)
}

func tod(s string) *types.TimeOfDay {
	t, err := types.ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return &t
}

func intp(v int) *int { return &v }

func main() {
	siteID := lflag.String("seed-site", types.SiteIDNone, "Site to seed")
	model := lflag.String("seed-model", "A17C2", "Device model of the seeded site")
	timezone := lflag.String("seed-timezone", "Europe/Berlin", "Timezone of the seeded site")
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		os.Setenv("FIRESTORE_EMULATOR_HOST", "127.0.0.1:8087")
	}
	s := storage.Configured()
	lflag.Configure()

	ctx := log.WithSite(context.Background(), *siteID, "SEED0001")
	defer s.Close()

	caps, err := ess.DefaultProfiles().Get(*model)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "unknown model", slog.Any("error", err))
		os.Exit(1)
	}

	settings := types.Settings{
		ESS:           "mock",
		DeviceModel:   caps.Model,
		DeviceSerials: []string{"SEED0001"},
		Timezone:      *timezone,
		FixedPrice:    0.3,
		Currency:      "€",
	}
	if err := s.SetSettings(ctx, *siteID, settings, types.CurrentSettingsVersion); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to seed settings", slog.Any("error", err))
		os.Exit(1)
	}

	loc, err := time.LoadLocation(*timezone)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "invalid timezone", slog.Any("error", err))
		os.Exit(1)
	}
	opt := schedule.Options{
		Location:     loc,
		Capabilities: caps,
		Devices:      settings.DeviceSerials,
		FixedPrice:   settings.FixedPrice,
		Currency:     settings.Currency,
	}

	// a typical day: low output overnight, more in the evening
	steps := []seedStep{
		{
			op:  "update",
			req: schedule.Request{Start: tod("00:00"), End: tod("06:00"), Fields: schedule.FieldPatch{Power: intp(100)}},
		},
		{
			op:  "update",
			req: schedule.Request{Start: tod("17:00"), End: tod("22:00"), Fields: schedule.FieldPatch{Power: intp(400)}},
		},
	}
	for i := range steps {
		req := steps[i].req.(schedule.Request)
		steps[i].apply = func(sch types.Schedule, opt schedule.Options) (schedule.Result, error) {
			return schedule.Update(sch, req, opt)
		}
	}
	if caps.SupportsMode(types.UsageModeUsageTime) {
		peak := types.TariffPeak
		price := 0.42
		tr := schedule.TariffRequest{StartHour: intp(17), EndHour: intp(21), Tariff: &peak, Price: &price}
		steps = append(steps, seedStep{
			op:  "tariff",
			req: tr,
			apply: func(sch types.Schedule, opt schedule.Options) (schedule.Result, error) {
				return schedule.ModifyTariff(sch, tr, opt)
			},
		})
	}

	sch := schedule.NewSchedule(opt)
	version := uint64(1)
	for _, step := range steps {
		res, err := step.apply(sch, opt)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to build schedule", slog.String("operation", step.op), slog.Any("error", err))
			os.Exit(1)
		}
		sch = res.Schedule
		version++

		reqJSON, err := json.Marshal(step.req)
		if err != nil {
			panic(err)
		}
		change := types.Change{
			ID:        uuid.NewString(),
			Timestamp: time.Now().UTC(),
			Operation: step.op,
			Request:   reqJSON,
			Warnings:  res.WarningStrings(),
			Version:   version,
		}
		if err := s.InsertChange(ctx, *siteID, change); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to seed change", slog.Any("error", err))
			os.Exit(1)
		}
		fmt.Printf("Seeded %s (version %d, %d warnings)\n", step.op, version, len(change.Warnings))
	}

	if err := s.SetScheduleSnapshot(ctx, *siteID, types.ScheduleSnapshot{
		Timestamp: time.Now(),
		Model:     caps.Model,
		Schedule:  sch,
	}); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to seed schedule", slog.Any("error", err))
		os.Exit(1)
	}

	log.Ctx(ctx).InfoContext(ctx, "seeded mock site successfully", slog.String("model", caps.Model))
}
