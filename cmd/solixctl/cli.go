package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kong"

	"github.com/solixplan/solixplan/pkg/common"
	"github.com/solixplan/solixplan/pkg/ess"
	"github.com/solixplan/solixplan/pkg/schedule"
	"github.com/solixplan/solixplan/pkg/types"
)

// Context is handed to every command.
type Context struct {
	File string
	Opt  schedule.Options
	Out  io.Writer
	// DryRun prints the result instead of writing the file.
	DryRun bool
}

type CLI struct {
	File       string           `help:"Schedule JSON file." short:"f" default:"schedule.json" type:"path"`
	Model      string           `help:"Device model." default:"A17C2"`
	Profiles   string           `help:"YAML file adding to the built in capability profiles." type:"path"`
	Timezone   string           `help:"Device timezone." default:"UTC"`
	Offset     int              `help:"Extra device clock offset in minutes."`
	Devices    []string         `help:"Device serials, two for a dual system." default:"SN1"`
	FixedPrice float64          `help:"Price seeded into tariffs that have none." default:"0.3"`
	Currency   string           `help:"Tariff price unit." default:"€"`
	Now        string           `help:"Current time (RFC 3339), the wall clock when empty."`
	DryRun     bool             `help:"Print the new schedule instead of writing it." name:"dry-run"`
	Version    kong.VersionFlag `help:"Print the version and exit."`

	Init      InitCmd      `cmd:"" help:"Write the default schedule of the model."`
	Set       SetCmd       `cmd:"" help:"Replace a range, resetting the rest of the group."`
	Update    UpdateCmd    `cmd:"" help:"Change fields of a range, keeping everything else."`
	Clear     ClearCmd     `cmd:"" help:"Reset a range or weekdays to the defaults."`
	Mode      ModeCmd      `cmd:"" help:"Switch the usage mode."`
	Backup    BackupCmd    `cmd:"" help:"Change the backup interval."`
	Tariff    TariffCmd    `cmd:"" help:"Change the usage time tariff plan."`
	Active    ActiveCmd    `cmd:"" help:"Show the interval active now."`
	Normalize NormalizeCmd `cmd:"" help:"Repair a schedule read from the cloud."`
	Models    ModelsCmd    `cmd:"" help:"List known device models."`
}

func (c *CLI) profiles() (*ess.Profiles, error) {
	p := ess.DefaultProfiles()
	if c.Profiles != "" {
		extra, err := ess.LoadProfilesFile(c.Profiles)
		if err != nil {
			return nil, err
		}
		p.Merge(extra)
	}
	return p, nil
}

func (c *CLI) options(p *ess.Profiles) (schedule.Options, error) {
	caps, err := p.Get(c.Model)
	if err != nil {
		return schedule.Options{}, err
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return schedule.Options{}, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	opt := schedule.Options{
		Location:     loc,
		Offset:       time.Duration(c.Offset) * time.Minute,
		Capabilities: caps,
		Devices:      c.Devices,
		FixedPrice:   c.FixedPrice,
		Currency:     c.Currency,
	}
	if c.Now != "" {
		opt.Now, err = time.Parse(time.RFC3339, c.Now)
		if err != nil {
			return schedule.Options{}, fmt.Errorf("invalid now: %w", err)
		}
	}
	return opt, nil
}

// run parses args and runs the selected command.
func run(args []string, out io.Writer) error {
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("solixctl"),
		kong.Description("Edit solarbank schedules offline"),
		kong.UsageOnError(),
		kong.Writers(out, out),
		kong.Vars{"version": common.Version()},
	)
	if err != nil {
		return err
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	p, err := cli.profiles()
	if err != nil {
		return err
	}
	appCtx := &Context{File: cli.File, Out: out, DryRun: cli.DryRun}
	if kctx.Command() != "models" {
		appCtx.Opt, err = cli.options(p)
		if err != nil {
			return err
		}
	}
	return kctx.Run(appCtx, p)
}

func (c *Context) load() (types.Schedule, error) {
	b, err := os.ReadFile(c.File)
	if errors.Is(err, fs.ErrNotExist) {
		return schedule.NewSchedule(c.Opt), nil
	}
	if err != nil {
		return types.Schedule{}, err
	}
	var s types.Schedule
	if err := json.Unmarshal(b, &s); err != nil {
		return types.Schedule{}, fmt.Errorf("invalid schedule in %s: %w", c.File, err)
	}
	return s, nil
}

func (c *Context) save(s types.Schedule) error {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if c.DryRun {
		_, err := c.Out.Write(b)
		return err
	}
	return os.WriteFile(c.File, b, 0o644)
}

func (c *Context) apply(op string, fn func(types.Schedule, schedule.Options) (schedule.Result, error)) error {
	s, err := c.load()
	if err != nil {
		return err
	}
	res, err := fn(s, c.Opt)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	for _, w := range res.WarningStrings() {
		fmt.Fprintf(c.Out, "warning: %s\n", w)
	}
	if err := c.save(res.Schedule); err != nil {
		return err
	}
	if !c.DryRun {
		fmt.Fprintf(c.Out, "%s applied to %s\n", op, c.File)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func optInt(name, s string) (*int, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %q", name, s)
	}
	return &v, nil
}

func optBool(name, s string) (*bool, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %q", name, s)
	}
	return &v, nil
}

func optTime(name, s string) (*types.TimeOfDay, error) {
	if s == "" {
		return nil, nil
	}
	t, err := types.ParseTimeOfDay(s)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", name, err)
	}
	return &t, nil
}

// RangeFlags select a range of a daily plan and the fields to write into it.
type RangeFlags struct {
	Plan     string   `help:"Plan to change (custom, blend), the one governing the usage mode when empty."`
	Weekdays []string `help:"Weekdays of the group, names or numbers with Sunday=0. Today when empty."`
	Start    string   `help:"Range start, HH:MM."`
	End      string   `help:"Range end, HH:MM or 24:00."`

	Power             string `help:"Output power in watts."`
	Appliance         string `help:"Gen-1 appliance load in watts."`
	Device            string `help:"Gen-1 per-device load in watts."`
	Role              string `help:"Device the per-device load is for (a, b)." default:"a"`
	AllowExport       string `help:"Gen-1 export switch (true, false)."`
	ChargePriority    string `help:"Gen-1 charge priority in percent."`
	DischargePriority string `help:"Gen-1 priority discharge (true, false)."`
}

func (f RangeFlags) request() (schedule.Request, error) {
	var req schedule.Request
	var err error
	if f.Plan != "" {
		if req.Plan, err = types.ParsePlanType(f.Plan); err != nil {
			return req, err
		}
	}
	for _, d := range f.Weekdays {
		wd, err := types.ParseWeekday(d)
		if err != nil {
			return req, err
		}
		req.Weekdays = req.Weekdays.Union(types.NewWeekdaySet(wd))
	}
	if req.Start, err = optTime("start", f.Start); err != nil {
		return req, err
	}
	if req.End, err = optTime("end", f.End); err != nil {
		return req, err
	}
	p := &req.Fields
	if p.Power, err = optInt("power", f.Power); err != nil {
		return req, err
	}
	if p.Appliance, err = optInt("appliance", f.Appliance); err != nil {
		return req, err
	}
	if p.Device, err = optInt("device", f.Device); err != nil {
		return req, err
	}
	switch strings.ToLower(f.Role) {
	case "", "a":
		p.Role = schedule.DeviceA
	case "b":
		p.Role = schedule.DeviceB
	default:
		return req, fmt.Errorf("invalid role: %q", f.Role)
	}
	if p.AllowExport, err = optBool("allow-export", f.AllowExport); err != nil {
		return req, err
	}
	if p.ChargePriority, err = optInt("charge-priority", f.ChargePriority); err != nil {
		return req, err
	}
	if p.DischargePriority, err = optBool("discharge-priority", f.DischargePriority); err != nil {
		return req, err
	}
	return req, nil
}

func runRange(ctx *Context, op string, f RangeFlags, fn func(types.Schedule, schedule.Request, schedule.Options) (schedule.Result, error)) error {
	req, err := f.request()
	if err != nil {
		return err
	}
	return ctx.apply(op, func(s types.Schedule, opt schedule.Options) (schedule.Result, error) {
		return fn(s, req, opt)
	})
}

type InitCmd struct {
	Force bool `help:"Overwrite an existing file."`
}

func (c *InitCmd) Run(ctx *Context) error {
	if _, err := os.Stat(ctx.File); err == nil && !c.Force && !ctx.DryRun {
		return fmt.Errorf("%s exists, use --force to overwrite", ctx.File)
	}
	return ctx.save(schedule.NewSchedule(ctx.Opt))
}

type SetCmd struct {
	RangeFlags `embed:""`
}

func (c *SetCmd) Run(ctx *Context) error {
	return runRange(ctx, "set", c.RangeFlags, schedule.Set)
}

type UpdateCmd struct {
	RangeFlags `embed:""`
}

func (c *UpdateCmd) Run(ctx *Context) error {
	return runRange(ctx, "update", c.RangeFlags, schedule.Update)
}

type ClearCmd struct {
	RangeFlags `embed:""`
}

func (c *ClearCmd) Run(ctx *Context) error {
	return runRange(ctx, "clear", c.RangeFlags, schedule.Clear)
}

type ModeCmd struct {
	Mode string `arg:"" help:"Usage mode name or number."`
}

func (c *ModeCmd) Run(ctx *Context) error {
	mode, err := types.ParseUsageMode(c.Mode)
	if err != nil {
		return err
	}
	return ctx.apply("mode", func(s types.Schedule, opt schedule.Options) (schedule.Result, error) {
		return schedule.SetUsageMode(s, mode, opt)
	})
}

type BackupCmd struct {
	Start    string        `help:"Interval start (RFC 3339), now when empty."`
	End      string        `help:"Interval end (RFC 3339)."`
	Duration time.Duration `help:"Interval length when no end is given."`
	Enable   bool          `help:"Turn the backup interval on." xor:"switch"`
	Disable  bool          `help:"Turn the backup interval off." xor:"switch"`
}

func (c *BackupCmd) request() (schedule.BackupRequest, error) {
	var req schedule.BackupRequest
	for _, v := range []struct {
		s   string
		dst **time.Time
	}{{c.Start, &req.Start}, {c.End, &req.End}} {
		if v.s == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v.s)
		if err != nil {
			return req, err
		}
		*v.dst = &t
	}
	if c.Duration != 0 {
		d := c.Duration
		req.Duration = &d
	}
	if c.Enable || c.Disable {
		enable := c.Enable
		req.Enable = &enable
	}
	return req, nil
}

func (c *BackupCmd) Run(ctx *Context) error {
	req, err := c.request()
	if err != nil {
		return err
	}
	return ctx.apply("backup", func(s types.Schedule, opt schedule.Options) (schedule.Result, error) {
		return schedule.ModifyBackup(s, req, opt)
	})
}

type TariffCmd struct {
	StartMonth string `help:"First month of the season (1-12)."`
	EndMonth   string `help:"Last month of the season (1-12)."`
	DayType    string `help:"weekday or weekend, the type of today when empty."`
	StartHour  string `help:"Start hour (0-23)."`
	EndHour    string `help:"End hour (1-24)."`
	Tariff     string `help:"Tariff type (peak, mid_peak, off_peak, valley)."`
	Price      string `help:"Price of the tariff type."`
	Delete     bool   `help:"Delete the selected scope instead of changing it."`
}

func (c *TariffCmd) request() (schedule.TariffRequest, error) {
	var req schedule.TariffRequest
	var err error
	if req.StartMonth, err = optInt("start-month", c.StartMonth); err != nil {
		return req, err
	}
	if req.EndMonth, err = optInt("end-month", c.EndMonth); err != nil {
		return req, err
	}
	if req.StartHour, err = optInt("start-hour", c.StartHour); err != nil {
		return req, err
	}
	if req.EndHour, err = optInt("end-hour", c.EndHour); err != nil {
		return req, err
	}
	if c.DayType != "" {
		dt, err := types.ParseDayType(c.DayType)
		if err != nil {
			return req, err
		}
		req.DayType = &dt
	}
	if c.Tariff != "" {
		t, err := types.ParseTariffType(c.Tariff)
		if err != nil {
			return req, err
		}
		req.Tariff = &t
	}
	if c.Price != "" {
		p, err := strconv.ParseFloat(c.Price, 64)
		if err != nil {
			return req, fmt.Errorf("invalid price: %q", c.Price)
		}
		req.Price = &p
	}
	req.Delete = c.Delete
	return req, nil
}

func (c *TariffCmd) Run(ctx *Context) error {
	req, err := c.request()
	if err != nil {
		return err
	}
	return ctx.apply("tariff", func(s types.Schedule, opt schedule.Options) (schedule.Result, error) {
		return schedule.ModifyTariff(s, req, opt)
	})
}

type ActiveCmd struct {
	Plan string `help:"Plan to look at, the governing one when empty."`
}

func (c *ActiveCmd) Run(ctx *Context) error {
	var plan types.PlanType
	if c.Plan != "" {
		var err error
		if plan, err = types.ParsePlanType(c.Plan); err != nil {
			return err
		}
	}
	s, err := ctx.load()
	if err != nil {
		return err
	}
	active, err := schedule.GetActive(s, plan, ctx.Opt)
	if err != nil {
		return err
	}
	return printJSON(ctx.Out, active)
}

type NormalizeCmd struct{}

func (c *NormalizeCmd) Run(ctx *Context) error {
	s, err := ctx.load()
	if err != nil {
		return err
	}
	out, repaired := schedule.Normalize(s, ctx.Opt)
	for _, plan := range repaired {
		fmt.Fprintf(ctx.Out, "repaired: %s\n", plan)
	}
	return ctx.save(out)
}

type ModelsCmd struct{}

func (c *ModelsCmd) Run(ctx *Context, p *ess.Profiles) error {
	for _, m := range p.List() {
		modes := make([]string, 0, len(m.UsageModes))
		for _, mode := range m.UsageModes {
			modes = append(modes, mode.String())
		}
		fmt.Fprintf(ctx.Out, "%s\t%s\tgen %d\t%d-%dW\t%s\n", m.Model, m.Name, m.Generation, m.PresetMin, m.PresetMax, strings.Join(modes, ","))
	}
	return nil
}
