package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solixplan/solixplan/pkg/types"
)

const testNow = "2026-03-04T10:00:00Z"

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(args, &out)
	return out.String(), err
}

func readSchedule(t *testing.T, path string) types.Schedule {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var s types.Schedule
	require.NoError(t, json.Unmarshal(b, &s))
	return s
}

func TestInitAndUpdate(t *testing.T) {
	file := filepath.Join(t.TempDir(), "schedule.json")
	global := []string{"--file", file, "--model", "A17C2", "--now", testNow}

	_, err := runCLI(t, append(global, "init")...)
	require.NoError(t, err)
	s := readSchedule(t, file)
	assert.Equal(t, types.UsageModeManual, s.ModeType)
	require.Len(t, s.CustomRatePlan, 1)
	assert.Equal(t, types.AllWeekdays, s.CustomRatePlan[0].Week)

	_, err = runCLI(t, append(global, "init")...)
	assert.ErrorContains(t, err, "exists")

	out, err := runCLI(t, append(global, "update", "--plan", "custom", "--start", "08:00", "--end", "12:00", "--power", "300")...)
	require.NoError(t, err)
	assert.Contains(t, out, "update applied")

	s = readSchedule(t, file)
	require.Len(t, s.CustomRatePlan, 1)
	start, err := types.ParseTimeOfDay("08:00")
	require.NoError(t, err)
	end, err := types.ParseTimeOfDay("12:00")
	require.NoError(t, err)
	assert.Contains(t, s.CustomRatePlan[0].Ranges, types.RateRange{StartTime: start, EndTime: end, Power: 300})
}

func TestUpdateInvalidPower(t *testing.T) {
	file := filepath.Join(t.TempDir(), "schedule.json")
	_, err := runCLI(t, "--file", file, "--now", testNow, "update", "--start", "08:00", "--end", "12:00", "--power", "lots")
	assert.ErrorContains(t, err, "invalid power")
	_, statErr := os.Stat(file)
	assert.True(t, os.IsNotExist(statErr))
}

func TestDryRun(t *testing.T) {
	file := filepath.Join(t.TempDir(), "schedule.json")
	out, err := runCLI(t, "--file", file, "--now", testNow, "--dry-run", "mode", "smart_plugs")
	require.NoError(t, err)

	var s types.Schedule
	require.NoError(t, json.Unmarshal([]byte(out), &s))
	assert.Equal(t, types.UsageModeSmartPlugs, s.ModeType)
	_, statErr := os.Stat(file)
	assert.True(t, os.IsNotExist(statErr))
}

func TestGen1WeekdaysWarn(t *testing.T) {
	file := filepath.Join(t.TempDir(), "schedule.json")
	out, err := runCLI(t, "--file", file, "--model", "A17C0", "--now", testNow,
		"update", "--weekdays", "monday", "--start", "08:00", "--end", "12:00", "--appliance", "300")
	require.NoError(t, err)
	assert.Contains(t, out, "warning:")

	_, err = runCLI(t, "--file", file, "--model", "A17C0", "--now", testNow, "mode", "smart_plugs")
	assert.Error(t, err)
}

func TestActive(t *testing.T) {
	file := filepath.Join(t.TempDir(), "schedule.json")
	out, err := runCLI(t, "--file", file, "--now", testNow, "active")
	require.NoError(t, err)
	assert.Contains(t, out, `"plan"`)
}

func TestUnknownModel(t *testing.T) {
	_, err := runCLI(t, "--model", "X1", "--file", filepath.Join(t.TempDir(), "s.json"), "init")
	assert.ErrorContains(t, err, "unknown device model")
}

func TestModels(t *testing.T) {
	out, err := runCLI(t, "models")
	require.NoError(t, err)
	assert.Contains(t, out, "A17C0")
	assert.Contains(t, out, "A17C2")
}
