package ess

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solixplan/solixplan/pkg/types"
)

func newTestAnker(t *testing.T, handler http.HandlerFunc, model string) *Anker {
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	a := newAnker(Config{AnkerBaseURL: ts.URL, Profiles: DefaultProfiles()})
	a.client = ts.Client()
	require.NoError(t, a.ApplySettings(context.Background(), types.Settings{
		ESS:         "anker",
		CloudSiteID: "cloud-site",
		DeviceModel: model,
	}))
	return a
}

func writeAnker(w http.ResponseWriter, code int, data interface{}) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"code": code,
		"msg":  "success",
		"data": data,
	})
}

func TestAnker(t *testing.T) {
	ctx := context.Background()
	creds := types.Credentials{Anker: &types.AnkerCredentials{Email: "a@example.com", UserID: "user-1", Token: "tok"}}
	gtoken := md5.Sum([]byte("user-1"))

	t.Run("GetSchedule", func(t *testing.T) {
		var gotBody map[string]interface{}
		a := newTestAnker(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/"+ankerGetParamPath, r.URL.Path)
			assert.Equal(t, "tok", r.Header.Get("x-auth-token"))
			assert.Equal(t, hex.EncodeToString(gtoken[:]), r.Header.Get("gtoken"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
			writeAnker(w, 0, map[string]interface{}{
				"param_data": `{"mode_type":3,"custom_rate_plan":[{"index":0,"week":[0,1,2,3,4,5,6],"ranges":[{"start_time":"00:00","end_time":"24:00","power":150}]}]}`,
			})
		}, "A17C1")

		_, _, err := a.Authenticate(ctx, creds)
		require.NoError(t, err)

		s, err := a.GetSchedule(ctx)
		require.NoError(t, err)
		assert.Equal(t, "cloud-site", gotBody["site_id"])
		assert.Equal(t, ankerParamGen2, gotBody["param_type"])
		assert.Equal(t, types.UsageModeManual, s.ModeType)
		require.Len(t, s.CustomRatePlan, 1)
		assert.Equal(t, types.AllWeekdays, s.CustomRatePlan[0].Week)
		assert.Equal(t, types.EndOfDay, s.CustomRatePlan[0].Ranges[0].EndTime)
		assert.Equal(t, 150, s.CustomRatePlan[0].Ranges[0].Power)
	})

	t.Run("GetSchedule object param data", func(t *testing.T) {
		a := newTestAnker(t, func(w http.ResponseWriter, r *http.Request) {
			writeAnker(w, 0, map[string]interface{}{
				"param_data": map[string]interface{}{
					"ranges": []map[string]interface{}{{"id": 0, "start_time": "00:00", "end_time": "24:00", "turn_on": true, "appliance_loads": []map[string]interface{}{{"power": 200}}, "charge_priority": 80}},
				},
			})
		}, "A17C0")
		_, _, err := a.Authenticate(ctx, creds)
		require.NoError(t, err)
		s, err := a.GetSchedule(ctx)
		require.NoError(t, err)
		require.Len(t, s.Ranges, 1)
		assert.True(t, s.Ranges[0].TurnOn)
		assert.Equal(t, 200, s.Ranges[0].ApplianceLoads[0].Power)
	})

	t.Run("SetSchedule", func(t *testing.T) {
		var gotBody map[string]interface{}
		a := newTestAnker(t, func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/"+ankerSetParamPath {
				require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
			}
			writeAnker(w, 0, map[string]interface{}{"param_data": "{}"})
		}, "A17C0")
		_, _, err := a.Authenticate(ctx, creds)
		require.NoError(t, err)

		s := types.Schedule{Ranges: []types.ManualRange{{StartTime: types.StartOfDay, EndTime: types.EndOfDay, ApplianceLoads: []types.ApplianceLoad{{Power: 300, Number: 1}}}}}
		require.NoError(t, a.SetSchedule(ctx, s))
		assert.Equal(t, ankerParamGen1, gotBody["param_type"])
		assert.EqualValues(t, ankerSetScheduleCmd, gotBody["cmd"])

		var sent types.Schedule
		require.NoError(t, json.Unmarshal([]byte(gotBody["param_data"].(string)), &sent))
		assert.Equal(t, s, sent)
	})

	t.Run("token rejected", func(t *testing.T) {
		a := newTestAnker(t, func(w http.ResponseWriter, r *http.Request) {
			writeAnker(w, 26084, nil)
		}, "A17C1")
		_, _, err := a.Authenticate(ctx, creds)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("http unauthorized", func(t *testing.T) {
		a := newTestAnker(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}, "A17C1")
		_, _, err := a.Authenticate(ctx, creds)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("api error", func(t *testing.T) {
		a := newTestAnker(t, func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]interface{}{"code": 999, "msg": "busy"})
		}, "A17C1")
		_, _, err := a.Authenticate(ctx, creds)
		assert.ErrorContains(t, err, "busy")
	})

	t.Run("missing credentials", func(t *testing.T) {
		a := newTestAnker(t, func(w http.ResponseWriter, r *http.Request) {
			t.Error("no request expected")
		}, "A17C1")
		_, _, err := a.Authenticate(ctx, types.Credentials{})
		assert.Error(t, err)
		_, _, err = a.Authenticate(ctx, types.Credentials{Anker: &types.AnkerCredentials{UserID: "u"}})
		assert.Error(t, err)
		_, err = a.GetSchedule(ctx)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})
}
