package storage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solixplan/solixplan/pkg/types"
)

// testDatabase runs the behavior every provider has to share.
func testDatabase(t *testing.T, db Database, siteID string) {
	ctx := context.Background()

	t.Run("Settings", func(t *testing.T) {
		got, version, err := db.GetSettings(ctx, siteID)
		require.NoError(t, err)
		assert.Equal(t, 0, version)
		assert.Equal(t, types.Settings{}, got)

		settings := types.Settings{
			DryRun:        true,
			ESS:           "mock",
			DeviceModel:   "A17C1",
			DeviceSerials: []string{"SN1"},
			Timezone:      "Europe/Berlin",
			FixedPrice:    0.25,
			Currency:      "€",
		}
		require.NoError(t, db.SetSettings(ctx, siteID, settings, types.CurrentSettingsVersion))

		got, version, err = db.GetSettings(ctx, siteID)
		require.NoError(t, err)
		assert.Equal(t, types.CurrentSettingsVersion, version)
		assert.Equal(t, settings, got)
	})

	t.Run("EmptySiteID", func(t *testing.T) {
		_, _, err := db.GetSettings(ctx, "")
		assert.ErrorContains(t, err, "siteID cannot be empty")
	})

	t.Run("ScheduleSnapshot", func(t *testing.T) {
		_, ok, err := db.GetScheduleSnapshot(ctx, siteID)
		require.NoError(t, err)
		assert.False(t, ok)

		snap := types.ScheduleSnapshot{
			Timestamp: time.Date(2025, 6, 4, 9, 30, 0, 0, time.UTC),
			Model:     "A17C1",
			Schedule: types.Schedule{
				ModeType: types.UsageModeManual,
				CustomRatePlan: []types.RatePlanGroup{{
					Week:   types.AllWeekdays,
					Ranges: []types.RateRange{{StartTime: types.StartOfDay, EndTime: types.EndOfDay, Power: 100}},
				}},
			},
		}
		require.NoError(t, db.SetScheduleSnapshot(ctx, siteID, snap))
		got, ok, err := db.GetScheduleSnapshot(ctx, siteID)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.True(t, snap.Timestamp.Equal(got.Timestamp))
		assert.Equal(t, snap.Schedule, got.Schedule)

		snap.Schedule.CustomRatePlan[0].Ranges[0].Power = 300
		require.NoError(t, db.SetScheduleSnapshot(ctx, siteID, snap))
		got, _, err = db.GetScheduleSnapshot(ctx, siteID)
		require.NoError(t, err)
		assert.Equal(t, 300, got.Schedule.CustomRatePlan[0].Ranges[0].Power)
	})

	t.Run("Changes", func(t *testing.T) {
		latest, err := db.GetLatestChange(ctx, siteID)
		require.NoError(t, err)
		assert.Nil(t, latest)

		base := time.Date(2025, 6, 4, 9, 0, 0, 0, time.UTC)
		var ids []string
		for i := 0; i < 3; i++ {
			c := types.Change{
				ID:        uuid.NewString(),
				Timestamp: base.Add(time.Duration(i) * time.Minute),
				Operation: "update",
				Request:   json.RawMessage(`{"fields":{"power":200}}`),
				Version:   uint64(i + 1),
			}
			ids = append(ids, c.ID)
			require.NoError(t, db.InsertChange(ctx, siteID, c))
		}
		// same timestamp as the last one
		dup := types.Change{ID: uuid.NewString(), Timestamp: base.Add(2 * time.Minute), Operation: "clear", Version: 4}
		require.NoError(t, db.InsertChange(ctx, siteID, dup))

		changes, err := db.GetChangeHistory(ctx, siteID, base, base.Add(2*time.Minute))
		require.NoError(t, err)
		require.Len(t, changes, 2)
		assert.Equal(t, ids[0], changes[0].ID)
		assert.Equal(t, ids[1], changes[1].ID)
		assert.JSONEq(t, `{"fields":{"power":200}}`, string(changes[0].Request))

		changes, err = db.GetChangeHistory(ctx, siteID, base, base.Add(time.Hour))
		require.NoError(t, err)
		assert.Len(t, changes, 4)

		latest, err = db.GetLatestChange(ctx, siteID)
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, base.Add(2*time.Minute), latest.Timestamp.UTC())

		assert.Error(t, db.InsertChange(ctx, siteID, types.Change{Timestamp: base}))
	})

	t.Run("Sites", func(t *testing.T) {
		_, err := db.GetSite(ctx, siteID+"-missing")
		assert.ErrorIs(t, err, ErrSiteNotFound)

		site := types.Site{ID: siteID, Name: "Home"}
		require.NoError(t, db.CreateSite(ctx, siteID, site))
		assert.Error(t, db.CreateSite(ctx, siteID, site))

		site.Permissions = []types.SitePermissions{{UserID: "u1"}}
		require.NoError(t, db.UpdateSite(ctx, siteID, site))
		got, err := db.GetSite(ctx, siteID)
		require.NoError(t, err)
		assert.Equal(t, site, got)

		sites, err := db.ListSites(ctx)
		require.NoError(t, err)
		assert.Contains(t, sites, site)
	})

	t.Run("Users", func(t *testing.T) {
		userID := siteID + "-user"
		_, err := db.GetUser(ctx, userID)
		assert.ErrorIs(t, err, ErrUserNotFound)

		user := types.User{ID: userID, Email: "a@example.com", SiteIDs: []string{siteID}}
		require.NoError(t, db.CreateUser(ctx, user))
		assert.Error(t, db.CreateUser(ctx, user))

		user.SiteIDs = append(user.SiteIDs, "other")
		require.NoError(t, db.UpdateUser(ctx, user))
		got, err := db.GetUser(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, user, got)
	})
}
