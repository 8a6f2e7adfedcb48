package types

import (
	"fmt"
	"time"
)

// CurrentSettingsVersion is the current version of the settings struct.
// Increment this value when adding new fields that require default values.
const CurrentSettingsVersion = 3

// Settings represents the per-site configuration stored in the database.
type Settings struct {
	// Pause stops the controller from submitting schedules.
	Pause bool `json:"pause"`
	// DryRun runs the engine but never submits to the device.
	DryRun bool `json:"dryRun"`

	// ESS Provider
	ESS string `json:"ess"`

	// The cloud site and the device whose schedule is managed.
	CloudSiteID   string   `json:"cloudSiteID"`
	DeviceModel   string   `json:"deviceModel"`
	DeviceSerials []string `json:"deviceSerials"`

	// Device local clock. The device does not always agree with the
	// timezone of the site so an extra offset can be applied.
	Timezone          string `json:"timezone"`
	TimeOffsetMinutes int    `json:"timeOffsetMinutes"`

	// Fixed price used to seed tariff prices that were never set.
	FixedPrice float64 `json:"fixedPrice"`
	Currency   string  `json:"currency"`

	// Credentials for external systems (encrypted)
	EncryptedCredentials []byte `json:"encryptedCredentials,omitempty"`

	ESSAuthStatus AuthStatus `json:"essAuthStatus"`
}

// AuthStatus tracks failed logins against the cloud so a bad token does not
// get retried on every request.
type AuthStatus struct {
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastAttempt         time.Time `json:"lastAttempt"`
}

// Credentials for external systems
type Credentials struct {
	Anker *AnkerCredentials `json:"anker,omitempty"`
}

// AnkerCredentials holds the cloud session. Logging in is handled outside of
// this service, we only keep the token the app handed us.
type AnkerCredentials struct {
	Email  string `json:"email"`
	UserID string `json:"userID"`
	Token  string `json:"token"`
}

// MigrateSettings migrates the settings to the current version.
// It returns the migrated settings, a boolean indicating if changes were made, and an error if migration failed.
func MigrateSettings(s Settings, currentVersion int) (Settings, bool, error) {
	if currentVersion >= CurrentSettingsVersion {
		return s, false, nil
	}

	migrated := false
	for version := currentVersion + 1; version <= CurrentSettingsVersion; version++ {
		switch version {
		case 1:
			// version 1: initial
			if s.Timezone == "" {
				s.Timezone = "UTC"
				migrated = true
			}
		case 2:
			// version 2: add fixed price for tariff seeding
			if s.FixedPrice == 0 {
				s.FixedPrice = 0.3
				migrated = true
			}
			if s.Currency == "" {
				s.Currency = "€"
				migrated = true
			}
		case 3:
			// version 3: default ESS to "anker" if credentials exist since
			// it was the only cloud supported until now
			if len(s.EncryptedCredentials) > 0 && s.ESS == "" {
				s.ESS = "anker"
				migrated = true
			}
		default:
			return s, false, fmt.Errorf("unknown settings version: %d", version)
		}
	}

	return s, migrated, nil
}
