package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"slices"
	"time"

	"github.com/solixplan/solixplan/pkg/ess"
	"github.com/solixplan/solixplan/pkg/log"
	"github.com/solixplan/solixplan/pkg/types"
)

var (
	errNoESS      = errors.New("site has no ess configured")
	errAuthLocked = errors.New("ESS authentication locked due to too many consecutive failures")
	errAuthLimit  = errors.New("ESS authentication rate limited, try again later")
)

const maxAuthFailures = 5

type settingsWithVersion struct {
	types.Settings
	version int
}

func (s *Server) getSettingsWithMigration(ctx context.Context, siteID string) (settingsWithVersion, types.Credentials, error) {
	settings, version, err := s.storage.GetSettings(ctx, siteID)
	if err != nil {
		return settingsWithVersion{}, types.Credentials{}, err
	}
	sv := settingsWithVersion{
		Settings: settings,
		version:  version,
	}

	if version < types.CurrentSettingsVersion {
		log.Ctx(ctx).InfoContext(ctx, "migrating settings", slog.Int("oldVersion", version), slog.Int("newVersion", types.CurrentSettingsVersion))
		newSettings, changed, err := types.MigrateSettings(settings, version)
		if err != nil {
			// Log error but return settings as is (best effort)
			log.Ctx(ctx).ErrorContext(ctx, "failed to migrate settings", slog.Int("currentVersion", version), slog.Any("error", err))
		} else if changed {
			sv.Settings = newSettings
			sv.version = types.CurrentSettingsVersion
			if err := s.storage.SetSettings(ctx, siteID, newSettings, types.CurrentSettingsVersion); err != nil {
				// the migrated settings are still used for this request
				log.Ctx(ctx).ErrorContext(ctx, "failed to save migrated settings", slog.Any("error", err))
			} else {
				log.Ctx(ctx).InfoContext(ctx, "saved migrated settings", slog.Int("oldVersion", version), slog.Int("newVersion", types.CurrentSettingsVersion))
			}
		}
	}

	var creds types.Credentials
	if len(settings.EncryptedCredentials) > 0 {
		creds, err = s.decryptCredentials(ctx, settings.EncryptedCredentials)
		if err != nil {
			return settingsWithVersion{}, types.Credentials{}, err
		}
	}

	return sv, creds, nil
}

// authBackoff returns an error while a site is locked out of its cloud
// account because of failed logins.
func authBackoff(status types.AuthStatus, now time.Time) error {
	if status.ConsecutiveFailures >= maxAuthFailures {
		return errAuthLocked
	}
	if status.ConsecutiveFailures > 0 {
		backoff := time.Duration(status.ConsecutiveFailures*5) * time.Minute
		if now.Sub(status.LastAttempt) < backoff {
			return errAuthLimit
		}
	}
	return nil
}

func (s *Server) getESSSystem(ctx context.Context, siteID string, settings settingsWithVersion, creds types.Credentials) (ess.System, error) {
	if err := authBackoff(settings.ESSAuthStatus, time.Now()); err != nil {
		return nil, err
	}

	essSystem, err := s.ess.Site(ctx, siteID, settings.Settings)
	if err != nil {
		return nil, fmt.Errorf("failed to get ESS system: %w", err)
	}

	newCreds, updated, err := essSystem.Authenticate(ctx, creds)

	now := time.Now().UTC()
	if err != nil {
		settings.ESSAuthStatus.ConsecutiveFailures++
		settings.ESSAuthStatus.LastAttempt = now
		if dbErr := s.storage.SetSettings(ctx, siteID, settings.Settings, settings.version); dbErr != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to update settings auth status", slog.Any("error", dbErr))
		}
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}

	authStatusChanged := false
	if settings.ESSAuthStatus.ConsecutiveFailures > 0 {
		settings.ESSAuthStatus.ConsecutiveFailures = 0
		settings.ESSAuthStatus.LastAttempt = now
		authStatusChanged = true
	}

	if updated {
		log.Ctx(ctx).DebugContext(ctx, "credentials updated by ess system")
		settings.EncryptedCredentials, err = s.encryptCredentials(ctx, newCreds)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to encrypt credentials", slog.Any("error", err))
		} else {
			authStatusChanged = true
		}
	}
	if authStatusChanged {
		if dbErr := s.storage.SetSettings(ctx, siteID, settings.Settings, settings.version); dbErr != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to save settings", slog.Any("error", dbErr))
		}
	}

	return essSystem, nil
}

// siteSystem resolves the system of a site for the controller.
func (s *Server) siteSystem(ctx context.Context, siteID string) (ess.System, types.Settings, error) {
	settings, creds, err := s.getSettingsWithMigration(ctx, siteID)
	if err != nil {
		return nil, types.Settings{}, fmt.Errorf("failed to get settings: %w", err)
	}
	if settings.ESS == "" {
		return nil, types.Settings{}, errNoESS
	}
	sys, err := s.getESSSystem(ctx, siteID, settings, creds)
	if err != nil {
		return nil, types.Settings{}, err
	}
	return sys, settings.Settings, nil
}

// SettingsRes is the response type for GetSettings
type SettingsRes struct {
	types.Settings
	HasCredentials map[string]bool `json:"hasCredentials"`
}

func settingsResponse(settings types.Settings, creds types.Credentials) SettingsRes {
	// never hand out the encrypted blob
	settings.EncryptedCredentials = nil
	return SettingsRes{
		Settings:       settings,
		HasCredentials: map[string]bool{"anker": creds.Anker != nil},
	}
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	siteID := s.getSiteID(r)
	settings, creds, err := s.getSettingsWithMigration(ctx, siteID)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get settings", slog.Any("error", err))
		writeJSONError(w, "failed to get settings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, settingsResponse(settings.Settings, creds))
}

func (s *Server) validateSettings(settings types.Settings) error {
	if settings.Timezone != "" {
		if _, err := time.LoadLocation(settings.Timezone); err != nil {
			return fmt.Errorf("invalid timezone: %q", settings.Timezone)
		}
	}
	if settings.TimeOffsetMinutes < -12*60 || settings.TimeOffsetMinutes > 12*60 {
		return errors.New("time offset must be within 12 hours")
	}
	if settings.FixedPrice < 0 || math.IsNaN(settings.FixedPrice) || math.IsInf(settings.FixedPrice, 0) {
		return errors.New("fixed price cannot be negative")
	}
	if settings.ESS != "" {
		if !slices.ContainsFunc(ess.ListProviders(true), func(p types.ESSProviderInfo) bool { return p.ID == settings.ESS }) {
			return fmt.Errorf("unknown ess provider: %q", settings.ESS)
		}
		if settings.DeviceModel == "" {
			return errors.New("device model is required")
		}
	}
	if settings.DeviceModel != "" {
		if _, err := s.ess.Profiles().Get(settings.DeviceModel); err != nil {
			return err
		}
	}
	if len(settings.DeviceSerials) > 2 {
		return errors.New("at most two device serials are supported")
	}
	if slices.Contains(settings.DeviceSerials, "") {
		return errors.New("device serials cannot be empty")
	}
	return nil
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	siteID := s.getSiteID(r)
	if !s.requireWriter(w, r) {
		return
	}

	var req struct {
		types.Settings
		Credentials *types.Credentials `json:"credentials,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to decode settings", slog.Any("error", err))
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	newSettings := req.Settings
	if err := s.validateSettings(newSettings); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	existing, _, err := s.storage.GetSettings(ctx, siteID)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get settings", slog.Any("error", err))
		writeJSONError(w, "failed to get settings", http.StatusInternalServerError)
		return
	}
	newSettings.ESSAuthStatus = existing.ESSAuthStatus
	newSettings.EncryptedCredentials = existing.EncryptedCredentials

	var creds types.Credentials
	if len(existing.EncryptedCredentials) > 0 {
		creds, err = s.decryptCredentials(ctx, existing.EncryptedCredentials)
		if err != nil {
			writeJSONError(w, "failed to decrypt credentials", http.StatusInternalServerError)
			return
		}
	}

	if req.Credentials != nil && req.Credentials.Anker != nil {
		next := *req.Credentials.Anker
		credentialsChanged := true
		if creds.Anker != nil {
			// an empty token keeps the stored one
			if next.Token == "" {
				next.Token = creds.Anker.Token
			}
			credentialsChanged = next != *creds.Anker
		}
		creds.Anker = &next

		if newSettings.ESS != "" {
			if credentialsChanged && newSettings.ESSAuthStatus.ConsecutiveFailures > 0 {
				newSettings.ESSAuthStatus.ConsecutiveFailures--
				newSettings.ESSAuthStatus.LastAttempt = time.Time{}
			}
			if err := authBackoff(newSettings.ESSAuthStatus, time.Now()); err != nil {
				writeJSONError(w, err.Error(), http.StatusTooManyRequests)
				return
			}

			essSystem, err := s.ess.Site(ctx, siteID, newSettings)
			if err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "failed to get ess system", slog.Any("error", err))
				writeJSONError(w, fmt.Sprintf("failed to get ess system: %v", err), http.StatusBadRequest)
				return
			}
			creds, _, err = essSystem.Authenticate(ctx, creds)
			now := time.Now().UTC()
			if err != nil {
				newSettings.ESSAuthStatus.ConsecutiveFailures++
				newSettings.ESSAuthStatus.LastAttempt = now
				if dbErr := s.storage.SetSettings(ctx, siteID, existingWithStatus(existing, newSettings.ESSAuthStatus), types.CurrentSettingsVersion); dbErr != nil {
					log.Ctx(ctx).ErrorContext(ctx, "failed to update settings auth status", slog.Any("error", dbErr))
				}
				log.Ctx(ctx).WarnContext(ctx, "failed to verify ess credentials", slog.Any("error", err))
				writeJSONError(w, fmt.Sprintf("failed to verify ess credentials: %v", err), http.StatusBadRequest)
				return
			}
			newSettings.ESSAuthStatus = types.AuthStatus{}
		}

		newSettings.EncryptedCredentials, err = s.encryptCredentials(ctx, creds)
		if err != nil {
			writeJSONError(w, "failed to encrypt credentials", http.StatusInternalServerError)
			return
		}
	}

	if err := s.storage.SetSettings(ctx, siteID, newSettings, types.CurrentSettingsVersion); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to save settings", slog.Any("error", err))
		writeJSONError(w, "failed to save settings", http.StatusInternalServerError)
		return
	}
	// the model or clock may have changed, read the schedule again on next use
	s.controller.Forget(siteID)

	log.Ctx(ctx).InfoContext(ctx, "settings updated", slog.String("ess", newSettings.ESS), slog.String("model", newSettings.DeviceModel))
	writeJSON(w, settingsResponse(newSettings, creds))
}

func existingWithStatus(existing types.Settings, status types.AuthStatus) types.Settings {
	existing.ESSAuthStatus = status
	return existing
}
