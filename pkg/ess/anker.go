package ess

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/solixplan/solixplan/pkg/common"
	"github.com/solixplan/solixplan/pkg/log"
	"github.com/solixplan/solixplan/pkg/types"
)

const (
	defaultAnkerBaseURL = "https://ankerpower-api-eu.anker.com"

	ankerGetParamPath = "power_service/v1/app/device/get_device_parm"
	ankerSetParamPath = "power_service/v1/app/device/set_device_parm"

	// schedule parameter types of the device parameter endpoints
	ankerParamGen1 = "4"
	ankerParamGen2 = "6"
	// command used to write a schedule
	ankerSetScheduleCmd = 17
)

// ErrUnauthorized means the cloud rejected the session token. Logging in
// again has to happen outside of this service.
var ErrUnauthorized = errors.New("anker session expired or invalid")

// ankerTokenCodes are the body codes the cloud uses for a bad token.
var ankerTokenCodes = map[int]bool{401: true, 26084: true, 10000: true}

// Anker implements System for Solarbank devices managed by the Anker power
// cloud.
type Anker struct {
	client   *http.Client
	baseURL  string
	profiles *Profiles

	mu       sync.Mutex
	settings types.Settings
	caps     types.Capabilities
	userID   string
	token    string
}

func newAnker(cfg Config) *Anker {
	return &Anker{
		client:   common.HTTPClient(cfg.AnkerTimeout),
		baseURL:  cfg.AnkerBaseURL,
		profiles: cfg.Profiles,
	}
}

func ankerInfo() types.ESSProviderInfo {
	return types.ESSProviderInfo{
		ID:   "anker",
		Name: "Anker Solix",
		Credentials: []types.ESSCredential{
			{
				Field:    "email",
				Name:     "Email",
				Type:     "string",
				Required: true,
			},
			{
				Field:       "userID",
				Name:        "User ID",
				Type:        "string",
				Required:    true,
				Description: "The user id returned by the Anker login.",
			},
			{
				Field:       "token",
				Name:        "Auth Token",
				Type:        "password",
				Required:    true,
				Description: "The auth token returned by the Anker login.",
			},
		},
	}
}

// ApplySettings stores the settings and resolves the capabilities of the
// configured device model.
func (a *Anker) ApplySettings(ctx context.Context, settings types.Settings) error {
	caps, err := a.profiles.Get(settings.DeviceModel)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settings = settings
	a.caps = caps
	return nil
}

func (a *Anker) Capabilities() types.Capabilities {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.caps
}

// Authenticate takes over the session token and validates it by fetching the
// schedule.
func (a *Anker) Authenticate(ctx context.Context, creds types.Credentials) (types.Credentials, bool, error) {
	if creds.Anker == nil {
		return creds, false, errors.New("missing anker credentials")
	}
	if creds.Anker.Token == "" || creds.Anker.UserID == "" {
		return creds, false, errors.New("missing anker token or user id")
	}

	a.mu.Lock()
	a.token = creds.Anker.Token
	a.userID = creds.Anker.UserID
	a.mu.Unlock()

	if _, err := a.GetSchedule(ctx); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "anker credential validation failed", slog.Any("error", err))
		return creds, false, fmt.Errorf("credential validation failed: %w", err)
	}
	return creds, false, nil
}

type ankerResponse struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type ankerParamResult struct {
	// ParamData is usually a JSON document encoded as a string, some
	// firmwares send the object itself.
	ParamData json.RawMessage `json:"param_data"`
}

func (a *Anker) paramType() string {
	if a.caps.Gen1() {
		return ankerParamGen1
	}
	return ankerParamGen2
}

func (a *Anker) newPostJSONRequest(ctx context.Context, endpoint string, data interface{}) (*http.Request, error) {
	u, err := url.Parse(a.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path, err = url.JoinPath(u.Path, endpoint)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	a.mu.Lock()
	token, userID := a.token, a.userID
	a.mu.Unlock()
	if token == "" {
		return nil, ErrUnauthorized
	}
	gtoken := md5.Sum([]byte(userID))
	req.Header.Set("x-auth-token", token)
	req.Header.Set("gtoken", hex.EncodeToString(gtoken[:]))
	return req, nil
}

func (a *Anker) doRequest(req *http.Request, dest interface{}) error {
	ctx := req.Context()
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var ar ankerResponse
	if err := json.Unmarshal(body, &ar); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decode anker response", slog.Any("error", err), slog.String("body", string(body)))
		return err
	}
	if ar.Code != 0 {
		if ankerTokenCodes[ar.Code] {
			log.Ctx(ctx).DebugContext(ctx, "anker token rejected", slog.Int("code", ar.Code), slog.String("msg", ar.Msg))
			return ErrUnauthorized
		}
		log.Ctx(ctx).ErrorContext(ctx, "anker api error", slog.Int("code", ar.Code), slog.String("msg", ar.Msg))
		return fmt.Errorf("anker api error %d: %s", ar.Code, ar.Msg)
	}

	if dest != nil {
		if err := json.Unmarshal(ar.Data, dest); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to decode anker result", slog.Any("error", err))
			return fmt.Errorf("failed to decode anker result: %w", err)
		}
	}
	return nil
}

// GetSchedule fetches the schedule parameter of the site.
func (a *Anker) GetSchedule(ctx context.Context) (types.Schedule, error) {
	a.mu.Lock()
	siteID := a.settings.CloudSiteID
	paramType := a.paramType()
	a.mu.Unlock()

	req, err := a.newPostJSONRequest(ctx, ankerGetParamPath, map[string]interface{}{
		"site_id":    siteID,
		"param_type": paramType,
	})
	if err != nil {
		return types.Schedule{}, err
	}

	var res ankerParamResult
	if err := a.doRequest(req, &res); err != nil {
		return types.Schedule{}, err
	}
	raw := []byte(res.ParamData)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return types.Schedule{}, fmt.Errorf("failed to decode param_data: %w", err)
		}
		raw = []byte(s)
	}
	var sched types.Schedule
	if len(raw) == 0 || string(raw) == "null" {
		return sched, nil
	}
	if err := json.Unmarshal(raw, &sched); err != nil {
		return types.Schedule{}, fmt.Errorf("failed to decode schedule: %w", err)
	}
	log.Ctx(ctx).DebugContext(ctx, "fetched anker schedule", slog.String("paramType", paramType))
	return sched, nil
}

// SetSchedule writes the complete schedule parameter of the site.
func (a *Anker) SetSchedule(ctx context.Context, s types.Schedule) error {
	a.mu.Lock()
	siteID := a.settings.CloudSiteID
	paramType := a.paramType()
	a.mu.Unlock()

	paramData, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal schedule: %w", err)
	}

	log.Ctx(ctx).InfoContext(ctx, "submitting anker schedule", slog.String("paramType", paramType))

	req, err := a.newPostJSONRequest(ctx, ankerSetParamPath, map[string]interface{}{
		"site_id":    siteID,
		"param_type": paramType,
		"cmd":        ankerSetScheduleCmd,
		"param_data": string(paramData),
	})
	if err != nil {
		return err
	}
	return a.doRequest(req, nil)
}
