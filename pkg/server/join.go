package server

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/solixplan/solixplan/pkg/log"
	"github.com/solixplan/solixplan/pkg/storage"
	"github.com/solixplan/solixplan/pkg/types"
)

const maxSitesPerUser = 5

type joinResponse struct {
	SiteID     string `json:"siteID"`
	InviteCode string `json:"inviteCode,omitempty"`
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// handleJoin creates a new site or joins an existing one with its invite
// code. Users that do not exist yet are registered.
func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		InviteCode string `json:"inviteCode"`
		JoinSiteID string `json:"joinSiteID"`
		Create     bool   `json:"create"`
		Name       string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		// since we failed to read, don't return JSON error
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if !req.Create && (req.InviteCode == "" || req.JoinSiteID == "") {
		writeJSONError(w, "inviteCode and joinSiteID are required", http.StatusBadRequest)
		return
	}
	if s.singleSite {
		writeJSONError(w, "sites cannot be joined in single-site mode", http.StatusForbidden)
		return
	}

	// Get the authenticated user from context (either existing or new-to-register)
	user := s.getUser(r)
	isNewUser := false
	if user.ID == "" {
		if userToRegister, ok := ctx.Value(userToRegisterContextKey).(types.User); ok {
			user = userToRegister
			isNewUser = true
		}
	}
	if user.ID == "" {
		writeJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}

	if len(user.SiteIDs) >= maxSitesPerUser && (req.Create || !slices.Contains(user.SiteIDs, req.JoinSiteID)) {
		writeJSONError(w, fmt.Sprintf("maximum of %d sites reached", maxSitesPerUser), http.StatusForbidden)
		return
	}

	var site types.Site
	if req.Create {
		id, err := s.newSiteID(r, user.Email)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "join: failed to generate site id", slog.Any("error", err))
			writeJSONError(w, "failed to generate site id", http.StatusInternalServerError)
			return
		}
		code, err := randomHex(8)
		if err != nil {
			writeJSONError(w, "failed to generate invite code", http.StatusInternalServerError)
			return
		}
		req.JoinSiteID = id
		site = types.Site{
			ID:          id,
			Name:        req.Name,
			InviteCode:  code,
			Permissions: []types.SitePermissions{{UserID: user.ID}},
		}
		if site.Name == "" {
			site.Name = id
		}
		if err := s.storage.CreateSite(ctx, id, site); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "join: failed to create site", slog.String("siteID", id), slog.Any("error", err))
			writeJSONError(w, "failed to create site", http.StatusInternalServerError)
			return
		}
	} else {
		var err error
		site, err = s.storage.GetSite(ctx, req.JoinSiteID)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "join: site not found", slog.String("siteID", req.JoinSiteID), slog.Any("error", err))
			writeJSONError(w, "site not found", http.StatusNotFound)
			return
		}
		if site.InviteCode == "" || subtle.ConstantTimeCompare([]byte(req.InviteCode), []byte(site.InviteCode)) != 1 {
			log.Ctx(ctx).WarnContext(ctx, "join: invalid invite code", slog.String("siteID", req.JoinSiteID), slog.String("userID", user.ID))
			writeJSONError(w, "invalid invite code", http.StatusForbidden)
			return
		}
		if !slices.ContainsFunc(site.Permissions, func(p types.SitePermissions) bool { return p.UserID == user.ID }) {
			site.Permissions = append(site.Permissions, types.SitePermissions{UserID: user.ID})
			if err := s.storage.UpdateSite(ctx, req.JoinSiteID, site); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "join: failed to update site", slog.String("siteID", req.JoinSiteID), slog.Any("error", err))
				writeJSONError(w, "failed to join site", http.StatusInternalServerError)
				return
			}
		}
	}

	if isNewUser {
		user.SiteIDs = []string{req.JoinSiteID}
		if err := s.storage.CreateUser(ctx, user); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "join: failed to create user", slog.String("userID", user.ID), slog.Any("error", err))
			writeJSONError(w, "failed to create user", http.StatusInternalServerError)
			return
		}
	} else if !slices.Contains(user.SiteIDs, req.JoinSiteID) {
		existing, err := s.storage.GetUser(ctx, user.ID)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "join: failed to get user", slog.Any("error", err))
			writeJSONError(w, "failed to join site", http.StatusInternalServerError)
			return
		}
		existing.SiteIDs = append(existing.SiteIDs, req.JoinSiteID)
		if err := s.storage.UpdateUser(ctx, existing); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "join: failed to update user", slog.Any("error", err))
			writeJSONError(w, "failed to join site", http.StatusInternalServerError)
			return
		}
	}

	log.Ctx(ctx).InfoContext(ctx, "user joined site", slog.String("siteID", req.JoinSiteID), slog.Bool("created", req.Create))
	resp := joinResponse{SiteID: req.JoinSiteID}
	if req.Create {
		resp.InviteCode = site.InviteCode
	}
	writeJSON(w, resp)
}

// newSiteID derives a readable site ID from the email when it is long enough
// and free, otherwise a random one is used.
func (s *Server) newSiteID(r *http.Request, email string) (string, error) {
	ctx := r.Context()
	prefix, _, _ := strings.Cut(email, "@")
	if len(prefix) >= 8 {
		for i := 0; i < 10; i++ {
			try := prefix
			if i > 0 {
				try = fmt.Sprintf("%s_%d", prefix, i)
			}
			if _, err := s.storage.GetSite(ctx, try); errors.Is(err, storage.ErrSiteNotFound) {
				return try, nil
			}
		}
	}
	return randomHex(8)
}
