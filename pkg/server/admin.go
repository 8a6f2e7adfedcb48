package server

import (
	"log/slog"
	"net/http"

	"github.com/solixplan/solixplan/pkg/log"
	"github.com/solixplan/solixplan/pkg/types"
)

// AdminSite is a site that is visible to admins along with its last change.
type AdminSite struct {
	types.Site
	LastChange *types.Change `json:"lastChange,omitempty"`
}

func (s *Server) handleListSites(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := s.getUser(r)

	if !s.isAdmin(user) && !s.bypassAuth {
		log.Ctx(ctx).WarnContext(ctx, "unauthorized access to list sites", slog.String("email", user.Email))
		writeJSONError(w, "forbidden", http.StatusForbidden)
		return
	}

	sites, err := s.storage.ListSites(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to list sites", slog.Any("error", err))
		writeJSONError(w, "failed to list sites", http.StatusInternalServerError)
		return
	}

	adminSites := make([]AdminSite, 0, len(sites))
	for _, site := range sites {
		change, err := s.storage.GetLatestChange(ctx, site.ID)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to get latest change", slog.String("siteID", site.ID), slog.Any("error", err))
		}
		// invite codes stay with the site owners
		site.InviteCode = ""
		adminSites = append(adminSites, AdminSite{
			Site:       site,
			LastChange: change,
		})
	}
	writeJSON(w, adminSites)
}
