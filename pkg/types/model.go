package types

const (
	SiteIDNone = "none"
)

// Site represents a household with one managed solarbank system.
type Site struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	InviteCode  string            `json:"inviteCode,omitempty"`
	Permissions []SitePermissions `json:"permissions"`
}

// SitePermissions represents the permissions for a user on a site.
type SitePermissions struct {
	UserID string `json:"userID"`
}

// User represents a user of the system.
type User struct {
	ID      string   `json:"id"`
	Email   string   `json:"email"`
	SiteIDs []string `json:"siteIDs"`
	Admin   bool     `json:"-"`
}

// HasSite reports whether the user may act on siteID.
func (u User) HasSite(siteID string) bool {
	if u.Admin {
		return true
	}
	for _, id := range u.SiteIDs {
		if id == siteID {
			return true
		}
	}
	return false
}
