package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/solixplan/solixplan/pkg/types"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrSiteNotFound = errors.New("site not found")
)

// Database defines the interface for persisting site state.
type Database interface {
	// Settings
	GetSettings(ctx context.Context, siteID string) (types.Settings, int, error)
	SetSettings(ctx context.Context, siteID string, settings types.Settings, version int) error

	// Schedules
	// GetScheduleSnapshot returns the last stored schedule of the site and
	// false when none was stored yet.
	GetScheduleSnapshot(ctx context.Context, siteID string) (types.ScheduleSnapshot, bool, error)
	SetScheduleSnapshot(ctx context.Context, siteID string, snap types.ScheduleSnapshot) error

	// History
	InsertChange(ctx context.Context, siteID string, change types.Change) error
	GetChangeHistory(ctx context.Context, siteID string, start, end time.Time) ([]types.Change, error)
	GetLatestChange(ctx context.Context, siteID string) (*types.Change, error)

	// Sites & Users
	GetSite(ctx context.Context, siteID string) (types.Site, error)
	ListSites(ctx context.Context) ([]types.Site, error)
	CreateSite(ctx context.Context, siteID string, site types.Site) error
	UpdateSite(ctx context.Context, siteID string, site types.Site) error
	GetUser(ctx context.Context, userID string) (types.User, error)
	CreateUser(ctx context.Context, user types.User) error
	UpdateUser(ctx context.Context, user types.User) error

	// Lifecycle
	Close() error
}

// Configured sets up the Storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "firestore", "Storage provider to use (available: firestore, sqlite)")

	var p struct{ Database }

	fs := configuredFirestore()
	sq := configuredSQLite()

	lflag.Do(func() {
		switch *provider {
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			p.Database = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		case "sqlite":
			if err := sq.Validate(); err != nil {
				panic(fmt.Sprintf("sqlite validation failed: %v", err))
			}
			p.Database = sq
			if err := sq.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("sqlite init failed: %v", err))
			}
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}

// changeDocID orders changes by time. The fixed width keeps the ids sorted
// lexicographically and the id suffix keeps changes within the same
// microsecond apart.
func changeDocID(c types.Change) string {
	return timeKey(c.Timestamp) + "_" + c.ID
}

func timeKey(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000Z")
}
