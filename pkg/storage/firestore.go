package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/solixplan/solixplan/pkg/log"
	"github.com/solixplan/solixplan/pkg/types"
)

// FirestoreProvider implements Database using Google Cloud Firestore. Every
// record is stored as a JSON string in the "json" field of its document.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
}

var _ Database = (*FirestoreProvider)(nil)

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// the project id may be detected from the environment
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) getCollection(siteID, name string) (*firestore.CollectionRef, error) {
	if siteID == "" {
		return nil, fmt.Errorf("siteID cannot be empty")
	}
	return f.client.Collection("sites").Doc(siteID).Collection(name), nil
}

// decodeDoc unmarshals the "json" field of doc into dest.
func decodeDoc(ctx context.Context, doc *firestore.DocumentSnapshot, kind string, dest any) error {
	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "doc missing json", slog.String("kind", kind), slog.String("docID", doc.Ref.ID))
		return fmt.Errorf("%s document %s missing 'json' field: %w", kind, doc.Ref.ID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "doc json not string", slog.String("kind", kind), slog.String("docID", doc.Ref.ID))
		return fmt.Errorf("%s document %s 'json' field is not a string", kind, doc.Ref.ID)
	}
	if err := json.Unmarshal([]byte(jsonStr), dest); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal doc", slog.String("kind", kind), slog.String("docID", doc.Ref.ID), slog.Any("err", err))
		return fmt.Errorf("failed to unmarshal %s (id=%s): %w", kind, doc.Ref.ID, err)
	}
	return nil
}

func docVersion(doc *firestore.DocumentSnapshot) int {
	if v, err := doc.DataAt("version"); err == nil {
		if vInt, ok := v.(int64); ok {
			return int(vInt)
		}
	}
	return 0
}

// GetSettings retrieves the dynamic configuration from the "config/settings" document.
func (f *FirestoreProvider) GetSettings(ctx context.Context, siteID string) (types.Settings, int, error) {
	coll, err := f.getCollection(siteID, "config")
	if err != nil {
		return types.Settings{}, 0, err
	}
	doc, err := coll.Doc("settings").Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.Settings{}, 0, nil
		}
		return types.Settings{}, 0, fmt.Errorf("failed to fetch settings doc: %w", err)
	}

	var s types.Settings
	if err := decodeDoc(ctx, doc, "settings", &s); err != nil {
		return types.Settings{}, 0, err
	}
	return s, docVersion(doc), nil
}

// SetSettings saves the dynamic configuration to the "config/settings" document.
func (f *FirestoreProvider) SetSettings(ctx context.Context, siteID string, settings types.Settings, version int) error {
	jsonBytes, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	coll, err := f.getCollection(siteID, "config")
	if err != nil {
		return err
	}
	_, err = coll.Doc("settings").Set(ctx, map[string]interface{}{
		"json":    string(jsonBytes),
		"version": version,
	})
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

// GetScheduleSnapshot reads the "config/schedule" document.
func (f *FirestoreProvider) GetScheduleSnapshot(ctx context.Context, siteID string) (types.ScheduleSnapshot, bool, error) {
	coll, err := f.getCollection(siteID, "config")
	if err != nil {
		return types.ScheduleSnapshot{}, false, err
	}
	doc, err := coll.Doc("schedule").Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.ScheduleSnapshot{}, false, nil
		}
		return types.ScheduleSnapshot{}, false, fmt.Errorf("failed to fetch schedule doc: %w", err)
	}
	var snap types.ScheduleSnapshot
	if err := decodeDoc(ctx, doc, "schedule", &snap); err != nil {
		return types.ScheduleSnapshot{}, false, err
	}
	return snap, true, nil
}

// SetScheduleSnapshot overwrites the "config/schedule" document.
func (f *FirestoreProvider) SetScheduleSnapshot(ctx context.Context, siteID string, snap types.ScheduleSnapshot) error {
	jsonBytes, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal schedule: %w", err)
	}
	coll, err := f.getCollection(siteID, "config")
	if err != nil {
		return err
	}
	_, err = coll.Doc("schedule").Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"timestamp": snap.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to save schedule: %w", err)
	}
	return nil
}

// InsertChange adds a change record to the "change_history" collection.
// The document ID starts with the timestamp for efficient range queries.
func (f *FirestoreProvider) InsertChange(ctx context.Context, siteID string, change types.Change) error {
	if change.ID == "" {
		return fmt.Errorf("change missing id")
	}
	jsonBytes, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("failed to marshal change: %w", err)
	}

	coll, err := f.getCollection(siteID, "change_history")
	if err != nil {
		return err
	}
	_, err = coll.Doc(changeDocID(change)).Create(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"timestamp": change.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to insert change: %w", err)
	}
	return nil
}

// GetChangeHistory retrieves the changes in [start, end) ordered by time.
func (f *FirestoreProvider) GetChangeHistory(ctx context.Context, siteID string, start, end time.Time) ([]types.Change, error) {
	coll, err := f.getCollection(siteID, "change_history")
	if err != nil {
		return nil, err
	}
	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(timeKey(start))).
		Where(firestore.DocumentID, "<", coll.Doc(timeKey(end))).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var changes []types.Change
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating changes: %w", err)
		}
		var c types.Change
		if err := decodeDoc(ctx, doc, "change", &c); err != nil {
			return nil, err
		}
		changes = append(changes, c)
	}
	return changes, nil
}

// GetLatestChange returns the most recent change or nil when the site has
// none.
func (f *FirestoreProvider) GetLatestChange(ctx context.Context, siteID string) (*types.Change, error) {
	coll, err := f.getCollection(siteID, "change_history")
	if err != nil {
		return nil, err
	}
	iter := coll.
		OrderBy(firestore.DocumentID, firestore.Desc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest change doc: %w", err)
	}
	var c types.Change
	if err := decodeDoc(ctx, doc, "change", &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// GetSite retrieves a site from the "sites" collection.
func (f *FirestoreProvider) GetSite(ctx context.Context, siteID string) (types.Site, error) {
	if siteID == "" {
		return types.Site{}, fmt.Errorf("siteID cannot be empty")
	}
	doc, err := f.client.Collection("sites").Doc(siteID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.Site{}, fmt.Errorf("%w: %s", ErrSiteNotFound, siteID)
		}
		return types.Site{}, fmt.Errorf("failed to get site %s: %w", siteID, err)
	}

	var site types.Site
	if err := decodeDoc(ctx, doc, "site", &site); err != nil {
		return types.Site{}, err
	}
	return site, nil
}

// ListSites retrieves all sites from the "sites" collection.
func (f *FirestoreProvider) ListSites(ctx context.Context) ([]types.Site, error) {
	iter := f.client.Collection("sites").Documents(ctx)
	defer iter.Stop()

	var sites []types.Site
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating sites: %w", err)
		}

		var site types.Site
		if err := decodeDoc(ctx, doc, "site", &site); err != nil {
			// skip malformed documents
			continue
		}
		sites = append(sites, site)
	}
	return sites, nil
}

// CreateSite creates a site document and fails if it already exists.
func (f *FirestoreProvider) CreateSite(ctx context.Context, siteID string, site types.Site) error {
	if siteID == "" {
		return fmt.Errorf("siteID cannot be empty")
	}
	siteJSON, err := json.Marshal(site)
	if err != nil {
		return fmt.Errorf("failed to marshal site %s: %w", siteID, err)
	}
	_, err = f.client.Collection("sites").Doc(siteID).Create(ctx, map[string]interface{}{
		"json": string(siteJSON),
	})
	if err != nil {
		return fmt.Errorf("failed to create site %s: %w", siteID, err)
	}
	return nil
}

// UpdateSite updates a site document in the "sites" collection.
func (f *FirestoreProvider) UpdateSite(ctx context.Context, siteID string, site types.Site) error {
	siteJSON, err := json.Marshal(site)
	if err != nil {
		return fmt.Errorf("failed to marshal site %s: %w", siteID, err)
	}
	_, err = f.client.Collection("sites").Doc(siteID).Set(ctx, map[string]interface{}{
		"json": string(siteJSON),
	}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("failed to update site %s: %w", siteID, err)
	}
	return nil
}

// GetUser retrieves a user from the "users" collection.
func (f *FirestoreProvider) GetUser(ctx context.Context, userID string) (types.User, error) {
	doc, err := f.client.Collection("users").Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.User{}, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
		}
		return types.User{}, fmt.Errorf("failed to get user %s: %w", userID, err)
	}

	var user types.User
	if err := decodeDoc(ctx, doc, "user", &user); err != nil {
		return types.User{}, err
	}
	return user, nil
}

// CreateUser creates a new user document in the "users" collection.
func (f *FirestoreProvider) CreateUser(ctx context.Context, user types.User) error {
	userJSON, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to marshal user %s: %w", user.ID, err)
	}
	_, err = f.client.Collection("users").Doc(user.ID).Create(ctx, map[string]interface{}{
		"json": string(userJSON),
	})
	if err != nil {
		return fmt.Errorf("failed to create user %s: %w", user.ID, err)
	}
	return nil
}

// UpdateUser updates an existing user document in the "users" collection.
func (f *FirestoreProvider) UpdateUser(ctx context.Context, user types.User) error {
	userJSON, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to marshal user %s: %w", user.ID, err)
	}
	_, err = f.client.Collection("users").Doc(user.ID).Set(ctx, map[string]interface{}{
		"json": string(userJSON),
	}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("failed to update user %s: %w", user.ID, err)
	}
	return nil
}
