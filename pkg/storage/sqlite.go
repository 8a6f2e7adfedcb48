package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/levenlabs/go-lflag"
	_ "modernc.org/sqlite"

	"github.com/solixplan/solixplan/pkg/log"
	"github.com/solixplan/solixplan/pkg/types"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteProvider implements Database on a local SQLite file. It is meant
// for single host deployments and local development. Records are stored as
// JSON just like in Firestore.
type SQLiteProvider struct {
	path string
	db   *sql.DB
}

var _ Database = (*SQLiteProvider)(nil)

func configuredSQLite() *SQLiteProvider {
	path := lflag.String("sqlite-path", "solixplan.db", "Path of the SQLite database file")

	s := &SQLiteProvider{}
	lflag.Do(func() {
		s.path = *path
	})
	return s
}

// NewSQLite returns a provider for the database at path. Init must be called
// before use.
func NewSQLite(path string) *SQLiteProvider {
	return &SQLiteProvider{path: path}
}

func (s *SQLiteProvider) Validate() error {
	if s.path == "" {
		return errors.New("sqlite path cannot be empty")
	}
	return nil
}

// Init creates the directory of the database file, opens it and applies the
// pending migrations.
func (s *SQLiteProvider) Init(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)
	s.db = db
	if err := s.migrate(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (s *SQLiteProvider) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteProvider) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY)`); err != nil {
		return err
	}
	var current int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current)
	if err != nil {
		return err
	}

	files, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(files)
	for _, name := range files {
		base := filepath.Base(name)
		version, err := strconv.Atoi(strings.SplitN(base, "_", 2)[0])
		if err != nil {
			return fmt.Errorf("invalid migration name %s: %w", base, err)
		}
		if version <= current {
			continue
		}
		body, err := migrationsFS.ReadFile(name)
		if err != nil {
			return err
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %s: %w", base, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, version); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %s: %w", base, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		log.Ctx(ctx).InfoContext(ctx, "applied sqlite migration", slog.String("migration", base))
	}
	return nil
}

func checkSiteID(siteID string) error {
	if siteID == "" {
		return fmt.Errorf("siteID cannot be empty")
	}
	return nil
}

func (s *SQLiteProvider) GetSettings(ctx context.Context, siteID string) (types.Settings, int, error) {
	if err := checkSiteID(siteID); err != nil {
		return types.Settings{}, 0, err
	}
	var (
		jsonStr string
		version int
	)
	err := s.db.QueryRowContext(ctx, `SELECT json, version FROM settings WHERE site_id = ?`, siteID).Scan(&jsonStr, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Settings{}, 0, nil
	}
	if err != nil {
		return types.Settings{}, 0, fmt.Errorf("failed to fetch settings: %w", err)
	}
	var settings types.Settings
	if err := json.Unmarshal([]byte(jsonStr), &settings); err != nil {
		return types.Settings{}, 0, fmt.Errorf("failed to unmarshal settings json: %w", err)
	}
	return settings, version, nil
}

func (s *SQLiteProvider) SetSettings(ctx context.Context, siteID string, settings types.Settings, version int) error {
	if err := checkSiteID(siteID); err != nil {
		return err
	}
	jsonBytes, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT OR REPLACE INTO settings (site_id, json, version) VALUES (?, ?, ?)`, siteID, string(jsonBytes), version)
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

func (s *SQLiteProvider) GetScheduleSnapshot(ctx context.Context, siteID string) (types.ScheduleSnapshot, bool, error) {
	if err := checkSiteID(siteID); err != nil {
		return types.ScheduleSnapshot{}, false, err
	}
	var jsonStr string
	err := s.db.QueryRowContext(ctx, `SELECT json FROM schedules WHERE site_id = ?`, siteID).Scan(&jsonStr)
	if errors.Is(err, sql.ErrNoRows) {
		return types.ScheduleSnapshot{}, false, nil
	}
	if err != nil {
		return types.ScheduleSnapshot{}, false, fmt.Errorf("failed to fetch schedule: %w", err)
	}
	var snap types.ScheduleSnapshot
	if err := json.Unmarshal([]byte(jsonStr), &snap); err != nil {
		return types.ScheduleSnapshot{}, false, fmt.Errorf("failed to unmarshal schedule json: %w", err)
	}
	return snap, true, nil
}

func (s *SQLiteProvider) SetScheduleSnapshot(ctx context.Context, siteID string, snap types.ScheduleSnapshot) error {
	if err := checkSiteID(siteID); err != nil {
		return err
	}
	jsonBytes, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal schedule: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT OR REPLACE INTO schedules (site_id, json, timestamp) VALUES (?, ?, ?)`,
		siteID, string(jsonBytes), timeKey(snap.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to save schedule: %w", err)
	}
	return nil
}

func (s *SQLiteProvider) InsertChange(ctx context.Context, siteID string, change types.Change) error {
	if err := checkSiteID(siteID); err != nil {
		return err
	}
	if change.ID == "" {
		return fmt.Errorf("change missing id")
	}
	jsonBytes, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("failed to marshal change: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO changes (site_id, doc_id, json) VALUES (?, ?, ?)`, siteID, changeDocID(change), string(jsonBytes))
	if err != nil {
		return fmt.Errorf("failed to insert change: %w", err)
	}
	return nil
}

func (s *SQLiteProvider) queryChanges(ctx context.Context, query string, args ...any) ([]types.Change, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query changes: %w", err)
	}
	defer rows.Close()

	var changes []types.Change
	for rows.Next() {
		var jsonStr string
		if err := rows.Scan(&jsonStr); err != nil {
			return nil, err
		}
		var c types.Change
		if err := json.Unmarshal([]byte(jsonStr), &c); err != nil {
			return nil, fmt.Errorf("failed to unmarshal change: %w", err)
		}
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

func (s *SQLiteProvider) GetChangeHistory(ctx context.Context, siteID string, start, end time.Time) ([]types.Change, error) {
	if err := checkSiteID(siteID); err != nil {
		return nil, err
	}
	return s.queryChanges(ctx,
		`SELECT json FROM changes WHERE site_id = ? AND doc_id >= ? AND doc_id < ? ORDER BY doc_id ASC`,
		siteID, timeKey(start), timeKey(end))
}

func (s *SQLiteProvider) GetLatestChange(ctx context.Context, siteID string) (*types.Change, error) {
	if err := checkSiteID(siteID); err != nil {
		return nil, err
	}
	changes, err := s.queryChanges(ctx, `SELECT json FROM changes WHERE site_id = ? ORDER BY doc_id DESC LIMIT 1`, siteID)
	if err != nil {
		return nil, err
	}
	if len(changes) == 0 {
		return nil, nil
	}
	return &changes[0], nil
}

func (s *SQLiteProvider) GetSite(ctx context.Context, siteID string) (types.Site, error) {
	if err := checkSiteID(siteID); err != nil {
		return types.Site{}, err
	}
	var jsonStr string
	err := s.db.QueryRowContext(ctx, `SELECT json FROM sites WHERE id = ?`, siteID).Scan(&jsonStr)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Site{}, fmt.Errorf("%w: %s", ErrSiteNotFound, siteID)
	}
	if err != nil {
		return types.Site{}, fmt.Errorf("failed to get site %s: %w", siteID, err)
	}
	var site types.Site
	if err := json.Unmarshal([]byte(jsonStr), &site); err != nil {
		return types.Site{}, fmt.Errorf("failed to unmarshal site %s: %w", siteID, err)
	}
	return site, nil
}

func (s *SQLiteProvider) ListSites(ctx context.Context) ([]types.Site, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, json FROM sites ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sites: %w", err)
	}
	defer rows.Close()

	var sites []types.Site
	for rows.Next() {
		var id, jsonStr string
		if err := rows.Scan(&id, &jsonStr); err != nil {
			return nil, err
		}
		var site types.Site
		if err := json.Unmarshal([]byte(jsonStr), &site); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal site", slog.String("siteID", id), slog.Any("err", err))
			continue
		}
		sites = append(sites, site)
	}
	return sites, rows.Err()
}

func (s *SQLiteProvider) CreateSite(ctx context.Context, siteID string, site types.Site) error {
	if err := checkSiteID(siteID); err != nil {
		return err
	}
	siteJSON, err := json.Marshal(site)
	if err != nil {
		return fmt.Errorf("failed to marshal site %s: %w", siteID, err)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO sites (id, json) VALUES (?, ?)`, siteID, string(siteJSON)); err != nil {
		return fmt.Errorf("failed to create site %s: %w", siteID, err)
	}
	return nil
}

func (s *SQLiteProvider) UpdateSite(ctx context.Context, siteID string, site types.Site) error {
	if err := checkSiteID(siteID); err != nil {
		return err
	}
	siteJSON, err := json.Marshal(site)
	if err != nil {
		return fmt.Errorf("failed to marshal site %s: %w", siteID, err)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO sites (id, json) VALUES (?, ?)`, siteID, string(siteJSON)); err != nil {
		return fmt.Errorf("failed to update site %s: %w", siteID, err)
	}
	return nil
}

func (s *SQLiteProvider) GetUser(ctx context.Context, userID string) (types.User, error) {
	var jsonStr string
	err := s.db.QueryRowContext(ctx, `SELECT json FROM users WHERE id = ?`, userID).Scan(&jsonStr)
	if errors.Is(err, sql.ErrNoRows) {
		return types.User{}, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	if err != nil {
		return types.User{}, fmt.Errorf("failed to get user %s: %w", userID, err)
	}
	var user types.User
	if err := json.Unmarshal([]byte(jsonStr), &user); err != nil {
		return types.User{}, fmt.Errorf("failed to unmarshal user %s: %w", userID, err)
	}
	return user, nil
}

func (s *SQLiteProvider) CreateUser(ctx context.Context, user types.User) error {
	userJSON, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to marshal user %s: %w", user.ID, err)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO users (id, json) VALUES (?, ?)`, user.ID, string(userJSON)); err != nil {
		return fmt.Errorf("failed to create user %s: %w", user.ID, err)
	}
	return nil
}

func (s *SQLiteProvider) UpdateUser(ctx context.Context, user types.User) error {
	userJSON, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to marshal user %s: %w", user.ID, err)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO users (id, json) VALUES (?, ?)`, user.ID, string(userJSON)); err != nil {
		return fmt.Errorf("failed to update user %s: %w", user.ID, err)
	}
	return nil
}
