package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ts4z/storyline/dbutil"
	"github.com/ts4z/storyline/model"
	"github.com/ts4z/storyline/state/migrations"
)

type Nower interface {
	Now() time.Time
}

// DBStorage implements StoryStorage and PushStorage over SQL.  It holds no
// connection between calls; each call opens one, runs a transaction, and
// closes it again.
type DBStorage struct {
	conn  *dbutil.Connector
	clock Nower
}

var (
	_ StoryStorage = &DBStorage{}
	_ PushStorage  = &DBStorage{}
)

// NewDBStorage applies any pending migrations and returns a ready store.
func NewDBStorage(ctx context.Context, conn *dbutil.Connector, clock Nower) (*DBStorage, error) {
	root := "sqlite"
	if conn.Dialect() == dbutil.DialectPostgres {
		root = "postgres"
	}
	if err := dbutil.ApplyMigrations(ctx, conn, migrations.FS, root); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &DBStorage{conn: conn, clock: clock}, nil
}

func (s *DBStorage) Close() {
	if err := s.conn.Close(); err != nil {
		log.Printf("can't close connector: %v", err)
	}
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

type storyRow struct {
	ID          string   `db:"id"`
	Name        string   `db:"name"`
	Description string   `db:"description"`
	PhotoURL    string   `db:"photo_url"`
	Lat         *float64 `db:"lat"`
	Lon         *float64 `db:"lon"`
	CreatedAt   int64    `db:"created_at"`
	SavedAt     int64    `db:"saved_at"`
}

func (r *storyRow) record() *model.StoryRecord {
	return &model.StoryRecord{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		PhotoURL:    r.PhotoURL,
		Lat:         r.Lat,
		Lon:         r.Lon,
		CreatedAt:   fromMillis(r.CreatedAt),
		SavedAt:     fromMillis(r.SavedAt),
	}
}

const storyColumns = `id, name, description, photo_url, lat, lon, created_at, saved_at`

func records(rows []storyRow) []*model.StoryRecord {
	out := make([]*model.StoryRecord, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].record())
	}
	return out
}

// SaveStory upserts by id.  A zero SavedAt is stamped with the current time,
// a zero CreatedAt with SavedAt.
func (s *DBStorage) SaveStory(ctx context.Context, r *model.StoryRecord) error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("story id is required")
	}
	savedAt := r.SavedAt
	if savedAt.IsZero() {
		savedAt = s.clock.Now()
	}
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = savedAt
	}
	return dbutil.WithTx(ctx, s.conn, func(tx *dbutil.Tx) error {
		_, err := tx.Exec(ctx, `
INSERT INTO saved_stories (`+storyColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    name = excluded.name,
    description = excluded.description,
    photo_url = excluded.photo_url,
    lat = excluded.lat,
    lon = excluded.lon,
    created_at = excluded.created_at,
    saved_at = excluded.saved_at`,
			r.ID, r.Name, r.Description, r.PhotoURL, r.Lat, r.Lon,
			toMillis(createdAt), toMillis(savedAt))
		if err != nil {
			return fmt.Errorf("upsert story %q: %w", r.ID, err)
		}
		return nil
	})
}

func (s *DBStorage) StoryExists(ctx context.Context, id string) (bool, error) {
	var n int
	err := dbutil.WithTx(ctx, s.conn, func(tx *dbutil.Tx) error {
		return tx.Get(ctx, &n, `SELECT COUNT(*) FROM saved_stories WHERE id = ?`, id)
	})
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// FetchStories returns every record in creation order.
func (s *DBStorage) FetchStories(ctx context.Context) ([]*model.StoryRecord, error) {
	var rows []storyRow
	err := dbutil.WithTx(ctx, s.conn, func(tx *dbutil.Tx) error {
		return tx.Select(ctx, &rows, `SELECT `+storyColumns+` FROM saved_stories ORDER BY created_at, id`)
	})
	if err != nil {
		return nil, err
	}
	return records(rows), nil
}

func (s *DBStorage) FetchStoriesSavedSince(ctx context.Context, since time.Time) ([]*model.StoryRecord, error) {
	var rows []storyRow
	err := dbutil.WithTx(ctx, s.conn, func(tx *dbutil.Tx) error {
		return tx.Select(ctx, &rows,
			`SELECT `+storyColumns+` FROM saved_stories WHERE saved_at >= ? ORDER BY created_at, id`,
			toMillis(since))
	})
	if err != nil {
		return nil, err
	}
	return records(rows), nil
}

func (s *DBStorage) FetchStoryByID(ctx context.Context, id string) (*model.StoryRecord, error) {
	var row storyRow
	err := dbutil.WithTx(ctx, s.conn, func(tx *dbutil.Tx) error {
		return tx.Get(ctx, &row, `SELECT `+storyColumns+` FROM saved_stories WHERE id = ?`, id)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("story %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return row.record(), nil
}

// DeleteStory removes id.  Deleting an absent id is not an error.
func (s *DBStorage) DeleteStory(ctx context.Context, id string) error {
	return dbutil.WithTx(ctx, s.conn, func(tx *dbutil.Tx) error {
		_, err := tx.Exec(ctx, `DELETE FROM saved_stories WHERE id = ?`, id)
		return err
	})
}

func (s *DBStorage) CountStories(ctx context.Context) (int, error) {
	var n int
	err := dbutil.WithTx(ctx, s.conn, func(tx *dbutil.Tx) error {
		return tx.Get(ctx, &n, `SELECT COUNT(*) FROM saved_stories`)
	})
	return n, err
}

type pushRow struct {
	Endpoint             string `db:"endpoint"`
	P256dh               string `db:"p256dh"`
	Auth                 string `db:"auth"`
	PrivateKey           string `db:"private_key"`
	ApplicationServerKey string `db:"application_server_key"`
	CreatedAt            int64  `db:"created_at"`
}

func (s *DBStorage) FetchPushRecord(ctx context.Context) (*model.PushRecord, error) {
	var row pushRow
	err := dbutil.WithTx(ctx, s.conn, func(tx *dbutil.Tx) error {
		return tx.Get(ctx, &row, `
SELECT endpoint, p256dh, auth, private_key, application_server_key, created_at
FROM push_subscription WHERE slot = 1`)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("push subscription: %w", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &model.PushRecord{
		Endpoint:             row.Endpoint,
		P256dh:               row.P256dh,
		Auth:                 row.Auth,
		PrivateKey:           row.PrivateKey,
		ApplicationServerKey: row.ApplicationServerKey,
		CreatedAt:            fromMillis(row.CreatedAt),
	}, nil
}

func (s *DBStorage) SavePushRecord(ctx context.Context, r *model.PushRecord) error {
	return dbutil.WithTx(ctx, s.conn, func(tx *dbutil.Tx) error {
		_, err := tx.Exec(ctx, `
INSERT INTO push_subscription (slot, endpoint, p256dh, auth, private_key, application_server_key, created_at)
VALUES (1, ?, ?, ?, ?, ?, ?)
ON CONFLICT (slot) DO UPDATE SET
    endpoint = excluded.endpoint,
    p256dh = excluded.p256dh,
    auth = excluded.auth,
    private_key = excluded.private_key,
    application_server_key = excluded.application_server_key,
    created_at = excluded.created_at`,
			r.Endpoint, r.P256dh, r.Auth, r.PrivateKey, r.ApplicationServerKey, toMillis(r.CreatedAt))
		return err
	})
}

func (s *DBStorage) DeletePushRecord(ctx context.Context) error {
	return dbutil.WithTx(ctx, s.conn, func(tx *dbutil.Tx) error {
		_, err := tx.Exec(ctx, `DELETE FROM push_subscription WHERE slot = 1`)
		return err
	})
}

// FetchPermission returns PermissionDefault until a decision is saved.
func (s *DBStorage) FetchPermission(ctx context.Context) (model.Permission, error) {
	var p string
	err := dbutil.WithTx(ctx, s.conn, func(tx *dbutil.Tx) error {
		return tx.Get(ctx, &p, `SELECT permission FROM push_permission WHERE slot = 1`)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return model.PermissionDefault, nil
	}
	if err != nil {
		return model.PermissionDefault, err
	}
	return model.Permission(p), nil
}

func (s *DBStorage) SavePermission(ctx context.Context, p model.Permission) error {
	return dbutil.WithTx(ctx, s.conn, func(tx *dbutil.Tx) error {
		_, err := tx.Exec(ctx, `
INSERT INTO push_permission (slot, permission, decided_at) VALUES (1, ?, ?)
ON CONFLICT (slot) DO UPDATE SET permission = excluded.permission, decided_at = excluded.decided_at`,
			string(p), toMillis(s.clock.Now()))
		return err
	})
}
