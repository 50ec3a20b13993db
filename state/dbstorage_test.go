package state

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"

	"github.com/ts4z/storyline/dbutil"
	"github.com/ts4z/storyline/model"
	"github.com/ts4z/storyline/ts"
)

var testStart = time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC)

func newTestStorage(t *testing.T) (*DBStorage, *clockwork.FakeClock) {
	t.Helper()
	conn, err := dbutil.NewSQLiteConnector(filepath.Join(t.TempDir(), "stories.db"))
	if err != nil {
		t.Fatalf("can't make connector: %v", err)
	}
	fake := clockwork.NewFakeClockAt(testStart)
	s, err := NewDBStorage(context.Background(), conn, ts.NewClock(fake))
	if err != nil {
		t.Fatalf("NewDBStorage: %v", err)
	}
	t.Cleanup(s.Close)
	return s, fake
}

func ptr(f float64) *float64 { return &f }

func TestSaveAndFetch(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStorage(t)

	want := &model.StoryRecord{
		ID:          "s1",
		Name:        "Trip",
		Description: "to the coast",
		PhotoURL:    "https://example.com/p.jpg",
		Lat:         ptr(-6.2),
		Lon:         ptr(106.8),
		CreatedAt:   testStart.Add(-time.Hour),
		SavedAt:     testStart,
	}
	if err := s.SaveStory(ctx, want); err != nil {
		t.Fatalf("SaveStory: %v", err)
	}

	got, err := s.FetchStoryByID(ctx, "s1")
	if err != nil {
		t.Fatalf("FetchStoryByID: %v", err)
	}
	if got.Name != want.Name || got.Description != want.Description || got.PhotoURL != want.PhotoURL {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if !got.HasLocation() || *got.Lat != -6.2 || *got.Lon != 106.8 {
		t.Errorf("got location %v,%v, want -6.2,106.8", got.Lat, got.Lon)
	}
	if !got.CreatedAt.Equal(want.CreatedAt) || !got.SavedAt.Equal(want.SavedAt) {
		t.Errorf("got times %v/%v, want %v/%v", got.CreatedAt, got.SavedAt, want.CreatedAt, want.SavedAt)
	}

	if err := s.DeleteStory(ctx, "s1"); err != nil {
		t.Fatalf("DeleteStory: %v", err)
	}
	ok, err := s.StoryExists(ctx, "s1")
	if err != nil {
		t.Fatalf("StoryExists: %v", err)
	}
	if ok {
		t.Errorf("s1 still exists after delete")
	}
	if _, err := s.FetchStoryByID(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestSaveIsUpsert(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStorage(t)

	if err := s.SaveStory(ctx, &model.StoryRecord{ID: "s1", Name: "Trip", Description: "old", PhotoURL: "a.jpg"}); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if err := s.SaveStory(ctx, &model.StoryRecord{ID: "s1", Name: "Trip", Description: "new", PhotoURL: "b.jpg"}); err != nil {
		t.Fatalf("second save: %v", err)
	}

	n, err := s.CountStories(ctx)
	if err != nil {
		t.Fatalf("CountStories: %v", err)
	}
	if n != 1 {
		t.Errorf("got %d records, want 1", n)
	}
	got, err := s.FetchStoryByID(ctx, "s1")
	if err != nil {
		t.Fatalf("FetchStoryByID: %v", err)
	}
	if got.Description != "new" || got.PhotoURL != "b.jpg" {
		t.Errorf("got %q/%q, want new/b.jpg", got.Description, got.PhotoURL)
	}
	if got.Lat != nil {
		t.Errorf("got lat %v, want nil", *got.Lat)
	}
}

func TestDeleteMissingIsNotAnError(t *testing.T) {
	s, _ := newTestStorage(t)
	if err := s.DeleteStory(context.Background(), "nope"); err != nil {
		t.Errorf("DeleteStory(missing) = %v, want nil", err)
	}
}

func TestSaveRequiresID(t *testing.T) {
	s, _ := newTestStorage(t)
	if err := s.SaveStory(context.Background(), &model.StoryRecord{Name: "x"}); err == nil {
		t.Errorf("SaveStory with empty id succeeded")
	}
}

func TestFetchOrderAndSince(t *testing.T) {
	ctx := context.Background()
	s, fake := newTestStorage(t)

	for i, id := range []string{"c", "a", "b"} {
		r := &model.StoryRecord{ID: id, Name: id, CreatedAt: testStart.Add(time.Duration(i) * time.Minute)}
		if err := s.SaveStory(ctx, r); err != nil {
			t.Fatalf("SaveStory(%s): %v", id, err)
		}
		fake.Advance(time.Hour)
	}

	all, err := s.FetchStories(ctx)
	if err != nil {
		t.Fatalf("FetchStories: %v", err)
	}
	var ids []string
	for _, r := range all {
		ids = append(ids, r.ID)
	}
	if len(ids) != 3 || ids[0] != "c" || ids[1] != "a" || ids[2] != "b" {
		t.Errorf("got %v, want [c a b]", ids)
	}

	// "a" and "b" were saved at testStart+1h and +2h.
	recent, err := s.FetchStoriesSavedSince(ctx, testStart.Add(time.Hour))
	if err != nil {
		t.Fatalf("FetchStoriesSavedSince: %v", err)
	}
	if len(recent) != 2 {
		t.Errorf("got %d recent records, want 2", len(recent))
	}
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "stories.db")
	clock := ts.NewClock(clockwork.NewFakeClockAt(testStart))

	for i := 0; i < 2; i++ {
		conn, err := dbutil.NewSQLiteConnector(path)
		if err != nil {
			t.Fatalf("connector: %v", err)
		}
		s, err := NewDBStorage(ctx, conn, clock)
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		if i == 0 {
			if err := s.SaveStory(ctx, &model.StoryRecord{ID: "keep", Name: "k"}); err != nil {
				t.Fatalf("SaveStory: %v", err)
			}
		} else {
			ok, err := s.StoryExists(ctx, "keep")
			if err != nil || !ok {
				t.Errorf("got %v, %v after reopen, want true, nil", ok, err)
			}
		}
		s.Close()
	}
}

func TestPushRecordAndPermission(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStorage(t)

	if _, err := s.FetchPushRecord(ctx); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
	p, err := s.FetchPermission(ctx)
	if err != nil || p != model.PermissionDefault {
		t.Errorf("got %v, %v, want default, nil", p, err)
	}

	rec := &model.PushRecord{
		Endpoint:             "https://push.example/abc",
		P256dh:               "pub",
		Auth:                 "auth",
		PrivateKey:           "priv",
		ApplicationServerKey: "vapid",
		CreatedAt:            testStart,
	}
	if err := s.SavePushRecord(ctx, rec); err != nil {
		t.Fatalf("SavePushRecord: %v", err)
	}
	rec2 := *rec
	rec2.Endpoint = "https://push.example/def"
	if err := s.SavePushRecord(ctx, &rec2); err != nil {
		t.Fatalf("SavePushRecord again: %v", err)
	}
	got, err := s.FetchPushRecord(ctx)
	if err != nil {
		t.Fatalf("FetchPushRecord: %v", err)
	}
	if got.Endpoint != rec2.Endpoint || got.PrivateKey != "priv" || !got.CreatedAt.Equal(testStart) {
		t.Errorf("got %+v, want %+v", got, rec2)
	}

	if err := s.DeletePushRecord(ctx); err != nil {
		t.Fatalf("DeletePushRecord: %v", err)
	}
	if _, err := s.FetchPushRecord(ctx); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v after delete, want ErrNotFound", err)
	}

	for _, want := range []model.Permission{model.PermissionGranted, model.PermissionDenied} {
		if err := s.SavePermission(ctx, want); err != nil {
			t.Fatalf("SavePermission: %v", err)
		}
		got, err := s.FetchPermission(ctx)
		if err != nil || got != want {
			t.Errorf("got %v, %v, want %v, nil", got, err, want)
		}
	}
}

func TestSaveFailureRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	conn := dbutil.NewConnector(dbutil.DialectSQLite, func(ctx context.Context) (*sqlx.DB, error) {
		return sqlx.NewDb(db, dbutil.DialectSQLite), nil
	})
	s := &DBStorage{conn: conn, clock: ts.NewClock(clockwork.NewFakeClockAt(testStart))}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO saved_stories").WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	if err := s.SaveStory(context.Background(), &model.StoryRecord{ID: "s1"}); err == nil {
		t.Errorf("SaveStory succeeded, want error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
