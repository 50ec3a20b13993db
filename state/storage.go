package state

// package state manages persistence.

import (
	"context"
	"errors"
	"time"

	"github.com/ts4z/storyline/model"
)

// ErrNotFound is returned when a keyed fetch finds nothing.
var ErrNotFound = errors.New("not found")

type Closer interface {
	Close()
}

// StoryStorage is the saved-story collection.  Every call is its own
// transaction; concurrent writes to one id are last-write-wins.
type StoryStorage interface {
	Closer

	SaveStory(ctx context.Context, r *model.StoryRecord) error
	StoryExists(ctx context.Context, id string) (bool, error)
	FetchStories(ctx context.Context) ([]*model.StoryRecord, error)
	FetchStoriesSavedSince(ctx context.Context, since time.Time) ([]*model.StoryRecord, error)
	FetchStoryByID(ctx context.Context, id string) (*model.StoryRecord, error)
	DeleteStory(ctx context.Context, id string) error
	CountStories(ctx context.Context) (int, error)
}

// PushStorage keeps the single local push subscription and the user's
// notification permission decision.
type PushStorage interface {
	Closer

	FetchPushRecord(ctx context.Context) (*model.PushRecord, error)
	SavePushRecord(ctx context.Context, r *model.PushRecord) error
	DeletePushRecord(ctx context.Context) error

	FetchPermission(ctx context.Context) (model.Permission, error)
	SavePermission(ctx context.Context, p model.Permission) error
}

// CacheStorage holds named cache generations of response snapshots.
type CacheStorage interface {
	Closer

	Generations(ctx context.Context) ([]string, error)
	Match(ctx context.Context, generation, key string) (*model.ResponseSnapshot, error)
	Put(ctx context.Context, generation, key string, s *model.ResponseSnapshot) error
	// PutAll writes every snapshot or none of them.
	PutAll(ctx context.Context, generation string, snapshots map[string]*model.ResponseSnapshot) error
	DeleteGeneration(ctx context.Context, generation string) error
}
