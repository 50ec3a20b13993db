// Package localstore is what the UI side sees of saved stories.  Storage
// failures stop here: they are logged and reported as false or an empty
// result, never returned.
package localstore

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/ts4z/storyline/dep"
	"github.com/ts4z/storyline/model"
	"github.com/ts4z/storyline/state"
	"github.com/ts4z/storyline/varz"
)

var (
	storeFailures = varz.NewInt("storeFailures")
)

type Store struct {
	storage state.StoryStorage
}

func New(storage state.StoryStorage) *Store {
	return &Store{storage: dep.Required(storage)}
}

// Save upserts r.  Saving an existing id overwrites it.
func (s *Store) Save(ctx context.Context, r *model.StoryRecord) bool {
	if err := s.storage.SaveStory(ctx, r); err != nil {
		storeFailures.Add(1)
		log.Printf("can't save story %q: %v", r.ID, err)
		return false
	}
	return true
}

func (s *Store) Exists(ctx context.Context, id string) bool {
	ok, err := s.storage.StoryExists(ctx, id)
	if err != nil {
		storeFailures.Add(1)
		log.Printf("can't check story %q: %v", id, err)
		return false
	}
	return ok
}

// All returns every saved record, or an empty slice if the store can't be
// read.
func (s *Store) All(ctx context.Context) []*model.StoryRecord {
	rs, err := s.storage.FetchStories(ctx)
	if err != nil {
		storeFailures.Add(1)
		log.Printf("can't list stories: %v", err)
		return []*model.StoryRecord{}
	}
	return rs
}

func (s *Store) SavedSince(ctx context.Context, since time.Time) []*model.StoryRecord {
	rs, err := s.storage.FetchStoriesSavedSince(ctx, since)
	if err != nil {
		storeFailures.Add(1)
		log.Printf("can't list stories since %v: %v", since, err)
		return []*model.StoryRecord{}
	}
	return rs
}

// ByID reports false when the record is absent or can't be read.
func (s *Store) ByID(ctx context.Context, id string) (*model.StoryRecord, bool) {
	r, err := s.storage.FetchStoryByID(ctx, id)
	if errors.Is(err, state.ErrNotFound) {
		return nil, false
	}
	if err != nil {
		storeFailures.Add(1)
		log.Printf("can't fetch story %q: %v", id, err)
		return nil, false
	}
	return r, true
}

// Delete removes id.  Deleting an id that isn't there still succeeds.
func (s *Store) Delete(ctx context.Context, id string) bool {
	if err := s.storage.DeleteStory(ctx, id); err != nil {
		storeFailures.Add(1)
		log.Printf("can't delete story %q: %v", id, err)
		return false
	}
	return true
}

func (s *Store) Count(ctx context.Context) int {
	n, err := s.storage.CountStories(ctx)
	if err != nil {
		storeFailures.Add(1)
		log.Printf("can't count stories: %v", err)
		return 0
	}
	return n
}
