package gossip

import (
	"context"
	"time"

	"github.com/ts4z/storyline/dep"
	"github.com/ts4z/storyline/model"
	"github.com/ts4z/storyline/state"
	"github.com/ts4z/storyline/varz"
)

var (
	gossipedUpdates = varz.NewInt("gossipedUpdates")
	gossipedDeletes = varz.NewInt("gossipedDeletes")
)

// StoryStorage intercepts writes and tells the notifier once they have
// committed.
//
// (If the database is notifying back, this is at best an optimization and
// windows may hear about a change twice.  Commands are idempotent, so that's
// fine.)
type StoryStorage struct {
	next     state.StoryStorage
	notifier Notifier
}

func NewStoryStorage(storage state.StoryStorage, n Notifier) *StoryStorage {
	return &StoryStorage{
		next:     dep.Required(storage),
		notifier: dep.Required(n),
	}
}

var _ state.StoryStorage = (*StoryStorage)(nil)

func (s *StoryStorage) Close() {
	s.next.Close()
}

func (s *StoryStorage) SaveStory(ctx context.Context, r *model.StoryRecord) error {
	if err := s.next.SaveStory(ctx, r); err != nil {
		return err
	}
	gossipedUpdates.Add(1)
	s.notifier.NotifyUpdated(ctx, r.Clone())
	return nil
}

func (s *StoryStorage) DeleteStory(ctx context.Context, id string) error {
	if err := s.next.DeleteStory(ctx, id); err != nil {
		return err
	}
	gossipedDeletes.Add(1)
	s.notifier.NotifyDeleted(ctx, id)
	return nil
}

func (s *StoryStorage) StoryExists(ctx context.Context, id string) (bool, error) {
	return s.next.StoryExists(ctx, id)
}

func (s *StoryStorage) FetchStories(ctx context.Context) ([]*model.StoryRecord, error) {
	return s.next.FetchStories(ctx)
}

func (s *StoryStorage) FetchStoriesSavedSince(ctx context.Context, since time.Time) ([]*model.StoryRecord, error) {
	return s.next.FetchStoriesSavedSince(ctx, since)
}

func (s *StoryStorage) FetchStoryByID(ctx context.Context, id string) (*model.StoryRecord, error) {
	return s.next.FetchStoryByID(ctx, id)
}

func (s *StoryStorage) CountStories(ctx context.Context) (int, error) {
	return s.next.CountStories(ctx)
}
