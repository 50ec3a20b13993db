package dbcache

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ts4z/storyline/model"
	"github.com/ts4z/storyline/state"
	"github.com/ts4z/storyline/varz"
)

var (
	storyStorageCacheHits          = varz.NewInt("storyStorageCacheHits")
	storyStorageCacheMisses        = varz.NewInt("storyStorageCacheMisses")
	storyStorageCacheInvalidations = varz.NewInt("storyStorageCacheInvalidations")
	storyStorageStaleFills         = varz.NewInt("storyStorageStaleFills")
)

// StoryStorage keeps recently read records in memory.  Only FetchStoryByID
// is served from the cache; listing always goes to the store.
type StoryStorage struct {
	cache *lru.Cache[string, *model.StoryRecord]
	lock  sync.Mutex
	next  state.StoryStorage
	// writes counts invalidations.  A fill whose read began before an
	// invalidation may hold the pre-write row and is dropped.
	writes uint64
}

var _ state.StoryStorage = &StoryStorage{}

func NewStoryStorage(size int, nx state.StoryStorage) *StoryStorage {
	cache, err := lru.New[string, *model.StoryRecord](size)
	if err != nil {
		panic(err)
	}
	return &StoryStorage{
		cache: cache,
		next:  nx,
	}
}

func (s *StoryStorage) Close() {
	s.cache.Purge()
	s.next.Close()
}

// CacheInvalidate drops id.  dbnotify calls this for writes made by other
// processes.
func (s *StoryStorage) CacheInvalidate(_ context.Context, id string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.writes++
	if s.cache.Remove(id) {
		storyStorageCacheInvalidations.Add(1)
	}
}

// Fetch is FetchStoryByID under the name dbnotify expects.
func (s *StoryStorage) Fetch(ctx context.Context, id string) (*model.StoryRecord, error) {
	return s.FetchStoryByID(ctx, id)
}

func (s *StoryStorage) FetchStoryByID(ctx context.Context, id string) (*model.StoryRecord, error) {
	s.lock.Lock()
	r, ok := s.cache.Get(id)
	seen := s.writes
	s.lock.Unlock()
	if ok {
		storyStorageCacheHits.Add(1)
		return r.Clone(), nil
	}

	storyStorageCacheMisses.Add(1)

	r, err := s.next.FetchStoryByID(ctx, id)
	if err == nil {
		s.lock.Lock()
		if s.writes == seen {
			s.cache.Add(id, r.Clone())
		} else {
			storyStorageStaleFills.Add(1)
		}
		s.lock.Unlock()
	}
	return r, err
}

// SaveStory drops the cached copy rather than caching r, since the store
// may stamp timestamps r doesn't carry.
func (s *StoryStorage) SaveStory(ctx context.Context, r *model.StoryRecord) error {
	err := s.next.SaveStory(ctx, r)
	s.CacheInvalidate(ctx, r.ID)
	return err
}

func (s *StoryStorage) DeleteStory(ctx context.Context, id string) error {
	err := s.next.DeleteStory(ctx, id)
	s.CacheInvalidate(ctx, id)
	return err
}

func (s *StoryStorage) StoryExists(ctx context.Context, id string) (bool, error) {
	s.lock.Lock()
	ok := s.cache.Contains(id)
	s.lock.Unlock()
	if ok {
		return true, nil
	}
	return s.next.StoryExists(ctx, id)
}

func (s *StoryStorage) FetchStories(ctx context.Context) ([]*model.StoryRecord, error) {
	return s.next.FetchStories(ctx)
}

func (s *StoryStorage) FetchStoriesSavedSince(ctx context.Context, since time.Time) ([]*model.StoryRecord, error) {
	return s.next.FetchStoriesSavedSince(ctx, since)
}

func (s *StoryStorage) CountStories(ctx context.Context) (int, error) {
	return s.next.CountStories(ctx)
}
