package dbnotify

import (
	"context"
	"errors"
	"testing"
)

type fakeCache struct {
	invalidated []string
}

func (f *fakeCache) CacheInvalidate(_ context.Context, key string) {
	f.invalidated = append(f.invalidated, key)
}

type fakeFetcher struct {
	err error
}

func (f *fakeFetcher) Fetch(_ context.Context, id string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "fetched:" + id, nil
}

type fakeNotifier struct {
	updated []string
	deleted []string
}

func (f *fakeNotifier) NotifyUpdated(_ context.Context, m string) {
	f.updated = append(f.updated, m)
}

func (f *fakeNotifier) NotifyDeleted(_ context.Context, id string) {
	f.deleted = append(f.deleted, id)
}

func TestParseEvent(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    NotificationEvent
		wantErr bool
	}{
		{
			name:    "update",
			payload: `{"Table":"saved_stories","OnID":"story-1","Op":"UPDATE"}`,
			want:    NotificationEvent{Table: "saved_stories", OnID: "story-1", Op: OpUpdate},
		},
		{
			name:    "garbage",
			payload: `not json`,
			wantErr: true,
		},
		{
			name:    "missing id",
			payload: `{"Table":"saved_stories","Op":"DELETE"}`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseEvent(tt.payload)
			if tt.wantErr {
				if err == nil {
					t.Errorf("got %+v, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseEvent: %v", err)
			}
			if *got != tt.want {
				t.Errorf("got %+v, want %+v", *got, tt.want)
			}
		})
	}
}

func TestChangeDispatcherConsume(t *testing.T) {
	ctx := context.Background()

	t.Run("update", func(t *testing.T) {
		cache, notifier := &fakeCache{}, &fakeNotifier{}
		cd := NewChangeDispatcher[string]("saved_stories", notifier, cache, &fakeFetcher{})
		cd.Consume(ctx, &NotificationEvent{Table: "saved_stories", OnID: "a", Op: OpUpdate})
		if len(cache.invalidated) != 1 || cache.invalidated[0] != "a" {
			t.Errorf("got invalidated %v, want [a]", cache.invalidated)
		}
		if len(notifier.updated) != 1 || notifier.updated[0] != "fetched:a" {
			t.Errorf("got updated %v, want [fetched:a]", notifier.updated)
		}
	})

	t.Run("delete", func(t *testing.T) {
		cache, notifier := &fakeCache{}, &fakeNotifier{}
		cd := NewChangeDispatcher[string]("saved_stories", notifier, cache, &fakeFetcher{})
		cd.Consume(ctx, &NotificationEvent{Table: "saved_stories", OnID: "b", Op: OpDelete})
		if len(notifier.deleted) != 1 || len(notifier.updated) != 0 {
			t.Errorf("got deleted %v updated %v, want [b] []", notifier.deleted, notifier.updated)
		}
	})

	t.Run("fetch fails", func(t *testing.T) {
		cache, notifier := &fakeCache{}, &fakeNotifier{}
		cd := NewChangeDispatcher[string]("saved_stories", notifier, cache, &fakeFetcher{err: errors.New("gone")})
		cd.Consume(ctx, &NotificationEvent{Table: "saved_stories", OnID: "c", Op: OpInsert})
		if len(cache.invalidated) != 1 {
			t.Errorf("cache not invalidated")
		}
		if len(notifier.updated) != 0 {
			t.Errorf("got updated %v, want none", notifier.updated)
		}
	})

	t.Run("no notifier", func(t *testing.T) {
		cache := &fakeCache{}
		cd := NewChangeDispatcher[string]("saved_stories", nil, cache, &fakeFetcher{})
		cd.Consume(ctx, &NotificationEvent{Table: "saved_stories", OnID: "d", Op: OpUpdate})
		if len(cache.invalidated) != 1 {
			t.Errorf("cache not invalidated")
		}
	})
}

func TestDuplicateConsumer(t *testing.T) {
	a := NewChangeDispatcher[string]("saved_stories", nil, &fakeCache{}, &fakeFetcher{})
	b := NewChangeDispatcher[string]("saved_stories", nil, &fakeCache{}, &fakeFetcher{})
	if _, err := NewDBNotifyListener(nil, a, b); err == nil {
		t.Errorf("duplicate consumers accepted")
	}
}
