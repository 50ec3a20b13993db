// Package generations stores cache generations in a bbolt file, one bucket
// per generation name, keyed by request URL.
package generations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/ts4z/storyline/model"
	"github.com/ts4z/storyline/state"
)

type Store struct {
	db *bbolt.DB
}

var _ state.CacheStorage = &Store{}

// Open opens (creating if needed) the generation file at path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("generations path is required")
	}
	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open generations db: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
	s.db = nil
}

// Generations lists every generation name, sorted.
func (s *Store) Generations(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var names []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			names = append(names, string(name))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// Match returns the snapshot stored under key, or state.ErrNotFound.
func (s *Store) Match(ctx context.Context, generation, key string) (*model.ResponseSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var snap model.ResponseSnapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(generation))
		if bucket == nil {
			return state.ErrNotFound
		}
		payload := bucket.Get([]byte(key))
		if payload == nil {
			return state.ErrNotFound
		}
		if err := json.Unmarshal(payload, &snap); err != nil {
			return fmt.Errorf("unmarshal snapshot %s: %w", key, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *Store) Put(ctx context.Context, generation, key string, snap *model.ResponseSnapshot) error {
	return s.PutAll(ctx, generation, map[string]*model.ResponseSnapshot{key: snap})
}

// PutAll writes every snapshot in one transaction, creating the generation
// if needed.
func (s *Store) PutAll(ctx context.Context, generation string, snapshots map[string]*model.ResponseSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(generation) == "" {
		return fmt.Errorf("generation name is required")
	}
	payloads := make(map[string][]byte, len(snapshots))
	for key, snap := range snapshots {
		payload, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("marshal snapshot %s: %w", key, err)
		}
		payloads[key] = payload
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(generation))
		if err != nil {
			return fmt.Errorf("create generation %s: %w", generation, err)
		}
		for key, payload := range payloads {
			if err := bucket.Put([]byte(key), payload); err != nil {
				return fmt.Errorf("put %s: %w", key, err)
			}
		}
		return nil
	})
}

// DeleteGeneration drops a whole generation.  Missing generations are fine.
func (s *Store) DeleteGeneration(ctx context.Context, generation string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		err := tx.DeleteBucket([]byte(generation))
		if errors.Is(err, bbolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}
