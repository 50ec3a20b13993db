// Package session keeps the logged in user's API token in a file under the
// data directory, signed and encrypted with securecookie.
//
// The push manager reads the bearer token from here rather than having it
// passed in.
package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gorilla/securecookie"

	"github.com/ts4z/storyline/model"
)

const sessionName = "storyline-session"

var ErrNoSession = errors.New("not logged in")

type Store struct {
	path string
	sc   *securecookie.SecureCookie
	mu   sync.Mutex
}

// Open returns a store writing to path.  hashKey64 and blockKey64 are
// standard base64; when both are empty, keys are generated once and kept in
// path + ".keys".
func Open(path, hashKey64, blockKey64 string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("session path is required")
	}
	var hashKey, blockKey []byte
	var err error
	if hashKey64 == "" && blockKey64 == "" {
		hashKey, blockKey, err = loadOrCreateKeys(path + ".keys")
	} else {
		hashKey, blockKey, err = decodeKeys(hashKey64, blockKey64)
	}
	if err != nil {
		return nil, err
	}
	return &Store{path: path, sc: securecookie.New(hashKey, blockKey)}, nil
}

func decodeKeys(hashKey64, blockKey64 string) ([]byte, []byte, error) {
	hashKey, err := base64.StdEncoding.DecodeString(hashKey64)
	if err != nil {
		return nil, nil, fmt.Errorf("bad session hash key: %w", err)
	}
	blockKey, err := base64.StdEncoding.DecodeString(blockKey64)
	if err != nil {
		return nil, nil, fmt.Errorf("bad session block key: %w", err)
	}
	return hashKey, blockKey, nil
}

func loadOrCreateKeys(path string) ([]byte, []byte, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		parts := strings.Fields(string(b))
		if len(parts) != 2 {
			return nil, nil, fmt.Errorf("can't parse %s", path)
		}
		return decodeKeys(parts[0], parts[1])
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, nil, err
	}

	hashKey := securecookie.GenerateRandomKey(64)
	blockKey := securecookie.GenerateRandomKey(32)
	if hashKey == nil || blockKey == nil {
		return nil, nil, errors.New("can't generate session keys")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, nil, err
	}
	content := base64.StdEncoding.EncodeToString(hashKey) + "\n" + base64.StdEncoding.EncodeToString(blockKey) + "\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return nil, nil, fmt.Errorf("can't write session keys: %w", err)
	}
	return hashKey, blockKey, nil
}

func (s *Store) Load() (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, err
	}
	sess := &model.Session{}
	if err := s.sc.Decode(sessionName, strings.TrimSpace(string(b)), sess); err != nil {
		return nil, fmt.Errorf("can't decode session: %w", err)
	}
	if sess.Token == "" {
		return nil, ErrNoSession
	}
	return sess, nil
}

func (s *Store) Save(sess *model.Session) error {
	encoded, err := s.sc.Encode(sessionName, sess)
	if err != nil {
		return fmt.Errorf("can't encode session: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(s.path, []byte(encoded), 0o600)
}

// Clear logs out.  It is not an error to be logged out already.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Token implements storyapi.TokenSource.
func (s *Store) Token(context.Context) (string, error) {
	sess, err := s.Load()
	if err != nil {
		return "", err
	}
	return sess.Token, nil
}
