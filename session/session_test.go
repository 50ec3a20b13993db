package session

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/gorilla/securecookie"

	"github.com/ts4z/storyline/model"
)

func TestSaveLoadClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session")
	s, err := Open(path, "", "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := s.Token(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Errorf("got %v before login, want ErrNoSession", err)
	}

	want := &model.Session{UserID: "user-1", Name: "Ani", Token: "tok"}
	if err := s.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// A second store over the same files sees the session.
	s2, err := Open(path, "", "")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := s2.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if *got != *want {
		t.Errorf("got %+v, want %+v", got, want)
	}
	tok, err := s2.Token(context.Background())
	if err != nil || tok != "tok" {
		t.Errorf("got %q, %v, want tok, nil", tok, err)
	}

	if err := s2.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if err := s2.Clear(); err != nil {
		t.Errorf("second Clear: %v", err)
	}
	if _, err := s.Load(); !errors.Is(err, ErrNoSession) {
		t.Errorf("got %v after Clear, want ErrNoSession", err)
	}
}

func TestTamperedSessionRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session")
	s, err := Open(path, "", "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := os.WriteFile(path, []byte("forged"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(); err == nil || errors.Is(err, ErrNoSession) {
		t.Errorf("got %v, want decode error", err)
	}
}

func TestExplicitKeys(t *testing.T) {
	hash := base64.StdEncoding.EncodeToString(securecookie.GenerateRandomKey(32))
	block := base64.StdEncoding.EncodeToString(securecookie.GenerateRandomKey(16))
	path := filepath.Join(t.TempDir(), "session")

	s, err := Open(path, hash, block)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Save(&model.Session{Token: "x"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(path + ".keys"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("key file written despite explicit keys")
	}

	if _, err := Open(path, "!!", block); err == nil {
		t.Errorf("Open accepted a bad hash key")
	}
}
