package webpush

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	k, err := GenerateKeys()
	if err != nil {
		t.Fatalf("GenerateKeys: %v", err)
	}
	tests := []struct {
		name      string
		plaintext []byte
	}{
		{"json", []byte(`{"title":"Story baru","options":{"body":"ada story"}}`)},
		{"text", []byte("When I grow up, I want to be a watermelon")},
		{"empty", []byte{}},
		{"trailing zeros", []byte{'a', 0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Encrypt(k.Private.PublicKey(), k.Auth, tt.plaintext)
			if err != nil {
				t.Fatalf("Encrypt: %v", err)
			}
			if rs := binary.BigEndian.Uint32(msg[16:20]); rs != DefaultRS {
				t.Errorf("got rs %d, want %d", rs, DefaultRS)
			}
			if msg[20] != 65 {
				t.Errorf("got idlen %d, want 65", msg[20])
			}
			got, err := Decrypt(k, msg)
			if err != nil {
				t.Fatalf("Decrypt: %v", err)
			}
			if !bytes.Equal(got, tt.plaintext) {
				t.Errorf("got %q, want %q", got, tt.plaintext)
			}
		})
	}
}

func TestKeysSurviveEncoding(t *testing.T) {
	k, err := GenerateKeys()
	if err != nil {
		t.Fatalf("GenerateKeys: %v", err)
	}
	k2, err := ParseKeys(k.PrivateString(), k.AuthString()+"==")
	if err != nil {
		t.Fatalf("ParseKeys: %v", err)
	}
	if k2.P256dh() != k.P256dh() {
		t.Errorf("got public %s, want %s", k2.P256dh(), k.P256dh())
	}
	pub, err := ParsePublicKey(k.P256dh())
	if err != nil {
		t.Fatalf("ParsePublicKey: %v", err)
	}
	msg, err := Encrypt(pub, k.Auth, []byte("hi"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	got, err := Decrypt(k2, msg)
	if err != nil || string(got) != "hi" {
		t.Errorf("got %q, %v, want hi, nil", got, err)
	}
}

func TestDecryptRejects(t *testing.T) {
	k, _ := GenerateKeys()
	other, _ := GenerateKeys()
	msg, err := Encrypt(k.Private.PublicKey(), k.Auth, []byte("secret"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	t.Run("wrong recipient", func(t *testing.T) {
		if _, err := Decrypt(other, msg); err == nil {
			t.Errorf("decrypted with the wrong key")
		}
	})
	t.Run("wrong auth", func(t *testing.T) {
		wrong := &Keys{Private: k.Private, Auth: other.Auth}
		if _, err := Decrypt(wrong, msg); err == nil {
			t.Errorf("decrypted with the wrong auth secret")
		}
	})
	t.Run("tampered", func(t *testing.T) {
		bad := bytes.Clone(msg)
		bad[len(bad)-1] ^= 0xff
		if _, err := Decrypt(k, bad); err == nil {
			t.Errorf("decrypted a tampered message")
		}
	})
	t.Run("short", func(t *testing.T) {
		if _, err := Decrypt(k, msg[:10]); !errors.Is(err, ErrMalformed) {
			t.Errorf("got %v, want ErrMalformed", err)
		}
	})
	t.Run("no records", func(t *testing.T) {
		if _, err := Decrypt(k, msg[:21+65]); !errors.Is(err, ErrMalformed) {
			t.Errorf("got %v, want ErrMalformed", err)
		}
	})
}

func TestEncryptTooLarge(t *testing.T) {
	k, _ := GenerateKeys()
	if _, err := Encrypt(k.Private.PublicKey(), k.Auth, make([]byte, DefaultRS)); !errors.Is(err, ErrTooLarge) {
		t.Errorf("got %v, want ErrTooLarge", err)
	}
}
