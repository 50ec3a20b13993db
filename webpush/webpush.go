// Package webpush implements the message encryption used by Web Push
// (RFC 8291 over the aes128gcm content coding of RFC 8188).
package webpush

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	saltLen    = 16
	authLen    = 16
	keyLen     = 16
	nonceLen   = 12
	tagLen     = 16
	headerLen  = saltLen + 4 + 1
	pubKeyLen  = 65
	DefaultRS  = 4096
	minRS      = 18
	lastRecord = 0x02
	moreRecord = 0x01
)

var (
	ErrMalformed = errors.New("malformed aes128gcm message")
	ErrTooLarge  = errors.New("message too large for one record")
)

// Keys is what a user agent keeps for one subscription.
type Keys struct {
	Private *ecdh.PrivateKey
	Auth    []byte
}

// GenerateKeys makes a fresh P-256 key pair and auth secret.
func GenerateKeys() (*Keys, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate p256 key: %w", err)
	}
	auth := make([]byte, authLen)
	if _, err := rand.Read(auth); err != nil {
		return nil, fmt.Errorf("generate auth secret: %w", err)
	}
	return &Keys{Private: priv, Auth: auth}, nil
}

// P256dh is the public key, uncompressed, base64url without padding.
func (k *Keys) P256dh() string {
	return Encode(k.Private.PublicKey().Bytes())
}

func (k *Keys) AuthString() string {
	return Encode(k.Auth)
}

func (k *Keys) PrivateString() string {
	return Encode(k.Private.Bytes())
}

// ParseKeys reverses PrivateString and AuthString.
func ParseKeys(private, auth string) (*Keys, error) {
	raw, err := Decode(private)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	priv, err := ecdh.P256().NewPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	a, err := Decode(auth)
	if err != nil {
		return nil, fmt.Errorf("decode auth: %w", err)
	}
	if len(a) != authLen {
		return nil, fmt.Errorf("auth secret is %d bytes, want %d", len(a), authLen)
	}
	return &Keys{Private: priv, Auth: a}, nil
}

// ParsePublicKey decodes a base64url uncompressed P-256 point.
func ParsePublicKey(s string) (*ecdh.PublicKey, error) {
	raw, err := Decode(s)
	if err != nil {
		return nil, err
	}
	return ecdh.P256().NewPublicKey(raw)
}

func Encode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// Decode accepts base64url with or without padding.
func Decode(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(trimPadding(s))
}

func trimPadding(s string) string {
	for len(s) > 0 && s[len(s)-1] == '=' {
		s = s[:len(s)-1]
	}
	return s
}

func keyInfo(uaPublic, asPublic []byte) []byte {
	info := make([]byte, 0, 14+2*pubKeyLen)
	info = append(info, "WebPush: info\x00"...)
	info = append(info, uaPublic...)
	return append(info, asPublic...)
}

func deriveKeys(secret, auth, uaPublic, asPublic, salt []byte) (cek, nonce []byte, err error) {
	ikm := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, auth, keyInfo(uaPublic, asPublic)), ikm); err != nil {
		return nil, nil, err
	}
	prk := hkdf.Extract(sha256.New, ikm, salt)
	cek = make([]byte, keyLen)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, prk, []byte("Content-Encoding: aes128gcm\x00")), cek); err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, nonceLen)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, prk, []byte("Content-Encoding: nonce\x00")), nonce); err != nil {
		return nil, nil, err
	}
	return cek, nonce, nil
}

func recordNonce(base []byte, seq uint64) []byte {
	n := bytes.Clone(base)
	var s [8]byte
	binary.BigEndian.PutUint64(s[:], seq)
	for i := 0; i < 8; i++ {
		n[nonceLen-8+i] ^= s[i]
	}
	return n
}

// Decrypt opens a message addressed to k.
func Decrypt(k *Keys, body []byte) ([]byte, error) {
	if len(body) < headerLen {
		return nil, ErrMalformed
	}
	salt := body[:saltLen]
	rs := binary.BigEndian.Uint32(body[saltLen : saltLen+4])
	idlen := int(body[saltLen+4])
	if rs < minRS || len(body) < headerLen+idlen {
		return nil, ErrMalformed
	}
	asPublicRaw := body[headerLen : headerLen+idlen]
	asPublic, err := ecdh.P256().NewPublicKey(asPublicRaw)
	if err != nil {
		return nil, fmt.Errorf("%w: sender key: %v", ErrMalformed, err)
	}
	secret, err := k.Private.ECDH(asPublic)
	if err != nil {
		return nil, err
	}
	cek, baseNonce, err := deriveKeys(secret, k.Auth, k.Private.PublicKey().Bytes(), asPublicRaw, salt)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(cek)
	if err != nil {
		return nil, err
	}

	records := body[headerLen+idlen:]
	if len(records) == 0 {
		return nil, ErrMalformed
	}
	var out []byte
	for seq := uint64(0); len(records) > 0; seq++ {
		n := min(int(rs), len(records))
		chunk := records[:n]
		records = records[n:]

		plain, err := gcm.Open(nil, recordNonce(baseNonce, seq), chunk, nil)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", seq, err)
		}
		data, delim, err := unpad(plain)
		if err != nil {
			return nil, err
		}
		last := len(records) == 0
		if (delim == lastRecord) != last {
			return nil, fmt.Errorf("%w: record %d has delimiter %#x", ErrMalformed, seq, delim)
		}
		out = append(out, data...)
	}
	return out, nil
}

func unpad(plain []byte) ([]byte, byte, error) {
	i := len(plain) - 1
	for i >= 0 && plain[i] == 0 {
		i--
	}
	if i < 0 {
		return nil, 0, fmt.Errorf("%w: no padding delimiter", ErrMalformed)
	}
	d := plain[i]
	if d != lastRecord && d != moreRecord {
		return nil, 0, fmt.Errorf("%w: bad padding delimiter %#x", ErrMalformed, d)
	}
	return plain[:i], d, nil
}

func newGCM(cek []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(cek)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext for the subscription (uaPublic, auth) as a
// single record, the way a push sender would.
func Encrypt(uaPublic *ecdh.PublicKey, auth, plaintext []byte) ([]byte, error) {
	if len(plaintext)+1+tagLen > DefaultRS {
		return nil, ErrTooLarge
	}
	as, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	secret, err := as.ECDH(uaPublic)
	if err != nil {
		return nil, err
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	asPublic := as.PublicKey().Bytes()
	cek, nonce, err := deriveKeys(secret, auth, uaPublic.Bytes(), asPublic, salt)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(cek)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Write(salt)
	binary.Write(&buf, binary.BigEndian, uint32(DefaultRS))
	buf.WriteByte(byte(len(asPublic)))
	buf.Write(asPublic)

	record := append(bytes.Clone(plaintext), lastRecord)
	buf.Write(gcm.Seal(nil, recordNonce(nonce, 0), record, nil))
	return buf.Bytes(), nil
}
