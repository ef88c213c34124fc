// Package codec implements the length-prefixed JSON framing used by the
// control plane, plaintext before authentication and AES-GCM sealed after.
//
// Wire frame: a 4-byte big-endian length N followed by N bytes of payload.
// Grounded on original_source/server/protocol.py's
// struct.pack("!I", len(data)) framing.
package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame to guard against a peer claiming an
// absurd length and exhausting memory before the payload even arrives.
const MaxFrameSize = 32 * 1024 * 1024

var (
	// ErrFrameTooLarge is returned when a peer's declared frame length
	// exceeds MaxFrameSize. Fatal for the connection.
	ErrFrameTooLarge = errors.New("codec: frame exceeds maximum size")
	// ErrShortCiphertext is returned when a secure frame is too short to
	// contain a nonce.
	ErrShortCiphertext = errors.New("codec: ciphertext shorter than nonce")
)

// ReadFrame reads one length-prefixed frame's raw bytes from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteFrame writes one length-prefixed frame to w.
func WriteFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadPlain reads a plaintext JSON frame into v.
func ReadPlain(r io.Reader, v any) error {
	buf, err := ReadFrame(r)
	if err != nil {
		return err
	}
	return json.Unmarshal(buf, v)
}

// WritePlain marshals v as JSON and writes it as a plaintext frame.
func WritePlain(w io.Writer, v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return WriteFrame(w, buf)
}

// ReadSecure reads an AES-GCM sealed frame (nonce(12) || ciphertext+tag)
// and unmarshals the decrypted plaintext JSON into v. An AEAD verification
// failure is fatal for the connection per the spec's error taxonomy.
func ReadSecure(r io.Reader, key []byte, v any) error {
	buf, err := ReadFrame(r)
	if err != nil {
		return err
	}
	plain, err := Open(key, buf)
	if err != nil {
		return err
	}
	return json.Unmarshal(plain, v)
}

// WriteSecure marshals v as JSON, seals it with AES-GCM under key, and
// writes the sealed frame (nonce || ciphertext+tag).
func WriteSecure(w io.Writer, key []byte, v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	sealed, err := Seal(key, buf)
	if err != nil {
		return err
	}
	return WriteFrame(w, sealed)
}

// Seal encrypts plaintext under key with AES-GCM and a fresh random nonce,
// returning nonce || ciphertext+tag. No associated data is used.
func Seal(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("codec: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("codec: new gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("codec: read nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open reverses Seal: it splits the leading nonce from sealed and decrypts
// the remainder under key.
func Open(key, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("codec: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("codec: new gcm: %w", err)
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, ErrShortCiphertext
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
