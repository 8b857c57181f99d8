// Package kms implements the key-management service: AES-256-GCM
// envelope encryption under a 32-byte master key, and Ed25519 signing
// with rotating keys persisted on disk.
//
// On-disk layout, one pair of files per signing key:
//
//	<id>.key.enc  encrypted private key seed (nonce(12) || ciphertext+tag)
//	<id>.pub      32-byte raw Ed25519 public key
//
// Key ids carry a non-decreasing unix timestamp ("key-v<ts>"); the
// lexicographically largest id is current. Key material is append-only
// so that signatures from before any number of rotations still verify.
package kms

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"
)

// ErrInvalidCiphertext is returned when an authentication tag does not
// verify or a blob is structurally malformed.
var ErrInvalidCiphertext = errors.New("kms: invalid ciphertext")

const (
	nonceSize = 12
	dekSize   = 32
)

// KMS holds the master key, the AEAD built from it, and the in-memory
// signing key cache. Safe for concurrent use.
type KMS struct {
	master  []byte
	aead    cipher.AEAD
	dir     string
	clock   clockwork.Clock
	mu      sync.RWMutex
	signers map[string]ed25519.PrivateKey
	pubs    map[string]ed25519.PublicKey
	current string
}

// New initializes the KMS from a 32-byte master key and a signing-keys
// directory. An empty directory gets an initial key pair; otherwise all
// on-disk keys are loaded and the largest id becomes current.
func New(masterKey []byte, dir string, clock clockwork.Clock) (*KMS, error) {
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("master key must be exactly 32 bytes, got %d", len(masterKey))
	}
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create signing keys dir: %w", err)
	}

	k := &KMS{
		master:  append([]byte(nil), masterKey...),
		aead:    aead,
		dir:     dir,
		clock:   clock,
		signers: make(map[string]ed25519.PrivateKey),
		pubs:    make(map[string]ed25519.PublicKey),
	}
	if err := k.loadOrCreate(); err != nil {
		return nil, err
	}
	return k, nil
}

func (k *KMS) loadOrCreate() error {
	entries, err := os.ReadDir(k.dir)
	if err != nil {
		return fmt.Errorf("read signing keys dir: %w", err)
	}

	var ids []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, ".key.enc") {
			ids = append(ids, strings.TrimSuffix(name, ".key.enc"))
		}
	}

	if len(ids) == 0 {
		_, err := k.createKey()
		return err
	}

	sort.Strings(ids)
	for _, id := range ids {
		if err := k.loadKey(id); err != nil {
			return err
		}
	}
	k.current = ids[len(ids)-1]
	return nil
}

func (k *KMS) createKey() (string, error) {
	id := fmt.Sprintf("key-v%d", k.clock.Now().Unix())
	// Rotating twice within one second must not collide or go backwards.
	for {
		if _, exists := k.signers[id]; !exists {
			break
		}
		var ts int64
		fmt.Sscanf(id, "key-v%d", &ts)
		id = fmt.Sprintf("key-v%d", ts+1)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate signing key: %w", err)
	}

	enc, err := k.seal(priv.Seed())
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(k.dir, id+".key.enc"), enc, 0o600); err != nil {
		return "", fmt.Errorf("write encrypted key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(k.dir, id+".pub"), pub, 0o644); err != nil {
		return "", fmt.Errorf("write public key: %w", err)
	}

	k.signers[id] = priv
	k.pubs[id] = pub
	k.current = id
	return id, nil
}

func (k *KMS) loadKey(id string) error {
	enc, err := os.ReadFile(filepath.Join(k.dir, id+".key.enc"))
	if err != nil {
		return fmt.Errorf("read encrypted key %s: %w", id, err)
	}
	seed, err := k.open(enc)
	if err != nil {
		return fmt.Errorf("decrypt signing key %s: %w", id, err)
	}
	if len(seed) != ed25519.SeedSize {
		return fmt.Errorf("signing key %s has invalid seed length %d", id, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	k.signers[id] = priv
	k.pubs[id] = priv.Public().(ed25519.PublicKey)
	return nil
}

// seal encrypts plaintext under the master key: nonce(12) || ct+tag.
func (k *KMS) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return append(nonce, k.aead.Seal(nil, nonce, plaintext, nil)...), nil
}

// open is the inverse of seal.
func (k *KMS) open(blob []byte) ([]byte, error) {
	if len(blob) < nonceSize+k.aead.Overhead() {
		return nil, ErrInvalidCiphertext
	}
	plaintext, err := k.aead.Open(nil, blob[:nonceSize], blob[nonceSize:], nil)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}

// Wrap encrypts a data-encryption key under the master key.
func (k *KMS) Wrap(dek []byte) ([]byte, error) {
	return k.seal(dek)
}

// Unwrap decrypts a wrapped DEK. Returns ErrInvalidCiphertext if the
// tag does not verify.
func (k *KMS) Unwrap(blob []byte) ([]byte, error) {
	return k.open(blob)
}

// EnvelopeEncrypt encrypts plaintext with a fresh 32-byte DEK and wraps
// the DEK. Layout: u16-be wrapped-len || wrapped-dek || nonce(12) || ct.
func (k *KMS) EnvelopeEncrypt(plaintext []byte) ([]byte, error) {
	dek := make([]byte, dekSize)
	if _, err := rand.Read(dek); err != nil {
		return nil, fmt.Errorf("generate dek: %w", err)
	}

	block, err := aes.NewCipher(dek)
	if err != nil {
		return nil, fmt.Errorf("create dek cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create dek gcm: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	wrapped, err := k.Wrap(dek)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, 2+len(wrapped)+nonceSize+len(ciphertext))
	out = binary.BigEndian.AppendUint16(out, uint16(len(wrapped)))
	out = append(out, wrapped...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

// EnvelopeDecrypt is the inverse of EnvelopeEncrypt. Any tag mismatch
// or structural damage yields ErrInvalidCiphertext.
func (k *KMS) EnvelopeDecrypt(blob []byte) ([]byte, error) {
	if len(blob) < 2 {
		return nil, ErrInvalidCiphertext
	}
	wrappedLen := int(binary.BigEndian.Uint16(blob[:2]))
	if len(blob) < 2+wrappedLen+nonceSize {
		return nil, ErrInvalidCiphertext
	}
	wrapped := blob[2 : 2+wrappedLen]
	nonce := blob[2+wrappedLen : 2+wrappedLen+nonceSize]
	ciphertext := blob[2+wrappedLen+nonceSize:]

	dek, err := k.Unwrap(wrapped)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(dek)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}

// Sign signs bytes with the current key. Returns (key id, 64-byte sig).
func (k *KMS) Sign(data []byte) (string, []byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	priv, ok := k.signers[k.current]
	if !ok {
		return "", nil, errors.New("kms: no signing key available")
	}
	return k.current, ed25519.Sign(priv, data), nil
}

// Verify checks a signature against the named key. The public key is
// served from memory or loaded from disk; any failure returns false,
// never an error.
func (k *KMS) Verify(data, signature []byte, keyID string) bool {
	pub := k.publicKey(keyID)
	if pub == nil || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, data, signature)
}

// PublicKey returns the raw public key for a key id, or nil.
func (k *KMS) PublicKey(keyID string) []byte {
	return k.publicKey(keyID)
}

func (k *KMS) publicKey(keyID string) ed25519.PublicKey {
	// Reject path traversal in ids sourced from bundles.
	if keyID == "" || strings.ContainsAny(keyID, "/\\") {
		return nil
	}

	k.mu.RLock()
	pub, ok := k.pubs[keyID]
	k.mu.RUnlock()
	if ok {
		return pub
	}

	raw, err := os.ReadFile(filepath.Join(k.dir, keyID+".pub"))
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil
	}
	pub = ed25519.PublicKey(raw)

	k.mu.Lock()
	k.pubs[keyID] = pub
	k.mu.Unlock()
	return pub
}

// Rotate creates a new key pair, persists it, and makes it current.
// Previously issued signatures remain verifiable.
func (k *KMS) Rotate() (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.createKey()
}

// CurrentKeyID returns the id of the current signing key.
func (k *KMS) CurrentKeyID() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.current
}

// DeriveFallbackSecret derives the compatibility CI secret for a
// workspace that has no explicit secret configured: the hex
// HMAC-SHA256 of the workspace id under the master key. Documented as
// a compatibility behavior, not a security boundary.
func (k *KMS) DeriveFallbackSecret(workspaceID string) string {
	mac := hmac.New(sha256.New, k.master)
	mac.Write([]byte(workspaceID))
	return hex.EncodeToString(mac.Sum(nil))
}
