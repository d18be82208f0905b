package secure

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"time"
)

const (
	KeySize = 32 // AES-256

	// versionPrefixSize is the key version tag prepended to every
	// ciphertext so the receiver can pick the right rotation epoch.
	versionPrefixSize = 4

	// maxKeyAdvance bounds how many rotation epochs ahead of its own
	// state a receiver will ratchet to follow a sender.
	maxKeyAdvance = 8
)

var (
	ErrInvalidKeySize       = errors.New("invalid key size")
	ErrAuthenticationFailed = errors.New("payload authentication failed")
	ErrKeyExpired           = errors.New("key version expired")
	ErrReplayDetected       = errors.New("replay detected")
)

// ratchetLabel domain-separates key derivation from any other use of the key.
var ratchetLabel = []byte("emberlink/rotate/v1")

// Context holds one rotation epoch of a device's symmetric key state.
type Context struct {
	Key       []byte
	Version   uint32
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Zero wipes the key material.
func (c *Context) Zero() {
	for i := range c.Key {
		c.Key[i] = 0
	}
}

// Box provides authenticated payload encryption with a rotating key.
//
// Rotation is a deterministic ratchet: the next key is derived by hashing
// the current one, so both ends of a link rotate independently without a
// key exchange. Exactly one key version is current at any time; after
// rotation the previous key stays valid for decryption only, for the grace
// window. A receiver that sees a version ahead of its own ratchets forward,
// but only once the authentication tag under the derived key verifies.
type Box struct {
	mu       sync.Mutex
	current  *Context
	previous *Context
	grace    time.Duration
	now      func() time.Time
}

// NewBox creates a Box around a provisioned key at the given version.
func NewBox(key []byte, version uint32, grace time.Duration) (*Box, error) {
	return newBox(key, version, grace, time.Now)
}

func newBox(key []byte, version uint32, grace time.Duration, now func() time.Time) (*Box, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	k := make([]byte, KeySize)
	copy(k, key)

	return &Box{
		current: &Context{
			Key:       k,
			Version:   version,
			CreatedAt: now(),
		},
		grace: grace,
		now:   now,
	}, nil
}

// Version returns the current key version.
func (b *Box) Version() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current.Version
}

// Encrypt seals plaintext with AES-256-GCM under the current key. The
// output carries the key version and a fresh random nonce, neither secret:
// version(4) | nonce | ciphertext+tag.
func (b *Box) Encrypt(plaintext []byte) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	gcm, err := newGCM(b.current.Key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	out := make([]byte, versionPrefixSize, versionPrefixSize+len(nonce)+len(plaintext)+gcm.Overhead())
	binary.BigEndian.PutUint32(out, b.current.Version)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, nil), nil
}

// Decrypt opens a blob produced by Encrypt. The referenced key version must
// be current, previous-within-grace, or a bounded number of ratchet steps
// ahead of current.
func (b *Box) Decrypt(blob []byte) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(blob) < versionPrefixSize {
		return nil, ErrAuthenticationFailed
	}
	version := binary.BigEndian.Uint32(blob)
	data := blob[versionPrefixSize:]

	if ctx := b.knownLocked(version); ctx != nil {
		return open(ctx.Key, data)
	}

	// Sender may have rotated ahead of us; derive the candidate key and
	// commit the ratchet only if the tag verifies under it.
	if version > b.current.Version && version-b.current.Version <= maxKeyAdvance {
		key := deriveChain(b.current.Key, version-b.current.Version)
		plaintext, err := open(key, data)
		if err != nil {
			return nil, err
		}
		b.advanceLocked(key, version)
		return plaintext, nil
	}

	return nil, ErrKeyExpired
}

// Rotate derives the next key in the ratchet, increments the key version
// and keeps the old key for decryption until the grace window ends.
func (b *Box) Rotate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked(deriveChain(b.current.Key, 1), b.current.Version+1)
}

// Revoke discards all key material immediately.
func (b *Box) Revoke() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.current.Zero()
	if b.previous != nil {
		b.previous.Zero()
		b.previous = nil
	}
}

func (b *Box) knownLocked(version uint32) *Context {
	if version == b.current.Version {
		return b.current
	}
	if b.previous != nil && version == b.previous.Version {
		if b.now().After(b.previous.ExpiresAt) {
			b.previous.Zero()
			b.previous = nil
			return nil
		}
		return b.previous
	}
	return nil
}

func (b *Box) advanceLocked(key []byte, version uint32) {
	now := b.now()
	if b.previous != nil {
		b.previous.Zero()
	}
	b.current.ExpiresAt = now.Add(b.grace)
	b.previous = b.current
	b.current = &Context{
		Key:       key,
		Version:   version,
		CreatedAt: now,
	}
}

// deriveChain applies the rotation ratchet steps times.
func deriveChain(key []byte, steps uint32) []byte {
	k := make([]byte, KeySize)
	copy(k, key)
	for i := uint32(0); i < steps; i++ {
		h := sha256.New()
		h.Write(ratchetLabel)
		h.Write(k)
		k = h.Sum(nil)
	}
	return k
}

func open(key, data []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(data) < gcm.NonceSize() {
		return nil, ErrAuthenticationFailed
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// GenerateKey returns a fresh random AES-256 key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}
