// Package cipher owns the store's salt and disk-salt secrets and
// performs per-slot encryption, decryption, and digested-key
// computation. Key material for any given slot is derived from
// (salt, routing key), so recovering a slot's plaintext without the
// routing key that produced it is infeasible.
package cipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// SaltLength is the fixed length, in bytes, of the in-memory salt and
// the on-disk disk-salt.
const SaltLength = 16

// IVLength is the fixed length, in bytes, of a slot's encryption IV
// (one AES block).
const IVLength = aes.BlockSize

// slotKeyInfo is the HKDF info string for per-slot key derivation.
const slotKeyInfo = "saltedhash-slot-key"

// Manager derives per-slot keys and performs in-place header+data
// encryption/decryption. A Manager is safe for concurrent use.
type Manager struct {
	mu       sync.RWMutex
	salt     [SaltLength]byte
	diskSalt [SaltLength]byte
}

// NewManager builds a Manager for an in-memory salt and an optional
// master key. When masterKey is non-empty the disk-salt is
// salt encrypted under the master key (AES-256-CTR, zero IV); the
// disk-salt is what gets persisted to the config record, while the
// plaintext salt stays in memory only.
func NewManager(salt [SaltLength]byte, masterKey []byte) (*Manager, error) {
	diskSalt, err := wrapSalt(salt, masterKey)
	if err != nil {
		return nil, err
	}
	return &Manager{salt: salt, diskSalt: diskSalt}, nil
}

// Salt returns the in-memory plaintext salt.
func (m *Manager) Salt() [SaltLength]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.salt
}

// DiskSalt returns the persisted (possibly master-key-wrapped) salt.
func (m *Manager) DiskSalt() [SaltLength]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.diskSalt
}

// wrapSalt encrypts salt under masterKey for on-disk storage. With no
// master key, the disk-salt is the plaintext salt.
func wrapSalt(salt [SaltLength]byte, masterKey []byte) ([SaltLength]byte, error) {
	var out [SaltLength]byte
	if len(masterKey) == 0 {
		return salt, nil
	}
	block, err := aes.NewCipher(expandKey(masterKey))
	if err != nil {
		return out, fmt.Errorf("%w: %w", ErrHKDFFailure, err)
	}
	stream := cipher.NewCTR(block, make([]byte, aes.BlockSize))
	stream.XORKeyStream(out[:], salt[:])
	return out, nil
}

// UnwrapSalt recovers the plaintext salt from a disk-salt and master
// key. CTR is its own inverse, so this calls the same transform.
func UnwrapSalt(diskSalt [SaltLength]byte, masterKey []byte) ([SaltLength]byte, error) {
	return wrapSalt(diskSalt, masterKey)
}

// expandKey maps an arbitrary-length master key to a 32-byte AES-256
// key via SHA-256.
func expandKey(masterKey []byte) []byte {
	sum := sha256.Sum256(masterKey)
	return sum[:]
}

// DigestedKey computes SHA-256(salt || plainKey), the 32-byte value
// stored on disk in place of the routing key.
func (m *Manager) DigestedKey(plainKey []byte) [32]byte {
	m.mu.RLock()
	salt := m.salt
	m.mu.RUnlock()

	h := sha256.New()
	h.Write(salt[:])
	h.Write(plainKey)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// deriveSlotKey derives a 32-byte AES-256 key for one slot from the
// salt (as HKDF input key material) and the slot's plain or digested
// routing key (as HKDF salt).
func (m *Manager) deriveSlotKey(keyMaterial []byte) ([]byte, error) {
	m.mu.RLock()
	salt := m.salt
	m.mu.RUnlock()

	r := hkdf.New(sha256.New, salt[:], keyMaterial, []byte(slotKeyInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHKDFFailure, err)
	}
	return key, nil
}

// Encrypt encrypts headerData in place with AES-256-CTR under a key
// derived from (salt, keyMaterial), using a fresh random IV read from
// rng. keyMaterial is the plain routing key when available, otherwise
// the digested routing key. AES-CTR (not AES-GCM) is used deliberately:
// the on-disk record has no spare bytes for an authentication tag, and
// tamper/garbage detection is delegated to the caller's block
// reconstruction and verification step.
func (m *Manager) Encrypt(headerData []byte, keyMaterial []byte, rng io.Reader) (iv [IVLength]byte, err error) {
	if _, err = io.ReadFull(rng, iv[:]); err != nil {
		return iv, fmt.Errorf("cipher: read IV: %w", err)
	}

	key, err := m.deriveSlotKey(keyMaterial)
	if err != nil {
		return iv, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return iv, fmt.Errorf("cipher: new AES cipher: %w", err)
	}

	cipher.NewCTR(block, iv[:]).XORKeyStream(headerData, headerData)
	return iv, nil
}

// Decrypt decrypts headerData in place using the IV recorded for the
// slot and a key derived from (salt, keyMaterial). CTR mode is
// symmetric, so decryption is the same XOR-stream operation as
// encryption.
func (m *Manager) Decrypt(headerData []byte, iv [IVLength]byte, keyMaterial []byte) error {
	key, err := m.deriveSlotKey(keyMaterial)
	if err != nil {
		return err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("cipher: new AES cipher: %w", err)
	}

	cipher.NewCTR(block, iv[:]).XORKeyStream(headerData, headerData)
	return nil
}
