// Package crypto implements the key derivation primitives for the noisepay
// session layer.
//
// This package handles seed generation and the deterministic derivation of
// device/epoch-scoped X25519 key pairs used by the Noise handshake, using
// HKDF through Go's x/crypto packages.
//
// Example:
//
//	seed, err := crypto.GenerateSeed()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	record, err := crypto.DeriveKeyPair(seed, "my-device", 0)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("Public key:", record.PublicKeyHex())
package crypto

import (
	"crypto/rand"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// derivationSalt binds derived keys to this key derivation scheme version.
// Changing it invalidates every previously derived key.
var derivationSalt = []byte("noisepay-x25519:v1")

// KeyPairRecord is a device/epoch-scoped X25519 key pair.
//
// The identity of a record is (DeviceID, Epoch). Records are immutable once
// created; key rotation supersedes a record with a new epoch rather than
// mutating it.
type KeyPairRecord struct {
	SecretKey [32]byte
	PublicKey [32]byte
	DeviceID  string
	Epoch     uint32
}

// PublicKeyHex returns the public key in lowercase hex encoding.
func (r *KeyPairRecord) PublicKeyHex() string {
	return hex.EncodeToString(r.PublicKey[:])
}

// Wipe securely erases the secret key material in the record.
// The record must not be used after wiping.
func (r *KeyPairRecord) Wipe() error {
	if r == nil {
		return errors.New("cannot wipe nil KeyPairRecord")
	}
	return SecureWipe(r.SecretKey[:])
}

// GenerateSeed creates a new random 32-byte root seed.
//
// The seed is the root secret an identity derives all device keys from and
// must be stored securely by the caller.
func GenerateSeed() ([32]byte, error) {
	var seed [32]byte
	if _, err := io.ReadFull(rand.Reader, seed[:]); err != nil {
		return seed, fmt.Errorf("failed to generate seed: %w", err)
	}
	return seed, nil
}

// DeriveKeyPair deterministically derives an X25519 key pair for the given
// device and epoch from a root seed.
//
// The secret key is expanded with HKDF-SHA512 using the device ID and the
// little-endian epoch as context, then clamped for X25519. The same
// (seed, deviceID, epoch) always produces the same key pair; different
// devices or epochs produce unrelated keys.
func DeriveKeyPair(seed [32]byte, deviceID string, epoch uint32) (*KeyPairRecord, error) {
	if isZeroKey(seed) {
		return nil, errors.New("invalid seed: all zeros")
	}
	if deviceID == "" {
		return nil, errors.New("device ID must not be empty")
	}

	info := make([]byte, 0, len(deviceID)+4)
	info = append(info, deviceID...)
	info = binary.LittleEndian.AppendUint32(info, epoch)

	hk := hkdf.New(sha512.New, seed[:], derivationSalt, info)

	record := &KeyPairRecord{
		DeviceID: deviceID,
		Epoch:    epoch,
	}
	if _, err := io.ReadFull(hk, record.SecretKey[:]); err != nil {
		return nil, fmt.Errorf("hkdf expand failed: %w", err)
	}

	// Clamp for X25519
	record.SecretKey[0] &= 248
	record.SecretKey[31] &= 127
	record.SecretKey[31] |= 64

	public, err := curve25519.X25519(record.SecretKey[:], curve25519.Basepoint)
	if err != nil {
		ZeroBytes(record.SecretKey[:])
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}
	copy(record.PublicKey[:], public)

	return record, nil
}

// FromSecretKey reconstructs a key pair record from an existing secret key.
func FromSecretKey(secretKey [32]byte, deviceID string, epoch uint32) (*KeyPairRecord, error) {
	if isZeroKey(secretKey) {
		return nil, errors.New("invalid secret key: all zeros")
	}

	public, err := curve25519.X25519(secretKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}

	record := &KeyPairRecord{
		SecretKey: secretKey,
		DeviceID:  deviceID,
		Epoch:     epoch,
	}
	copy(record.PublicKey[:], public)

	return record, nil
}

// GenerateDeviceID creates a random 16-byte device identifier in hex.
// The ID should be stored persistently and reused for consistent derivation.
func GenerateDeviceID() (string, error) {
	var b [16]byte
	if _, err := io.ReadFull(rand.Reader, b[:]); err != nil {
		return "", fmt.Errorf("failed to generate device ID: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

// ParsePublicKeyHex decodes a hex-encoded 32-byte public key.
func ParsePublicKeyHex(s string) ([32]byte, error) {
	var key [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("invalid public key hex: %w", err)
	}
	if len(b) != 32 {
		return key, fmt.Errorf("public key must be 32 bytes, got %d", len(b))
	}
	copy(key[:], b)
	return key, nil
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [32]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
