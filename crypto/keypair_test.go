package crypto

import (
	"testing"
)

func TestGenerateSeed(t *testing.T) {
	seed1, err := GenerateSeed()
	if err != nil {
		t.Fatalf("GenerateSeed failed: %v", err)
	}
	seed2, err := GenerateSeed()
	if err != nil {
		t.Fatalf("GenerateSeed failed: %v", err)
	}

	if isZeroKey(seed1) {
		t.Error("Generated seed is all zeros")
	}
	if seed1 == seed2 {
		t.Error("Two generated seeds are identical")
	}
}

func TestDeriveKeyPairDeterministic(t *testing.T) {
	seed, err := GenerateSeed()
	if err != nil {
		t.Fatal(err)
	}

	record1, err := DeriveKeyPair(seed, "device-1", 0)
	if err != nil {
		t.Fatalf("DeriveKeyPair failed: %v", err)
	}
	record2, err := DeriveKeyPair(seed, "device-1", 0)
	if err != nil {
		t.Fatalf("DeriveKeyPair failed: %v", err)
	}

	if record1.SecretKey != record2.SecretKey {
		t.Error("Same inputs produced different secret keys")
	}
	if record1.PublicKey != record2.PublicKey {
		t.Error("Same inputs produced different public keys")
	}
	if record1.DeviceID != "device-1" || record1.Epoch != 0 {
		t.Error("Record does not carry derivation identity")
	}
}

func TestDeriveKeyPairDivergence(t *testing.T) {
	seed, err := GenerateSeed()
	if err != nil {
		t.Fatal(err)
	}

	base, err := DeriveKeyPair(seed, "device-1", 0)
	if err != nil {
		t.Fatal(err)
	}

	// Different device diverges
	otherDevice, err := DeriveKeyPair(seed, "device-2", 0)
	if err != nil {
		t.Fatal(err)
	}
	if base.SecretKey == otherDevice.SecretKey {
		t.Error("Different devices derived the same key")
	}

	// Different epoch diverges
	otherEpoch, err := DeriveKeyPair(seed, "device-1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if base.SecretKey == otherEpoch.SecretKey {
		t.Error("Different epochs derived the same key")
	}

	// Different seed diverges
	seed2, err := GenerateSeed()
	if err != nil {
		t.Fatal(err)
	}
	otherSeed, err := DeriveKeyPair(seed2, "device-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if base.SecretKey == otherSeed.SecretKey {
		t.Error("Different seeds derived the same key")
	}
}

func TestDeriveKeyPairClamping(t *testing.T) {
	seed, err := GenerateSeed()
	if err != nil {
		t.Fatal(err)
	}
	record, err := DeriveKeyPair(seed, "device-1", 0)
	if err != nil {
		t.Fatal(err)
	}

	if record.SecretKey[0]&7 != 0 {
		t.Error("Secret key low bits not cleared")
	}
	if record.SecretKey[31]&128 != 0 {
		t.Error("Secret key high bit not cleared")
	}
	if record.SecretKey[31]&64 == 0 {
		t.Error("Secret key bit 254 not set")
	}
}

func TestDeriveKeyPairValidation(t *testing.T) {
	var zeroSeed [32]byte
	if _, err := DeriveKeyPair(zeroSeed, "device-1", 0); err == nil {
		t.Error("Expected error for all-zero seed")
	}

	seed, err := GenerateSeed()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DeriveKeyPair(seed, "", 0); err == nil {
		t.Error("Expected error for empty device ID")
	}
}

func TestFromSecretKey(t *testing.T) {
	seed, err := GenerateSeed()
	if err != nil {
		t.Fatal(err)
	}
	derived, err := DeriveKeyPair(seed, "device-1", 3)
	if err != nil {
		t.Fatal(err)
	}

	restored, err := FromSecretKey(derived.SecretKey, "device-1", 3)
	if err != nil {
		t.Fatalf("FromSecretKey failed: %v", err)
	}
	if restored.PublicKey != derived.PublicKey {
		t.Error("Restored record has wrong public key")
	}
	if restored.DeviceID != "device-1" || restored.Epoch != 3 {
		t.Error("Restored record has wrong identity")
	}

	var zeroKey [32]byte
	if _, err := FromSecretKey(zeroKey, "device-1", 0); err == nil {
		t.Error("Expected error for all-zero secret key")
	}
}

func TestPublicKeyHexRoundTrip(t *testing.T) {
	seed, err := GenerateSeed()
	if err != nil {
		t.Fatal(err)
	}
	record, err := DeriveKeyPair(seed, "device-1", 0)
	if err != nil {
		t.Fatal(err)
	}

	parsed, err := ParsePublicKeyHex(record.PublicKeyHex())
	if err != nil {
		t.Fatalf("ParsePublicKeyHex failed: %v", err)
	}
	if parsed != record.PublicKey {
		t.Error("Hex round trip changed public key")
	}
}

func TestParsePublicKeyHexValidation(t *testing.T) {
	if _, err := ParsePublicKeyHex("not hex"); err == nil {
		t.Error("Expected error for invalid hex")
	}
	if _, err := ParsePublicKeyHex("abcd"); err == nil {
		t.Error("Expected error for short key")
	}
}

func TestGenerateDeviceID(t *testing.T) {
	id1, err := GenerateDeviceID()
	if err != nil {
		t.Fatalf("GenerateDeviceID failed: %v", err)
	}
	id2, err := GenerateDeviceID()
	if err != nil {
		t.Fatal(err)
	}

	if len(id1) != 32 {
		t.Errorf("Expected 32 hex characters, got %d", len(id1))
	}
	if id1 == id2 {
		t.Error("Two generated device IDs are identical")
	}
}

func TestKeyPairRecordWipe(t *testing.T) {
	seed, err := GenerateSeed()
	if err != nil {
		t.Fatal(err)
	}
	record, err := DeriveKeyPair(seed, "device-1", 0)
	if err != nil {
		t.Fatal(err)
	}

	if err := record.Wipe(); err != nil {
		t.Fatalf("Wipe failed: %v", err)
	}
	if !isZeroKey(record.SecretKey) {
		t.Error("Secret key not zeroed after wipe")
	}

	var nilRecord *KeyPairRecord
	if err := nilRecord.Wipe(); err == nil {
		t.Error("Expected error wiping nil record")
	}
}
