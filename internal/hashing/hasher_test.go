package hashing

import (
	"errors"
	"testing"

	"session-service/internal/config"
)

func testHasher() *Hasher {
	return NewHasher(&config.Config{
		Hashing: config.HashingConfig{
			Argon2MemoryCost:   1024,
			Argon2TimeCost:     1,
			Argon2Parallelism:  1,
			PepperRotationDays: 90,
		},
	})
}

func TestBackupCodeRoundTrip(t *testing.T) {
	h := testHasher()

	result, err := h.HashBackupCode("ABCDEFGH-12345678")
	if err != nil {
		t.Fatalf("HashBackupCode failed: %v", err)
	}

	ok, err := h.VerifyBackupCode("ABCDEFGH-12345678", result)
	if err != nil {
		t.Fatalf("VerifyBackupCode failed: %v", err)
	}
	if !ok {
		t.Fatal("expected the original code to verify")
	}

	ok, err = h.VerifyBackupCode("ABCDEFGH-87654321", result)
	if err != nil {
		t.Fatalf("VerifyBackupCode failed: %v", err)
	}
	if ok {
		t.Fatal("a different code must not verify")
	}
}

func TestHashesAreSalted(t *testing.T) {
	h := testHasher()

	first, err := h.HashBackupCode("SAME-CODE")
	if err != nil {
		t.Fatalf("HashBackupCode failed: %v", err)
	}
	second, err := h.HashBackupCode("SAME-CODE")
	if err != nil {
		t.Fatalf("HashBackupCode failed: %v", err)
	}

	if first.Hash == second.Hash || first.Salt == second.Salt {
		t.Fatal("two hashes of the same code must not share hash or salt")
	}
}

func TestVerifySurvivesPepperRotation(t *testing.T) {
	h := testHasher()

	result, err := h.HashBackupCode("KEEP-WORKING")
	if err != nil {
		t.Fatalf("HashBackupCode failed: %v", err)
	}

	h.rotatePepper()

	ok, err := h.VerifyBackupCode("KEEP-WORKING", result)
	if err != nil {
		t.Fatalf("VerifyBackupCode failed after rotation: %v", err)
	}
	if !ok {
		t.Fatal("old hashes must keep verifying after a pepper rotation")
	}
}

func TestVerifyUnknownPepperVersion(t *testing.T) {
	h := testHasher()

	result, err := h.HashBackupCode("SOME-CODE")
	if err != nil {
		t.Fatalf("HashBackupCode failed: %v", err)
	}
	result.PepperVersion = 99

	if _, err := h.VerifyBackupCode("SOME-CODE", result); err == nil {
		t.Fatal("expected an error for an unknown pepper version")
	}
}

func TestEncodeDecodeHashResult(t *testing.T) {
	h := testHasher()

	result, err := h.HashBackupCode("ROUND-TRIP")
	if err != nil {
		t.Fatalf("HashBackupCode failed: %v", err)
	}

	encoded, err := EncodeHashResult(result)
	if err != nil {
		t.Fatalf("EncodeHashResult failed: %v", err)
	}

	decoded, err := DecodeHashResult(encoded)
	if err != nil {
		t.Fatalf("DecodeHashResult failed: %v", err)
	}
	if *decoded != *result {
		t.Fatalf("round trip mismatch: %+v vs %+v", decoded, result)
	}

	ok, err := h.VerifyBackupCode("ROUND-TRIP", decoded)
	if err != nil {
		t.Fatalf("VerifyBackupCode failed: %v", err)
	}
	if !ok {
		t.Fatal("decoded hash must still verify")
	}
}

func TestDecodeHashResultGarbage(t *testing.T) {
	if _, err := DecodeHashResult("not json at all"); !errors.Is(err, ErrInvalidHash) {
		t.Fatalf("expected ErrInvalidHash, got %v", err)
	}
}
