package auth

import (
	"errors"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestVerifyRoundTrip(t *testing.T) {
	t.Parallel()

	v := NewVerifier(testSecret, nil)
	token, err := v.Mint("user-1", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	userID, err := v.Verify(token)
	if err != nil {
		t.Fatal(err)
	}
	if userID != "user-1" {
		t.Fatalf("got user id %q, want user-1", userID)
	}
}

func TestVerifyExpired(t *testing.T) {
	t.Parallel()

	issued := time.Now().Add(-2 * time.Hour)
	minter := NewVerifier(testSecret, func() time.Time { return issued })
	token, err := minter.Mint("user-1", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	v := NewVerifier(testSecret, nil)
	if _, err := v.Verify(token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	t.Parallel()

	v := NewVerifier(testSecret, nil)
	for _, token := range []string{"", "   ", "not.a.token"} {
		if _, err := v.Verify(token); !errors.Is(err, ErrTokenInvalid) {
			t.Fatalf("token %q: expected ErrTokenInvalid, got %v", token, err)
		}
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	t.Parallel()

	other := NewVerifier("ffffffffffffffffffffffffffffffff", nil)
	token, err := other.Mint("user-1", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	v := NewVerifier(testSecret, nil)
	if _, err := v.Verify(token); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestPasswordHashRoundTrip(t *testing.T) {
	t.Parallel()

	hash, err := HashPassword("hunter22")
	if err != nil {
		t.Fatal(err)
	}
	if !VerifyPasswordHash(hash, "hunter22") {
		t.Fatal("expected hash to verify")
	}
	if VerifyPasswordHash(hash, "hunter23") {
		t.Fatal("expected mismatch to fail")
	}
}
