package auth

import (
	"errors"
	"testing"
	"time"
)

func TestIssueAndVerify(t *testing.T) {
	v, err := NewVerifier([]byte("test-secret"))
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}

	token, err := v.Issue(Identity{UserID: "u-1", DisplayName: "Ada"}, time.Minute)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	id, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if id.UserID != "u-1" {
		t.Errorf("UserID = %q, want u-1", id.UserID)
	}
	if id.DisplayName != "Ada" {
		t.Errorf("DisplayName = %q, want Ada", id.DisplayName)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	a, _ := NewVerifier([]byte("secret-a"))
	b, _ := NewVerifier([]byte("secret-b"))

	token, err := a.Issue(Identity{UserID: "u-1"}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := b.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify() = %v, want ErrInvalidToken", err)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	v, _ := NewVerifier([]byte("test-secret"))

	token, err := v.Issue(Identity{UserID: "u-1"}, -time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := v.Verify(token); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Verify() = %v, want ErrExpiredToken", err)
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	v, _ := NewVerifier([]byte("test-secret"))
	if _, err := v.Verify("not-a-jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify() = %v, want ErrInvalidToken", err)
	}
}

func TestDisplayNameFallsBackToUserID(t *testing.T) {
	v, _ := NewVerifier([]byte("test-secret"))
	token, err := v.Issue(Identity{UserID: "u-2"}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	id, err := v.Verify(token)
	if err != nil {
		t.Fatal(err)
	}
	if id.DisplayName != "u-2" {
		t.Errorf("DisplayName = %q, want fallback u-2", id.DisplayName)
	}
}

func TestNewVerifierRequiresSecret(t *testing.T) {
	if _, err := NewVerifier(nil); !errors.Is(err, ErrNoSecret) {
		t.Errorf("NewVerifier(nil) = %v, want ErrNoSecret", err)
	}
}
