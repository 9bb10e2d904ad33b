package auth

import (
	"testing"
	"time"
)

func TestJWTServiceGenerateValidate(t *testing.T) {
	service := NewJWTService("secret", time.Hour)
	token, err := service.Generate(42)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	identity, err := service.Validate(token)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if identity.UserID != 42 {
		t.Fatalf("expected user 42, got %d", identity.UserID)
	}
}

func TestJWTServiceRejectsWrongSecret(t *testing.T) {
	token, err := NewJWTService("secret", time.Hour).Generate(42)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if _, err := NewJWTService("other", time.Hour).Validate(token); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestJWTServiceRejectsExpiredToken(t *testing.T) {
	service := NewJWTService("secret", time.Nanosecond)
	token, err := service.Generate(42)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := service.Validate(token); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestJWTServiceNoExpiry(t *testing.T) {
	service := NewJWTService("secret", 0)
	token, err := service.Generate(42)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if _, err := service.Validate(token); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestJWTServiceRequiresUserID(t *testing.T) {
	service := NewJWTService("secret", time.Hour)
	if _, err := service.Generate(0); err == nil {
		t.Fatal("expected error for zero user id")
	}
	if _, err := service.Generate(-3); err == nil {
		t.Fatal("expected error for negative user id")
	}
}

func TestJWTServiceRejectsGarbage(t *testing.T) {
	service := NewJWTService("secret", time.Hour)
	if _, err := service.Validate("not-a-token"); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}
