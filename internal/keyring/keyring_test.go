package keyring

import (
	"errors"
	"testing"

	zkr "github.com/zalando/go-keyring"
)

func TestRoundTripWithMockKeyring(t *testing.T) {
	zkr.MockInit()
	t.Setenv("NEBOCHAT_KEYRING_DISABLED", "")

	if _, err := Get("anthropic"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := Set("anthropic", "sk-ant-test"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	key, err := Get("anthropic")
	if err != nil || key != "sk-ant-test" {
		t.Fatalf("Get = %q, %v", key, err)
	}

	if err := Delete("anthropic"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := Delete("anthropic"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete should be ErrNotFound, got %v", err)
	}
}

func TestDisabled(t *testing.T) {
	zkr.MockInit()
	t.Setenv("NEBOCHAT_KEYRING_DISABLED", "1")

	if Available() {
		t.Error("keychain should report unavailable when disabled")
	}
	if _, err := Get("openai"); !errors.Is(err, ErrNotFound) {
		t.Errorf("disabled keychain should look empty, got %v", err)
	}
	if err := Set("openai", "x"); err == nil {
		t.Error("Set should fail when disabled")
	}
}
