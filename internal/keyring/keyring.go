// Package keyring stores provider API keys in the OS keychain.
package keyring

import (
	"errors"
	"fmt"
	"os"

	zkr "github.com/zalando/go-keyring"
)

const serviceName = "nebochat"

// ErrNotFound is returned when no key is stored for a provider
var ErrNotFound = errors.New("keychain: key not found")

func account(provider string) string {
	return provider + "-api-key"
}

// Get retrieves the API key for a provider from the OS keychain.
func Get(provider string) (string, error) {
	if disabled() {
		return "", ErrNotFound
	}
	key, err := zkr.Get(serviceName, account(provider))
	if errors.Is(err, zkr.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("keychain get: %w", err)
	}
	return key, nil
}

// Set stores the API key for a provider in the OS keychain.
func Set(provider, key string) error {
	if disabled() {
		return errors.New("keychain disabled by NEBOCHAT_KEYRING_DISABLED")
	}
	return zkr.Set(serviceName, account(provider), key)
}

// Delete removes the API key for a provider from the OS keychain.
func Delete(provider string) error {
	err := zkr.Delete(serviceName, account(provider))
	if errors.Is(err, zkr.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// Available returns true if the OS keychain is functional.
// Returns false if NEBOCHAT_KEYRING_DISABLED=1 is set (headless/CI/Docker).
// Otherwise probes the keychain with a test write/read/delete cycle.
func Available() bool {
	if disabled() {
		return false
	}
	testService := "nebochat-keyring-probe"
	testAccount := "probe"
	if err := zkr.Set(testService, testAccount, "ok"); err != nil {
		return false
	}
	_ = zkr.Delete(testService, testAccount)
	return true
}

func disabled() bool {
	return os.Getenv("NEBOCHAT_KEYRING_DISABLED") == "1"
}
