// Package security keeps the host key passphrase out of config files and
// scrubs secrets from memory once used.
package security

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/zalando/go-keyring"
)

// KeyringService is the service name used for keyring entries.
const KeyringService = "tuibridge"

const keyPassphraseFmt = "host-key-passphrase:%s"

// ErrKeyringUnavailable is returned when no system keyring can be reached.
var ErrKeyringUnavailable = errors.New("keyring not available")

// KeyringStore stores host key passphrases in the OS keyring (macOS Keychain,
// Linux Secret Service, Windows Credential Manager).
type KeyringStore struct {
	mu      sync.RWMutex
	enabled bool
	logger  *slog.Logger
}

// NewKeyringStore probes the system keyring. When it is unreachable the
// store is returned disabled.
func NewKeyringStore(logger *slog.Logger) *KeyringStore {
	if logger == nil {
		logger = slog.Default()
	}
	ks := &KeyringStore{enabled: true, logger: logger}

	const probe = "__tuibridge_probe__"
	if err := keyring.Set(KeyringService, probe, "probe"); err != nil {
		logger.Debug("keyring not available", slog.String("error", err.Error()))
		ks.enabled = false
		return ks
	}
	_ = keyring.Delete(KeyringService, probe)
	return ks
}

// IsEnabled reports whether the keyring is in use.
func (ks *KeyringStore) IsEnabled() bool {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.enabled
}

// SetEnabled turns keyring use on or off.
func (ks *KeyringStore) SetEnabled(enabled bool) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.enabled = enabled
}

// entry names the keyring item for a key file. Paths are made absolute so
// the same file resolves to one entry from any working directory.
func entry(keyPath string) string {
	if abs, err := filepath.Abs(keyPath); err == nil {
		keyPath = abs
	}
	return fmt.Sprintf(keyPassphraseFmt, keyPath)
}

// StorePassphrase saves the passphrase protecting the key at keyPath.
func (ks *KeyringStore) StorePassphrase(keyPath string, passphrase []byte) error {
	if !ks.IsEnabled() {
		return ErrKeyringUnavailable
	}
	encoded := base64.StdEncoding.EncodeToString(passphrase)
	if err := keyring.Set(KeyringService, entry(keyPath), encoded); err != nil {
		return fmt.Errorf("store host key passphrase: %w", err)
	}
	ks.logger.Debug("stored host key passphrase in keyring", slog.String("key_path", keyPath))
	return nil
}

// Passphrase returns the stored passphrase for keyPath, or nil if none is stored.
func (ks *KeyringStore) Passphrase(keyPath string) ([]byte, error) {
	if !ks.IsEnabled() {
		return nil, ErrKeyringUnavailable
	}
	encoded, err := keyring.Get(KeyringService, entry(keyPath))
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get host key passphrase: %w", err)
	}
	passphrase, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode host key passphrase: %w", err)
	}
	return passphrase, nil
}

// DeletePassphrase removes the stored passphrase for keyPath. Deleting a
// missing entry is not an error.
func (ks *KeyringStore) DeletePassphrase(keyPath string) error {
	if !ks.IsEnabled() {
		return ErrKeyringUnavailable
	}
	if err := keyring.Delete(KeyringService, entry(keyPath)); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("delete host key passphrase: %w", err)
	}
	return nil
}
