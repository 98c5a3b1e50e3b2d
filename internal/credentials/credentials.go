// Package credentials keeps API tokens in the OS credential store, one per
// remote URL.
package credentials

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/99designs/keyring"
)

// ServiceName identifies csvsync entries in the credential store.
const ServiceName = "csvsync"

// ErrNotFound is returned when no token is stored for a remote.
var ErrNotFound = errors.New("no stored token")

// Store reads and writes tokens.
type Store struct {
	ring keyring.Keyring
}

// Open opens the platform credential store. Where no native store exists
// the encrypted file backend is used, unlocked with CSVSYNC_KEYRING_PASSWORD
// or an interactive prompt.
func Open() (*Store, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName:              ServiceName,
		KeychainTrustApplication: true,
		PassPrefix:               ServiceName,
		WinCredPrefix:            ServiceName,
		FileDir:                  filepath.Join(dir, ServiceName, "keyring"),
		FilePasswordFunc:         filePassword,
	})
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	return &Store{ring: ring}, nil
}

func filePassword(prompt string) (string, error) {
	if pw := os.Getenv("CSVSYNC_KEYRING_PASSWORD"); pw != "" {
		return pw, nil
	}
	return keyring.TerminalPrompt(prompt)
}

// New wraps an already opened keyring.
func New(ring keyring.Keyring) *Store {
	return &Store{ring: ring}
}

func tokenKey(remoteURL string) string {
	return "token:" + strings.TrimRight(strings.ToLower(remoteURL), "/")
}

// Token returns the token stored for remoteURL.
func (s *Store) Token(remoteURL string) (string, error) {
	item, err := s.ring.Get(tokenKey(remoteURL))
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	return string(item.Data), nil
}

// SetToken stores token for remoteURL, replacing any previous one.
func (s *Store) SetToken(remoteURL, token string) error {
	if strings.TrimSpace(token) == "" {
		return errors.New("token is empty")
	}
	err := s.ring.Set(keyring.Item{
		Key:         tokenKey(remoteURL),
		Data:        []byte(token),
		Label:       ServiceName + " token",
		Description: "API token for " + remoteURL,
	})
	if err != nil {
		return fmt.Errorf("store token: %w", err)
	}
	return nil
}

// DeleteToken forgets the token for remoteURL. Deleting a missing token
// returns ErrNotFound.
func (s *Store) DeleteToken(remoteURL string) error {
	key := tokenKey(remoteURL)
	if _, err := s.ring.Get(key); errors.Is(err, keyring.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err := s.ring.Remove(key); err != nil {
		return fmt.Errorf("remove token: %w", err)
	}
	return nil
}
