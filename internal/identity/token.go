package identity

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// tokenFileName is the name of the file storing the pairing token.
const tokenFileName = "pairing_token"

// TokenStore persists the pairing token issued by a gateway after a human
// approves pairing. A stored token lets future sessions skip pairing; it is
// invalidated only by explicit removal.
type TokenStore struct {
	dataDir string
}

// NewTokenStore creates a token store rooted at the data directory.
func NewTokenStore(dataDir string) *TokenStore {
	return &TokenStore{dataDir: dataDir}
}

// Save persists the pairing token with 0600 permissions.
func (s *TokenStore) Save(token string) error {
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("cannot store empty pairing token")
	}
	return writeFileAtomic(s.dataDir, tokenFileName, []byte(token+"\n"), 0600)
}

// Load reads the stored pairing token. Returns ("", nil) when no token
// has been stored yet.
func (s *TokenStore) Load() (string, error) {
	data, err := os.ReadFile(filepath.Join(s.dataDir, tokenFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read pairing token: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Exists reports whether a pairing token is stored.
func (s *TokenStore) Exists() bool {
	_, err := os.Stat(filepath.Join(s.dataDir, tokenFileName))
	return err == nil
}

// Remove deletes the stored pairing token, forcing re-pairing on the next
// connection. Removing a token that does not exist is not an error.
func (s *TokenStore) Remove() error {
	err := os.Remove(filepath.Join(s.dataDir, tokenFileName))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove pairing token: %w", err)
	}
	return nil
}
