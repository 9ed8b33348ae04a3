// Package tokens stores mirror-provider OAuth credentials at rest.
// Tokens are sealed with AES-GCM under a key derived from the master
// secret; nothing in the archive tree ever holds plaintext credentials.
package tokens

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// RefreshWindow is how close to expiry a token must be before Get
// reports it needs refreshing.
const RefreshWindow = 5 * time.Minute

// ErrNotFound is returned when no token exists under the given id.
var ErrNotFound = errors.New("token not found")

// Token is one provider credential set.
type Token struct {
	ID           string    `json:"id"`
	Provider     string    `json:"provider"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NeedsRefresh reports whether the access token is expired or will be
// within the refresh window.
func (t Token) NeedsRefresh(now time.Time) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return now.Add(RefreshWindow).After(t.ExpiresAt)
}

// Store seals and unseals tokens under dir.
type Store struct {
	dir string
	key [32]byte
}

// NewStore derives the sealing key from masterSecret. The secret itself
// is never written anywhere.
func NewStore(dir, masterSecret string) (*Store, error) {
	if masterSecret == "" {
		return nil, errors.New("token store requires a master secret")
	}
	return &Store{dir: dir, key: sha256.Sum256([]byte(masterSecret))}, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".token")
}

// Save seals and persists a token.
func (s *Store) Save(t Token) error {
	if t.ID == "" {
		return errors.New("token id is required")
	}
	t.UpdatedAt = time.Now().UTC()

	plain, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}
	sealed, err := s.seal(plain)
	if err != nil {
		return fmt.Errorf("seal token: %w", err)
	}

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, ".token-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(sealed); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if err := os.Rename(tmpPath, s.path(t.ID)); err != nil {
		return err
	}
	cleanup = false
	return nil
}

// Get unseals the token stored under id.
func (s *Store) Get(id string) (Token, error) {
	sealed, err := os.ReadFile(s.path(id))
	if os.IsNotExist(err) {
		return Token{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Token{}, fmt.Errorf("read token: %w", err)
	}

	plain, err := s.unseal(sealed)
	if err != nil {
		return Token{}, fmt.Errorf("unseal token %s: %w", id, err)
	}
	var t Token
	if err := json.Unmarshal(plain, &t); err != nil {
		return Token{}, fmt.Errorf("parse token %s: %w", id, err)
	}
	return t, nil
}

// Delete removes a stored token. Missing tokens are not an error.
func (s *Store) Delete(id string) error {
	err := os.Remove(s.path(id))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// List returns the ids of all stored tokens.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if name, ok := strings.CutSuffix(e.Name(), ".token"); ok {
			ids = append(ids, name)
		}
	}
	return ids, nil
}

func (s *Store) seal(plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plain, nil), nil
}

func (s *Store) unseal(sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ct := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ct, nil)
}
