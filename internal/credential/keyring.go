package credential

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/99designs/keyring"
	"golang.org/x/oauth2"
)

const (
	serviceName = "declutter"
	tokenKey    = "gmail-oauth-token"
)

// ErrNoToken is returned when no OAuth token has been stored yet.
var ErrNoToken = errors.New("no stored oauth token")

// KeyringStore keeps the Gmail OAuth token in the system keyring.
type KeyringStore struct {
	ring keyring.Keyring
}

// OpenKeyring opens the system keyring, falling back to an encrypted file
// backend under configDir.
func OpenKeyring(configDir string) (*KeyringStore, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  filepath.Join(configDir, "credentials"),
		FilePasswordFunc:         keyring.FixedStringPrompt("declutter-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return NewKeyringStore(ring), nil
}

func NewKeyringStore(ring keyring.Keyring) *KeyringStore {
	return &KeyringStore{ring: ring}
}

func (k *KeyringStore) LoadToken() (*oauth2.Token, error) {
	item, err := k.ring.Get(tokenKey)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, fmt.Errorf("getting credential %q: %w", tokenKey, err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(item.Data, &tok); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	return &tok, nil
}

func (k *KeyringStore) SaveToken(tok *oauth2.Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	err = k.ring.Set(keyring.Item{
		Key:         tokenKey,
		Data:        data,
		Label:       "Gmail declutter token",
		Description: "OAuth token for the Gmail API",
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", tokenKey, err)
	}
	return nil
}

func (k *KeyringStore) DeleteToken() error {
	err := k.ring.Remove(tokenKey)
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting credential %q: %w", tokenKey, err)
	}
	return nil
}

// FileStore keeps the token as JSON in a file, written atomically.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) LoadToken() (*oauth2.Token, error) {
	b, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, err
	}
	var tok oauth2.Token
	if err := json.Unmarshal(b, &tok); err != nil {
		return nil, fmt.Errorf("decode token %s: %w", f.path, err)
	}
	return &tok, nil
}

func (f *FileStore) SaveToken(tok *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return err
	}
	b, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStore) DeleteToken() error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// TokenStore is satisfied by KeyringStore and FileStore.
type TokenStore interface {
	LoadToken() (*oauth2.Token, error)
	SaveToken(tok *oauth2.Token) error
	DeleteToken() error
}

// Open returns the keyring store when useKeyring is set and the keyring can
// be opened, otherwise a token.json file store in configDir.
func Open(configDir string, useKeyring bool) TokenStore {
	if useKeyring {
		if ks, err := OpenKeyring(configDir); err == nil {
			return ks
		}
	}
	return NewFileStore(filepath.Join(configDir, "token.json"))
}
