package infra

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/eliteGoblin/focusd/app_lock/internal/domain"
)

const (
	keyFileName = ".dbkey"
	keySize     = 32 // 256-bit SQLCipher key for applock.db
)

// FileKeyProvider keeps the applock.db key in a 0600 file in the data
// directory. Whoever can read it can read the credential hashes and any
// queued unlock request, so it is owner-only like the database itself.
type FileKeyProvider struct {
	keyPath string
}

// NewFileKeyProvider creates a FileKeyProvider for a data directory
// (~/.applock or /var/lib/applock).
func NewFileKeyProvider(dataDir string) *FileKeyProvider {
	return &FileKeyProvider{keyPath: filepath.Join(dataDir, keyFileName)}
}

// GetKey reads the base64 key written by StoreKey. A key file other users
// can access is refused.
func (p *FileKeyProvider) GetKey() ([]byte, error) {
	info, err := os.Stat(p.keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	// Windows reports synthetic modes; ACLs guard the file there.
	if perm := info.Mode().Perm(); runtime.GOOS != "windows" && perm&0077 != 0 {
		return nil, fmt.Errorf("key file %s is accessible by other users (mode %04o); run chmod 600", p.keyPath, perm)
	}
	encoded, err := os.ReadFile(p.keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(encoded)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode key: %w", err)
	}
	if err := checkKeySize(key); err != nil {
		return nil, err
	}
	return key, nil
}

// StoreKey writes the key, creating the data directory on first run.
func (p *FileKeyProvider) StoreKey(key []byte) error {
	if err := checkKeySize(key); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p.keyPath), 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(p.keyPath, []byte(encoded), 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// KeyExists reports whether applock has been initialized in this data directory.
func (p *FileKeyProvider) KeyExists() bool {
	_, err := os.Stat(p.keyPath)
	return err == nil
}

func checkKeySize(key []byte) error {
	if len(key) != keySize {
		return fmt.Errorf("invalid key size: got %d, want %d", len(key), keySize)
	}
	return nil
}

// GenerateKey creates a random key for a new applock.db.
func GenerateKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}
	return key, nil
}

// EnsureKey returns the stored key. The first command run against a data
// directory generates it.
func EnsureKey(provider domain.KeyProvider) ([]byte, error) {
	if provider.KeyExists() {
		return provider.GetKey()
	}
	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := provider.StoreKey(key); err != nil {
		return nil, err
	}
	return key, nil
}

// OpenStore opens applock.db in dataDir. Every command goes through here,
// so the daemon and `applock unlock` in another shell share one key.
func OpenStore(dataDir string) (*EncryptedStore, error) {
	key, err := EnsureKey(NewFileKeyProvider(dataDir))
	if err != nil {
		return nil, fmt.Errorf("failed to load database key: %w", err)
	}
	return NewEncryptedStore(dataDir, key)
}

// Ensure FileKeyProvider implements domain.KeyProvider.
var _ domain.KeyProvider = (*FileKeyProvider)(nil)
