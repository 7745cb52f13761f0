package ai

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"wechatbot/pkg/config"
)

var ErrNoActiveKeys = errors.New("no active API keys")

// keysFile is the on-disk layout of the persisted key pools.
type keysFile struct {
	Providers map[string]config.KeyPoolConfig `yaml:"providers"`
}

// KeyStore tracks active and exhausted API keys per provider. When a path is
// set, every change is written back so exhausted keys stay retired across
// restarts.
type KeyStore struct {
	mu    sync.Mutex
	pools map[string]*config.KeyPoolConfig
	path  string
	log   *slog.Logger
}

// NewKeyStore seeds the pools from the provider config and, when path names
// an existing file, replaces them with the persisted pools.
func NewKeyStore(providers map[string]config.ProviderConfig, path string, log *slog.Logger) (*KeyStore, error) {
	if log == nil {
		log = slog.Default()
	}

	s := &KeyStore{
		pools: make(map[string]*config.KeyPoolConfig, len(providers)),
		path:  strings.TrimSpace(path),
		log:   log.With("component", "ai.keys"),
	}
	for name, provider := range providers {
		s.pools[name] = &config.KeyPoolConfig{
			Active:    normalizeKeys(provider.APIKeys.Active),
			Exhausted: normalizeKeys(provider.APIKeys.Exhausted),
		}
	}

	if s.path == "" {
		return s, nil
	}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read keys file: %w", err)
	}

	var persisted keysFile
	if err := yaml.Unmarshal(data, &persisted); err != nil {
		return nil, fmt.Errorf("parse keys file %s: %w", s.path, err)
	}
	for name, pool := range persisted.Providers {
		s.pools[name] = &config.KeyPoolConfig{
			Active:    normalizeKeys(pool.Active),
			Exhausted: normalizeKeys(pool.Exhausted),
		}
	}

	return s, nil
}

// Random returns a random active key for provider.
func (s *KeyStore) Random(provider string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pool, ok := s.pools[provider]
	if !ok || len(pool.Active) == 0 {
		return "", fmt.Errorf("%w for provider %q", ErrNoActiveKeys, provider)
	}

	return pool.Active[rand.IntN(len(pool.Active))], nil
}

// MarkExhausted moves key from the active to the exhausted pool. Unknown keys
// are ignored.
func (s *KeyStore) MarkExhausted(provider string, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pool, ok := s.pools[provider]
	if !ok {
		return nil
	}
	idx := slices.Index(pool.Active, key)
	if idx < 0 {
		return nil
	}

	pool.Active = slices.Delete(pool.Active, idx, idx+1)
	pool.Exhausted = append(pool.Exhausted, key)
	s.log.Info("API key marked as exhausted", "provider", provider, "key", maskKey(key), "active_left", len(pool.Active))

	return s.saveLocked()
}

// Counts returns the number of active and exhausted keys for provider.
func (s *KeyStore) Counts(provider string) (active int, exhausted int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pool, ok := s.pools[provider]
	if !ok {
		return 0, 0
	}

	return len(pool.Active), len(pool.Exhausted)
}

func (s *KeyStore) saveLocked() error {
	if s.path == "" {
		return nil
	}

	out := keysFile{Providers: make(map[string]config.KeyPoolConfig, len(s.pools))}
	for name, pool := range s.pools {
		out.Providers[name] = config.KeyPoolConfig{
			Active:    slices.Clone(pool.Active),
			Exhausted: slices.Clone(pool.Exhausted),
		}
	}

	data, err := yaml.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode keys file: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create keys dir: %w", err)
		}
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write keys file: %w", err)
	}

	return nil
}

func normalizeKeys(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		if key = strings.TrimSpace(key); key != "" && !slices.Contains(out, key) {
			out = append(out, key)
		}
	}

	return out
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return "***"
	}

	return key[:8] + "***"
}
