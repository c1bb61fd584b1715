package secrets

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/goherd/internal/config"
	"github.com/nextlevelbuilder/goherd/pkg/protocol"
)

// Well-known key paths consumed by the runtime itself.
const (
	KeyCloudflareDNSToken = "meta/cloudflare/dns_edit_token"
	KeyPostgresDSN        = "meta/postgres/dsn"
)

// Key paths are hierarchical, e.g. meta/cloudflare/dns_edit_token.
var keyPathRe = regexp.MustCompile(`^[a-z0-9_-]+(/[a-z0-9_.-]+)+$`)

// envOverrides maps well-known key paths to environment variables. The
// environment always wins so deployments can inject tokens without
// touching the vault directory.
var envOverrides = map[string]string{
	KeyCloudflareDNSToken: "GOHERD_CLOUDFLARE_API_TOKEN",
	KeyPostgresDSN:        "GOHERD_POSTGRES_DSN",
}

// Vault is a file-backed secrets store: one file per key path under
// the vault directory, mode 0600. It is deliberately boring; anything
// that needs rotation or audit belongs in a real secrets manager.
type Vault struct {
	dir string
	log *slog.Logger
	mu  sync.RWMutex
}

func NewVault(cfg config.SecretsConfig, log *slog.Logger) *Vault {
	return &Vault{dir: config.ExpandHome(cfg.VaultDir()), log: log}
}

// Get returns the secret at keyPath. Environment overrides win over
// vault files. The value itself is never logged.
func (v *Vault) Get(keyPath string) (string, error) {
	if err := validatePath(keyPath); err != nil {
		return "", err
	}
	if env, ok := envOverrides[keyPath]; ok {
		if val := os.Getenv(env); val != "" {
			return val, nil
		}
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	data, err := os.ReadFile(v.filePath(keyPath))
	if os.IsNotExist(err) {
		return "", protocol.Errorf(protocol.KindNotFound, "no secret at %s", keyPath).
			WithRecommendation("store it with secrets.set")
	}
	if err != nil {
		return "", fmt.Errorf("read secret %s: %w", keyPath, err)
	}
	return strings.TrimRight(string(data), "\n"), nil
}

// Set writes the secret, creating parent directories as needed.
func (v *Vault) Set(keyPath, value string) error {
	if err := validatePath(keyPath); err != nil {
		return err
	}
	if value == "" {
		return protocol.Errorf(protocol.KindValidation, "empty secret value")
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	path := v.filePath(keyPath)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create vault dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(value), 0600); err != nil {
		return fmt.Errorf("write secret %s: %w", keyPath, err)
	}
	v.log.Info("secrets.stored", "key_path", keyPath)
	return nil
}

// Delete removes the secret. Missing keys are not_found.
func (v *Vault) Delete(keyPath string) error {
	if err := validatePath(keyPath); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	err := os.Remove(v.filePath(keyPath))
	if os.IsNotExist(err) {
		return protocol.Errorf(protocol.KindNotFound, "no secret at %s", keyPath)
	}
	if err == nil {
		v.log.Info("secrets.deleted", "key_path", keyPath)
	}
	return err
}

// List returns the key paths under a prefix ("" for all). Values are
// not included.
func (v *Vault) List(prefix string) ([]string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var out []string
	root := v.dir
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, rerr := filepath.Rel(root, path)
		if rerr != nil {
			return rerr
		}
		key := filepath.ToSlash(rel)
		if prefix == "" || strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (v *Vault) filePath(keyPath string) string {
	return filepath.Join(v.dir, filepath.FromSlash(keyPath))
}

func validatePath(keyPath string) error {
	if !keyPathRe.MatchString(keyPath) || strings.Contains(keyPath, "..") {
		return protocol.Errorf(protocol.KindValidation,
			"invalid key path %q", keyPath).
			WithRecommendation("use hierarchical lowercase paths like meta/cloudflare/dns_edit_token")
	}
	return nil
}
