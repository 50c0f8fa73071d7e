package config

import (
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/matrix-org/gomatrixserverlib"
	"golang.org/x/crypto/ed25519"
	yaml "gopkg.in/yaml.v2"
)

// The PEM block type and header a server signing key file uses.
const (
	privateKeyBlockType = "MATRIX PRIVATE KEY"
	privateKeyIDHeader  = "Key-ID"
)

// Load reads, defaults and verifies a yaml config file, resolving the
// signing key path relative to the config file's directory.
func Load(configPath string) (*Construct, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	basePath, err := filepath.Abs(filepath.Dir(configPath))
	if err != nil {
		return nil, err
	}
	return loadConfig(basePath, data, os.ReadFile)
}

func loadConfig(basePath string, data []byte, readFile func(string) ([]byte, error)) (*Construct, error) {
	var cfg Construct
	cfg.Defaults(DefaultOpts{})
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.RoomServer.Matrix = &cfg.Global

	if cfg.Global.PrivateKeyPath != "" {
		keyPath := absPath(basePath, cfg.Global.PrivateKeyPath)
		keyData, err := readFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("config: read private key: %w", err)
		}
		keyID, privateKey, err := ReadPrivateKey(keyData)
		if err != nil {
			return nil, fmt.Errorf("config: %s: %w", keyPath, err)
		}
		cfg.Global.KeyID = keyID
		cfg.Global.PrivateKey = privateKey
	}

	if err := cfg.Verify(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func absPath(basePath string, p Path) string {
	if filepath.IsAbs(string(p)) {
		return string(p)
	}
	return filepath.Join(basePath, string(p))
}

// ReadPrivateKey parses a PEM-encoded MATRIX PRIVATE KEY block: the
// Key-ID header names the key, the body is the 32-byte ed25519 seed.
func ReadPrivateKey(data []byte) (gomatrixserverlib.KeyID, ed25519.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return "", nil, fmt.Errorf("no PEM data found")
	}
	if block.Type != privateKeyBlockType {
		return "", nil, fmt.Errorf("unexpected PEM block type %q", block.Type)
	}
	keyID := gomatrixserverlib.KeyID(block.Headers[privateKeyIDHeader])
	if keyID == "" {
		return "", nil, fmt.Errorf("missing %s header", privateKeyIDHeader)
	}
	if len(block.Bytes) != ed25519.SeedSize {
		return "", nil, fmt.Errorf("private key seed is %d bytes, want %d", len(block.Bytes), ed25519.SeedSize)
	}
	return keyID, ed25519.NewKeyFromSeed(block.Bytes), nil
}

// WritePrivateKey serializes a signing key the way ReadPrivateKey
// expects it, used by deployment tooling to mint a fresh key.
func WritePrivateKey(keyID gomatrixserverlib.KeyID, privateKey ed25519.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:    privateKeyBlockType,
		Headers: map[string]string{privateKeyIDHeader: string(keyID)},
		Bytes:   privateKey.Seed(),
	})
}
