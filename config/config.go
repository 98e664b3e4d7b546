package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"walletmesh/crypto"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration for a wallet mesh node. TOML is the
// primary format; files ending in .yaml or .yml are decoded as YAML.
type Config struct {
	DataDir      string   `toml:"DataDir" yaml:"data_dir"`
	NetworkName  string   `toml:"NetworkName" yaml:"network_name"`
	KeystorePath string   `toml:"KeystorePath" yaml:"keystore_path"`
	Bootnodes    []string `toml:"Bootnodes,omitempty" yaml:"bootnodes,omitempty"`

	Mesh      Mesh      `toml:"Mesh" yaml:"mesh"`
	Queue     Queue     `toml:"Queue" yaml:"queue"`
	Transport Transport `toml:"Transport" yaml:"transport"`
	Logging   Logging   `toml:"Logging" yaml:"logging"`
	Telemetry Telemetry `toml:"Telemetry" yaml:"telemetry"`
}

// Load loads the configuration from the given path, creating a default file
// (and a node keystore next to it) when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if isYAML(path) {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, err
		}
	} else {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, err
		}
		for _, undecoded := range meta.Undecoded() {
			if len(undecoded) == 1 && undecoded[0] == "NodeKey" {
				return nil, fmt.Errorf("config file %s carries a raw NodeKey; move the key into a keystore and set KeystorePath", path)
			}
		}
	}

	if err := ensureKeystore(path, cfg); err != nil {
		return nil, err
	}

	cfg.normalize()
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() {
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "walletmesh-local"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./walletmesh-data"
	}
	// Bootnodes predates the Transport section; fold it into the bootstrap list.
	if len(cfg.Bootnodes) > 0 && len(cfg.Transport.Bootstrap) == 0 {
		cfg.Transport.Bootstrap = append([]string{}, cfg.Bootnodes...)
	}
	cfg.Bootnodes = nil

	cfg.Mesh.normalize()
	cfg.Queue.normalize()
	cfg.Transport.normalize()
	cfg.Logging.normalize()
}

func ensureKeystore(configPath string, cfg *Config) error {
	keystorePath := cfg.KeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.KeystorePath != keystorePath {
		cfg.KeystorePath = keystorePath
		return persist(configPath, cfg)
	}

	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:     "./walletmesh-data",
		NetworkName: "walletmesh-local",
	}
	cfg.KeystorePath = keystorePath
	cfg.normalize()

	if err := persist(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if isYAML(path) {
		enc := yaml.NewEncoder(f)
		if err := enc.Encode(cfg); err != nil {
			return err
		}
		return enc.Close()
	}
	return toml.NewEncoder(f).Encode(cfg)
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "node.keystore")
}
