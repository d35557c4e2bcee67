package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	KDF_LEGACY = "legacy"
	KDF_PBKDF2 = "pbkdf2"

	// DEFAULT_SALT is the static salt mixed into the password digest. Both
	// peers must share it for key material to line up.
	DEFAULT_SALT = "0fRYzuq0"

	DEFAULT_CHUNK_SIZE = 4096
)

type Config struct {
	DownloadPath string
	ChunkSize    int
	Salt         string
	KDF          string
	HostBind     string
}

// LoadConfig reads settings from an optional myshell.yaml (working directory
// or ~/.myshell), the MYSHELL_* environment, and built-in defaults. A missing
// config file is not an error; an explicitly named one must exist.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetDefault("download.path", "myshell-downloads")
	v.SetDefault("transfer.chunk_size", DEFAULT_CHUNK_SIZE)
	v.SetDefault("encryption.salt", DEFAULT_SALT)
	v.SetDefault("encryption.kdf", KDF_LEGACY)
	v.SetDefault("host.bind", "0.0.0.0")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("myshell")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".myshell"))
		}
	}

	v.SetEnvPrefix("MYSHELL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("error reading config: %w", err)
		}
	}

	cfg := Config{
		DownloadPath: v.GetString("download.path"),
		ChunkSize:    v.GetInt("transfer.chunk_size"),
		Salt:         v.GetString("encryption.salt"),
		KDF:          v.GetString("encryption.kdf"),
		HostBind:     v.GetString("host.bind"),
	}

	if cfg.KDF != KDF_LEGACY && cfg.KDF != KDF_PBKDF2 {
		return Config{}, fmt.Errorf("unknown encryption.kdf %q, want %q or %q", cfg.KDF, KDF_LEGACY, KDF_PBKDF2)
	}
	if cfg.ChunkSize <= 0 {
		return Config{}, fmt.Errorf("transfer.chunk_size must be positive, got %d", cfg.ChunkSize)
	}

	return cfg, nil
}
