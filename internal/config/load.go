package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

// DefaultEnvFile is read from the working directory when no file is named.
const DefaultEnvFile = ".env"

// UserEnvFile is the per-user fallback, ~/.config/ec2-ephemeral/env.
func UserEnvFile() string {
	return filepath.Join(xdg.ConfigHome, "ec2-ephemeral", "env")
}

// Load gathers every known key from a dotenv file and the process
// environment, the environment taking precedence. An explicitly named file
// must exist; the default locations are optional.
func Load(envFile string) (map[string]string, error) {
	v := viper.New()
	v.SetConfigType("env")

	candidates := []string{envFile}
	if envFile == "" {
		candidates = []string{DefaultEnvFile, UserEnvFile()}
	}

	for _, path := range candidates {
		v.SetConfigFile(path)
		err := v.ReadInConfig()
		if err == nil {
			break
		}
		if envFile == "" && isNotFound(err) {
			continue
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	keys := append(append([]string{}, Required...), Optional...)
	values := make(map[string]string, len(keys))
	for _, key := range keys {
		if err := v.BindEnv(strings.ToLower(key), key); err != nil {
			return nil, fmt.Errorf("binding %s: %w", key, err)
		}
		if s := v.GetString(strings.ToLower(key)); s != "" {
			values[key] = s
		}
	}
	return values, nil
}

func isNotFound(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)
}
