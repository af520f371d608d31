package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// ConfigFileEnv names the environment variable pointing at an optional
// YAML/JSON/TOML config file. Environment variables always win over it.
const ConfigFileEnv = "CONFIG_FILE"

// newViper returns a viper instance that resolves keys from the environment
// (upper-cased key names) and, when present, from the CONFIG_FILE file.
func newViper(defaults map[string]any) (*viper.Viper, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if path, ok := os.LookupEnv(ConfigFileEnv); ok && strings.TrimSpace(path) != "" {
		v.SetConfigFile(strings.TrimSpace(path))
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}
	return v, nil
}

// splitList normalises comma separated values that arrive as a single
// environment string.
func splitList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
