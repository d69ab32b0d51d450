package config

import (
	"os"
	"path/filepath"
)

// IstotaPath returns the root directory for istota data.
// It uses $ISTOTA_PATH if set, otherwise defaults to ~/.istota.
func IstotaPath() string {
	if v := os.Getenv("ISTOTA_PATH"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".istota")
	}
	return filepath.Join(home, ".istota")
}

// ConfigPath returns the path to the istota config file.
func ConfigPath() string {
	return filepath.Join(IstotaPath(), "config.toml")
}
