package config

import (
	"os"
	"path/filepath"
	"strings"
)

// Environments selected through APP_ENV.
const (
	EnvironmentDevelopment = "development"
	EnvironmentStaging     = "staging"
	EnvironmentProduction  = "production"
)

// DefaultPath is the configuration file used when none is given.
const DefaultPath = "config/config.yml"

var environmentAliases = map[string]string{
	"dev":   EnvironmentDevelopment,
	"stage": EnvironmentStaging,
	"stag":  EnvironmentStaging,
	"prod":  EnvironmentProduction,
}

// AppEnvironment returns the canonical APP_ENV value, development when unset.
func AppEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv("APP_ENV")))
	if env == "" {
		return EnvironmentDevelopment
	}
	if canonical, ok := environmentAliases[env]; ok {
		return canonical
	}
	return env
}

// ResolvePath swaps the default path for config/config.<env>.yml when that
// file exists. Explicit paths are returned untouched.
func ResolvePath(path string) string {
	if path == "" {
		path = DefaultPath
	}
	if path != DefaultPath {
		return path
	}

	ext := filepath.Ext(DefaultPath)
	envPath := strings.TrimSuffix(DefaultPath, ext) + "." + AppEnvironment() + ext
	if _, err := os.Stat(envPath); err == nil {
		return envPath
	}
	return path
}

// IsProductionLike reports whether env refuses to start with incomplete sink
// credentials.
func IsProductionLike(env string) bool {
	return env == EnvironmentProduction || env == EnvironmentStaging
}
