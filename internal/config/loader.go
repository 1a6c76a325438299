package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// envPattern matches ${VAR} and ${VAR:-fallback} placeholders in the
// raw YAML text.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-((?:[^}\\]|\\.)*))?\}`)

// Load reads the YAML file at path, substitutes environment variables,
// and decodes the result into a Config.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	expanded, err := expandEnv(raw)
	if err != nil {
		return nil, fmt.Errorf("config: expand %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	return &cfg, nil
}

// expandEnv substitutes every ${VAR} and ${VAR:-fallback} placeholder.
// A placeholder with neither an environment value nor a fallback is an
// error; all missing names are reported in one pass.
func expandEnv(raw []byte) ([]byte, error) {
	var errs []error

	result := envPattern.ReplaceAllFunc(raw, func(placeholder []byte) []byte {
		subs := envPattern.FindSubmatch(placeholder)
		name := string(subs[1])

		if value, ok := os.LookupEnv(name); ok {
			return []byte(value)
		}
		// subs[2] is nil when the placeholder carries no fallback; an
		// explicit empty fallback (${VAR:-}) is a participating group.
		if subs[2] != nil {
			return subs[2]
		}

		errs = append(errs, fmt.Errorf("environment variable %s is not set", name))
		return placeholder
	})

	return result, errors.Join(errs...)
}
