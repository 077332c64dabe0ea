package config

import (
	"fmt"
	"strconv"
	"strings"
)

// KeyInfo describes one config key for display.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll lists every key with its effective value from cfg.
func ShowAll(cfg Config) []KeyInfo {
	var infos []KeyInfo
	for _, s := range specs {
		infos = append(infos, KeyInfo{
			Key:    s.key,
			EnvVar: s.env,
			Value:  fmt.Sprintf("%v", s.extract(cfg)),
		})
	}
	return infos
}

// SetKey validates value against the key's check and persists it to the
// config file. Unknown keys and values the check rejects return an error
// without touching the file.
func SetKey(key, value string) error {
	for _, s := range specs {
		if s.key == key {
			return setSpec(s, value)
		}
	}
	return fmt.Errorf("unknown config key %q (valid keys: %s)", key, strings.Join(ValidKeys(), ", "))
}

func setSpec(s keySpec, value string) error {
	switch s.typ {
	case kInt:
		i, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s takes an integer: %w", s.key, err)
		}
		if s.check != nil {
			if err := s.check(i); err != nil {
				return fmt.Errorf("invalid value for %s: %w", s.key, err)
			}
		}
		return newFileBackend().SetInt(s.key, i)
	default:
		if s.check != nil {
			if err := s.check(value); err != nil {
				return fmt.Errorf("invalid value for %s: %w", s.key, err)
			}
		}
		return newFileBackend().SetString(s.key, value)
	}
}

// ValidKeys returns the dotted names of every config key.
func ValidKeys() []string {
	keys := make([]string, len(specs))
	for i, s := range specs {
		keys[i] = s.key
	}
	return keys
}
