// msgboard/utils/env.go
package utils

import (
	"fmt"
	"os"
	"strings"
)

// GetEnv reads an environment variable or returns a default value.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// ParseEnv overwrites dst with the parsed value of key. An unset or empty key leaves
// dst alone.
func ParseEnv[T any](key string, dst *T, parse func(string) (T, error)) error {
	v := GetEnv(key, "")
	if v == "" {
		return nil
	}
	parsed, err := parse(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = parsed
	return nil
}

// GetEnvList splits a comma separated variable, dropping blank entries. It returns nil
// when the variable is unset.
func GetEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(GetEnv(key, ""), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
