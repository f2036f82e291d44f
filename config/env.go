package config

import (
	"os"
	"strconv"
	"strings"
)

// BoolEnv reads a boolean switch. Unset or unrecognised values yield
// defaultValue.
func BoolEnv(name string, defaultValue bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if v == "" {
		return defaultValue
	}

	switch v {
	case "1", "true", "on", "yes":
		return true
	case "0", "false", "off", "no":
		return false
	default:
		return defaultValue
	}
}

// IntEnvClamped reads an integer and clamps it to [minValue, maxValue].
// Unset or malformed values yield defaultValue unclamped.
func IntEnvClamped(name string, defaultValue, minValue, maxValue int) int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return defaultValue
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}

	if minValue <= maxValue {
		if n < minValue {
			n = minValue
		}
		if n > maxValue {
			n = maxValue
		}
	}

	return n
}

// StringEnv returns the trimmed variable, or defaultValue when unset.
func StringEnv(name, defaultValue string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return defaultValue
}
