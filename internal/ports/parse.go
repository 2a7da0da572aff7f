package ports

import (
	"os"
	"strconv"
	"strings"
)

// EnvPort reads a port number from an environment variable, falling back
// when unset or malformed.
func EnvPort(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	if port, ok := ParsePortNumber(value); ok {
		return port
	}
	return fallback
}

func ParsePortNumber(value string) (int, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	port, err := strconv.Atoi(value)
	if err != nil || port <= 0 || port > 65535 {
		return 0, false
	}
	return port, true
}
