package util

import (
	"fmt"
	"strconv"
	"strings"
)

const MaxPort = 65535

// ValidatePort rejects ports outside 1-65535.
func ValidatePort(port int) error {
	if port < 1 || port > MaxPort {
		return fmt.Errorf("port %d out of range 1-%d", port, MaxPort)
	}
	return nil
}

// ParsePort reads a decimal TCP port.
func ParsePort(s string) (int, error) {
	p, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("port %q is not a number", s)
	}
	if err := ValidatePort(p); err != nil {
		return 0, err
	}
	return p, nil
}
