package util

import "strings"

// DefaultString returns fallback if v is blank, otherwise v unchanged.
func DefaultString(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

// EmptyDash renders blank optional fields as "-" in tables.
func EmptyDash(s string) string {
	return DefaultString(s, "-")
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
