package server

import (
	"errors"
	"strconv"
	"strings"
)

var errInvalidInt = errors.New("invalid_int")

// parseOptionalInt returns 0 for an empty value.
func parseOptionalInt(value string) (int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil || parsed < 0 {
		return 0, errInvalidInt
	}
	return parsed, nil
}
