package main

import (
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// parseDays accepts a time.Duration or a whole number of days ("90d"). An
// empty string yields zero, meaning the default.
func parseDays(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			return 0, errors.Newf("invalid validity %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, errors.Newf("invalid validity %q", s)
	}
	return d, nil
}
