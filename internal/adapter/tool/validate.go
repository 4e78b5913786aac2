package tool

import (
	"fmt"
	"slices"
	"strings"

	"agentd/internal/domain"
)

// ArgError reports one argument that failed a handler-side check. Execute
// turns it into an InvalidArguments result instead of a handler failure.
type ArgError struct {
	Field  string
	Reason string
}

func (e *ArgError) Error() string { return e.Reason }

func (e *ArgError) Unwrap() error { return domain.ErrInvalidArguments }

func argErr(field, format string, args ...any) *ArgError {
	return &ArgError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Required fails on an empty string.
func Required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return argErr(field, "'%s' is required", field)
	}
	return nil
}

// InRange checks lo <= value <= hi.
func InRange(field string, value, lo, hi int) error {
	if value < lo || value > hi {
		return argErr(field, "%s must be %d-%d", field, lo, hi)
	}
	return nil
}

// OneOf accepts an empty value as unset.
func OneOf(field, value string, allowed ...string) error {
	if value == "" || slices.Contains(allowed, value) {
		return nil
	}
	return argErr(field, "invalid %s %q (want: %s)", field, value, strings.Join(allowed, ", "))
}

// MaxLen bounds value in bytes.
func MaxLen(field, value string, limit int) error {
	if len(value) > limit {
		return argErr(field, "%s exceeds maximum length of %d", field, limit)
	}
	return nil
}

// Check returns the first failed check.
//
//	if err := Check(Required("text", p.Text), MaxLen("text", p.Text, 4096)); err != nil { ... }
func Check(checks ...error) error {
	for _, err := range checks {
		if err != nil {
			return err
		}
	}
	return nil
}
