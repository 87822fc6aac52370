// Package validation provides validation functions for firewall rule settings.
// Port syntax follows the Vultr API: a single port ("22") or an inclusive
// range written "low:high" ("8000:8100").
package validation

import (
	"fmt"
	"strconv"
	"strings"
)

// isNum returns true if the byte is an ASCII digit.
func isNum(b byte) bool {
	return b >= '0' && b <= '9'
}

// parsePortNumber parses a decimal port in 1-65535.
func parsePortNumber(s string) (int, error) {
	if s == "" {
		return 0, fmt.Errorf("port must not be empty")
	}
	for _, b := range []byte(s) {
		if !isNum(b) {
			return 0, fmt.Errorf("port %q must only contain digits", s)
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 65535 {
		return 0, fmt.Errorf("port %q must be between 1 and 65535", s)
	}
	return n, nil
}

// ValidatePort validates a single port or a port range.
func ValidatePort(port string) error {
	low, high, isRange := strings.Cut(port, ":")
	lo, err := parsePortNumber(low)
	if err != nil {
		return err
	}
	if !isRange {
		return nil
	}
	hi, err := parsePortNumber(high)
	if err != nil {
		return err
	}
	if lo >= hi {
		return fmt.Errorf("port range %q must be ascending", port)
	}
	return nil
}

// ValidatePortList validates every entry of a port list and reports duplicates.
func ValidatePortList(field string, ports []string) ValidationErrors {
	var errs ValidationErrors
	seen := make(map[string]bool, len(ports))
	for _, port := range ports {
		if err := ValidatePort(port); err != nil {
			errs.Add(field, port, err.Error())
			continue
		}
		if seen[port] {
			errs.Add(field, port, "port is listed more than once")
		}
		seen[port] = true
	}
	return errs
}

// ValidateOneOf checks that value is one of the allowed values.
func ValidateOneOf(value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("must be one of: %s", strings.Join(allowed, ", "))
}
