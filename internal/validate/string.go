// Package validate checks client-supplied heartbeat fields before they reach the registry.
package validate

import (
	"errors"
	"fmt"
	"math"
	"net"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Validation errors
var (
	ErrEmpty             = errors.New("value is empty")
	ErrTooLong           = errors.New("value is too long")
	ErrInvalidCharacters = errors.New("value contains invalid characters")
	ErrOutOfRange        = errors.New("value is out of range")
	ErrInvalidIP         = errors.New("invalid ip address")
)

// Field limits.
const (
	MaxIdentifierLength = 128
	MaxTextLength       = 512
)

var (
	identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_.:@\-]+$`)
	countryPattern    = regexp.MustCompile(`^[A-Za-z]{2}$`)
)

// StringConstraints defines validation constraints for a string.
type StringConstraints struct {
	MaxLength      int            // Maximum length in runes (0 = no maximum)
	AllowedPattern *regexp.Regexp // Optional pattern the whole value must match
	AllowEmpty     bool           // Whether empty strings are allowed
}

// String trims s and validates it against the constraints.
func String(s string, constraints StringConstraints) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		if constraints.AllowEmpty {
			return "", nil
		}
		return "", ErrEmpty
	}

	if n := utf8.RuneCountInString(s); constraints.MaxLength > 0 && n > constraints.MaxLength {
		return "", fmt.Errorf("%w: got %d chars, maximum is %d", ErrTooLong, n, constraints.MaxLength)
	}
	if constraints.AllowedPattern != nil && !constraints.AllowedPattern.MatchString(s) {
		return "", fmt.Errorf("%w: does not match required pattern", ErrInvalidCharacters)
	}
	return s, nil
}

// Identifier validates a required opaque id such as a session or user id.
func Identifier(s string) (string, error) {
	return String(s, StringConstraints{
		MaxLength:      MaxIdentifierLength,
		AllowedPattern: identifierPattern,
	})
}

// OptionalIdentifier is Identifier but accepts an empty value.
func OptionalIdentifier(s string) (string, error) {
	return String(s, StringConstraints{
		MaxLength:      MaxIdentifierLength,
		AllowedPattern: identifierPattern,
		AllowEmpty:     true,
	})
}

// Text validates optional free text such as a title or user agent.
// Control characters are removed.
func Text(s string) (string, error) {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	return String(s, StringConstraints{MaxLength: MaxTextLength, AllowEmpty: true})
}

// CountryCode validates an optional ISO 3166-1 alpha-2 code and returns it upper-cased.
func CountryCode(s string) (string, error) {
	code, err := String(s, StringConstraints{AllowedPattern: countryPattern, AllowEmpty: true})
	if err != nil {
		return "", err
	}
	return strings.ToUpper(code), nil
}

// IP validates an optional IPv4 or IPv6 address and returns its canonical form.
func IP(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", nil
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return "", ErrInvalidIP
	}
	return ip.String(), nil
}

// Range checks that an optional number lies within [min, max].
func Range(v *float64, min, max float64) error {
	if v == nil {
		return nil
	}
	if math.IsNaN(*v) || *v < min || *v > max {
		return fmt.Errorf("%w: %v not in [%v, %v]", ErrOutOfRange, *v, min, max)
	}
	return nil
}
