// Package geo reduces client coordinates to coarse geohash cells.
// Raw coordinates are never returned or stored; only a short prefix leaves this package.
package geo

import (
	"errors"
	"strings"
)

// PrefixPrecision is the geohash length kept for presence records.
// Four characters is a cell of roughly 39 km by 20 km.
const PrefixPrecision = 4

// ErrInvalidCoordinates is returned for out-of-range latitude or longitude.
var ErrInvalidCoordinates = errors.New("coordinates out of range")

// base32 is the geohash alphabet; it excludes 'a', 'i', 'l' and 'o'.
const base32 = "0123456789bcdefghjkmnpqrstuvwxyz"

// Encode encodes latitude and longitude into a geohash of the given length.
// A precision below 1 uses PrefixPrecision.
func Encode(lat, lng float64, precision int) string {
	if precision < 1 {
		precision = PrefixPrecision
	}

	latRange := [2]float64{-90.0, 90.0}
	lngRange := [2]float64{-180.0, 180.0}

	var out strings.Builder
	out.Grow(precision)

	bits := 0
	var ch uint
	even := true
	for out.Len() < precision {
		if even {
			mid := (lngRange[0] + lngRange[1]) / 2
			if lng > mid {
				ch |= 1 << (4 - bits)
				lngRange[0] = mid
			} else {
				lngRange[1] = mid
			}
		} else {
			mid := (latRange[0] + latRange[1]) / 2
			if lat > mid {
				ch |= 1 << (4 - bits)
				latRange[0] = mid
			} else {
				latRange[1] = mid
			}
		}

		even = !even
		bits++
		if bits == 5 {
			out.WriteByte(base32[ch])
			bits = 0
			ch = 0
		}
	}
	return out.String()
}

// Prefix returns the PrefixPrecision cell containing the point.
// Both coordinates must be present; a missing pair yields "" and no error.
func Prefix(lat, lng *float64) (string, error) {
	if lat == nil || lng == nil {
		return "", nil
	}
	if *lat < -90 || *lat > 90 || *lng < -180 || *lng > 180 {
		return "", ErrInvalidCoordinates
	}
	return Encode(*lat, *lng, PrefixPrecision), nil
}

// RoundGeohash truncates a client-supplied geohash to precision characters.
// Returns "" for empty input, a non-positive precision or characters outside the alphabet.
func RoundGeohash(input string, precision int) string {
	if input == "" || precision < 1 {
		return ""
	}

	lower := strings.ToLower(input)
	for _, c := range lower {
		if !strings.ContainsRune(base32, c) {
			return ""
		}
	}
	if len(lower) <= precision {
		return lower
	}
	return lower[:precision]
}
