// Package util provides utility functions for the PatientSim application.
package util

import (
	"math/rand/v2"
	"strings"
)

// RandomIndex returns a uniformly random index in [0, n). It returns 0 when n <= 0.
func RandomIndex(n int) int {
	if n <= 0 {
		return 0
	}
	return rand.IntN(n)
}

// PickRandom returns a random element of items, or false when items is empty.
func PickRandom[T any](items []T) (T, bool) {
	var zero T
	if len(items) == 0 {
		return zero, false
	}
	return items[RandomIndex(len(items))], true
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
// Not suitable for secrets.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.IntN(16)])
	}

	return builder.String()
}

// GenerateRequestID generates a request correlation ID with "req_" prefix.
func GenerateRequestID() string {
	return "req_" + GenerateRandomHex(16)
}
