// Package token generates the opaque credential tokens this simulator
// hands to peers.
package token

import (
	"strings"

	"github.com/google/uuid"
)

// Generate returns a time-ordered UUIDv7 rendered as 32 lowercase hex
// characters without dashes.
func Generate() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(id.String(), "-", ""), nil
}

// Mask hides all but the edges of a token for display.
func Mask(tok *string) string {
	if tok == nil || *tok == "" {
		return "(not set)"
	}
	t := *tok
	if len(t) <= 8 {
		return "***"
	}
	return t[:4] + "***" + t[len(t)-4:]
}
