package auth

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

const meetIDDigits = 9

// existsChecker is satisfied by pkg/storage.Store; kept narrow so this
// package does not import storage directly.
type existsChecker interface {
	ExistsAnywhere(meetID string) bool
}

// GenerateMeetID draws a 9-digit decimal id from a cryptographic RNG and
// retries on collision against exists (spec.md §4.2, I5). The returned id
// is unformatted (9 raw digits); use FormatMeetID for display.
func GenerateMeetID(exists existsChecker) (string, error) {
	const maxAttempts = 64
	max := big.NewInt(1_000_000_000) // 10^9, exclusive upper bound

	for i := 0; i < maxAttempts; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generating random meet id: %w", err)
		}
		id := fmt.Sprintf("%09d", n.Int64())
		if !exists.ExistsAnywhere(id) {
			return id, nil
		}
	}
	return "", fmt.Errorf("generating meet id: exhausted %d attempts without finding a free id", maxAttempts)
}

// FormatMeetID renders a canonical 9-digit id grouped as "NNN NNN NNN".
func FormatMeetID(id string) string {
	if len(id) != meetIDDigits {
		return id
	}
	return id[0:3] + " " + id[3:6] + " " + id[6:9]
}

// CanonicalizeMeetID strips spaces/formatting and validates that the
// result is exactly 9 decimal digits, as required for every meet_id field
// in spec.md §6.1.
func CanonicalizeMeetID(raw string) (string, error) {
	stripped := strings.ReplaceAll(raw, " ", "")
	if len(stripped) != meetIDDigits {
		return "", fmt.Errorf("meet id must be %d digits", meetIDDigits)
	}
	for _, r := range stripped {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("meet id must contain only digits")
		}
	}
	return stripped, nil
}
