// Package idgen generates hash-based IDs for backline entities.
//
// IDs are short, stable, and prefixed by entity kind:
//
//	ing-3kf92x  canonical ingredient mapping
//	wst-9q1mc2  waste event
//	rpt-7ah03d  reasoning report
//	act-1zv8kp  action plan
package idgen

import (
	"crypto/sha256"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Entity prefixes. Kept short so IDs stay readable in CLI output.
const (
	PrefixIngredient = "ing"
	PrefixWasteEvent = "wst"
	PrefixReport     = "rpt"
	PrefixPlan       = "act"
)

// DefaultLength is the base36 suffix length used for new IDs.
// 6 chars of base36 over 4 hash bytes keeps collisions rare at catalog
// scale; callers retry with a nonce on the occasional collision.
const DefaultLength = 6

// base36Alphabet is the character set for base36 encoding (0-9, a-z).
const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// EncodeBase36 converts a byte slice to a base36 string of specified length.
func EncodeBase36(data []byte, length int) string {
	num := new(big.Int).SetBytes(data)

	var result strings.Builder
	base := big.NewInt(36)
	zero := big.NewInt(0)
	mod := new(big.Int)

	// Build the string in reverse
	chars := make([]byte, 0, length)
	for num.Cmp(zero) > 0 {
		num.DivMod(num, base, mod)
		chars = append(chars, base36Alphabet[mod.Int64()])
	}
	for i := len(chars) - 1; i >= 0; i-- {
		result.WriteByte(chars[i])
	}

	// Pad with zeros if needed
	str := result.String()
	if len(str) < length {
		str = strings.Repeat("0", length-len(str)) + str
	}

	// Truncate to exact length if needed (keep least significant digits)
	if len(str) > length {
		str = str[len(str)-length:]
	}

	return str
}

// New creates a hash-based ID from the given content parts.
// The nonce handles hash collisions: on a collision the caller bumps
// the nonce and tries again.
func New(prefix string, timestamp time.Time, nonce int, parts ...string) string {
	content := fmt.Sprintf("%s|%d|%d", strings.Join(parts, "|"), timestamp.UnixNano(), nonce)
	hash := sha256.Sum256([]byte(content))

	// 4 bytes = 32 bits ≈ 6.18 base36 chars
	return fmt.Sprintf("%s-%s", prefix, EncodeBase36(hash[:4], DefaultLength))
}

// HasPrefix reports whether id carries the given entity prefix.
func HasPrefix(id, prefix string) bool {
	return strings.HasPrefix(id, prefix+"-")
}
