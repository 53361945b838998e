// Package identity derives the values a registration carries: the state
// token that ties the two handshake steps together, and the nickname and
// Discord roles worked out from a Pretix order.  Nothing in here performs
// I/O apart from reading the optional role table file at start-up.
package identity

import "crypto/rand"

// StateTokenLength is the number of symbols in a state token.
const StateTokenLength = 23

// stateTokenAlphabet is letters, digits and four punctuation symbols (66
// in all).
const stateTokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789.,-:"

// acceptBelow is the largest multiple of the alphabet size that fits in a
// byte.  Bytes at or above it are discarded so every symbol is equally
// likely.
const acceptBelow = 256 / len(stateTokenAlphabet) * len(stateTokenAlphabet)

// GenerateStateToken returns a fresh, unguessable state token drawn
// uniformly from stateTokenAlphabet using crypto/rand.
func GenerateStateToken() string {
	out := make([]byte, 0, StateTokenLength)
	buf := make([]byte, StateTokenLength*2)
	for len(out) < StateTokenLength {
		// crypto/rand.Read never returns an error on supported platforms; it
		// panics internally if the system source is broken.
		_, _ = rand.Read(buf)
		for _, b := range buf {
			if int(b) >= acceptBelow {
				continue
			}
			out = append(out, stateTokenAlphabet[int(b)%len(stateTokenAlphabet)])
			if len(out) == StateTokenLength {
				break
			}
		}
	}
	return string(out)
}
