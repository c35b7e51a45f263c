// Package runid generates run identifiers used to namespace the artifact
// tree of one training launch on a shared filesystem.
package runid

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
)

// alphabet is the character set for run identifiers. Lowercase alphabetic
// only, so identifiers are safe in paths, hostnames and mesh selectors.
const alphabet = "abcdefghijklmnopqrstuvwxyz"

// DefaultLength is the identifier length used when no explicit length is
// configured.
const DefaultLength = 8

// Generate produces a random alphabetic identifier of the given length.
//
// crypto/rand is used as the randomness source: concurrent launches on the
// same shared filesystem must not derive colliding identifiers from a
// shared seed (time-seeded PRNGs on simultaneously started ranks would).
//
// Parameters:
//   - length: number of characters, must be positive
//
// Returns:
//   - Identifier string of exactly length characters from [a-z]
//   - Error if length is invalid or the randomness source fails
func Generate(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("run id length must be positive, got %d", length)
	}

	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}

	for i, b := range buf {
		buf[i] = alphabet[int(b)%len(alphabet)]
	}

	return string(buf), nil
}

// GenerateUnique produces an identifier that does not collide with any
// existing entry under root.
//
// Candidates are generated and checked against the filesystem until one
// names a non-existent path, up to maxAttempts tries. The check-then-use
// window is not fully race-free across hosts, but combined with the
// randomness source it reduces the collision probability to the point where
// concurrent runs sharing root are safe in practice.
//
// Parameters:
//   - root: shared artifacts root the identifier will namespace
//   - length: identifier length
//   - maxAttempts: number of candidates to try before giving up
//
// Returns:
//   - Unique identifier
//   - Error if all attempts named existing paths or generation failed
func GenerateUnique(root string, length, maxAttempts int) (string, error) {
	if maxAttempts <= 0 {
		return "", fmt.Errorf("max attempts must be positive, got %d", maxAttempts)
	}

	for i := 0; i < maxAttempts; i++ {
		id, err := Generate(length)
		if err != nil {
			return "", err
		}

		// Only a confirmed existing path counts as a collision. Any other
		// stat failure (permissions, a non-directory root) would repeat on
		// every attempt, so surface it instead of exhausting the budget.
		_, err = os.Stat(filepath.Join(root, id))
		switch {
		case os.IsNotExist(err):
			return id, nil
		case err != nil:
			return "", fmt.Errorf("failed to check run id %s under %s: %w", id, root, err)
		}
	}

	return "", fmt.Errorf("failed to find an unused run id under %s after %d attempts", root, maxAttempts)
}
