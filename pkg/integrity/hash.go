package integrity

import (
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/openfroyo/agentbox/pkg/manifest"
)

// Digest hashes payload with the named algorithm and returns the hex digest.
func Digest(algo string, payload []byte) (string, error) {
	switch algo {
	case manifest.AlgoSHA256:
		sum := sha256.Sum256(payload)
		return hex.EncodeToString(sum[:]), nil
	case manifest.AlgoSHA512:
		sum := sha512.Sum512(payload)
		return hex.EncodeToString(sum[:]), nil
	case manifest.AlgoBLAKE2b256:
		sum := blake2b.Sum256(payload)
		return hex.EncodeToString(sum[:]), nil
	default:
		return "", fmt.Errorf("unsupported hash algorithm %q", algo)
	}
}

// Check hashes payload with the algorithm of the pinned hash and compares.
// It returns the actual "algo:digest" and whether it matches.
func Check(pinned string, payload []byte) (actual string, ok bool, err error) {
	algo, want, err := manifest.ParseHash(pinned)
	if err != nil {
		return "", false, err
	}
	got, err := Digest(algo, payload)
	if err != nil {
		return "", false, err
	}
	return algo + ":" + got, subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1, nil
}
