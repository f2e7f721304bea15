package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Signature returns a content fingerprint of a run sequence.
//
// Two sequences have the same signature if and only if their canonical JSON
// encodings are identical, including order. A nil and an empty sequence
// produce the same signature.
func Signature(runs []RunRecord) (string, error) {
	if runs == nil {
		runs = []RunRecord{}
	}
	b, err := json.Marshal(runs)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
