// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package link

import (
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// ValidateKey checks that key can be used for packet authentication.
// An empty key is valid and disables authentication.
func ValidateKey(key []byte) error {
	if len(key) > MaxKeySize {
		return fmt.Errorf("link key too long: %d bytes (max %d)", len(key), MaxKeySize)
	}
	return nil
}

// ComputeTag returns the keyed BLAKE2b-256 tag of data
func ComputeTag(key, data []byte) ([]byte, error) {
	h, err := blake2b.New256(key)
	if err != nil {
		return nil, fmt.Errorf("link: tag: %w", err)
	}
	h.Write(data)
	return h.Sum(nil), nil
}

// VerifyTag reports whether tag authenticates data under key.
// The comparison runs in constant time.
func VerifyTag(key, data, tag []byte) bool {
	want, err := ComputeTag(key, data)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(want, tag) == 1
}
