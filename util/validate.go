// Copyright (c) 2019 Mailvelope GmbH.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package util

import (
	"regexp"
	"strings"
)

var (
	emailRx       = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9-]+(\.[a-zA-Z0-9-]+)*\.[a-zA-Z]{2,}$`)
	keyIDRx       = regexp.MustCompile(`^[a-f0-9]{16}$`)
	fingerprintRx = regexp.MustCompile(`^[a-f0-9]{40}$`)
	nonceRx       = regexp.MustCompile(`^[a-f0-9]{32}$`)
)

// IsEmail returns true if the given string is a valid email address
// (local@domain.tld with a TLD of at least two characters).
func IsEmail(s string) bool {
	return emailRx.MatchString(s)
}

// IsKeyID returns true if the given string is a 16 character lowercase
// hex key ID.
func IsKeyID(s string) bool {
	return keyIDRx.MatchString(s)
}

// IsFingerprint returns true if the given string is a 40 character
// lowercase hex v4 fingerprint.
func IsFingerprint(s string) bool {
	return fingerprintRx.MatchString(s)
}

// IsNonce returns true if the given string is a 32 character lowercase
// hex nonce.
func IsNonce(s string) bool {
	return nonceRx.MatchString(s)
}

// NormalizeEmail lowercases and trims the given email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
