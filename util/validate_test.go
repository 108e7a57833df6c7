// Copyright (c) 2019 Mailvelope GmbH.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsEmail(t *testing.T) {
	assert.True(t, IsEmail("alice@example.com"))
	assert.True(t, IsEmail("a.b+c@sub.example.io"))
	assert.False(t, IsEmail("alice@example.c"))
	assert.False(t, IsEmail("alice@localhost"))
	assert.False(t, IsEmail("not an email"))
	assert.False(t, IsEmail("<alice@example.com>"))
}

func TestIsKeyID(t *testing.T) {
	assert.True(t, IsKeyID("0123456789abcdef"))
	assert.False(t, IsKeyID("0123456789ABCDEF"))
	assert.False(t, IsKeyID("0123456789abcde"))
	assert.False(t, IsKeyID("0123456789abcdef00"))
}

func TestIsFingerprint(t *testing.T) {
	assert.True(t, IsFingerprint("0123456789abcdef0123456789abcdef01234567"))
	assert.False(t, IsFingerprint("0123456789abcdef"))
}

func TestIsNonce(t *testing.T) {
	assert.True(t, IsNonce("0123456789abcdef0123456789abcdef"))
	assert.False(t, IsNonce("0123456789abcdef"))
}

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "alice@example.com", NormalizeEmail(" Alice@Example.COM "))
}
