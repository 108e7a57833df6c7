// Copyright (c) 2019 Mailvelope GmbH.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pgpkey

import (
	"errors"
)

// ErrParse is raised when armored input cannot be parsed as an OpenPGP
// public key block.
var ErrParse = errors.New("pgpkey: failed to parse PGP key")

// ErrPrivateKey is raised when the uploaded material contains a private key.
var ErrPrivateKey = errors.New("pgpkey: key material contains a private key")

// ErrKeyVersion is raised when the primary key is not a version 4 key.
var ErrKeyVersion = errors.New("pgpkey: primary key is not a v4 key")

// ErrKeyRevoked is raised when the primary key carries a valid revocation
// signature.
var ErrKeyRevoked = errors.New("pgpkey: primary key is revoked")

// ErrKeyExpired is raised when all self-signatures of the primary key are
// expired.
var ErrKeyExpired = errors.New("pgpkey: primary key is expired")

// ErrKeyInvalid is raised when the primary key has neither a valid signing
// nor a valid encryption-capable key.
var ErrKeyInvalid = errors.New("pgpkey: primary key verification failed")

// ErrNoEmail is raised when no user ID of the key carries an email address.
var ErrNoEmail = errors.New("pgpkey: invalid PGP key: no user ID with email address found")

// ErrNoUserID is raised when purification leaves a key without any user ID.
var ErrNoUserID = errors.New("pgpkey: invalid PGP key: no valid user IDs left")

// ErrTooManyUsers is raised when a key claims more user IDs than the
// purification policy allows.
var ErrTooManyUsers = errors.New("pgpkey: invalid PGP key: too many user IDs")

// ErrTooManySubkeys is raised when a key carries more subkeys than the
// purification policy allows.
var ErrTooManySubkeys = errors.New("pgpkey: invalid PGP key: too many subkeys")

// ErrPacketSize is raised when the primary key packet exceeds the maximum
// packet size of the purification policy.
var ErrPacketSize = errors.New("pgpkey: invalid PGP key: primary key packet too large")

// ErrKeySize is raised when the serialized key exceeds the maximum key size
// of the purification policy.
var ErrKeySize = errors.New("pgpkey: invalid PGP key: key too large")

// ErrNoEncryptionKey is raised when a filtered key no longer carries a
// valid encryption-capable key.
var ErrNoEncryptionKey = errors.New("pgpkey: key is not valid for encryption")

// ErrUserIDNotFound is raised when a user ID with the given email address
// is not part of the key.
var ErrUserIDNotFound = errors.New("pgpkey: user ID not found")

// ErrFingerprintMismatch is raised when two keys with different
// fingerprints are merged.
var ErrFingerprintMismatch = errors.New("pgpkey: fingerprint mismatch")
