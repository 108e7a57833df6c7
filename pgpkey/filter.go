// Copyright (c) 2019 Mailvelope GmbH.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pgpkey

import (
	"bytes"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
)

// FilterKeyByUserIDs returns the armored form of the key restricted to the
// user IDs whose email is contained in userIDs. If requireEncryption is
// true the filtered key must still carry a valid encryption-capable key,
// otherwise ErrNoEncryptionKey is returned.
func (c *Codec) FilterKeyByUserIDs(userIDs []UserID, armored string, requireEncryption bool) (string, error) {
	keep := make(map[string]bool, len(userIDs))
	for _, uid := range userIDs {
		keep[uid.Email] = true
	}
	entity, err := readArmoredEntity(armored)
	if err != nil {
		return "", err
	}
	for name, id := range entity.Identities {
		_, email := parseUserIDPacket(id.UserId)
		if !keep[email] {
			delete(entity.Identities, name)
		}
	}
	if len(entity.Identities) == 0 {
		return "", ErrUserIDNotFound
	}
	if requireEncryption {
		if _, ok := entity.EncryptionKey(verificationTime(entity)); !ok {
			return "", ErrNoEncryptionKey
		}
	}
	return Armor(entity)
}

// RemoveUserID returns the armored form of the key without the user ID
// carrying the given email address.
func (c *Codec) RemoveUserID(email, armored string) (string, error) {
	entity, err := readArmoredEntity(armored)
	if err != nil {
		return "", err
	}
	removed := false
	for name, id := range entity.Identities {
		if _, uidEmail := parseUserIDPacket(id.UserId); uidEmail == email {
			delete(entity.Identities, name)
			removed = true
		}
	}
	if !removed {
		return "", ErrUserIDNotFound
	}
	if len(entity.Identities) == 0 {
		return "", ErrNoUserID
	}
	return Armor(entity)
}

// UpdateKey merges srcArmored into dstArmored: new signatures, subkeys,
// user IDs, and revocations of the source are absorbed; conflicting
// material loses to the destination. Both keys must share the same
// fingerprint.
func (c *Codec) UpdateKey(dstArmored, srcArmored string) (string, error) {
	dst, err := readArmoredEntity(dstArmored)
	if err != nil {
		return "", err
	}
	src, err := readArmoredEntity(srcArmored)
	if err != nil {
		return "", err
	}
	if !bytes.Equal(dst.PrimaryKey.Fingerprint, src.PrimaryKey.Fingerprint) {
		return "", ErrFingerprintMismatch
	}
	dst.Revocations = appendNewSignatures(dst.Revocations, src.Revocations)
	dst.Signatures = appendNewSignatures(dst.Signatures, src.Signatures)
	for name, sid := range src.Identities {
		did, ok := dst.Identities[name]
		if !ok {
			dst.Identities[name] = sid
			continue
		}
		did.Signatures = appendNewSignatures(did.Signatures, sid.Signatures)
		did.Revocations = appendNewSignatures(did.Revocations, sid.Revocations)
		if did.SelfSignature == nil {
			did.SelfSignature = sid.SelfSignature
		}
	}
	for i := range src.Subkeys {
		ssub := &src.Subkeys[i]
		dsub := findSubkey(dst, ssub.PublicKey.Fingerprint)
		if dsub == nil {
			dst.Subkeys = append(dst.Subkeys, *ssub)
			continue
		}
		dsub.Revocations = appendNewSignatures(dsub.Revocations, ssub.Revocations)
	}
	return Armor(dst)
}

// appendNewSignatures appends the signatures of extra that are not yet
// contained in sigs, compared by serialized form.
func appendNewSignatures(sigs, extra []*packet.Signature) []*packet.Signature {
	known := make(map[string]bool, len(sigs))
	for _, sig := range sigs {
		if key, err := signatureKey(sig); err == nil {
			known[key] = true
		}
	}
	for _, sig := range extra {
		if sig == nil {
			continue
		}
		key, err := signatureKey(sig)
		if err != nil || known[key] {
			continue
		}
		known[key] = true
		sigs = append(sigs, sig)
	}
	return sigs
}

func signatureKey(sig *packet.Signature) (string, error) {
	var buf bytes.Buffer
	if err := sig.Serialize(&buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func findSubkey(entity *openpgp.Entity, fingerprint []byte) *openpgp.Subkey {
	for i := range entity.Subkeys {
		if bytes.Equal(entity.Subkeys[i].PublicKey.Fingerprint, fingerprint) {
			return &entity.Subkeys[i]
		}
	}
	return nil
}
