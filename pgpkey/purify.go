// Copyright (c) 2019 Mailvelope GmbH.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pgpkey

import (
	"bytes"
	"io"
	"sort"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
)

// Policy bounds the material a key may carry before it is persisted.
// All sizes are in bytes of serialized packet data.
type Policy struct {
	MaxNumUserEmail int
	MaxNumSubkey    int
	MaxNumCert      int
	MaxSizeUserID   int
	MaxSizePacket   int
	MaxSizeKey      int
}

// Purify enforces the abuse-resistance policy on entity: size and count
// bounds, verification of every certificate, removal of invalid and
// third-party material, and stripping of unhashed signature subpackets.
// The entity is modified in place.
func (p *Policy) Purify(entity *openpgp.Entity) error {
	if err := p.checkKeyPacket(entity); err != nil {
		return err
	}
	p.checkKeySignatures(entity)
	if err := p.checkUsers(entity); err != nil {
		return err
	}
	if err := p.checkSubkeys(entity); err != nil {
		return err
	}
	p.limitNumOfCertificates(entity)
	return p.checkMaxKeySize(entity)
}

// checkKeyPacket rejects oversized and non-v4 primary key packets.
func (p *Policy) checkKeyPacket(entity *openpgp.Entity) error {
	if entity.PrimaryKey.Version != 4 {
		return ErrKeyVersion
	}
	size, err := packetSize(entity.PrimaryKey)
	if err != nil {
		return ErrParse
	}
	if size > p.MaxSizePacket {
		return ErrPacketSize
	}
	return nil
}

// checkKeySignatures verifies the revocation and direct signatures on the
// primary key, drops invalid ones, and strips their unhashed subpackets.
func (p *Policy) checkKeySignatures(entity *openpgp.Entity) {
	pk := entity.PrimaryKey
	var revocations []*packet.Signature
	for _, sig := range entity.Revocations {
		if sig == nil || pk.VerifyRevocationSignature(sig) != nil {
			continue
		}
		revocations = append(revocations, stripUnhashedSubpackets(sig))
	}
	entity.Revocations = revocations
	var directSigs []*packet.Signature
	for _, sig := range entity.Signatures {
		if sig == nil || sig.SigType != packet.SigTypeDirectSignature {
			continue
		}
		if pk.VerifyDirectKeySignature(sig) != nil {
			continue
		}
		directSigs = append(directSigs, stripUnhashedSubpackets(sig))
	}
	entity.Signatures = directSigs
	if entity.SelfSignature != nil && len(directSigs) > 0 {
		entity.SelfSignature = directSigs[0]
	} else if len(directSigs) == 0 {
		entity.SelfSignature = nil
	}
}

// checkUsers drops user IDs without email address, oversized user ID
// packets, invalid certificates, and all third-party certifications.
// Users left with neither a valid self-certification nor a revocation are
// dropped. It fails if no user remains or if the user count exceeds the
// policy bound.
func (p *Policy) checkUsers(entity *openpgp.Entity) error {
	pk := entity.PrimaryKey
	for name, id := range entity.Identities {
		if _, email := parseUserIDPacket(id.UserId); email == "" {
			delete(entity.Identities, name)
			continue
		}
		size, err := packetSize(id.UserId)
		if err != nil || size > p.MaxSizeUserID {
			delete(entity.Identities, name)
			continue
		}
		certs := selfCertifications(pk, id)
		var revocations []*packet.Signature
		for _, sig := range id.Revocations {
			if sig == nil || pk.VerifyUserIdSignature(id.UserId.Id, pk, sig) != nil {
				continue
			}
			revocations = append(revocations, stripUnhashedSubpackets(sig))
		}
		if len(certs) == 0 && len(revocations) == 0 {
			delete(entity.Identities, name)
			continue
		}
		stripped := make([]*packet.Signature, 0, len(certs)+len(revocations))
		for _, sig := range certs {
			stripped = append(stripped, stripUnhashedSubpackets(sig))
		}
		id.Signatures = append(stripped, revocations...)
		id.Revocations = revocations
		if len(stripped) > 0 {
			id.SelfSignature = stripped[0]
		}
	}
	if len(entity.Identities) == 0 {
		return ErrNoUserID
	}
	if len(entity.Identities) > p.MaxNumUserEmail {
		return ErrTooManyUsers
	}
	return nil
}

// checkSubkeys drops oversized subkey packets, verifies binding and
// revocation signatures, strips their unhashed subpackets, and drops
// subkeys without a valid binding signature. It fails if the subkey count
// exceeds the policy bound.
func (p *Policy) checkSubkeys(entity *openpgp.Entity) error {
	pk := entity.PrimaryKey
	var subkeys []openpgp.Subkey
	for i := range entity.Subkeys {
		sub := entity.Subkeys[i]
		size, err := packetSize(sub.PublicKey)
		if err != nil || size > p.MaxSizePacket {
			continue
		}
		if sub.Sig == nil || pk.VerifyKeySignature(sub.PublicKey, sub.Sig) != nil {
			continue
		}
		sub.Sig = stripUnhashedSubpackets(sub.Sig)
		var revocations []*packet.Signature
		for _, sig := range sub.Revocations {
			if sig == nil || pk.VerifySubkeyRevocationSignature(sig, sub.PublicKey) != nil {
				continue
			}
			revocations = append(revocations, stripUnhashedSubpackets(sig))
		}
		sub.Revocations = revocations
		subkeys = append(subkeys, sub)
	}
	entity.Subkeys = subkeys
	if len(entity.Subkeys) > p.MaxNumSubkey {
		return ErrTooManySubkeys
	}
	return nil
}

// limitNumOfCertificates caps every certificate set at MaxNumCert,
// keeping the meaningful entries: the newest self-certifications, direct
// signatures, and subkey bindings; the oldest hard revocations on keys;
// and the oldest user revocations.
func (p *Policy) limitNumOfCertificates(entity *openpgp.Entity) {
	entity.Revocations = capRevocations(entity.Revocations, p.MaxNumCert)
	sortSignaturesDesc(entity.Signatures)
	entity.Signatures = capSignatures(entity.Signatures, p.MaxNumCert)
	for _, id := range entity.Identities {
		certs := make([]*packet.Signature, 0, len(id.Signatures))
		for _, sig := range id.Signatures {
			if sig.SigType != packet.SigTypeCertificationRevocation {
				certs = append(certs, sig)
			}
		}
		sortSignaturesDesc(certs)
		certs = capSignatures(certs, p.MaxNumCert)
		revocations := append([]*packet.Signature{}, id.Revocations...)
		sort.SliceStable(revocations, func(i, j int) bool {
			return revocations[i].CreationTime.Before(revocations[j].CreationTime)
		})
		revocations = capSignatures(revocations, p.MaxNumCert)
		id.Revocations = revocations
		id.Signatures = append(certs, revocations...)
	}
	for i := range entity.Subkeys {
		entity.Subkeys[i].Revocations = capRevocations(entity.Subkeys[i].Revocations, p.MaxNumCert)
	}
}

// checkMaxKeySize rejects keys whose total serialized size exceeds the
// policy bound.
func (p *Policy) checkMaxKeySize(entity *openpgp.Entity) error {
	var buf bytes.Buffer
	if err := entity.Serialize(&buf); err != nil {
		return ErrParse
	}
	if buf.Len() > p.MaxSizeKey {
		return ErrKeySize
	}
	return nil
}

// capRevocations sorts key revocations by (hard desc, created asc) and
// caps them at max. Hard revocations must survive: a soft revocation can
// be undone by a newer self-signature, a hard one cannot.
func capRevocations(revocations []*packet.Signature, max int) []*packet.Signature {
	sort.SliceStable(revocations, func(i, j int) bool {
		hi, hj := isHardRevocation(revocations[i]), isHardRevocation(revocations[j])
		if hi != hj {
			return hi
		}
		return revocations[i].CreationTime.Before(revocations[j].CreationTime)
	})
	return capSignatures(revocations, max)
}

func capSignatures(sigs []*packet.Signature, max int) []*packet.Signature {
	if len(sigs) > max {
		return sigs[:max]
	}
	return sigs
}

// isHardRevocation reports whether sig revokes for a reason other than
// key superseded or key retired.
func isHardRevocation(sig *packet.Signature) bool {
	if sig.RevocationReason == nil {
		return true
	}
	switch *sig.RevocationReason {
	case packet.KeySuperseded, packet.KeyRetired:
		return false
	}
	return true
}

// packetSize returns the serialized size of a single packet.
func packetSize(p interface{ Serialize(w io.Writer) error }) (int, error) {
	var buf bytes.Buffer
	if err := p.Serialize(&buf); err != nil {
		return 0, err
	}
	return buf.Len(), nil
}
