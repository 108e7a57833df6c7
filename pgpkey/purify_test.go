// Copyright (c) 2019 Mailvelope GmbH.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pgpkey

import (
	"bytes"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp/packet"
)

func TestPurifyKeepsValidKey(t *testing.T) {
	entity := newTestEntity(t, "Demo User", "demo@mailvelope.com")
	if err := testPolicy().Purify(entity); err != nil {
		t.Fatal(err)
	}
	if len(entity.Identities) != 1 {
		t.Errorf("wrong number of identities: %d", len(entity.Identities))
	}
	if len(entity.Subkeys) != 1 {
		t.Errorf("wrong number of subkeys: %d", len(entity.Subkeys))
	}
}

func TestPurifyDropsThirdPartyCert(t *testing.T) {
	entity := newTestEntity(t, "Demo User", "demo@mailvelope.com")
	signer := newTestEntity(t, "Third Party", "third@mailvelope.com")
	for name := range entity.Identities {
		if err := entity.SignIdentity(name, signer, nil); err != nil {
			t.Fatal(err)
		}
	}
	if err := testPolicy().Purify(entity); err != nil {
		t.Fatal(err)
	}
	for _, id := range entity.Identities {
		for _, sig := range id.Signatures {
			if sig.IssuerKeyId == nil || *sig.IssuerKeyId != entity.PrimaryKey.KeyId {
				t.Error("third-party certification survived purification")
			}
		}
	}
}

func TestPurifyTooManyUsers(t *testing.T) {
	entity := newTestEntity(t, "Demo User", "demo@mailvelope.com")
	if err := entity.AddUserId("Demo Work", "", "work@mailvelope.com", nil); err != nil {
		t.Fatal(err)
	}
	policy := testPolicy()
	policy.MaxNumUserEmail = 1
	if err := policy.Purify(entity); err != ErrTooManyUsers {
		t.Errorf("expected ErrTooManyUsers, got %v", err)
	}
}

func TestPurifyDropsUserWithoutEmail(t *testing.T) {
	entity := newTestEntity(t, "Demo User", "demo@mailvelope.com")
	if err := entity.AddUserId("No Email", "", "", nil); err != nil {
		t.Fatal(err)
	}
	if err := testPolicy().Purify(entity); err != nil {
		t.Fatal(err)
	}
	if len(entity.Identities) != 1 {
		t.Errorf("wrong number of identities: %d", len(entity.Identities))
	}
}

func TestPurifyPacketSize(t *testing.T) {
	entity := newTestEntity(t, "Demo User", "demo@mailvelope.com")
	policy := testPolicy()
	policy.MaxSizePacket = 64
	if err := policy.Purify(entity); err != ErrPacketSize {
		t.Errorf("expected ErrPacketSize, got %v", err)
	}
}

func TestPurifyKeySize(t *testing.T) {
	entity := newTestEntity(t, "Demo User", "demo@mailvelope.com")
	policy := testPolicy()
	policy.MaxSizeKey = 512
	if err := policy.Purify(entity); err != ErrKeySize {
		t.Errorf("expected ErrKeySize, got %v", err)
	}
}

func TestPurifyDropsUnboundSubkey(t *testing.T) {
	entity := newTestEntity(t, "Demo User", "demo@mailvelope.com")
	other := newTestEntity(t, "Other", "other@mailvelope.com")
	// binding signature of a foreign key does not verify
	forged := other.Subkeys[0]
	entity.Subkeys = append(entity.Subkeys, forged)
	if err := testPolicy().Purify(entity); err != nil {
		t.Fatal(err)
	}
	if len(entity.Subkeys) != 1 {
		t.Errorf("forged subkey survived purification: %d subkeys", len(entity.Subkeys))
	}
}

func TestPurifiedKeyStillVerifies(t *testing.T) {
	entity := newTestEntity(t, "Demo User", "demo@mailvelope.com")
	if err := testPolicy().Purify(entity); err != nil {
		t.Fatal(err)
	}
	armored, err := Armor(entity)
	if err != nil {
		t.Fatal(err)
	}
	reread, err := readArmoredEntity(armored)
	if err != nil {
		t.Fatal(err)
	}
	if status := VerifyKey(reread, verificationTime(reread)); status != StatusValid {
		t.Errorf("purified key no longer valid: %s", status)
	}
}

func TestIsHardRevocation(t *testing.T) {
	if !isHardRevocation(&packet.Signature{}) {
		t.Error("missing reason must count as hard")
	}
	compromised := packet.KeyCompromised
	if !isHardRevocation(&packet.Signature{RevocationReason: &compromised}) {
		t.Error("key compromised must count as hard")
	}
	superseded := packet.KeySuperseded
	if isHardRevocation(&packet.Signature{RevocationReason: &superseded}) {
		t.Error("key superseded must count as soft")
	}
	retired := packet.KeyRetired
	if isHardRevocation(&packet.Signature{RevocationReason: &retired}) {
		t.Error("key retired must count as soft")
	}
}

func TestFilterSubpackets(t *testing.T) {
	issuer := encodeSubpacket(subpacketIssuer, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	junk := encodeSubpacket(2, []byte{0, 0, 0, 1})
	area := append(append([]byte{}, junk...), issuer...)
	out, changed, err := filterSubpackets(area)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Error("junk subpacket not removed")
	}
	if !bytes.Equal(out, issuer) {
		t.Errorf("wrong filtered area: %x", out)
	}
	out, changed, err = filterSubpackets(issuer)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("issuer-only area must pass unchanged")
	}
	if !bytes.Equal(out, issuer) {
		t.Errorf("wrong filtered area: %x", out)
	}
}

func TestStripUnhashedSubpacketsPreservesValidity(t *testing.T) {
	entity := newTestEntity(t, "Demo User", "demo@mailvelope.com")
	for _, id := range entity.Identities {
		sig := stripUnhashedSubpackets(id.SelfSignature)
		if sig == nil {
			t.Fatal("signature lost")
		}
		if err := entity.PrimaryKey.VerifyUserIdSignature(id.UserId.Id, entity.PrimaryKey, sig); err != nil {
			t.Errorf("stripped signature no longer verifies: %v", err)
		}
	}
}

func TestSignatureBodyRoundtrip(t *testing.T) {
	entity := newTestEntity(t, "Demo User", "demo@mailvelope.com")
	for _, id := range entity.Identities {
		var buf bytes.Buffer
		if err := id.SelfSignature.Serialize(&buf); err != nil {
			t.Fatal(err)
		}
		body, err := signatureBody(buf.Bytes())
		if err != nil {
			t.Fatal(err)
		}
		pkt, err := packet.Read(bytes.NewReader(encodePacket(2, body)))
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := pkt.(*packet.Signature); !ok {
			t.Errorf("reencoded packet is not a signature: %T", pkt)
		}
	}
}
