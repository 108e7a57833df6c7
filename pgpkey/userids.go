// Copyright (c) 2019 Mailvelope GmbH.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pgpkey

import (
	"net/mail"
	"sort"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/packet"

	"github.com/mailvelope/keyserver-sub000/util"
)

// ParseUserIDs enumerates the user IDs of entity with their verification
// status at the given time. User IDs without an email address and user
// IDs whose self-certification fails verification are dropped; emails are
// normalized to lowercase. Duplicate emails keep their first occurrence.
func ParseUserIDs(entity *openpgp.Entity, at time.Time) []UserID {
	var userIDs []UserID
	seen := make(map[string]bool)
	for _, id := range sortedIdentities(entity) {
		name, email := parseUserIDPacket(id.UserId)
		if email == "" || seen[email] {
			continue
		}
		status := verifyUser(entity.PrimaryKey, id, at)
		if status == StatusInvalid {
			continue
		}
		seen[email] = true
		userIDs = append(userIDs, UserID{
			Name:   name,
			Email:  email,
			Status: status,
		})
	}
	return userIDs
}

// verifyUser verifies the certificates of a single user ID at the given
// time and maps the outcome to a status.
func verifyUser(pk *packet.PublicKey, id *openpgp.Identity, at time.Time) Status {
	for _, sig := range id.Revocations {
		if sig == nil {
			continue
		}
		if pk.VerifyUserIdSignature(id.UserId.Id, pk, sig) == nil {
			return StatusRevoked
		}
	}
	certs := selfCertifications(pk, id)
	if len(certs) == 0 {
		if hasSelfCertCandidate(pk, id) {
			return StatusInvalid
		}
		return StatusNoSelfCert
	}
	for _, sig := range certs {
		if !sig.SigExpired(at) && !pk.KeyExpired(sig, at) {
			return StatusValid
		}
	}
	return StatusExpired
}

// hasSelfCertCandidate reports whether id carries a self-certification
// packet at all, verified or not.
func hasSelfCertCandidate(pk *packet.PublicKey, id *openpgp.Identity) bool {
	sigs := id.Signatures
	if id.SelfSignature != nil {
		sigs = append([]*packet.Signature{id.SelfSignature}, sigs...)
	}
	for _, sig := range sigs {
		if sig == nil || !isCertification(sig.SigType) {
			continue
		}
		if sig.IssuerKeyId != nil && *sig.IssuerKeyId == pk.KeyId {
			return true
		}
	}
	return false
}

// parseUserIDPacket extracts name and normalized email from a user ID
// packet. If the packet lacks a structured email, the combined
// "Name <email>" string is re-parsed. An empty email is returned if no
// valid address can be extracted.
func parseUserIDPacket(uid *packet.UserId) (name, email string) {
	if uid == nil {
		return "", ""
	}
	name, email = uid.Name, uid.Email
	if email == "" {
		// user ID packets are free-form; fall back to RFC 5322 parsing
		addr, err := mail.ParseAddress(uid.Id)
		if err != nil {
			return "", ""
		}
		name, email = addr.Name, addr.Address
	}
	email = util.NormalizeEmail(email)
	if !util.IsEmail(email) {
		return name, ""
	}
	return name, email
}

// sortedIdentities returns the identities of entity in a stable order.
func sortedIdentities(entity *openpgp.Entity) []*openpgp.Identity {
	names := make([]string, 0, len(entity.Identities))
	for name := range entity.Identities {
		names = append(names, name)
	}
	sort.Strings(names)
	ids := make([]*openpgp.Identity, 0, len(names))
	for _, name := range names {
		ids = append(ids, entity.Identities[name])
	}
	return ids
}
