// Copyright (c) 2019 Mailvelope GmbH.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pgpkey

import (
	"bytes"
	"encoding/hex"
	"strings"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/mailvelope/keyserver-sub000/util/times"
)

// Status describes the verification state of a key or user ID.
type Status int

// Possible Status values.
const (
	StatusInvalid Status = iota
	StatusExpired
	StatusRevoked
	StatusValid
	StatusNoSelfCert
)

var statusNames = []string{
	"invalid",
	"expired",
	"revoked",
	"valid",
	"no_self_cert",
}

// String returns the string representation of status.
func (status Status) String() string {
	return statusNames[status]
}

// UserID describes one user ID of a public key.
// Status and Notify exist only during parsing and mail dispatch and are
// never persisted.
type UserID struct {
	Name             string `bson:"name" json:"name"`
	Email            string `bson:"email" json:"email"`
	Verified         bool   `bson:"verified" json:"verified"`
	Nonce            string `bson:"nonce,omitempty" json:"-"`
	PublicKeyArmored string `bson:"publicKeyArmored,omitempty" json:"-"`
	Status           Status `bson:"-" json:"-"`
	Notify           bool   `bson:"-" json:"-"`
}

// SubkeyID identifies a subkey of an uploaded key.
type SubkeyID struct {
	KeyID       string
	Fingerprint string
}

// Key is the public key record of the server. One record exists per
// fingerprint. PublicKeyArmored is empty until at least one user ID has
// been verified; VerifyUntil is set while no user ID is verified so the
// store can reap stale uploads. SubkeyIDs exists only during upload for
// the collision check and is never persisted.
type Key struct {
	ID               primitive.ObjectID `bson:"_id,omitempty" json:"-"`
	KeyID            string             `bson:"keyId" json:"keyId"`
	Fingerprint      string             `bson:"fingerprint" json:"fingerprint"`
	Created          time.Time          `bson:"created" json:"created"`
	Uploaded         time.Time          `bson:"uploaded" json:"uploaded"`
	Algorithm        string             `bson:"algorithm" json:"algorithm"`
	KeySize          int                `bson:"keySize" json:"keySize"`
	PublicKeyArmored string             `bson:"publicKeyArmored,omitempty" json:"publicKeyArmored,omitempty"`
	VerifyUntil      *time.Time         `bson:"verifyUntil,omitempty" json:"-"`
	UserIDs          []UserID           `bson:"userIds" json:"userIds"`
	SubkeyIDs        []SubkeyID         `bson:"-" json:"-"`
}

// Emails returns the email addresses of all user IDs of the key.
func (key *Key) Emails() []string {
	emails := make([]string, 0, len(key.UserIDs))
	for _, uid := range key.UserIDs {
		emails = append(emails, uid.Email)
	}
	return emails
}

// Codec parses, filters and merges armored OpenPGP public keys.
// A nil policy disables purification.
type Codec struct {
	policy *Policy
}

// NewCodec returns a new codec with the given purification policy.
func NewCodec(policy *Policy) *Codec {
	return &Codec{policy: policy}
}

// Parse reads an armored public key block and returns the key record for
// it. The key is purified according to the codec policy, verified at a
// point 24h in the future (tolerating keys whose self-signatures are
// slightly in the future), and its user IDs are enumerated with their
// verification status. Parse fails if the material contains a private
// key, if the primary key is not v4, if primary key verification fails,
// or if no user ID carries an email address.
func (c *Codec) Parse(armored string) (*Key, error) {
	entity, err := readArmoredEntity(armored)
	if err != nil {
		return nil, err
	}
	if entity.PrivateKey != nil {
		return nil, ErrPrivateKey
	}
	if entity.PrimaryKey.Version != 4 {
		return nil, ErrKeyVersion
	}
	if c.policy != nil {
		if err := c.policy.Purify(entity); err != nil {
			return nil, err
		}
	}
	at := verificationTime(entity)
	switch VerifyKey(entity, at) {
	case StatusValid:
	case StatusRevoked:
		return nil, ErrKeyRevoked
	case StatusExpired:
		return nil, ErrKeyExpired
	default:
		return nil, ErrKeyInvalid
	}
	userIDs := ParseUserIDs(entity, at)
	if len(userIDs) == 0 {
		return nil, ErrNoEmail
	}
	armoredOut, err := Armor(entity)
	if err != nil {
		return nil, err
	}
	fingerprint := hex.EncodeToString(entity.PrimaryKey.Fingerprint)
	bitLen, err := entity.PrimaryKey.BitLength()
	if err != nil {
		return nil, ErrKeyInvalid
	}
	subkeyIDs := make([]SubkeyID, 0, len(entity.Subkeys))
	for _, sub := range entity.Subkeys {
		fp := hex.EncodeToString(sub.PublicKey.Fingerprint)
		subkeyIDs = append(subkeyIDs, SubkeyID{
			KeyID:       fp[len(fp)-16:],
			Fingerprint: fp,
		})
	}
	return &Key{
		KeyID:            fingerprint[len(fingerprint)-16:],
		Fingerprint:      fingerprint,
		Created:          entity.PrimaryKey.CreationTime.UTC(),
		Uploaded:         times.Now(),
		Algorithm:        algorithmName(entity.PrimaryKey.PubKeyAlgo),
		KeySize:          int(bitLen),
		PublicKeyArmored: armoredOut,
		UserIDs:          userIDs,
		SubkeyIDs:        subkeyIDs,
	}, nil
}

// VerifyKey verifies the primary key of entity at the given time. A key is
// revoked if any revocation signature verifies, expired if all of its
// self-signatures are expired, valid if it carries at least one valid
// signing or encryption-capable key, and invalid otherwise.
func VerifyKey(entity *openpgp.Entity, at time.Time) Status {
	pk := entity.PrimaryKey
	for _, sig := range entity.Revocations {
		if sig == nil {
			continue
		}
		if pk.VerifyRevocationSignature(sig) == nil {
			return StatusRevoked
		}
	}
	var selfCerts, unexpired int
	for _, id := range entity.Identities {
		for _, sig := range selfCertifications(pk, id) {
			selfCerts++
			if !sig.SigExpired(at) && !pk.KeyExpired(sig, at) {
				unexpired++
			}
		}
	}
	if selfCerts > 0 && unexpired == 0 {
		return StatusExpired
	}
	if _, ok := entity.EncryptionKey(at); ok {
		return StatusValid
	}
	if _, ok := entity.SigningKey(at); ok {
		return StatusValid
	}
	return StatusInvalid
}

// Armor returns the armored form of entity without Version or Comment
// headers.
func Armor(entity *openpgp.Entity) (string, error) {
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	if err != nil {
		return "", err
	}
	if err := entity.Serialize(w); err != nil {
		w.Close()
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// readArmoredEntity reads the first entity from an armored public key
// block. Private key blocks are rejected.
func readArmoredEntity(armored string) (*openpgp.Entity, error) {
	block, err := armor.Decode(strings.NewReader(armored))
	if err != nil {
		return nil, ErrParse
	}
	switch block.Type {
	case openpgp.PublicKeyType:
	case openpgp.PrivateKeyType:
		return nil, ErrPrivateKey
	default:
		return nil, ErrParse
	}
	entity, err := openpgp.ReadEntity(packet.NewReader(block.Body))
	if err != nil {
		return nil, ErrParse
	}
	return entity, nil
}

// verificationTime returns the time certificates of entity are verified
// at: 24h from now, or the primary key creation time for keys created
// even further in the future.
func verificationTime(entity *openpgp.Entity) time.Time {
	at := times.Tomorrow()
	if created := entity.PrimaryKey.CreationTime; created.After(at) {
		return created
	}
	return at
}

// selfCertifications returns the verified self-certifications of id,
// newest first.
func selfCertifications(pk *packet.PublicKey, id *openpgp.Identity) []*packet.Signature {
	seen := make(map[*packet.Signature]bool)
	candidates := make([]*packet.Signature, 0, len(id.Signatures)+1)
	if id.SelfSignature != nil {
		candidates = append(candidates, id.SelfSignature)
		seen[id.SelfSignature] = true
	}
	for _, sig := range id.Signatures {
		if sig == nil || seen[sig] {
			continue
		}
		seen[sig] = true
		candidates = append(candidates, sig)
	}
	var certs []*packet.Signature
	for _, sig := range candidates {
		if !isCertification(sig.SigType) {
			continue
		}
		if sig.IssuerKeyId == nil || *sig.IssuerKeyId != pk.KeyId {
			continue
		}
		if pk.VerifyUserIdSignature(id.UserId.Id, pk, sig) != nil {
			continue
		}
		certs = append(certs, sig)
	}
	sortSignaturesDesc(certs)
	return certs
}

func isCertification(sigType packet.SignatureType) bool {
	switch sigType {
	case packet.SigTypeGenericCert,
		packet.SigTypePersonaCert,
		packet.SigTypeCasualCert,
		packet.SigTypePositiveCert:
		return true
	}
	return false
}

func sortSignaturesDesc(sigs []*packet.Signature) {
	for i := 1; i < len(sigs); i++ {
		for j := i; j > 0 && sigs[j].CreationTime.After(sigs[j-1].CreationTime); j-- {
			sigs[j], sigs[j-1] = sigs[j-1], sigs[j]
		}
	}
}

// algorithmName maps an OpenPGP public key algorithm to its name.
func algorithmName(algo packet.PublicKeyAlgorithm) string {
	switch algo {
	case packet.PubKeyAlgoRSA:
		return "rsa_encrypt_sign"
	case packet.PubKeyAlgoRSAEncryptOnly:
		return "rsa_encrypt"
	case packet.PubKeyAlgoRSASignOnly:
		return "rsa_sign"
	case packet.PubKeyAlgoElGamal:
		return "elgamal"
	case packet.PubKeyAlgoDSA:
		return "dsa"
	case packet.PubKeyAlgoECDH:
		return "ecdh"
	case packet.PubKeyAlgoECDSA:
		return "ecdsa"
	case packet.PubKeyAlgoEdDSA:
		return "eddsa"
	default:
		return "unknown"
	}
}

// AlgorithmID returns the numeric HKP algorithm ID for the given
// algorithm name, or 0 if the name cannot be resolved.
func AlgorithmID(name string) int {
	switch name {
	case "rsa_encrypt_sign":
		return 1
	case "rsa_encrypt":
		return 2
	case "rsa_sign":
		return 3
	case "elgamal":
		return 16
	case "dsa":
		return 17
	case "ecdh":
		return 18
	case "ecdsa":
		return 19
	case "eddsa":
		return 22
	default:
		return 0
	}
}
