// Copyright (c) 2019 Mailvelope GmbH.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package keyserver implements the key upload, verification, lookup, and
// removal operations of the public key server. Every user ID of an
// uploaded key is verified separately by a confirmation link sent to its
// email address; key material is released for lookup only after at least
// one user ID has been verified.
package keyserver

import (
	"context"
	"crypto/rand"
	"encoding/hex"

	"github.com/gravitational/trace"

	"github.com/mailvelope/keyserver-sub000/config"
	"github.com/mailvelope/keyserver-sub000/keydb"
	"github.com/mailvelope/keyserver-sub000/log"
	"github.com/mailvelope/keyserver-sub000/mailer"
	"github.com/mailvelope/keyserver-sub000/pgpkey"
	"github.com/mailvelope/keyserver-sub000/util"
	"github.com/mailvelope/keyserver-sub000/util/times"
)

// Mailer dispatches verification mails.
type Mailer interface {
	SendVerifyKey(userID pgpkey.UserID, keyID, origin, locale string) error
	SendVerifyRemove(userID pgpkey.UserID, keyID, origin, locale string) error
}

var _ Mailer = (*mailer.Mailer)(nil)

// Store persists key records.
type Store interface {
	Insert(ctx context.Context, key *pgpkey.Key) error
	Replace(ctx context.Context, key *pgpkey.Key) error
	DeleteByKeyID(ctx context.Context, keyID string) error
	DeleteOthersWithEmail(ctx context.Context, keyID, email string) error
	FindByKeyID(ctx context.Context, keyID string) (*pgpkey.Key, error)
	FindByFingerprint(ctx context.Context, fingerprint string) (*pgpkey.Key, error)
	FindByEmail(ctx context.Context, email string) (*pgpkey.Key, error)
	FindVerified(ctx context.Context, keyID, fingerprint, email string) (*pgpkey.Key, error)
	SetVerified(ctx context.Context, keyID, email, armored string) error
	CountByEmails(ctx context.Context, emails []string) (int64, error)
}

var _ Store = (*keydb.Store)(nil)

// Service implements the key server operations on top of the codec, the
// store, and the mailer. It is stateless and safe for concurrent use.
type Service struct {
	codec     *pgpkey.Codec
	store     Store
	mailer    Mailer
	purgeDays int
	rateLimit int
}

// New returns a key server service with the given key lifecycle policy.
func New(codec *pgpkey.Codec, store Store, mailer Mailer, policy *config.PublicKey) *Service {
	return &Service{
		codec:     codec,
		store:     store,
		mailer:    mailer,
		purgeDays: policy.PurgeTimeInDays,
		rateLimit: policy.UploadRateLimit,
	}
}

// Put uploads an armored key. If emails is non-empty the key is restricted
// to the user IDs with those addresses. Verification mails are sent to all
// user IDs that are not already verified; the record replaces any previous
// record with the same key ID.
func (s *Service) Put(ctx context.Context, emails []string, armored, origin, locale string) error {
	key, err := s.codec.Parse(armored)
	if err != nil {
		return trace.BadParameter("%s", err)
	}
	if len(emails) > 0 {
		if err := restrictUserIDs(key, emails); err != nil {
			return err
		}
	}
	retainValidUserIDs(key)
	if err := s.checkRateLimit(ctx, key); err != nil {
		return err
	}
	existing, err := s.checkCollisions(ctx, key)
	if err != nil {
		return err
	}
	fullArmored := key.PublicKeyArmored
	var released string
	if existing != nil {
		// an empty valid set still refreshes the signatures of the record
		released, err = s.mergeKeys(key, existing, fullArmored)
		if err != nil {
			return err
		}
	} else {
		if len(key.UserIDs) == 0 {
			return trace.BadParameter("no valid user ID with email address found")
		}
		for i := range key.UserIDs {
			key.UserIDs[i].Notify = true
		}
	}
	if err := s.prepareUserIDs(key, fullArmored); err != nil {
		return err
	}
	key.PublicKeyArmored = released
	if released == "" {
		verifyUntil := times.DaysLater(s.purgeDays)
		key.VerifyUntil = &verifyUntil
	}
	if err := s.store.DeleteByKeyID(ctx, key.KeyID); err != nil {
		return trace.Wrap(err)
	}
	if err := s.store.Insert(ctx, key); err != nil {
		return trace.Wrap(err)
	}
	if err := s.notifyUserIDs(key, origin, locale); err != nil {
		// the pending record stays; a renewed upload regenerates nonces
		return trace.Wrap(err)
	}
	log.Infof("keyserver: uploaded key %s", key.KeyID)
	return nil
}

// Verify confirms the ownership of a user ID with the nonce from the
// verification mail and releases the key material of the key. Other keys
// claiming the same email address as verified are evicted. It returns the
// verified email address.
func (s *Service) Verify(ctx context.Context, keyID, nonce string) (string, error) {
	key, err := s.findByKeyID(ctx, keyID)
	if err != nil {
		return "", err
	}
	uid := userIDByNonce(key, nonce)
	if uid == nil || uid.Verified {
		return "", trace.NotFound("token not found")
	}
	if err := s.store.DeleteOthersWithEmail(ctx, keyID, uid.Email); err != nil {
		return "", trace.Wrap(err)
	}
	released, err := s.releasedMaterial(key, uid)
	if err != nil {
		return "", err
	}
	if err := s.store.SetVerified(ctx, keyID, uid.Email, released); err != nil {
		return "", trace.Wrap(err)
	}
	log.Infof("keyserver: verified %s on key %s", uid.Email, keyID)
	return uid.Email, nil
}

// Get returns the key record matching the given identifier. Only keys
// with released material are found; lookup by email matches verified user
// IDs only.
func (s *Service) Get(ctx context.Context, keyID, fingerprint, email string) (*pgpkey.Key, error) {
	key, err := s.store.FindVerified(ctx, keyID, fingerprint, email)
	if err == keydb.ErrNotFound {
		return nil, trace.NotFound("key not found")
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return key, nil
}

// RequestRemove flags a key for removal and sends confirmation mails. If
// email is given only that user ID is flagged, otherwise all user IDs of
// the key identified by keyID receive a confirmation mail.
func (s *Service) RequestRemove(ctx context.Context, keyID, email, origin, locale string) error {
	var key *pgpkey.Key
	var err error
	if email != "" {
		key, err = s.store.FindByEmail(ctx, email)
		if err == keydb.ErrNotFound {
			return trace.NotFound("key not found")
		}
	} else {
		key, err = s.findByKeyID(ctx, keyID)
	}
	if err != nil {
		if trace.IsNotFound(err) {
			return err
		}
		return trace.Wrap(err)
	}
	flagged := false
	for i := range key.UserIDs {
		uid := &key.UserIDs[i]
		if email != "" && uid.Email != email {
			continue
		}
		nonce, err := newNonce()
		if err != nil {
			return trace.Wrap(err)
		}
		uid.Nonce = nonce
		uid.Notify = true
		flagged = true
	}
	if !flagged {
		return trace.NotFound("user ID not found")
	}
	if err := s.store.Replace(ctx, key); err != nil {
		return trace.Wrap(err)
	}
	for _, uid := range key.UserIDs {
		if !uid.Notify {
			continue
		}
		if uid.PublicKeyArmored == "" && key.PublicKeyArmored != "" {
			// removal mails for verified user IDs encrypt to the released key
			filtered, err := s.codec.FilterKeyByUserIDs([]pgpkey.UserID{uid}, key.PublicKeyArmored, true)
			if err == nil {
				uid.PublicKeyArmored = filtered
			}
		}
		if err := s.mailer.SendVerifyRemove(uid, key.KeyID, origin, locale); err != nil {
			log.Errorf("keyserver: cannot send removal mail to %s: %s", uid.Email, err)
			return trace.Wrap(err)
		}
	}
	log.Infof("keyserver: removal requested for key %s", key.KeyID)
	return nil
}

// VerifyRemove confirms a removal request with the nonce from the
// confirmation mail. The confirmed user ID is removed from the record;
// removing the last user ID deletes the whole record. It returns the
// removed email address.
func (s *Service) VerifyRemove(ctx context.Context, keyID, nonce string) (string, error) {
	key, err := s.findByKeyID(ctx, keyID)
	if err != nil {
		return "", err
	}
	uid := userIDByNonce(key, nonce)
	if uid == nil {
		return "", trace.NotFound("token not found")
	}
	email := uid.Email
	if len(key.UserIDs) == 1 {
		if err := s.store.DeleteByKeyID(ctx, keyID); err != nil {
			return "", trace.Wrap(err)
		}
		log.Infof("keyserver: removed key %s", keyID)
		return email, nil
	}
	if err := s.removeUserID(key, uid); err != nil {
		return "", err
	}
	if err := s.store.Replace(ctx, key); err != nil {
		return "", trace.Wrap(err)
	}
	log.Infof("keyserver: removed %s from key %s", email, keyID)
	return email, nil
}

// Delete is RequestRemove for the REST DELETE endpoint: the removal still
// has to be confirmed by mail.
func (s *Service) Delete(ctx context.Context, keyID, email, origin, locale string) error {
	return s.RequestRemove(ctx, keyID, email, origin, locale)
}

func (s *Service) findByKeyID(ctx context.Context, keyID string) (*pgpkey.Key, error) {
	key, err := s.store.FindByKeyID(ctx, keyID)
	if err == keydb.ErrNotFound {
		return nil, trace.NotFound("key not found")
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return key, nil
}

// checkRateLimit bounds the number of existing records whose user IDs
// overlap with the uploaded key.
func (s *Service) checkRateLimit(ctx context.Context, key *pgpkey.Key) error {
	if s.rateLimit <= 0 {
		return nil
	}
	n, err := s.store.CountByEmails(ctx, key.Emails())
	if err != nil {
		return trace.Wrap(err)
	}
	if n > int64(s.rateLimit) {
		return trace.LimitExceeded("too many keys for the uploaded email addresses")
	}
	return nil
}

// checkCollisions rejects uploads whose key ID or any subkey ID or
// fingerprint is already taken by a different key. It returns the record
// with the same key ID and fingerprint, if any.
func (s *Service) checkCollisions(ctx context.Context, key *pgpkey.Key) (*pgpkey.Key, error) {
	existing, err := s.store.FindByKeyID(ctx, key.KeyID)
	if err != nil && err != keydb.ErrNotFound {
		return nil, trace.Wrap(err)
	}
	if existing != nil && existing.Fingerprint != key.Fingerprint {
		return nil, trace.BadParameter("key ID collision")
	}
	for _, sub := range key.SubkeyIDs {
		other, err := s.store.FindByKeyID(ctx, sub.KeyID)
		if err != nil && err != keydb.ErrNotFound {
			return nil, trace.Wrap(err)
		}
		if other != nil && other.Fingerprint != key.Fingerprint {
			return nil, trace.BadParameter("key ID collision")
		}
		other, err = s.store.FindByFingerprint(ctx, sub.Fingerprint)
		if err != nil && err != keydb.ErrNotFound {
			return nil, trace.Wrap(err)
		}
		if other != nil && other.KeyID != key.KeyID {
			return nil, trace.BadParameter("key ID collision")
		}
	}
	return existing, nil
}

// mergeKeys merges the new upload with the existing record: verified user
// IDs of the record are always retained, unverified record user IDs not
// re-uploaded are carried over with their pending challenge, and the
// remaining uploaded user IDs are flagged for a fresh challenge. It
// returns the merged released key material, restricted to the user IDs
// that remain verified.
func (s *Service) mergeKeys(key, existing *pgpkey.Key, fullArmored string) (string, error) {
	verified := verifiedUserIDs(existing)
	verifiedEmail := make(map[string]bool, len(verified))
	for _, uid := range verified {
		verifiedEmail[uid.Email] = true
	}
	var valid []pgpkey.UserID
	validEmail := make(map[string]bool, len(key.UserIDs))
	for _, uid := range key.UserIDs {
		if verifiedEmail[uid.Email] {
			continue
		}
		uid.Notify = true
		valid = append(valid, uid)
		validEmail[uid.Email] = true
	}
	var pending []pgpkey.UserID
	for _, uid := range existing.UserIDs {
		if uid.Verified || validEmail[uid.Email] {
			continue
		}
		pending = append(pending, uid)
	}
	key.UserIDs = append(append(valid, pending...), verified...)
	if existing.PublicKeyArmored == "" || len(verified) == 0 {
		return "", nil
	}
	merged, err := s.codec.UpdateKey(existing.PublicKeyArmored, fullArmored)
	if err != nil {
		return "", trace.BadParameter("%s", err)
	}
	released, err := s.codec.FilterKeyByUserIDs(verified, merged, false)
	if err != nil {
		return "", trace.BadParameter("%s", err)
	}
	return released, nil
}

// prepareUserIDs equips every user ID flagged for a challenge with a
// nonce and its filtered key material. The full parsed material lives on
// in the per-user copies until it is released through verification.
// Carried-over pending user IDs keep their existing challenge.
func (s *Service) prepareUserIDs(key *pgpkey.Key, fullArmored string) error {
	for i := range key.UserIDs {
		uid := &key.UserIDs[i]
		if uid.Verified {
			uid.Nonce = ""
			uid.PublicKeyArmored = ""
			continue
		}
		if !uid.Notify {
			continue
		}
		nonce, err := newNonce()
		if err != nil {
			return trace.Wrap(err)
		}
		uid.Nonce = nonce
		filtered, err := s.codec.FilterKeyByUserIDs([]pgpkey.UserID{*uid}, fullArmored, true)
		if err == pgpkey.ErrNoEncryptionKey {
			// sign-only keys get plaintext verification mails
			filtered, err = s.codec.FilterKeyByUserIDs([]pgpkey.UserID{*uid}, fullArmored, false)
		}
		if err != nil {
			return trace.BadParameter("%s", err)
		}
		uid.PublicKeyArmored = filtered
	}
	return nil
}

// releasedMaterial merges the filtered material of a freshly verified user
// ID into the already released material of the key.
func (s *Service) releasedMaterial(key *pgpkey.Key, uid *pgpkey.UserID) (string, error) {
	if key.PublicKeyArmored == "" {
		return uid.PublicKeyArmored, nil
	}
	released, err := s.codec.UpdateKey(key.PublicKeyArmored, uid.PublicKeyArmored)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return released, nil
}

// removeUserID drops uid from the record and rebuilds the released
// material without it.
func (s *Service) removeUserID(key *pgpkey.Key, uid *pgpkey.UserID) error {
	email, wasVerified := uid.Email, uid.Verified
	userIDs := key.UserIDs[:0]
	for _, u := range key.UserIDs {
		if u.Email != email {
			userIDs = append(userIDs, u)
		}
	}
	key.UserIDs = userIDs
	if !wasVerified || key.PublicKeyArmored == "" {
		return nil
	}
	if len(verifiedUserIDs(key)) == 0 {
		// the last verified user ID is gone, withdraw the material
		key.PublicKeyArmored = ""
		verifyUntil := times.DaysLater(s.purgeDays)
		key.VerifyUntil = &verifyUntil
		return nil
	}
	released, err := s.codec.RemoveUserID(email, key.PublicKeyArmored)
	if err != nil {
		return trace.Wrap(err)
	}
	key.PublicKeyArmored = released
	return nil
}

func (s *Service) notifyUserIDs(key *pgpkey.Key, origin, locale string) error {
	for _, uid := range key.UserIDs {
		if !uid.Notify {
			continue
		}
		if err := s.mailer.SendVerifyKey(uid, key.KeyID, origin, locale); err != nil {
			log.Errorf("keyserver: cannot send verification mail to %s: %s", uid.Email, err)
			return err
		}
	}
	return nil
}

// restrictUserIDs limits key to the user IDs with the given emails. All
// given emails must be present on the key.
func restrictUserIDs(key *pgpkey.Key, emails []string) error {
	keep := make(map[string]bool, len(emails))
	for _, email := range emails {
		keep[util.NormalizeEmail(email)] = true
	}
	userIDs := key.UserIDs[:0]
	for _, uid := range key.UserIDs {
		if keep[uid.Email] {
			userIDs = append(userIDs, uid)
			delete(keep, uid.Email)
		}
	}
	if len(keep) > 0 || len(userIDs) == 0 {
		return trace.BadParameter("provided email address does not match a user ID of the key")
	}
	key.UserIDs = userIDs
	return nil
}

// retainValidUserIDs drops expired, revoked, and uncertified user IDs
// from the upload.
func retainValidUserIDs(key *pgpkey.Key) {
	userIDs := key.UserIDs[:0]
	for _, uid := range key.UserIDs {
		if uid.Status == pgpkey.StatusValid {
			userIDs = append(userIDs, uid)
		}
	}
	key.UserIDs = userIDs
}

func userIDByNonce(key *pgpkey.Key, nonce string) *pgpkey.UserID {
	if nonce == "" {
		return nil
	}
	for i := range key.UserIDs {
		if key.UserIDs[i].Nonce == nonce {
			return &key.UserIDs[i]
		}
	}
	return nil
}

func verifiedUserIDs(key *pgpkey.Key) []pgpkey.UserID {
	var verified []pgpkey.UserID
	for _, uid := range key.UserIDs {
		if uid.Verified {
			verified = append(verified, uid)
		}
	}
	return verified
}

// newNonce returns 16 random bytes in hex, the one-time token of the
// verification links.
func newNonce() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
