// Copyright (c) 2019 Mailvelope GmbH.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package keyserver

import (
	"context"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/gravitational/trace"

	"github.com/mailvelope/keyserver-sub000/config"
	"github.com/mailvelope/keyserver-sub000/keydb"
	"github.com/mailvelope/keyserver-sub000/pgpkey"
)

// fakeStore is an in-memory Store with the same visible semantics as the
// MongoDB store.
type fakeStore struct {
	records map[string]*pgpkey.Key
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]*pgpkey.Key)}
}

// cloneKey deep-copies a record and strips the fields the real store
// never persists.
func cloneKey(key *pgpkey.Key) *pgpkey.Key {
	c := *key
	c.UserIDs = append([]pgpkey.UserID{}, key.UserIDs...)
	for i := range c.UserIDs {
		c.UserIDs[i].Status = 0
		c.UserIDs[i].Notify = false
	}
	c.SubkeyIDs = nil
	if key.VerifyUntil != nil {
		v := *key.VerifyUntil
		c.VerifyUntil = &v
	}
	return &c
}

func (s *fakeStore) Insert(_ context.Context, key *pgpkey.Key) error {
	s.records[key.KeyID] = cloneKey(key)
	return nil
}

func (s *fakeStore) Replace(_ context.Context, key *pgpkey.Key) error {
	if _, ok := s.records[key.KeyID]; !ok {
		return keydb.ErrNotFound
	}
	s.records[key.KeyID] = cloneKey(key)
	return nil
}

func (s *fakeStore) DeleteByKeyID(_ context.Context, keyID string) error {
	delete(s.records, keyID)
	return nil
}

func (s *fakeStore) DeleteOthersWithEmail(_ context.Context, keyID, email string) error {
	for id, key := range s.records {
		if id == keyID {
			continue
		}
		for _, uid := range key.UserIDs {
			if uid.Email == email {
				delete(s.records, id)
				break
			}
		}
	}
	return nil
}

func (s *fakeStore) FindByKeyID(_ context.Context, keyID string) (*pgpkey.Key, error) {
	key, ok := s.records[keyID]
	if !ok {
		return nil, keydb.ErrNotFound
	}
	return cloneKey(key), nil
}

func (s *fakeStore) FindByFingerprint(_ context.Context, fingerprint string) (*pgpkey.Key, error) {
	for _, key := range s.records {
		if key.Fingerprint == fingerprint {
			return cloneKey(key), nil
		}
	}
	return nil, keydb.ErrNotFound
}

func (s *fakeStore) FindByEmail(_ context.Context, email string) (*pgpkey.Key, error) {
	for _, key := range s.records {
		for _, uid := range key.UserIDs {
			if uid.Email == email {
				return cloneKey(key), nil
			}
		}
	}
	return nil, keydb.ErrNotFound
}

func (s *fakeStore) FindVerified(_ context.Context, keyID, fingerprint, email string) (*pgpkey.Key, error) {
	for _, key := range s.records {
		if key.PublicKeyArmored == "" {
			continue
		}
		if keyID != "" && key.KeyID == keyID {
			return cloneKey(key), nil
		}
		if fingerprint != "" && key.Fingerprint == fingerprint {
			return cloneKey(key), nil
		}
		if email != "" {
			for _, uid := range key.UserIDs {
				if uid.Email == email && uid.Verified {
					return cloneKey(key), nil
				}
			}
		}
	}
	return nil, keydb.ErrNotFound
}

func (s *fakeStore) SetVerified(_ context.Context, keyID, email, armored string) error {
	key, ok := s.records[keyID]
	if !ok {
		return keydb.ErrNotFound
	}
	for i := range key.UserIDs {
		if key.UserIDs[i].Email != email {
			continue
		}
		key.UserIDs[i].Verified = true
		key.UserIDs[i].Nonce = ""
		key.UserIDs[i].PublicKeyArmored = ""
		key.PublicKeyArmored = armored
		key.VerifyUntil = nil
		return nil
	}
	return keydb.ErrNotFound
}

func (s *fakeStore) CountByEmails(_ context.Context, emails []string) (int64, error) {
	var n int64
	for _, key := range s.records {
		for _, uid := range key.UserIDs {
			if containsString(emails, uid.Email) {
				n++
				break
			}
		}
	}
	return n, nil
}

func containsString(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}

type sentMail struct {
	op     string
	userID pgpkey.UserID
	keyID  string
}

type fakeMailer struct {
	sent []sentMail
}

func (m *fakeMailer) SendVerifyKey(userID pgpkey.UserID, keyID, origin, locale string) error {
	m.sent = append(m.sent, sentMail{op: "verify", userID: userID, keyID: keyID})
	return nil
}

func (m *fakeMailer) SendVerifyRemove(userID pgpkey.UserID, keyID, origin, locale string) error {
	m.sent = append(m.sent, sentMail{op: "verifyRemove", userID: userID, keyID: keyID})
	return nil
}

func (m *fakeMailer) lastNonceFor(email string) string {
	for i := len(m.sent) - 1; i >= 0; i-- {
		if m.sent[i].userID.Email == email {
			return m.sent[i].userID.Nonce
		}
	}
	return ""
}

func testService(t *testing.T) (*Service, *fakeStore, *fakeMailer) {
	t.Helper()
	store := newFakeStore()
	mails := &fakeMailer{}
	codec := pgpkey.NewCodec(&pgpkey.Policy{
		MaxNumUserEmail: 20,
		MaxNumSubkey:    20,
		MaxNumCert:      100,
		MaxSizeUserID:   1024,
		MaxSizePacket:   8192,
		MaxSizeKey:      65536,
	})
	svc := New(codec, store, mails, &config.PublicKey{
		PurgeTimeInDays: 14,
		UploadRateLimit: 10,
	})
	return svc, store, mails
}

func testArmoredKey(t *testing.T, name string, emails ...string) string {
	t.Helper()
	entity, err := openpgp.NewEntity(name, "", emails[0], nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, email := range emails[1:] {
		if err := entity.AddUserId(name, "", email, nil); err != nil {
			t.Fatal(err)
		}
	}
	armored, err := pgpkey.Armor(entity)
	if err != nil {
		t.Fatal(err)
	}
	return armored
}

func TestPutAndVerify(t *testing.T) {
	svc, store, mails := testService(t)
	ctx := context.Background()
	if err := svc.Put(ctx, nil, testArmoredKey(t, "Demo", "demo@mailvelope.com"), "https://localhost", "en"); err != nil {
		t.Fatal(err)
	}
	if len(mails.sent) != 1 {
		t.Fatalf("wrong number of mails: %d", len(mails.sent))
	}
	sent := mails.sent[0]
	if sent.userID.Nonce == "" || len(sent.userID.Nonce) != 32 {
		t.Errorf("bad nonce: %q", sent.userID.Nonce)
	}
	if sent.userID.PublicKeyArmored == "" {
		t.Error("mail misses filtered key material")
	}
	if _, err := svc.Get(ctx, sent.keyID, "", ""); !trace.IsNotFound(err) {
		t.Errorf("pending key must not be released: %v", err)
	}
	record := store.records[sent.keyID]
	if record.VerifyUntil == nil {
		t.Error("pending key misses verifyUntil")
	}
	email, err := svc.Verify(ctx, sent.keyID, sent.userID.Nonce)
	if err != nil {
		t.Fatal(err)
	}
	if email != "demo@mailvelope.com" {
		t.Errorf("wrong email: %s", email)
	}
	key, err := svc.Get(ctx, "", "", "demo@mailvelope.com")
	if err != nil {
		t.Fatal(err)
	}
	if key.PublicKeyArmored == "" {
		t.Error("verified key misses released material")
	}
	if !key.UserIDs[0].Verified {
		t.Error("user ID not verified")
	}
	if key.VerifyUntil != nil {
		t.Error("verifyUntil not cleared")
	}
}

func TestPutRestrictsUserIDs(t *testing.T) {
	svc, store, mails := testService(t)
	ctx := context.Background()
	armored := testArmoredKey(t, "Demo", "demo@mailvelope.com", "work@mailvelope.com")
	if err := svc.Put(ctx, []string{"Work@Mailvelope.com"}, armored, "https://localhost", "en"); err != nil {
		t.Fatal(err)
	}
	if len(mails.sent) != 1 || mails.sent[0].userID.Email != "work@mailvelope.com" {
		t.Errorf("wrong mails: %+v", mails.sent)
	}
	record := store.records[mails.sent[0].keyID]
	if len(record.UserIDs) != 1 {
		t.Errorf("user IDs not restricted: %d", len(record.UserIDs))
	}
	err := svc.Put(ctx, []string{"other@mailvelope.com"}, armored, "https://localhost", "en")
	if !trace.IsBadParameter(err) {
		t.Errorf("expected bad parameter, got %v", err)
	}
}

func TestPutGarbage(t *testing.T) {
	svc, _, _ := testService(t)
	err := svc.Put(context.Background(), nil, "garbage", "https://localhost", "en")
	if !trace.IsBadParameter(err) {
		t.Errorf("expected bad parameter, got %v", err)
	}
}

func TestVerifyBadNonce(t *testing.T) {
	svc, _, mails := testService(t)
	ctx := context.Background()
	if err := svc.Put(ctx, nil, testArmoredKey(t, "Demo", "demo@mailvelope.com"), "https://localhost", "en"); err != nil {
		t.Fatal(err)
	}
	keyID := mails.sent[0].keyID
	if _, err := svc.Verify(ctx, keyID, "ffffffffffffffffffffffffffffffff"); !trace.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
	if _, err := svc.Verify(ctx, "0000000000000000", mails.sent[0].userID.Nonce); !trace.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestUploadRateLimit(t *testing.T) {
	svc, _, _ := testService(t)
	svc.rateLimit = 1
	ctx := context.Background()
	if err := svc.Put(ctx, nil, testArmoredKey(t, "Demo", "demo@mailvelope.com"), "https://localhost", "en"); err != nil {
		t.Fatal(err)
	}
	// a second pending claim on the address is still within the limit
	if err := svc.Put(ctx, nil, testArmoredKey(t, "Demo Again", "demo@mailvelope.com"), "https://localhost", "en"); err != nil {
		t.Fatal(err)
	}
	err := svc.Put(ctx, nil, testArmoredKey(t, "Demo Thrice", "demo@mailvelope.com"), "https://localhost", "en")
	if !trace.IsLimitExceeded(err) {
		t.Errorf("expected limit exceeded, got %v", err)
	}
}

func TestKeyIDCollision(t *testing.T) {
	svc, store, mails := testService(t)
	ctx := context.Background()
	armored := testArmoredKey(t, "Demo", "demo@mailvelope.com")
	if err := svc.Put(ctx, nil, armored, "https://localhost", "en"); err != nil {
		t.Fatal(err)
	}
	keyID := mails.sent[0].keyID
	store.records[keyID].Fingerprint = "0000000000000000000000000000000000000000"
	err := svc.Put(ctx, nil, armored, "https://localhost", "en")
	if !trace.IsBadParameter(err) {
		t.Errorf("expected bad parameter, got %v", err)
	}
}

func TestSubkeyCollision(t *testing.T) {
	svc, store, _ := testService(t)
	ctx := context.Background()
	armored := testArmoredKey(t, "Demo", "demo@mailvelope.com")
	key, err := svc.codec.Parse(armored)
	if err != nil {
		t.Fatal(err)
	}
	if len(key.SubkeyIDs) == 0 {
		t.Fatal("test key has no subkey")
	}
	squatter := &pgpkey.Key{
		KeyID:       key.SubkeyIDs[0].KeyID,
		Fingerprint: "0000000000000000000000000000000000000000",
		UserIDs:     []pgpkey.UserID{{Email: "squatter@mailvelope.com"}},
	}
	if err := store.Insert(ctx, squatter); err != nil {
		t.Fatal(err)
	}
	err = svc.Put(ctx, nil, armored, "https://localhost", "en")
	if !trace.IsBadParameter(err) {
		t.Errorf("expected bad parameter, got %v", err)
	}
}

func TestReuploadKeepsVerification(t *testing.T) {
	svc, _, mails := testService(t)
	ctx := context.Background()
	armored := testArmoredKey(t, "Demo", "demo@mailvelope.com")
	if err := svc.Put(ctx, nil, armored, "https://localhost", "en"); err != nil {
		t.Fatal(err)
	}
	sent := mails.sent[0]
	if _, err := svc.Verify(ctx, sent.keyID, sent.userID.Nonce); err != nil {
		t.Fatal(err)
	}
	if err := svc.Put(ctx, nil, armored, "https://localhost", "en"); err != nil {
		t.Fatal(err)
	}
	if len(mails.sent) != 1 {
		t.Errorf("verified user ID must not be notified again: %d mails", len(mails.sent))
	}
	key, err := svc.Get(ctx, sent.keyID, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if !key.UserIDs[0].Verified {
		t.Error("verification lost on re-upload")
	}
	if key.PublicKeyArmored == "" {
		t.Error("released material lost on re-upload")
	}
}

func TestReuploadKeepsPendingChallenge(t *testing.T) {
	svc, store, mails := testService(t)
	ctx := context.Background()
	armored := testArmoredKey(t, "Demo", "demo@mailvelope.com", "work@mailvelope.com")
	if err := svc.Put(ctx, nil, armored, "https://localhost", "en"); err != nil {
		t.Fatal(err)
	}
	if len(mails.sent) != 2 {
		t.Fatalf("wrong number of mails: %d", len(mails.sent))
	}
	keyID := mails.sent[0].keyID
	workNonce := mails.lastNonceFor("work@mailvelope.com")
	if err := svc.Put(ctx, []string{"demo@mailvelope.com"}, armored, "https://localhost", "en"); err != nil {
		t.Fatal(err)
	}
	if len(mails.sent) != 3 || mails.sent[2].userID.Email != "demo@mailvelope.com" {
		t.Fatalf("wrong mails after re-upload: %+v", mails.sent)
	}
	record := store.records[keyID]
	if len(record.UserIDs) != 2 {
		t.Fatalf("pending user ID dropped: %+v", record.UserIDs)
	}
	// the earlier challenge for the carried-over user ID still verifies
	email, err := svc.Verify(ctx, keyID, workNonce)
	if err != nil {
		t.Fatal(err)
	}
	if email != "work@mailvelope.com" {
		t.Errorf("wrong email: %s", email)
	}
}

func TestRemoveFlow(t *testing.T) {
	svc, store, mails := testService(t)
	ctx := context.Background()
	if err := svc.Put(ctx, nil, testArmoredKey(t, "Demo", "demo@mailvelope.com"), "https://localhost", "en"); err != nil {
		t.Fatal(err)
	}
	sent := mails.sent[0]
	if _, err := svc.Verify(ctx, sent.keyID, sent.userID.Nonce); err != nil {
		t.Fatal(err)
	}
	if err := svc.RequestRemove(ctx, "", "demo@mailvelope.com", "https://localhost", "en"); err != nil {
		t.Fatal(err)
	}
	nonce := mails.lastNonceFor("demo@mailvelope.com")
	if nonce == "" {
		t.Fatal("no removal mail sent")
	}
	email, err := svc.VerifyRemove(ctx, sent.keyID, nonce)
	if err != nil {
		t.Fatal(err)
	}
	if email != "demo@mailvelope.com" {
		t.Errorf("wrong email: %s", email)
	}
	if _, ok := store.records[sent.keyID]; ok {
		t.Error("record not deleted with its last user ID")
	}
}

func TestRequestRemoveByEmailMailsOneChallenge(t *testing.T) {
	svc, _, mails := testService(t)
	ctx := context.Background()
	armored := testArmoredKey(t, "Demo",
		"demo@mailvelope.com", "work@mailvelope.com", "home@mailvelope.com")
	if err := svc.Put(ctx, nil, armored, "https://localhost", "en"); err != nil {
		t.Fatal(err)
	}
	keyID := mails.sent[0].keyID
	for _, sent := range mails.sent[:3] {
		if _, err := svc.Verify(ctx, keyID, sent.userID.Nonce); err != nil {
			t.Fatal(err)
		}
	}
	before := len(mails.sent)
	if err := svc.RequestRemove(ctx, "", "work@mailvelope.com", "https://localhost", "en"); err != nil {
		t.Fatal(err)
	}
	removal := mails.sent[before:]
	if len(removal) != 1 {
		t.Fatalf("removal by email must mail exactly one challenge: %d", len(removal))
	}
	if removal[0].op != "verifyRemove" || removal[0].userID.Email != "work@mailvelope.com" {
		t.Errorf("wrong removal mail: %+v", removal[0])
	}
}

func TestVerifyRemoveKeepsOtherUserIDs(t *testing.T) {
	svc, store, mails := testService(t)
	ctx := context.Background()
	armored := testArmoredKey(t, "Demo", "demo@mailvelope.com", "work@mailvelope.com")
	if err := svc.Put(ctx, nil, armored, "https://localhost", "en"); err != nil {
		t.Fatal(err)
	}
	keyID := mails.sent[0].keyID
	for _, sent := range mails.sent[:2] {
		if _, err := svc.Verify(ctx, keyID, sent.userID.Nonce); err != nil {
			t.Fatal(err)
		}
	}
	if err := svc.RequestRemove(ctx, keyID, "", "https://localhost", "en"); err != nil {
		t.Fatal(err)
	}
	nonce := mails.lastNonceFor("work@mailvelope.com")
	if _, err := svc.VerifyRemove(ctx, keyID, nonce); err != nil {
		t.Fatal(err)
	}
	record := store.records[keyID]
	if record == nil {
		t.Fatal("record deleted although a user ID remains")
	}
	if len(record.UserIDs) != 1 || record.UserIDs[0].Email != "demo@mailvelope.com" {
		t.Errorf("wrong remaining user IDs: %+v", record.UserIDs)
	}
	if record.PublicKeyArmored == "" {
		t.Error("released material lost")
	}
}

func TestNewNonce(t *testing.T) {
	a, err := newNonce()
	if err != nil {
		t.Fatal(err)
	}
	b, err := newNonce()
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != 32 || a == b {
		t.Errorf("bad nonces: %s %s", a, b)
	}
}
