// Copyright (c) 2019 Mailvelope GmbH.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mailer sends verification mails over SMTP. Mails carry a
// confirmation link with a one-time nonce and are PGP-encrypted to the
// uploaded key when possible.
package mailer

import (
	"fmt"
	"net/url"

	mail "gopkg.in/mail.v2"

	"github.com/mailvelope/keyserver-sub000/config"
	"github.com/mailvelope/keyserver-sub000/log"
	"github.com/mailvelope/keyserver-sub000/pgpkey"
)

// Mailer sends verification mails through a single SMTP account.
type Mailer struct {
	dialer  *mail.Dialer
	sender  string
	encrypt bool
}

// New returns a mailer for the given SMTP configuration.
func New(cfg *config.Email) *Mailer {
	user, pass := cfg.User, cfg.Pass
	if !cfg.Auth {
		user, pass = "", ""
	}
	dialer := mail.NewDialer(cfg.Host, cfg.Port, user, pass)
	dialer.SSL = cfg.TLS
	if cfg.StartTLS {
		dialer.StartTLSPolicy = mail.MandatoryStartTLS
	}
	return &Mailer{
		dialer:  dialer,
		sender:  cfg.Sender,
		encrypt: cfg.PGP,
	}
}

// SendVerifyKey mails the verification link for a newly uploaded user ID.
// The mail body is encrypted to the filtered key of the user ID so only
// the key owner can read the nonce.
func (m *Mailer) SendVerifyKey(userID pgpkey.UserID, keyID, origin, locale string) error {
	tpl := lookup(verifyKeyTemplates, locale)
	link := verifyLink(origin, "verify", keyID, userID.Nonce)
	return m.send(userID, tpl.subject, fmt.Sprintf(tpl.body, userID.Name, link))
}

// SendVerifyRemove mails the confirmation link for a key removal request.
func (m *Mailer) SendVerifyRemove(userID pgpkey.UserID, keyID, origin, locale string) error {
	tpl := lookup(verifyRemoveTemplates, locale)
	link := verifyLink(origin, "verifyRemove", keyID, userID.Nonce)
	return m.send(userID, tpl.subject, fmt.Sprintf(tpl.body, userID.Name, link))
}

func (m *Mailer) send(userID pgpkey.UserID, subject, body string) error {
	if m.encrypt && userID.PublicKeyArmored != "" {
		encrypted, err := pgpkey.EncryptMessage(userID.PublicKeyArmored, body)
		if err != nil {
			log.Warnf("mailer: cannot encrypt mail to %s: %s", userID.Email, err)
		} else {
			body = encrypted
		}
	}
	msg := mail.NewMessage()
	msg.SetHeader("From", m.sender)
	msg.SetHeader("To", msg.FormatAddress(userID.Email, userID.Name))
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body)
	if err := m.dialer.DialAndSend(msg); err != nil {
		return err
	}
	log.Infof("mailer: sent %q to %s", subject, userID.Email)
	return nil
}

// verifyLink builds the confirmation link for op on the given origin.
func verifyLink(origin, op, keyID, nonce string) string {
	query := url.Values{}
	query.Set("op", op)
	query.Set("keyId", keyID)
	query.Set("nonce", nonce)
	return origin + "/api/v1/key?" + query.Encode()
}
