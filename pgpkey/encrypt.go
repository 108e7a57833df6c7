// Copyright (c) 2019 Mailvelope GmbH.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pgpkey

import (
	"bytes"
	"io"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
)

const messageType = "PGP MESSAGE"

// EncryptMessage encrypts text to the given armored public key and returns
// an armored PGP message. Encryption runs at the same future-tolerant time
// as key verification so keys with clock skew still work.
func EncryptMessage(armoredKey, text string) (string, error) {
	entity, err := readArmoredEntity(armoredKey)
	if err != nil {
		return "", err
	}
	at := verificationTime(entity)
	cfg := &packet.Config{Time: func() time.Time { return at }}
	if _, ok := entity.EncryptionKey(at); !ok {
		return "", ErrNoEncryptionKey
	}
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, messageType, nil)
	if err != nil {
		return "", err
	}
	pt, err := openpgp.EncryptText(w, []*openpgp.Entity{entity}, nil, nil, cfg)
	if err != nil {
		return "", err
	}
	if _, err := io.WriteString(pt, text); err != nil {
		return "", err
	}
	if err := pt.Close(); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
