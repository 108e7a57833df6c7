// Copyright (c) 2019 Mailvelope GmbH.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mailer

import (
	"golang.org/x/text/language"
)

// template is one localized mail. The body expects the recipient name and
// the confirmation link as arguments.
type template struct {
	subject string
	body    string
}

var supported = []language.Tag{
	language.English, // first entry is the fallback
	language.German,
}

var matcher = language.NewMatcher(supported)

var verifyKeyTemplates = map[language.Tag]template{
	language.English: {
		subject: "Verify Your Key",
		body: `Hello %s,

please click here to verify your email address:

%s

If you did not upload a key, you can ignore this message. Unverified
keys are deleted automatically after a few days.

Your Mailvelope Team`,
	},
	language.German: {
		subject: "Schlüssel verifizieren",
		body: `Hallo %s,

bitte klicken Sie auf folgenden Link, um Ihre E-Mail-Adresse zu
bestätigen:

%s

Falls Sie keinen Schlüssel hochgeladen haben, können Sie diese
Nachricht ignorieren. Unbestätigte Schlüssel werden nach einigen Tagen
automatisch gelöscht.

Ihr Mailvelope Team`,
	},
}

var verifyRemoveTemplates = map[language.Tag]template{
	language.English: {
		subject: "Confirm Key Removal",
		body: `Hello %s,

please click here to confirm the removal of your key:

%s

If you did not request the removal, you can ignore this message and
your key will stay on the server.

Your Mailvelope Team`,
	},
	language.German: {
		subject: "Löschung des Schlüssels bestätigen",
		body: `Hallo %s,

bitte klicken Sie auf folgenden Link, um die Löschung Ihres Schlüssels
zu bestätigen:

%s

Falls Sie die Löschung nicht angefordert haben, können Sie diese
Nachricht ignorieren und Ihr Schlüssel bleibt auf dem Server.

Ihr Mailvelope Team`,
	},
}

// lookup matches locale (an Accept-Language value) against the supported
// languages and returns the template, falling back to English.
func lookup(templates map[language.Tag]template, locale string) template {
	_, index := language.MatchStrings(matcher, locale)
	return templates[supported[index]]
}
