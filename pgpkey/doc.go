// Copyright (c) 2019 Mailvelope GmbH.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*
Package pgpkey parses, filters, and merges armored OpenPGP public keys.

The package accepts untrusted key material: uploaded keys pass through a
configurable purification policy which verifies every certificate, drops
invalid and third-party material, strips unhashed signature subpackets,
and enforces size and count bounds before anything is persisted.
*/
package pgpkey
