// Copyright (c) 2019 Mailvelope GmbH.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pgpkey

import (
	"bytes"
	"encoding/binary"

	"github.com/ProtonMail/go-crypto/openpgp/packet"
)

// Unhashed subpacket types that survive stripping. Everything else in the
// unhashed area is unsigned attacker-controllable data.
const (
	subpacketIssuer            = 16
	subpacketEmbeddedSignature = 32
	subpacketIssuerFingerprint = 33
)

// stripUnhashedSubpackets removes all unhashed subpackets from sig except
// issuer, issuer fingerprint, and embedded signatures. Embedded signatures
// are stripped recursively. The signature packet is rewritten on the raw
// byte level since the unhashed area is not covered by the signature hash
// and can be rewritten without invalidating it. On any parse failure the
// original signature is returned unchanged.
func stripUnhashedSubpackets(sig *packet.Signature) *packet.Signature {
	var buf bytes.Buffer
	if err := sig.Serialize(&buf); err != nil {
		return sig
	}
	body, err := signatureBody(buf.Bytes())
	if err != nil {
		return sig
	}
	stripped, changed, err := stripSignatureBody(body)
	if err != nil || !changed {
		return sig
	}
	pkt, err := packet.Read(bytes.NewReader(encodePacket(2, stripped)))
	if err != nil {
		return sig
	}
	out, ok := pkt.(*packet.Signature)
	if !ok {
		return sig
	}
	return out
}

// signatureBody returns the body of a serialized signature packet,
// skipping the packet header.
func signatureBody(raw []byte) ([]byte, error) {
	if len(raw) < 2 || raw[0]&0x80 == 0 {
		return nil, ErrParse
	}
	hdr := raw[0]
	var body []byte
	var length int
	if hdr&0x40 != 0 {
		// new format
		if hdr&0x3f != 2 {
			return nil, ErrParse
		}
		switch n := raw[1]; {
		case n < 192:
			length, body = int(n), raw[2:]
		case n < 224:
			if len(raw) < 3 {
				return nil, ErrParse
			}
			length, body = (int(n)-192)<<8+int(raw[2])+192, raw[3:]
		case n == 255:
			if len(raw) < 6 {
				return nil, ErrParse
			}
			length, body = int(binary.BigEndian.Uint32(raw[2:6])), raw[6:]
		default:
			// partial lengths never occur on signature packets
			return nil, ErrParse
		}
	} else {
		// old format
		if (hdr>>2)&0x0f != 2 {
			return nil, ErrParse
		}
		switch hdr & 0x03 {
		case 0:
			length, body = int(raw[1]), raw[2:]
		case 1:
			if len(raw) < 3 {
				return nil, ErrParse
			}
			length, body = int(binary.BigEndian.Uint16(raw[1:3])), raw[3:]
		case 2:
			if len(raw) < 5 {
				return nil, ErrParse
			}
			length, body = int(binary.BigEndian.Uint32(raw[1:5])), raw[5:]
		default:
			return nil, ErrParse
		}
	}
	if len(body) != length {
		return nil, ErrParse
	}
	return body, nil
}

// stripSignatureBody filters the unhashed area of a raw v4 signature
// packet body. It reports whether anything was removed.
func stripSignatureBody(body []byte) ([]byte, bool, error) {
	// version, sigtype, pubalgo, hashalgo, hashed area length
	if len(body) < 6 || body[0] != 4 {
		return nil, false, ErrParse
	}
	hashedLen := int(binary.BigEndian.Uint16(body[4:6]))
	off := 6 + hashedLen
	if len(body) < off+2 {
		return nil, false, ErrParse
	}
	unhashedLen := int(binary.BigEndian.Uint16(body[off : off+2]))
	start, end := off+2, off+2+unhashedLen
	if len(body) < end {
		return nil, false, ErrParse
	}
	filtered, changed, err := filterSubpackets(body[start:end])
	if err != nil {
		return nil, false, err
	}
	if !changed {
		return body, false, nil
	}
	out := make([]byte, 0, len(body)-unhashedLen+len(filtered))
	out = append(out, body[:off]...)
	out = append(out, byte(len(filtered)>>8), byte(len(filtered)))
	out = append(out, filtered...)
	out = append(out, body[end:]...)
	return out, true, nil
}

// filterSubpackets walks a subpacket area and keeps only issuer, issuer
// fingerprint, and recursively stripped embedded signature subpackets.
func filterSubpackets(area []byte) ([]byte, bool, error) {
	var out []byte
	changed := false
	for len(area) > 0 {
		var length, hdrLen int
		switch n := area[0]; {
		case n < 192:
			length, hdrLen = int(n), 1
		case n < 255:
			if len(area) < 2 {
				return nil, false, ErrParse
			}
			length, hdrLen = (int(n)-192)<<8+int(area[1])+192, 2
		default:
			if len(area) < 5 {
				return nil, false, ErrParse
			}
			length, hdrLen = int(binary.BigEndian.Uint32(area[1:5])), 5
		}
		if length < 1 || len(area) < hdrLen+length {
			return nil, false, ErrParse
		}
		sub := area[hdrLen : hdrLen+length]
		switch sub[0] & 0x7f {
		case subpacketIssuer, subpacketIssuerFingerprint:
			out = append(out, area[:hdrLen+length]...)
		case subpacketEmbeddedSignature:
			inner, innerChanged, err := stripSignatureBody(sub[1:])
			if err != nil {
				return nil, false, err
			}
			if innerChanged {
				changed = true
				out = append(out, encodeSubpacket(sub[0], inner)...)
			} else {
				out = append(out, area[:hdrLen+length]...)
			}
		default:
			changed = true
		}
		area = area[hdrLen+length:]
	}
	return out, changed, nil
}

// encodeSubpacket serializes one subpacket with the given type octet.
func encodeSubpacket(typ byte, data []byte) []byte {
	length := len(data) + 1
	var out []byte
	switch {
	case length < 192:
		out = []byte{byte(length)}
	case length < 16320:
		n := length - 192
		out = []byte{byte(n>>8) + 192, byte(n)}
	default:
		out = []byte{255, byte(length >> 24), byte(length >> 16), byte(length >> 8), byte(length)}
	}
	out = append(out, typ)
	return append(out, data...)
}

// encodePacket serializes a packet body with a new-format header.
func encodePacket(tag byte, body []byte) []byte {
	out := []byte{0xc0 | tag}
	length := len(body)
	switch {
	case length < 192:
		out = append(out, byte(length))
	case length < 8384:
		n := length - 192
		out = append(out, byte(n>>8)+192, byte(n))
	default:
		out = append(out, 255, byte(length>>24), byte(length>>16), byte(length>>8), byte(length))
	}
	return append(out, body...)
}
