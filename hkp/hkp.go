// Copyright (c) 2019 Mailvelope GmbH.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package hkp implements the OpenPGP HTTP Keyserver Protocol endpoints
// /pks/add and /pks/lookup. Lookup serves released keys only; uploads go
// through the same verification flow as the REST API.
package hkp

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/mailvelope/keyserver-sub000/httpd"
	"github.com/mailvelope/keyserver-sub000/keyserver"
	"github.com/mailvelope/keyserver-sub000/pgpkey"
	"github.com/mailvelope/keyserver-sub000/util"
)

const uploadResponse = "Upload successful. Check your inbox to verify your email address."

// Service is the part of the key server the HKP endpoints use.
type Service interface {
	Put(ctx context.Context, emails []string, armored, origin, locale string) error
	Get(ctx context.Context, keyID, fingerprint, email string) (*pgpkey.Key, error)
}

var _ Service = (*keyserver.Service)(nil)

// Handler serves the HKP endpoints.
type Handler struct {
	svc Service
}

// New returns an HKP handler backed by svc.
func New(svc Service) *Handler {
	return &Handler{svc: svc}
}

// Register attaches the HKP routes to router.
func (h *Handler) Register(router *httprouter.Router) {
	router.HandlerFunc(http.MethodPost, "/pks/add", h.add)
	router.HandlerFunc(http.MethodGet, "/pks/lookup", h.lookup)
}

// add implements the HKP key submission.
func (h *Handler) add(w http.ResponseWriter, r *http.Request) {
	keytext := r.PostFormValue("keytext")
	if keytext == "" {
		httpd.WriteError(w, trace.BadParameter("no keytext given"))
		return
	}
	err := h.svc.Put(r.Context(), nil, keytext, httpd.Origin(r), httpd.Locale(r))
	if err != nil {
		httpd.WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, uploadResponse)
}

// lookup implements the HKP key lookup with the get, index, and vindex
// operations.
func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) {
	op := r.URL.Query().Get("op")
	switch op {
	case "get", "index", "vindex":
	default:
		httpd.WriteError(w, trace.NotImplemented("operation not implemented"))
		return
	}
	machineReadable := hasOption(r.URL.Query().Get("options"), "mr")
	keyID, fingerprint, email, err := parseSearch(r.URL.Query().Get("search"))
	if err != nil {
		httpd.WriteError(w, err)
		return
	}
	key, err := h.svc.Get(r.Context(), keyID, fingerprint, email)
	if err != nil {
		httpd.WriteError(w, err)
		return
	}
	if op == "get" {
		h.get(w, key, machineReadable)
		return
	}
	h.index(w, key)
}

func (h *Handler) get(w http.ResponseWriter, key *pgpkey.Key, machineReadable bool) {
	if machineReadable {
		w.Header().Set("Content-Type", "application/pgp-keys; charset=utf-8")
		w.Header().Set("Content-Disposition", "attachment; filename=openpgp-key.asc")
		fmt.Fprintln(w, key.PublicKeyArmored)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<!DOCTYPE html>\n<html><head><title>%s</title></head><body><pre>%s</pre></body></html>\n",
		key.KeyID, key.PublicKeyArmored)
}

// index writes the machine-readable index format of RFC draft
// shaw-openpgp-hkp-00 section 5.2. Only verified user IDs are listed.
func (h *Handler) index(w http.ResponseWriter, key *pgpkey.Key) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "info:1:1")
	fmt.Fprintf(w, "pub:%s:%s:%d:%d::\n",
		strings.ToUpper(key.Fingerprint),
		algorithmColumn(key.Algorithm),
		key.KeySize,
		key.Created.Unix())
	for _, uid := range key.UserIDs {
		if !uid.Verified {
			continue
		}
		userStr := uid.Email
		if uid.Name != "" {
			userStr = fmt.Sprintf("%s <%s>", uid.Name, uid.Email)
		}
		fmt.Fprintf(w, "uid:%s:::\n", url.QueryEscape(userStr))
	}
}

// algorithmColumn returns the numeric algorithm field of the pub line.
// Unresolvable RSA variants fall back to 1, anything else stays empty.
func algorithmColumn(algorithm string) string {
	if id := pgpkey.AlgorithmID(algorithm); id != 0 {
		return strconv.Itoa(id)
	}
	if strings.Contains(algorithm, "rsa") {
		return "1"
	}
	return ""
}

// parseSearch interprets the HKP search parameter: "0x" followed by 16 or
// 40 hex digits queries by key ID or fingerprint, anything else is an
// email address, optionally in angle brackets.
func parseSearch(search string) (keyID, fingerprint, email string, err error) {
	search = strings.TrimSpace(search)
	if search == "" {
		return "", "", "", trace.BadParameter("no search parameter given")
	}
	if strings.HasPrefix(search, "0x") {
		id := strings.ToLower(search[2:])
		switch {
		case util.IsKeyID(id):
			return id, "", "", nil
		case util.IsFingerprint(id):
			return "", id, "", nil
		}
		return "", "", "", trace.BadParameter("invalid key ID in search parameter")
	}
	search = strings.Trim(search, "<>")
	email = util.NormalizeEmail(search)
	if !util.IsEmail(email) {
		return "", "", "", trace.BadParameter("invalid email address in search parameter")
	}
	return "", "", email, nil
}

func hasOption(options, option string) bool {
	for _, o := range strings.Split(options, ",") {
		if strings.TrimSpace(o) == option {
			return true
		}
	}
	return false
}
