// Copyright (c) 2019 Mailvelope GmbH.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package restapi implements the REST endpoint /api/v1/key for key
// upload, lookup, verification, and removal. Verification and removal
// links from the mails land here as well and render small confirmation
// pages.
package restapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/mailvelope/keyserver-sub000/httpd"
	"github.com/mailvelope/keyserver-sub000/keyserver"
	"github.com/mailvelope/keyserver-sub000/log"
	"github.com/mailvelope/keyserver-sub000/pgpkey"
	"github.com/mailvelope/keyserver-sub000/util"
)

// Service is the part of the key server the REST endpoints use.
type Service interface {
	Put(ctx context.Context, emails []string, armored, origin, locale string) error
	Get(ctx context.Context, keyID, fingerprint, email string) (*pgpkey.Key, error)
	Verify(ctx context.Context, keyID, nonce string) (string, error)
	VerifyRemove(ctx context.Context, keyID, nonce string) (string, error)
	Delete(ctx context.Context, keyID, email, origin, locale string) error
}

var _ Service = (*keyserver.Service)(nil)

// Handler serves the REST endpoints.
type Handler struct {
	svc Service
}

// New returns a REST handler backed by svc.
func New(svc Service) *Handler {
	return &Handler{svc: svc}
}

// Register attaches the REST routes to router.
func (h *Handler) Register(router *httprouter.Router) {
	router.HandlerFunc(http.MethodPost, "/api/v1/key", h.create)
	router.HandlerFunc(http.MethodGet, "/api/v1/key", h.get)
	router.HandlerFunc(http.MethodDelete, "/api/v1/key", h.remove)
}

type uploadRequest struct {
	Emails           []string `json:"emails"`
	PublicKeyArmored string   `json:"publicKeyArmored"`
}

// create uploads a new key.
func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req uploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpd.WriteError(w, trace.BadParameter("invalid request body"))
		return
	}
	if req.PublicKeyArmored == "" {
		httpd.WriteError(w, trace.BadParameter("no publicKeyArmored given"))
		return
	}
	for _, email := range req.Emails {
		if !util.IsEmail(util.NormalizeEmail(email)) {
			httpd.WriteError(w, trace.BadParameter("invalid email address"))
			return
		}
	}
	err := h.svc.Put(r.Context(), req.Emails, req.PublicKeyArmored, httpd.Origin(r), httpd.Locale(r))
	if err != nil {
		httpd.WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusCreated)
	fmt.Fprintln(w, "Upload successful. Check your inbox to verify your email address.")
}

// get dispatches on the op parameter: verification link handling or key
// lookup.
func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	switch query.Get("op") {
	case "verify":
		h.verify(w, r)
	case "verifyRemove":
		h.verifyRemove(w, r)
	case "":
		h.lookup(w, r)
	default:
		httpd.WriteError(w, trace.NotImplemented("operation not implemented"))
	}
}

func (h *Handler) verify(w http.ResponseWriter, r *http.Request) {
	keyID, nonce, err := verifyParams(r)
	if err != nil {
		httpd.WriteError(w, err)
		return
	}
	email, err := h.svc.Verify(r.Context(), keyID, nonce)
	if err != nil {
		httpd.WriteError(w, err)
		return
	}
	lookup := fmt.Sprintf("%s/pks/lookup?op=get&search=%s", httpd.Origin(r), url.QueryEscape(email))
	successPage(w, "Email address verified",
		fmt.Sprintf(`The email address %s has been verified. Your key can now be found with <a href="%s">this link</a>.`, email, lookup))
}

func (h *Handler) verifyRemove(w http.ResponseWriter, r *http.Request) {
	keyID, nonce, err := verifyParams(r)
	if err != nil {
		httpd.WriteError(w, err)
		return
	}
	email, err := h.svc.VerifyRemove(r.Context(), keyID, nonce)
	if err != nil {
		httpd.WriteError(w, err)
		return
	}
	successPage(w, "Key removed",
		fmt.Sprintf("The key data for %s has been removed from this server.", email))
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) {
	keyID, fingerprint, email, err := lookupParams(r)
	if err != nil {
		httpd.WriteError(w, err)
		return
	}
	key, err := h.svc.Get(r.Context(), keyID, fingerprint, email)
	if err != nil {
		httpd.WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(key); err != nil {
		log.Errorf("restapi: cannot encode key: %s", err)
	}
}

// remove sends removal confirmation mails for the addressed key.
func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	keyID, email := query.Get("keyId"), query.Get("email")
	if email != "" {
		email = util.NormalizeEmail(email)
	}
	switch {
	case keyID != "" && !util.IsKeyID(keyID):
		httpd.WriteError(w, trace.BadParameter("invalid keyId parameter"))
		return
	case email != "" && !util.IsEmail(email):
		httpd.WriteError(w, trace.BadParameter("invalid email parameter"))
		return
	case keyID == "" && email == "":
		httpd.WriteError(w, trace.BadParameter("no keyId or email parameter given"))
		return
	}
	err := h.svc.Delete(r.Context(), keyID, email, httpd.Origin(r), httpd.Locale(r))
	if err != nil {
		httpd.WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusAccepted)
	fmt.Fprintln(w, "Check your inbox to confirm the removal of the key.")
}

func verifyParams(r *http.Request) (keyID, nonce string, err error) {
	query := r.URL.Query()
	keyID, nonce = query.Get("keyId"), query.Get("nonce")
	if !util.IsKeyID(keyID) {
		return "", "", trace.BadParameter("invalid keyId parameter")
	}
	if !util.IsNonce(nonce) {
		return "", "", trace.BadParameter("invalid nonce parameter")
	}
	return keyID, nonce, nil
}

func lookupParams(r *http.Request) (keyID, fingerprint, email string, err error) {
	query := r.URL.Query()
	keyID, fingerprint, email = query.Get("keyId"), query.Get("fingerprint"), query.Get("email")
	if email != "" {
		email = util.NormalizeEmail(email)
	}
	switch {
	case keyID != "":
		if !util.IsKeyID(keyID) {
			return "", "", "", trace.BadParameter("invalid keyId parameter")
		}
	case fingerprint != "":
		if !util.IsFingerprint(fingerprint) {
			return "", "", "", trace.BadParameter("invalid fingerprint parameter")
		}
	case email != "":
		if !util.IsEmail(email) {
			return "", "", "", trace.BadParameter("invalid email parameter")
		}
	default:
		return "", "", "", trace.BadParameter("no keyId, fingerprint, or email parameter given")
	}
	return keyID, fingerprint, email, nil
}

func successPage(w http.ResponseWriter, title, text string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<!DOCTYPE html>\n<html><head><title>%s</title></head><body><h1>%s</h1><p>%s</p></body></html>\n",
		title, title, text)
}
