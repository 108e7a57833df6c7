// Copyright (c) 2019 Mailvelope GmbH.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package httpd carries the HTTP chassis of the key server: the server
// lifecycle, the response header policies, and the error mapping shared
// by the HKP and REST handlers.
package httpd

import (
	"context"
	"net/http"
	"time"

	"github.com/gravitational/trace"

	"github.com/mailvelope/keyserver-sub000/config"
	"github.com/mailvelope/keyserver-sub000/log"
)

// Server wraps the HTTP server of the key server daemon.
type Server struct {
	srv *http.Server
}

// New returns a server for handler on the configured listen address, with
// the response header policies of cfg applied.
func New(cfg *config.Server, addr string, handler http.Handler) *Server {
	h := handler
	if cfg.CSP {
		h = csp(h)
	}
	if cfg.Security {
		h = security(h)
	}
	if cfg.CORS {
		h = cors(h)
	}
	return &Server{
		srv: &http.Server{
			Addr:         addr,
			Handler:      h,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
	}
}

// ListenAndServe serves until Shutdown is called.
func (s *Server) ListenAndServe() error {
	log.Infof("httpd: listening on %s", s.srv.Addr)
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server, waiting for running requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// WriteError maps err to an HTTP status and writes a plain text response.
// Unclassified errors are logged and hidden from the client.
func WriteError(w http.ResponseWriter, err error) {
	status := ErrorStatus(err)
	msg := trace.UserMessage(err)
	if status == http.StatusInternalServerError {
		log.Errorf("httpd: %s", err)
		msg = "internal server error"
	}
	http.Error(w, msg, status)
}

// ErrorStatus maps the error taxonomy of the service layer to HTTP
// status codes.
func ErrorStatus(err error) int {
	switch {
	case trace.IsBadParameter(err):
		return http.StatusBadRequest
	case trace.IsNotFound(err):
		return http.StatusNotFound
	case trace.IsLimitExceeded(err):
		return http.StatusTooManyRequests
	case trace.IsNotImplemented(err):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// Origin returns the external base URL the request came in on, honoring
// the forwarding headers of a fronting proxy. Verification links in mails
// are built on it.
func Origin(r *http.Request) string {
	proto := r.Header.Get("X-Forwarded-Proto")
	if proto == "" {
		if r.TLS != nil {
			proto = "https"
		} else {
			proto = "http"
		}
	}
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}
	return proto + "://" + host
}

// Locale returns the language preference of the request.
func Locale(r *http.Request) string {
	return r.Header.Get("Accept-Language")
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func security(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

func csp(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", "default-src 'self'; object-src 'none'; frame-ancestors 'none'")
		next.ServeHTTP(w, r)
	})
}
