// Copyright (c) 2019 Mailvelope GmbH.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package log_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/mailvelope/keyserver-sub000/log"
)

func init() {
	if err := log.Init("info", "", true, ""); err != nil {
		panic(err)
	}
}

func TestErrorReturnsError(t *testing.T) {
	cause := errors.New("package name: condition should be true")
	if err := log.Error(cause); err != cause {
		t.Errorf("wrong error: %v", err)
	}
	if err := log.Errorf("request %d failed", 42); err == nil ||
		!strings.Contains(err.Error(), "request 42 failed") {
		t.Errorf("wrong error: %v", err)
	}
	if err := log.Critical(cause); err != cause {
		t.Errorf("wrong error: %v", err)
	}
	if err := log.Warnf("%s is slow", "request"); err == nil {
		t.Error("Warnf must return the logged error")
	}
}

func TestSetLogWriter(t *testing.T) {
	var buf bytes.Buffer
	if err := log.SetLogWriter(&buf); err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := log.Init("info", "", true, ""); err != nil {
			t.Fatal(err)
		}
	}()
	log.Info("server: request received")
	log.Flush()
	if !strings.Contains(buf.String(), "server: request received") {
		t.Errorf("info line missing: %q", buf.String())
	}
	if err := log.SetLogWriter(nil); err == nil {
		t.Error("nil writer must be rejected")
	}
}
