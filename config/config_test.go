// Copyright (c) 2019 Mailvelope GmbH.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, "localhost:8888", c.Addr())
	assert.Equal(t, 14, c.PublicKey.PurgeTimeInDays)
	assert.True(t, c.Purify.PurifyKey)
	assert.Equal(t, "", c.SyslogAddr())
}

func TestLoadOverlay(t *testing.T) {
	tmpdir := t.TempDir()
	path := filepath.Join(tmpdir, "config.json")
	jsn := `{
  "server": {"host": "0.0.0.0", "port": 9999},
  "mongo": {"uri": "mongodb://db:27017/keyserver"},
  "publicKey": {"uploadRateLimit": 0},
  "syslog": {"host": "logs.example.com", "port": 514}
}`
	require.NoError(t, os.WriteFile(path, []byte(jsn), 0600))
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9999", c.Addr())
	assert.Equal(t, "mongodb://db:27017/keyserver", c.Mongo.URI)
	// unset sections keep their defaults
	assert.Equal(t, 14, c.PublicKey.PurgeTimeInDays)
	assert.Equal(t, 0, c.PublicKey.UploadRateLimit)
	assert.Equal(t, "logs.example.com:514", c.SyslogAddr())
}

func TestLoadInvalid(t *testing.T) {
	tmpdir := t.TempDir()
	path := filepath.Join(tmpdir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"server":{"port":-1}}`), 0600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.json")
	assert.Error(t, err)
}
