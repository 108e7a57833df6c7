// Copyright (c) 2019 Mailvelope GmbH.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config defines the configuration of the key server daemon.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
)

// Server configures the HTTP listener and response header policies.
type Server struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	CORS     bool   `json:"cors"`     // emit CORS headers
	Security bool   `json:"security"` // emit strict transport security headers
	CSP      bool   `json:"csp"`      // emit content security policy headers
}

// Mongo configures the document store connection.
type Mongo struct {
	URI  string `json:"uri"`
	User string `json:"user"`
	Pass string `json:"pass"`
}

// Email configures the SMTP transport for verification mails.
type Email struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Pass     string `json:"pass"`
	Auth     bool   `json:"auth"`
	TLS      bool   `json:"tls"`
	StartTLS bool   `json:"starttls"`
	PGP      bool   `json:"pgp"` // encrypt verification mails to the uploaded key
	Sender   string `json:"sender"`
}

// PublicKey configures the key lifecycle policy.
type PublicKey struct {
	PurgeTimeInDays int `json:"purgeTimeInDays"` // TTL for unverified records
	UploadRateLimit int `json:"uploadRateLimit"` // 0 disables the check
}

// Purify configures the abuse-resistance policy applied to uploaded keys.
type Purify struct {
	PurifyKey       bool `json:"purifyKey"`
	MaxNumUserEmail int  `json:"maxNumUserEmail"`
	MaxNumSubkey    int  `json:"maxNumSubkey"`
	MaxNumCert      int  `json:"maxNumCert"`
	MaxSizeUserID   int  `json:"maxSizeUserID"` // bytes
	MaxSizePacket   int  `json:"maxSizePacket"` // bytes
	MaxSizeKey      int  `json:"maxSizeKey"`    // bytes
}

// Syslog configures optional log shipping.
type Syslog struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Log configures the logging framework.
type Log struct {
	Level   string `json:"level"`
	Dir     string `json:"dir"`
	Console bool   `json:"console"`
}

// Config combines all configuration sections of the key server.
type Config struct {
	Server    Server    `json:"server"`
	Mongo     Mongo     `json:"mongo"`
	Email     Email     `json:"email"`
	PublicKey PublicKey `json:"publicKey"`
	Purify    Purify    `json:"purify"`
	Syslog    Syslog    `json:"syslog"`
	Log       Log       `json:"log"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: Server{
			Host:     "localhost",
			Port:     8888,
			CORS:     true,
			Security: true,
			CSP:      true,
		},
		Mongo: Mongo{
			URI: "mongodb://localhost:27017/keyserver",
		},
		Email: Email{
			Port:   465,
			TLS:    true,
			Auth:   true,
			Sender: "Keyserver <noreply@localhost>",
		},
		PublicKey: PublicKey{
			PurgeTimeInDays: 14,
			UploadRateLimit: 10,
		},
		Purify: Purify{
			PurifyKey:       true,
			MaxNumUserEmail: 20,
			MaxNumSubkey:    20,
			MaxNumCert:      100,
			MaxSizeUserID:   1024,
			MaxSizePacket:   8192,
			MaxSizeKey:      65536,
		},
		Log: Log{
			Level:   "info",
			Console: true,
		},
	}
}

// Load reads the JSON configuration file at path on top of the defaults.
func Load(path string) (*Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("config: cannot parse '%s': %s", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid server.port %d", c.Server.Port)
	}
	if c.Mongo.URI == "" {
		return fmt.Errorf("config: mongo.uri must be set")
	}
	if c.PublicKey.PurgeTimeInDays <= 0 {
		return fmt.Errorf("config: publicKey.purgeTimeInDays must be positive")
	}
	if c.PublicKey.UploadRateLimit < 0 {
		return fmt.Errorf("config: publicKey.uploadRateLimit must not be negative")
	}
	if c.Purify.PurifyKey {
		if c.Purify.MaxNumUserEmail <= 0 || c.Purify.MaxNumSubkey <= 0 ||
			c.Purify.MaxNumCert <= 0 || c.Purify.MaxSizeUserID <= 0 ||
			c.Purify.MaxSizePacket <= 0 || c.Purify.MaxSizeKey <= 0 {
			return fmt.Errorf("config: all purify bounds must be positive")
		}
	}
	return nil
}

// Addr returns the listen address of the HTTP server.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// SyslogAddr returns the syslog shipping address or "" if disabled.
func (c *Config) SyslogAddr() string {
	if c.Syslog.Host == "" {
		return ""
	}
	return net.JoinHostPort(c.Syslog.Host, strconv.Itoa(c.Syslog.Port))
}
