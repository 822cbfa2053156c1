// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package cmd provides the configuration and bootstrap plumbing shared by
// the engine's binaries (cmd/acmeforge-server, cmd/acmeforge-client). For
// simplicity every binary lumps its settings into one struct and loads it
// from a single YAML (or JSON — both Unmarshal implementations are kept
// in sync) file.
//
// Note: NO DEFAULTS are provided by this package; each binary's config
// struct applies its own.
package cmd

import (
	"encoding/json"
	"errors"
	"os"
	"strings"
	"time"

	validator "github.com/letsencrypt/validator/v10"
	"gopkg.in/yaml.v3"
)

// ServiceConfig contains config items common to every binary.
type ServiceConfig struct {
	// DebugAddr is the address to serve /metrics on. Empty disables it.
	DebugAddr string
}

// TLSConfig represents a certificate and key for authenticated TLS.
type TLSConfig struct {
	CertFile   string `validate:"required"`
	KeyFile    string `validate:"required"`
	CACertFile string
}

// LogConfig defines the config for this engine's own logger.
type LogConfig struct {
	// Prefix tags every log line, typically the binary's own name.
	Prefix string
}

// ConfigDuration is an alias for time.Duration that serializes to and
// from both JSON and YAML as a Go duration string ("500ms", "30s").
type ConfigDuration struct {
	time.Duration
}

// ErrDurationMustBeString is returned when a non-string value is
// presented to be deserialized as a ConfigDuration.
var ErrDurationMustBeString = errors.New("cannot unmarshal something other than a string into a ConfigDuration")

func (d *ConfigDuration) UnmarshalJSON(b []byte) error {
	s := ""
	if err := json.Unmarshal(b, &s); err != nil {
		if _, ok := err.(*json.UnmarshalTypeError); ok {
			return ErrDurationMustBeString
		}
		return err
	}
	dur, err := time.ParseDuration(s)
	d.Duration = dur
	return err
}

func (d ConfigDuration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.Duration.String() + `"`), nil
}

func (d *ConfigDuration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// ConfigSecret is a string-valued config field. If its value starts with
// "secret:", the remainder is treated as a filename and the secret is
// read from that file instead, with trailing newlines trimmed — keeping
// credentials out of the checked-in config document.
type ConfigSecret string

var errSecretMustBeString = errors.New("cannot unmarshal something other than a string into a ConfigSecret")

const secretPrefix = "secret:"

func (d *ConfigSecret) UnmarshalJSON(b []byte) error {
	s := ""
	if err := json.Unmarshal(b, &s); err != nil {
		if _, ok := err.(*json.UnmarshalTypeError); ok {
			return errSecretMustBeString
		}
		return err
	}
	return d.resolve(s)
}

func (d *ConfigSecret) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.resolve(s)
}

func (d *ConfigSecret) resolve(s string) error {
	if !strings.HasPrefix(s, secretPrefix) {
		*d = ConfigSecret(s)
		return nil
	}
	contents, err := os.ReadFile(s[len(secretPrefix):])
	if err != nil {
		return err
	}
	*d = ConfigSecret(strings.TrimRight(string(contents), "\n"))
	return nil
}

// ReadConfigFile unmarshals the YAML document at filename into out, then
// validates out's struct tags with validator/v10.
func ReadConfigFile(filename string, out interface{}) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return err
	}
	return validator.New().Struct(out)
}
