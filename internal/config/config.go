// Package config implements the unit configuration surface: a fixed,
// enumerated set of typed options with defaults. Unknown option names are
// rejected at this boundary, before any value reaches the compiler.
package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Type is the declared type of a configuration option.
type Type string

const (
	TypeString Type = "string"
	TypeBool   Type = "bool"
	TypeInt    Type = "int"
)

// Option declares a single configuration option.
type Option struct {
	Name    string
	Type    Type
	Default string
	// Required marks options that must carry a non-empty value for the
	// workload to be compiled at all.
	Required bool
}

// schema is the full configuration surface of the operator. The db_*
// overrides exist so a deployment can point at a database that is not
// modelled as a relation; when used they take precedence over
// relation-provided credentials.
var schema = map[string]Option{
	"image":            {Name: "image", Type: TypeString, Required: true},
	"blog_hostname":    {Name: "blog_hostname", Type: TypeString},
	"db_name":          {Name: "db_name", Type: TypeString, Default: "wordpress"},
	"db_host":          {Name: "db_host", Type: TypeString},
	"db_user":          {Name: "db_user", Type: TypeString},
	"db_password":      {Name: "db_password", Type: TypeString},
	"tls_secret_name":  {Name: "tls_secret_name", Type: TypeString},
	"initial_settings": {Name: "initial_settings", Type: TypeString},
	"table_prefix":     {Name: "table_prefix", Type: TypeString, Default: "wp_"},
	"use_ingress":      {Name: "use_ingress", Type: TypeBool, Default: "true"},
}

// Config is an immutable snapshot of option values. Empty string values
// are treated as unset and fall back to the schema default.
type Config struct {
	values map[string]string
}

// New builds a Config from raw option values. Option names outside the
// schema and values that do not parse as the declared type are rejected
// here so the compiler only ever sees well-formed snapshots.
func New(raw map[string]string) (*Config, error) {
	values := make(map[string]string, len(raw))
	for name, value := range raw {
		opt, ok := schema[name]
		if !ok {
			return nil, fmt.Errorf("unrecognized config option %q", name)
		}
		if value == "" {
			continue
		}
		switch opt.Type {
		case TypeBool:
			if _, err := strconv.ParseBool(value); err != nil {
				return nil, fmt.Errorf("config option %q: %q is not a boolean", name, value)
			}
		case TypeInt:
			if _, err := strconv.Atoi(value); err != nil {
				return nil, fmt.Errorf("config option %q: %q is not an integer", name, value)
			}
		}
		values[name] = value
	}
	return &Config{values: values}, nil
}

// Empty returns a Config with every option at its default.
func Empty() *Config {
	return &Config{values: map[string]string{}}
}

// String returns the value of a string option, or its default when unset.
func (c *Config) String(name string) string {
	if v, ok := c.values[name]; ok {
		return v
	}
	return schema[name].Default
}

// Bool returns the value of a bool option.
func (c *Config) Bool(name string) bool {
	v, err := strconv.ParseBool(c.String(name))
	if err != nil {
		return false
	}
	return v
}

// IsSet reports whether an option carries an explicit non-empty value.
func (c *Config) IsSet(name string) bool {
	_, ok := c.values[name]
	return ok
}

// MissingRequired returns the names of required options without a value,
// sorted for deterministic error messages.
func (c *Config) MissingRequired() []string {
	var missing []string
	for name, opt := range schema {
		if opt.Required && strings.TrimSpace(c.String(name)) == "" {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

// DBOverrideComplete reports how the db_* override options are used:
// complete is true when host, user and password are all set, partial is
// true when only some of them are. A partial override is a configuration
// error rather than a half-applied credential set.
func (c *Config) DBOverrideComplete() (complete, partial bool) {
	n := 0
	for _, name := range []string{"db_host", "db_user", "db_password"} {
		if c.IsSet(name) {
			n++
		}
	}
	return n == 3, n > 0 && n < 3
}
