// Package compiler turns a snapshot of facts into the desired workload
// spec. Compile is a pure function: no I/O, no mutation, and identical
// inputs always produce byte-identical output, which is what the
// reconciler's diff-based idempotence check depends on.
package compiler

import (
	"fmt"
	"strings"

	"github.com/charmed-ops/wordpress-operator/internal/config"
	"github.com/charmed-ops/wordpress-operator/internal/relation"
	"github.com/charmed-ops/wordpress-operator/internal/workload"
)

// Severity classifies a compilation failure by what unblocks it: Blocked
// needs a human to fix configuration, Waiting resolves itself once a
// dependency delivers its facts.
type Severity string

const (
	SeverityBlocked Severity = "blocked"
	SeverityWaiting Severity = "waiting"
)

// Error is a compilation failure with its operator-facing reason.
type Error struct {
	Severity Severity
	Reason   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Severity, e.Reason)
}

// WpConfigPath is where the rendered configuration file is mounted
// inside the workload container.
const WpConfigPath = "/var/www/html/wp-config.php"

// HTTPPort is the port the workload serves on.
const HTTPPort int32 = 80

// DefaultDBPort is assumed when credentials come from the db_* config
// overrides, which carry no port.
const DefaultDBPort = "3306"

// SecretKeyFields are the WordPress authentication keys and salts
// rendered into wp-config.php, in render order.
var SecretKeyFields = []string{
	"auth_key",
	"secure_auth_key",
	"logged_in_key",
	"nonce_key",
	"auth_salt",
	"secure_auth_salt",
	"logged_in_salt",
	"nonce_salt",
}

// AdminPasswordSecret names the generate-once initial admin password.
const AdminPasswordSecret = "default_admin_password"

// Identity is the workload identity this unit manages.
type Identity struct {
	App      string
	Unit     string
	Hostname string
}

// Inputs is the full fact snapshot Compile consumes.
type Inputs struct {
	Config      *config.Config
	Credentials relation.DatabaseCredentials
	// CredentialsPresent is false when the database relation has not
	// delivered a complete credential set.
	CredentialsPresent bool
	// Secrets holds the secret values that already exist. Compile never
	// creates secrets; missing entries are simply left out of the render
	// and the resulting spec will differ from one compiled after the
	// reconciler has ensured them.
	Secrets  map[string]string
	Identity Identity
}

// Compile validates the snapshot and assembles the desired workload
// spec. Configuration problems are reported before dependency gaps, so a
// Blocked condition always wins over a Waiting one.
func Compile(in Inputs) (*workload.Spec, error) {
	cfg := in.Config
	if cfg == nil {
		cfg = config.Empty()
	}

	if missing := cfg.MissingRequired(); len(missing) > 0 {
		return nil, &Error{
			Severity: SeverityBlocked,
			Reason:   fmt.Sprintf("missing required config: %s", strings.Join(missing, " ")),
		}
	}
	overrideComplete, overridePartial := cfg.DBOverrideComplete()
	if overridePartial {
		return nil, &Error{
			Severity: SeverityBlocked,
			Reason:   "db_host, db_user and db_password must be set together",
		}
	}

	creds := in.Credentials
	switch {
	case overrideComplete:
		// Config overrides take precedence over relation credentials.
		creds = relation.DatabaseCredentials{
			Host:     cfg.String("db_host"),
			Port:     DefaultDBPort,
			Database: cfg.String("db_name"),
			User:     cfg.String("db_user"),
			Password: cfg.String("db_password"),
		}
	case in.CredentialsPresent:
		if cfg.IsSet("db_name") {
			creds.Database = cfg.String("db_name")
		}
	default:
		return nil, &Error{Severity: SeverityWaiting, Reason: "database not ready"}
	}

	spec := &workload.Spec{
		Image: cfg.String("image"),
		Env: map[string]string{
			"WORDPRESS_DB_HOST":     dbHost(creds),
			"WORDPRESS_DB_NAME":     creds.Database,
			"WORDPRESS_DB_USER":     creds.User,
			"WORDPRESS_DB_PASSWORD": creds.Password,
		},
		Files: map[string]string{
			WpConfigPath: renderWpConfig(cfg, creds, in.Secrets),
		},
		Ports: []workload.Port{
			{Name: "wordpress", Port: HTTPPort, Protocol: "TCP"},
		},
	}
	if hostname := cfg.String("blog_hostname"); hostname != "" {
		spec.Env["WORDPRESS_BLOG_HOSTNAME"] = hostname
	}
	if tls := cfg.String("tls_secret_name"); tls != "" {
		spec.Env["WORDPRESS_TLS_SECRET_NAME"] = tls
		spec.TLSSecret = tls
	}
	if settings := cfg.String("initial_settings"); settings != "" {
		// Consumed by the container's first-install hook; opaque here.
		spec.Env["WORDPRESS_INITIAL_SETTINGS"] = settings
	}
	return spec, nil
}

func dbHost(creds relation.DatabaseCredentials) string {
	if creds.Port == "" || creds.Port == DefaultDBPort {
		return creds.Host
	}
	return creds.Host + ":" + creds.Port
}

// renderWpConfig renders wp-config.php. Rendering is deterministic:
// fields appear in a fixed order and substitution is plain string
// interpolation of quoted values.
func renderWpConfig(cfg *config.Config, creds relation.DatabaseCredentials, secretValues map[string]string) string {
	var sb strings.Builder
	sb.WriteString("<?php\n")
	define(&sb, "DB_HOST", dbHost(creds))
	define(&sb, "DB_NAME", creds.Database)
	define(&sb, "DB_USER", creds.User)
	define(&sb, "DB_PASSWORD", creds.Password)
	define(&sb, "DB_CHARSET", "utf8")
	for _, field := range SecretKeyFields {
		if v, ok := secretValues[field]; ok {
			define(&sb, strings.ToUpper(field), v)
		}
	}
	if hostname := cfg.String("blog_hostname"); hostname != "" {
		scheme := "http"
		if cfg.String("tls_secret_name") != "" {
			scheme = "https"
		}
		define(&sb, "WP_HOME", fmt.Sprintf("%s://%s", scheme, hostname))
		define(&sb, "WP_SITEURL", fmt.Sprintf("%s://%s", scheme, hostname))
	}
	fmt.Fprintf(&sb, "$table_prefix = %s;\n", phpQuote(cfg.String("table_prefix")))
	sb.WriteString("if ( ! defined( 'ABSPATH' ) ) {\n\tdefine( 'ABSPATH', __DIR__ . '/' );\n}\n")
	sb.WriteString("require_once ABSPATH . 'wp-settings.php';\n")
	return sb.String()
}

func define(sb *strings.Builder, name, value string) {
	fmt.Fprintf(sb, "define( '%s', %s );\n", name, phpQuote(value))
}

// phpQuote renders a single-quoted PHP string literal.
func phpQuote(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}
