package compiler

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charmed-ops/wordpress-operator/internal/config"
	"github.com/charmed-ops/wordpress-operator/internal/relation"
)

func mustConfig(t *testing.T, raw map[string]string) *config.Config {
	t.Helper()
	cfg, err := config.New(raw)
	require.NoError(t, err)
	return cfg
}

func validCreds() relation.DatabaseCredentials {
	return relation.DatabaseCredentials{
		Host: "db", Port: "3306", Database: "wp", User: "u", Password: "p",
	}
}

func fullSecrets() map[string]string {
	out := make(map[string]string, len(SecretKeyFields))
	for _, f := range SecretKeyFields {
		out[f] = "secret-" + f
	}
	return out
}

func TestCompileBlockedOnMissingRequiredConfig(t *testing.T) {
	_, err := Compile(Inputs{Config: config.Empty()})

	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, SeverityBlocked, cerr.Severity)
	assert.Contains(t, cerr.Reason, "image")
}

func TestCompileBlockedTakesPrecedenceOverWaiting(t *testing.T) {
	// Configuration invalid and database absent at the same time: the
	// configuration problem wins because a human can fix it immediately.
	_, err := Compile(Inputs{Config: config.Empty(), CredentialsPresent: false})

	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, SeverityBlocked, cerr.Severity)
}

func TestCompileBlockedOnPartialDBOverride(t *testing.T) {
	cfg := mustConfig(t, map[string]string{"image": "wordpress:latest", "db_host": "db"})

	_, err := Compile(Inputs{Config: cfg, Credentials: validCreds(), CredentialsPresent: true})

	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, SeverityBlocked, cerr.Severity)
	assert.Contains(t, cerr.Reason, "set together")
}

func TestCompileWaitingWithoutDatabase(t *testing.T) {
	cfg := mustConfig(t, map[string]string{"image": "wordpress:latest"})

	_, err := Compile(Inputs{Config: cfg})

	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, SeverityWaiting, cerr.Severity)
	assert.Contains(t, cerr.Reason, "database")
}

func TestCompileSpec(t *testing.T) {
	cfg := mustConfig(t, map[string]string{"image": "wordpress:latest"})

	spec, err := Compile(Inputs{
		Config:             cfg,
		Credentials:        validCreds(),
		CredentialsPresent: true,
		Secrets:            fullSecrets(),
	})
	require.NoError(t, err)

	assert.Equal(t, "wordpress:latest", spec.Image)
	assert.Equal(t, "db", spec.Env["WORDPRESS_DB_HOST"])
	assert.Equal(t, "wp", spec.Env["WORDPRESS_DB_NAME"])
	assert.Equal(t, "u", spec.Env["WORDPRESS_DB_USER"])
	assert.Equal(t, "p", spec.Env["WORDPRESS_DB_PASSWORD"])
	require.Len(t, spec.Ports, 1)
	assert.EqualValues(t, 80, spec.Ports[0].Port)

	wpConfig := spec.Files[WpConfigPath]
	require.NotEmpty(t, wpConfig)
	assert.Contains(t, wpConfig, "define( 'DB_HOST', 'db' );")
	assert.Contains(t, wpConfig, "define( 'DB_USER', 'u' );")
	assert.Contains(t, wpConfig, "define( 'DB_PASSWORD', 'p' );")
	for _, field := range SecretKeyFields {
		assert.Contains(t, wpConfig, "define( '"+strings.ToUpper(field)+"', 'secret-"+field+"' );")
	}
	assert.Contains(t, wpConfig, "$table_prefix = 'wp_';")
}

func TestCompileDeterministic(t *testing.T) {
	cfg := mustConfig(t, map[string]string{
		"image":         "wordpress:latest",
		"blog_hostname": "blog.example.com",
	})
	in := Inputs{
		Config:             cfg,
		Credentials:        validCreds(),
		CredentialsPresent: true,
		Secrets:            fullSecrets(),
	}

	first, err := Compile(in)
	require.NoError(t, err)
	second, err := Compile(in)
	require.NoError(t, err)

	assert.Equal(t, first.Files[WpConfigPath], second.Files[WpConfigPath],
		"identical inputs must render byte-identical output")
	assert.True(t, first.Equal(second))
	assert.Equal(t, first.Hash(), second.Hash())
}

func TestCompileConfigOverridesWinOverRelation(t *testing.T) {
	cfg := mustConfig(t, map[string]string{
		"image":       "wordpress:latest",
		"db_host":     "cfg-host",
		"db_user":     "cfg-user",
		"db_password": "cfg-pass",
	})

	spec, err := Compile(Inputs{
		Config:             cfg,
		Credentials:        validCreds(),
		CredentialsPresent: true,
		Secrets:            fullSecrets(),
	})
	require.NoError(t, err)

	assert.Equal(t, "cfg-host", spec.Env["WORDPRESS_DB_HOST"])
	assert.Equal(t, "cfg-user", spec.Env["WORDPRESS_DB_USER"])
	assert.Equal(t, "cfg-pass", spec.Env["WORDPRESS_DB_PASSWORD"])
	assert.Contains(t, spec.Files[WpConfigPath], "define( 'DB_HOST', 'cfg-host' );")
}

func TestCompileOverridesWorkWithoutRelation(t *testing.T) {
	cfg := mustConfig(t, map[string]string{
		"image":       "wordpress:latest",
		"db_host":     "cfg-host",
		"db_user":     "cfg-user",
		"db_password": "cfg-pass",
	})

	spec, err := Compile(Inputs{Config: cfg})
	require.NoError(t, err, "complete overrides should not need the relation at all")
	assert.Equal(t, "cfg-host", spec.Env["WORDPRESS_DB_HOST"])
}

func TestCompileNonDefaultPortInHost(t *testing.T) {
	creds := validCreds()
	creds.Port = "3307"
	cfg := mustConfig(t, map[string]string{"image": "wordpress:latest"})

	spec, err := Compile(Inputs{Config: cfg, Credentials: creds, CredentialsPresent: true})
	require.NoError(t, err)
	assert.Equal(t, "db:3307", spec.Env["WORDPRESS_DB_HOST"])
}

func TestCompileHostnameAndTLS(t *testing.T) {
	cfg := mustConfig(t, map[string]string{
		"image":           "wordpress:latest",
		"blog_hostname":   "blog.example.com",
		"tls_secret_name": "blog-tls",
	})

	spec, err := Compile(Inputs{Config: cfg, Credentials: validCreds(), CredentialsPresent: true})
	require.NoError(t, err)

	assert.Contains(t, spec.Files[WpConfigPath], "define( 'WP_HOME', 'https://blog.example.com' );")
	assert.Equal(t, "blog-tls", spec.Env["WORDPRESS_TLS_SECRET_NAME"])
	assert.Equal(t, "blog-tls", spec.TLSSecret)
}

func TestCompileMissingSecretsOmitted(t *testing.T) {
	cfg := mustConfig(t, map[string]string{"image": "wordpress:latest"})

	spec, err := Compile(Inputs{Config: cfg, Credentials: validCreds(), CredentialsPresent: true})
	require.NoError(t, err)
	assert.NotContains(t, spec.Files[WpConfigPath], "AUTH_KEY",
		"absent secrets must be left out of the render, not rendered blank")
}

func TestPhpQuote(t *testing.T) {
	assert.Equal(t, `'plain'`, phpQuote("plain"))
	assert.Equal(t, `'it\'s'`, phpQuote("it's"))
	assert.Equal(t, `'a\\b'`, phpQuote(`a\b`))
}
