package secrets

import (
	"crypto/rand"
	"math/big"
)

const (
	alphanumeric = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	// saltRunes is the character set WordPress accepts for its
	// authentication keys and salts. Single quote and backslash are
	// excluded so the value can be embedded in wp-config.php verbatim.
	saltRunes = alphanumeric + "!@#$%^&*()-_ []{}<>~+=,.;:/?|"

	// AdminPasswordLength is the length of the generated initial admin
	// password.
	AdminPasswordLength = 24
	// SaltLength is the length of each WordPress key/salt value.
	SaltLength = 64
)

func randomString(charset string, length int) (string, error) {
	out := make([]byte, length)
	max := big.NewInt(int64(len(charset)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = charset[n.Int64()]
	}
	return string(out), nil
}

// AdminPassword generates the initial admin password.
func AdminPassword() (string, error) {
	return randomString(alphanumeric, AdminPasswordLength)
}

// WordPressSalt generates one WordPress authentication key or salt.
func WordPressSalt() (string, error) {
	return randomString(saltRunes, SaltLength)
}
