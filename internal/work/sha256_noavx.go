//go:build noavx

package work

import stdsha "crypto/sha256"

func init() {
	sha256Sum = stdsha.Sum256
}

// SHA256Implementation names the SHA-256 backend compiled in
func SHA256Implementation() string {
	return "crypto/sha256"
}
