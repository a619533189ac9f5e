// Package utils provides common utility functions.
package utils

// MaskSecret masks a credential for safe logging (shows first 8 and last 4
// chars). Use this to avoid logging bearer secrets in plain text.
func MaskSecret(secret string) string {
	if secret == "" {
		return "(empty)"
	}
	if len(secret) < 16 {
		return "****"
	}
	return secret[:8] + "..." + secret[len(secret)-4:]
}
