package common

// MaskSecret masks sensitive strings for safe logging. Strings longer than
// eight characters keep their first and last four characters.
func MaskSecret(secret string) string {
	if secret == "" {
		return "<not set>"
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}
